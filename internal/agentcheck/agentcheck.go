// Package agentcheck probes an agent's MCP diagnostic endpoint so `-check`
// can report whether the agent is reachable before the editor attaches.
package agentcheck

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentlink/agentlink/internal/logx"
)

// Mode selects how the probe reaches the agent.
type Mode string

const (
	ModeHTTP  Mode = "http"
	ModeSSE   Mode = "sse"
	ModeStdio Mode = "stdio"
)

// ErrBackoff indicates the previous failure's backoff window is still open.
var ErrBackoff = errors.New("probe backoff active")

// Report is the outcome of one probe.
type Report struct {
	Healthy         bool   `json:"healthy"`
	Mode            Mode   `json:"mode,omitempty"`
	ToolCount       int    `json:"tool_count"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	LastError       string `json:"last_error,omitempty"`
}

// probeState is persisted between runs so repeated checks of a down agent
// back off instead of hammering it, and a healthy agent is re-probed on the
// mode that worked last time.
type probeState struct {
	LastOKMode       Mode      `json:"last_ok_mode"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	LastError        string    `json:"last_error"`
	NextAttempt      time.Time `json:"next_attempt"`
}

// Probe checks one agent endpoint or command.
type Probe struct {
	url     string
	cmd     string
	args    []string
	timeout time.Duration

	statePath string
	mu        sync.Mutex
	state     probeState
}

// New builds a probe for an HTTP(S) endpoint url and/or a stdio command.
// State is keyed by the target so distinct agents do not share backoff.
func New(url, cmd string, args ...string) *Probe {
	key := url
	if cmd != "" {
		key = cmd + " " + strings.Join(args, " ")
	}
	sum := sha1.Sum([]byte(key))
	return &Probe{
		url:       url,
		cmd:       cmd,
		args:      args,
		timeout:   5 * time.Second,
		statePath: filepath.Join(os.TempDir(), fmt.Sprintf("agentcheck_%x.json", sum[:8])),
	}
}

// Run probes the agent, trying the last-working mode first. On failure it
// records an exponential backoff window; calls inside the window return
// ErrBackoff without touching the agent.
func (p *Probe) Run(ctx context.Context) (Report, error) {
	p.load()
	p.mu.Lock()
	st := p.state
	p.mu.Unlock()
	if st.ConsecutiveFails > 0 && time.Now().Before(st.NextAttempt) {
		return Report{Healthy: false, LastError: st.LastError}, ErrBackoff
	}

	var lastErr error
	for _, mode := range p.order(st.LastOKMode) {
		r, err := p.tryMode(ctx, mode)
		if err == nil {
			r.Healthy = true
			r.Mode = mode
			p.mu.Lock()
			p.state = probeState{LastOKMode: mode}
			p.mu.Unlock()
			p.save()
			logx.Log.Info().Str("mode", string(mode)).Int("tools", r.ToolCount).Msg("agent probe succeeded")
			return r, nil
		}
		logx.Log.Debug().Err(err).Str("mode", string(mode)).Msg("agent probe attempt failed")
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no probe target configured")
	}

	p.mu.Lock()
	p.state.ConsecutiveFails++
	p.state.LastError = lastErr.Error()
	p.state.NextAttempt = time.Now().Add(probeBackoff(p.state.ConsecutiveFails))
	fails := p.state.ConsecutiveFails
	p.mu.Unlock()
	p.save()
	logx.Log.Warn().Err(lastErr).Int("consecutive_fails", fails).Msg("agent probe failed")
	return Report{Healthy: false, LastError: lastErr.Error()}, lastErr
}

// Reset clears persisted probe state.
func (p *Probe) Reset() {
	p.mu.Lock()
	p.state = probeState{}
	p.mu.Unlock()
	_ = os.Remove(p.statePath)
}

// order lists the modes to try, preferred mode first, skipping modes the
// probe has no target for.
func (p *Probe) order(preferred Mode) []Mode {
	var out []Mode
	add := func(m Mode) {
		switch m {
		case ModeHTTP, ModeSSE:
			if p.url == "" {
				return
			}
		case ModeStdio:
			if p.cmd == "" {
				return
			}
		}
		for _, have := range out {
			if have == m {
				return
			}
		}
		out = append(out, m)
	}
	if preferred != "" {
		add(preferred)
	}
	add(ModeHTTP)
	add(ModeSSE)
	add(ModeStdio)
	return out
}

func (p *Probe) tryMode(ctx context.Context, mode Mode) (Report, error) {
	var (
		cl  *client.Client
		err error
	)
	switch mode {
	case ModeHTTP:
		cl, err = client.NewStreamableHttpClient(p.url)
	case ModeSSE:
		cl, err = client.NewSSEMCPClient(p.url)
	case ModeStdio:
		cl, err = client.NewStdioMCPClient(p.cmd, nil, p.args...)
	default:
		err = fmt.Errorf("unknown probe mode %q", mode)
	}
	if err != nil {
		return Report{}, err
	}
	defer func() { _ = cl.Close() }()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := cl.Start(ctx); err != nil {
		return Report{}, fmt.Errorf("start: %w", err)
	}
	initRes, err := cl.Initialize(ctx, mcp.InitializeRequest{})
	if err != nil {
		return Report{}, fmt.Errorf("initialize: %w", err)
	}
	tools, err := cl.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return Report{}, fmt.Errorf("tools/list: %w", err)
	}
	return Report{ToolCount: len(tools.Tools), ProtocolVersion: initRes.ProtocolVersion}, nil
}

func (p *Probe) load() {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, err := os.ReadFile(p.statePath)
	if err == nil {
		_ = json.Unmarshal(data, &p.state)
	}
}

func (p *Probe) save() {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, _ := json.MarshalIndent(p.state, "", "  ")
	_ = os.WriteFile(p.statePath, data, 0o600)
}

// probeBackoff doubles from 30s per consecutive failure, capped at 5m, with
// +/-20% jitter.
func probeBackoff(fails int) time.Duration {
	d := 30 * time.Second
	for i := 1; i < fails && d < 5*time.Minute; i++ {
		d *= 2
	}
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	jitter := rand.Float64()*0.4 - 0.2
	return time.Duration(float64(d) * (1 + jitter))
}
