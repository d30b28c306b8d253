// Package bridge supervises the connection to the agent: lifecycle,
// reconnection with backoff, keep-alive probes, request correlation, and the
// tool catalog cache.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentlink/agentlink/core/reconnect"
	"github.com/agentlink/agentlink/internal/correlate"
	"github.com/agentlink/agentlink/internal/logx"
	"github.com/agentlink/agentlink/internal/transport"
	"github.com/agentlink/agentlink/internal/wire"
)

var (
	// ErrNotConnected is returned when an operation needs a connection and
	// auto-connect failed.
	ErrNotConnected = errors.New("not connected to agent")
	// ErrTransportUnavailable is returned when no connection could be
	// established.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrDisposed is returned once the bridge has been disposed.
	ErrDisposed = errors.New("bridge disposed")

	errDisconnected = errors.New("bridge disconnected")
)

// State is the supervisor's connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Factory builds a fresh transport for each connection attempt. The bridge
// tears down the previous transport before creating a new one, so exactly
// one is live at a time.
type Factory func(events transport.Events) transport.Transport

// Config carries the bridge timeouts and reconnect policy.
type Config struct {
	// HandshakeTimeout bounds the initial readiness exchange after connect.
	HandshakeTimeout time.Duration
	// ListToolsTimeout bounds on-demand catalog refreshes.
	ListToolsTimeout time.Duration
	// ExecuteTimeout bounds tool execution round trips.
	ExecuteTimeout time.Duration
	// PromptTimeout bounds prompt round trips.
	PromptTimeout time.Duration
	// KeepAliveInterval is the ping cadence while connected.
	KeepAliveInterval time.Duration
	// Reconnect enables backoff reconnection after a lost connection.
	Reconnect bool
	// ClientID and ClientName identify this editor instance in the
	// connect handshake.
	ClientID   string
	ClientName string
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.ListToolsTimeout <= 0 {
		c.ListToolsTimeout = 10 * time.Second
	}
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = 60 * time.Second
	}
	if c.PromptTimeout <= 0 {
		c.PromptTimeout = 60 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
}

// Bridge is one supervised connection to an external agent.
type Bridge struct {
	cfg     Config
	factory Factory
	corr    *correlate.Correlator
	catalog *Catalog

	mu       sync.Mutex
	state    State
	tr       transport.Transport
	gen      int
	attempt  int
	reTimer  *time.Timer
	queue    []wire.Message
	lastPong time.Time
	kaStop   chan struct{}
	disposed bool
}

// New constructs a bridge. Nothing connects until Connect is called.
func New(cfg Config, factory Factory) *Bridge {
	cfg.applyDefaults()
	return &Bridge{
		cfg:     cfg,
		factory: factory,
		corr:    correlate.New(),
		catalog: &Catalog{},
	}
}

// State reports the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status is a point-in-time snapshot for the status endpoint.
type Status struct {
	State            string    `json:"state"`
	ReconnectAttempt int       `json:"reconnect_attempt"`
	PendingRequests  int       `json:"pending_requests"`
	Tools            int       `json:"tools"`
	LastPong         time.Time `json:"last_pong,omitzero"`
}

// Snapshot returns the current status.
func (b *Bridge) Snapshot() Status {
	b.mu.Lock()
	st := Status{
		State:            b.state.String(),
		ReconnectAttempt: b.attempt,
		LastPong:         b.lastPong,
	}
	b.mu.Unlock()
	st.PendingRequests = b.corr.Pending()
	st.Tools = b.catalog.Len()
	return st
}

// Connect establishes the connection. Calling it while already connected or
// connecting is a no-op. A failed attempt schedules a reconnect when the
// policy allows and returns a wrapped ErrTransportUnavailable.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return ErrDisposed
	}
	if b.state != StateDisconnected {
		b.mu.Unlock()
		return nil
	}
	if b.reTimer != nil {
		b.reTimer.Stop()
		b.reTimer = nil
	}
	b.state = StateConnecting
	b.gen++
	gen := b.gen
	tr := b.factory(b.events(gen))
	b.tr = tr
	b.mu.Unlock()

	if err := tr.Start(ctx); err != nil {
		tr.Stop()
		b.mu.Lock()
		if b.gen == gen {
			b.state = StateDisconnected
			b.tr = nil
			b.scheduleReconnectLocked()
		}
		b.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return nil
}

// Disconnect tears down the connection and cancels any pending reconnect.
// The bridge stays usable: a later Connect starts over.
func (b *Bridge) Disconnect() {
	b.teardown(false)
}

// Dispose permanently shuts the bridge down and rejects every pending
// request so no caller hangs.
func (b *Bridge) Dispose() {
	b.teardown(true)
}

func (b *Bridge) teardown(dispose bool) {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	if dispose {
		b.disposed = true
	}
	if b.reTimer != nil {
		b.reTimer.Stop()
		b.reTimer = nil
	}
	if b.kaStop != nil {
		close(b.kaStop)
		b.kaStop = nil
	}
	tr := b.tr
	b.tr = nil
	b.state = StateDisconnected
	b.queue = nil
	b.attempt = 0
	// Orphan any late callbacks from the old transport.
	b.gen++
	b.mu.Unlock()

	if tr != nil {
		tr.Stop()
	}
	if dispose {
		b.corr.Dispose()
	} else {
		b.corr.FailAll(errDisconnected)
	}
	pendingRequests.Set(0)
}

// Subscribe registers a broadcast subscriber for every inbound message.
func (b *Bridge) Subscribe(fn func(wire.Message)) func() {
	return b.corr.Subscribe(fn)
}

// Send delivers one message to the agent. While disconnected the message is
// queued and flushed on the next successful connect.
func (b *Bridge) Send(ctx context.Context, msg wire.Message) error {
	return b.send(ctx, msg)
}

// ListTools asks the agent for its tool catalog and refreshes the cache.
func (b *Bridge) ListTools(ctx context.Context) ([]wire.Tool, error) {
	if err := b.ensureConnected(ctx); err != nil {
		return nil, err
	}
	reply, err := b.corr.Request(ctx, b.send,
		wire.Message{Kind: wire.KindListTools},
		[]wire.Kind{wire.KindListToolsResponse}, b.cfg.ListToolsTimeout)
	if err != nil {
		return nil, err
	}
	b.catalog.Replace(reply.Tools)
	catalogTools.Set(float64(len(reply.Tools)))
	return b.catalog.Tools(), nil
}

// Tools returns the last-known catalog snapshot without touching the agent.
func (b *Bridge) Tools() []wire.Tool {
	return b.catalog.Tools()
}

// ExecuteTool runs a named tool on the agent and returns its raw result.
func (b *Bridge) ExecuteTool(ctx context.Context, name string, params map[string]any) (json.RawMessage, error) {
	if err := b.ensureConnected(ctx); err != nil {
		return nil, err
	}
	reply, err := b.corr.Request(ctx, b.send,
		wire.Message{Kind: wire.KindExecuteTool, Tool: name, Parameters: params},
		[]wire.Kind{wire.KindToolResult}, b.cfg.ExecuteTimeout)
	if err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, &correlate.RemoteError{Message: reply.Error}
	}
	return reply.Result, nil
}

// Prompt sends a chat prompt and waits for the agent's response text.
func (b *Bridge) Prompt(ctx context.Context, content string) (string, error) {
	if err := b.ensureConnected(ctx); err != nil {
		return "", err
	}
	reply, err := b.corr.Request(ctx, b.send,
		wire.Message{Kind: wire.KindPrompt, Content: content},
		[]wire.Kind{wire.KindPromptResponse}, b.cfg.PromptTimeout)
	if err != nil {
		return "", err
	}
	return reply.Content, nil
}

func (b *Bridge) ensureConnected(ctx context.Context) error {
	b.mu.Lock()
	disposed := b.disposed
	st := b.state
	reconnectPending := b.reTimer != nil
	b.mu.Unlock()
	if disposed {
		return ErrDisposed
	}
	if st != StateDisconnected {
		return nil
	}
	if reconnectPending {
		// A reconnect is already scheduled; the request queues meanwhile.
		return nil
	}
	if err := b.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

func (b *Bridge) events(gen int) transport.Events {
	return transport.Events{
		OnOpen:    func() { b.onOpen(gen) },
		OnMessage: func(m wire.Message) { b.onMessage(gen, m) },
		OnError:   func(err error) { logx.Log.Warn().Err(err).Msg("transport error") },
		OnClose:   func(err error) { b.onClose(gen, err) },
	}
}

func (b *Bridge) onOpen(gen int) {
	b.mu.Lock()
	if b.disposed || gen != b.gen {
		b.mu.Unlock()
		return
	}
	b.state = StateConnected
	b.attempt = 0
	b.lastPong = time.Now()
	queued := b.queue
	b.queue = nil
	tr := b.tr
	stop := make(chan struct{})
	b.kaStop = stop
	b.mu.Unlock()

	logx.Log.Info().Msg("connected to agent")
	go b.keepAlive(gen, stop)

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.HandshakeTimeout)
	defer cancel()
	for _, m := range queued {
		if err := tr.Send(ctx, m); err != nil {
			logx.Log.Warn().Err(err).Str("kind", string(m.Kind)).Msg("flush queued message")
		} else {
			messagesSent.WithLabelValues(string(m.Kind)).Inc()
		}
	}
	hello := wire.Message{Kind: wire.KindConnect, Timestamp: time.Now().UnixMilli()}
	if b.cfg.ClientID != "" || b.cfg.ClientName != "" {
		hello.Parameters = map[string]any{}
		if b.cfg.ClientID != "" {
			hello.Parameters["client_id"] = b.cfg.ClientID
		}
		if b.cfg.ClientName != "" {
			hello.Parameters["client_name"] = b.cfg.ClientName
		}
	}
	if err := tr.Send(ctx, hello); err != nil {
		logx.Log.Warn().Err(err).Msg("send connect handshake")
	} else {
		messagesSent.WithLabelValues(string(hello.Kind)).Inc()
	}

	go b.refreshCatalog(gen)
}

func (b *Bridge) onMessage(gen int, msg wire.Message) {
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	if msg.Kind == wire.KindPong {
		b.lastPong = time.Now()
	}
	b.mu.Unlock()

	messagesReceived.WithLabelValues(string(msg.Kind)).Inc()
	if msg.Kind == wire.KindPing {
		_ = b.send(context.Background(), wire.Message{Kind: wire.KindPong, Timestamp: time.Now().UnixMilli()})
	}
	b.corr.Dispatch(msg)
	pendingRequests.Set(float64(b.corr.Pending()))
}

func (b *Bridge) onClose(gen int, err error) {
	b.mu.Lock()
	if gen != b.gen || b.tr == nil {
		b.mu.Unlock()
		return
	}
	b.state = StateDisconnected
	b.tr = nil
	if b.kaStop != nil {
		close(b.kaStop)
		b.kaStop = nil
	}
	b.scheduleReconnectLocked()
	b.mu.Unlock()

	if err != nil {
		logx.Log.Warn().Err(err).Msg("agent connection lost")
	} else {
		logx.Log.Info().Msg("agent connection closed")
	}
	if err == nil {
		err = errDisconnected
	}
	b.corr.FailAll(fmt.Errorf("connection lost: %w", err))
	pendingRequests.Set(0)
}

func (b *Bridge) scheduleReconnectLocked() {
	if !b.cfg.Reconnect || b.disposed || b.reTimer != nil {
		return
	}
	delay := reconnect.Delay(b.attempt)
	b.attempt++
	reconnects.Inc()
	logx.Log.Warn().Dur("backoff", delay).Int("attempt", b.attempt).Msg("scheduling reconnect")
	b.reTimer = time.AfterFunc(delay, func() {
		b.mu.Lock()
		b.reTimer = nil
		b.mu.Unlock()
		if err := b.Connect(context.Background()); err != nil {
			logx.Log.Warn().Err(err).Msg("reconnect attempt failed")
		}
	})
}

func (b *Bridge) send(ctx context.Context, msg wire.Message) error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return ErrDisposed
	}
	if b.state != StateConnected || b.tr == nil {
		b.queue = append(b.queue, msg)
		b.mu.Unlock()
		logx.Log.Debug().Str("kind", string(msg.Kind)).Msg("queued message while disconnected")
		return nil
	}
	tr := b.tr
	b.mu.Unlock()

	if err := tr.Send(ctx, msg); err != nil {
		return err
	}
	messagesSent.WithLabelValues(string(msg.Kind)).Inc()
	return nil
}

func (b *Bridge) refreshCatalog(gen int) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.HandshakeTimeout)
	defer cancel()
	reply, err := b.corr.Request(ctx, b.send,
		wire.Message{Kind: wire.KindListTools},
		[]wire.Kind{wire.KindListToolsResponse}, b.cfg.HandshakeTimeout)
	if err != nil {
		logx.Log.Warn().Err(err).Msg("tool catalog refresh failed")
		return
	}
	b.mu.Lock()
	stale := gen != b.gen
	b.mu.Unlock()
	if stale {
		return
	}
	b.catalog.Replace(reply.Tools)
	catalogTools.Set(float64(len(reply.Tools)))
	logx.Log.Info().Int("tools", len(reply.Tools)).Msg("tool catalog refreshed")
}

// keepAlive pings the agent every interval while connected. When no pong
// has arrived for two intervals plus grace the connection is dropped, which
// routes through the normal reconnect path.
func (b *Bridge) keepAlive(gen int, stop <-chan struct{}) {
	interval := b.cfg.KeepAliveInterval
	deadline := 2*interval + interval/2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			tr := b.tr
			last := b.lastPong
			ok := gen == b.gen && b.state == StateConnected
			b.mu.Unlock()
			if !ok || tr == nil {
				return
			}
			if time.Since(last) > deadline {
				logx.Log.Warn().Dur("deadline", deadline).Msg("keep-alive pongs missed; dropping connection")
				b.onClose(gen, errors.New("keep-alive pong missed"))
				tr.Stop()
				return
			}
			if err := b.send(context.Background(), wire.Message{Kind: wire.KindPing, Timestamp: time.Now().UnixMilli()}); err != nil {
				logx.Log.Warn().Err(err).Msg("send keep-alive ping")
			} else {
				keepalivePings.Inc()
			}
		case <-stop:
			return
		}
	}
}
