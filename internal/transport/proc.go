package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"

	"github.com/agentlink/agentlink/internal/frame"
	"github.com/agentlink/agentlink/internal/logx"
	"github.com/agentlink/agentlink/internal/wire"
)

// ProcConfig configures the process transport.
type ProcConfig struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	// LineFraming switches stdout parsing to newline-delimited JSON for
	// agents that keep stdout clean. The default brace framing tolerates
	// log lines interleaved with JSON payloads.
	LineFraming bool
}

// Proc is the process transport: it spawns the agent, writes one JSON
// message plus newline per send to its stdin, and parses its stdout.
// Stderr lines are relayed to the log.
type Proc struct {
	cfg    ProcConfig
	events Events

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	started bool
	stopped bool

	closeOnce sync.Once
}

// NewProc constructs a process transport for the given command.
func NewProc(cfg ProcConfig, events Events) *Proc {
	return &Proc{cfg: cfg, events: events}
}

// Start spawns the agent process and begins reading its output.
func (t *Proc) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.started {
		t.mu.Unlock()
		return errors.New("transport already started")
	}

	cmd := exec.CommandContext(ctx, t.cfg.Command, t.cfg.Args...)
	cmd.Dir = t.cfg.Dir
	if t.cfg.Env != nil {
		cmd.Env = t.cfg.Env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.mu.Unlock()
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.mu.Unlock()
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if err := cmd.Start(); err != nil {
		t.mu.Unlock()
		return err
	}
	t.cmd = cmd
	t.stdin = stdin
	t.started = true
	t.mu.Unlock()

	logx.Log.Info().Str("command", t.cfg.Command).Int("pid", cmd.Process.Pid).Msg("agent process started")

	go t.readStdout(stdout)
	go t.readStderr(stderr)

	t.events.open()
	return nil
}

// Send writes one message to the agent's stdin. Sending before Start is an
// error for the process variant: there is no process to queue for.
func (t *Proc) Send(ctx context.Context, msg wire.Message) error {
	b, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return ErrClosed
	}
	if !t.started {
		return ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.stdin.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

// Stop closes stdin and kills the agent process. Safe to call more than once.
func (t *Proc) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	stdin := t.stdin
	cmd := t.cmd
	t.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func (t *Proc) readStdout(r io.Reader) {
	var scanner frame.Scanner
	if t.cfg.LineFraming {
		scanner = frame.NewLineScanner()
	} else {
		scanner = frame.NewBraceScanner()
	}
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			frame.Emit(scanner.Write(buf[:n]), t.events.message)
		}
		if err != nil {
			t.finish(err)
			return
		}
	}
}

func (t *Proc) readStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line != "" {
			logx.Log.Debug().Str("stream", "stderr").Msg(line)
		}
	}
}

func (t *Proc) finish(err error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		stopped := t.stopped
		cmd := t.cmd
		t.mu.Unlock()

		var waitErr error
		if cmd != nil {
			waitErr = cmd.Wait()
		}
		switch {
		case stopped:
			err = nil
		case err != nil && !errors.Is(err, io.EOF):
			logx.Log.Error().Err(err).Msg("agent stdout read error")
		case waitErr != nil:
			logx.Log.Error().Err(waitErr).Msg("agent process exited")
			err = waitErr
		default:
			logx.Log.Info().Msg("agent process exited")
			err = errors.New("agent process exited")
		}
		t.events.close(err)
	})
}
