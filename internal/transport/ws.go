package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/agentlink/agentlink/internal/frame"
	"github.com/agentlink/agentlink/internal/logx"
	"github.com/agentlink/agentlink/internal/wire"
)

const wsWriteTimeout = 5 * time.Second

// WSConfig configures the socket transport.
type WSConfig struct {
	URL string
	// SendBuffer bounds the outbound channel; defaults to 32.
	SendBuffer int
}

// WS is the socket transport: one JSON message per websocket text frame.
// Messages sent before Start are queued and flushed once the socket opens.
type WS struct {
	cfg    WSConfig
	events Events

	mu      sync.Mutex
	conn    *websocket.Conn
	send    chan []byte
	queue   [][]byte
	started bool
	stopped bool
	cancel  context.CancelFunc

	closeOnce sync.Once
}

// NewWS constructs a socket transport for the given URL.
func NewWS(cfg WSConfig, events Events) *WS {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
	return &WS{cfg: cfg, events: events}
}

// Start dials the server and begins the read and write loops.
func (t *WS) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.started {
		t.mu.Unlock()
		return errors.New("transport already started")
	}
	t.started = true
	t.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, t.cfg.URL, nil)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "stopped")
		return ErrClosed
	}
	t.conn = conn
	t.cancel = cancel
	t.send = make(chan []byte, t.cfg.SendBuffer)
	queued := t.queue
	t.queue = nil
	t.mu.Unlock()

	go t.writeLoop(runCtx, conn)
	go t.readLoop(runCtx, conn)

	for _, b := range queued {
		select {
		case t.send <- b:
		case <-runCtx.Done():
		}
	}
	t.events.open()
	return nil
}

// Send queues one message. Before Start the message is buffered rather than
// dropped; after Stop it fails with ErrClosed.
func (t *WS) Send(ctx context.Context, msg wire.Message) error {
	b, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.conn == nil {
		t.queue = append(t.queue, b)
		t.mu.Unlock()
		return nil
	}
	send := t.send
	t.mu.Unlock()

	select {
	case send <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the connection. Safe to call more than once.
func (t *WS) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	conn := t.conn
	cancel := t.cancel
	t.queue = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "stopped")
	}
}

func (t *WS) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case b := <-t.send:
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				logx.Log.Error().Err(err).Msg("ws write")
				t.events.error(err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (t *WS) readLoop(ctx context.Context, conn *websocket.Conn) {
	scanner := frame.NewLineScanner()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.finish(err)
			return
		}
		// One message per text frame; a frame may also carry several
		// newline-delimited messages, so run it through the line scanner
		// and flush at the frame boundary.
		frames := scanner.Write(data)
		frames = append(frames, scanner.Flush()...)
		frame.Emit(frames, t.events.message)
	}
}

func (t *WS) finish(err error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		stopped := t.stopped
		if t.cancel != nil {
			t.cancel()
		}
		t.mu.Unlock()
		var ce websocket.CloseError
		switch {
		case stopped:
			err = nil
		case errors.As(err, &ce):
			lvl := logx.Log.Info()
			if ce.Code != websocket.StatusNormalClosure {
				lvl = logx.Log.Error()
			}
			lvl.Str("reason", ce.Reason).Msg("agent connection closed")
		default:
			logx.Log.Error().Err(err).Msg("agent read error")
		}
		t.events.close(err)
	})
}
