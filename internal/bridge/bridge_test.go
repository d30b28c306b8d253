package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentlink/agentlink/internal/transport"
	"github.com/agentlink/agentlink/internal/wire"
)

type fakeTransport struct {
	mu       sync.Mutex
	events   transport.Events
	sent     []wire.Message
	startErr error
	stopped  bool
}

func (f *fakeTransport) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.events.OnOpen()
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, msg wire.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return transport.ErrClosed
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeTransport) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *fakeTransport) sentKinds() []wire.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]wire.Kind, 0, len(f.sent))
	for _, m := range f.sent {
		kinds = append(kinds, m.Kind)
	}
	return kinds
}

// firstSent returns the first sent message of the given kind.
func (f *fakeTransport) firstSent(kind wire.Kind) (wire.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.sent {
		if m.Kind == kind {
			return m, true
		}
	}
	return wire.Message{}, false
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

func testConfig() Config {
	return Config{
		HandshakeTimeout: 500 * time.Millisecond,
		ListToolsTimeout: 500 * time.Millisecond,
		ExecuteTimeout:   500 * time.Millisecond,
		PromptTimeout:    500 * time.Millisecond,
	}
}

func newTestBridge(t *testing.T, cfg Config) (*Bridge, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	b := New(cfg, func(events transport.Events) transport.Transport {
		ft.events = events
		return ft
	})
	t.Cleanup(b.Dispose)
	return b, ft
}

// answerListTools replies to the catalog refresh the bridge issues on open.
func answerListTools(t *testing.T, ft *fakeTransport, tools []wire.Tool) {
	t.Helper()
	waitFor(t, func() bool {
		_, ok := ft.firstSent(wire.KindListTools)
		return ok
	})
	req, _ := ft.firstSent(wire.KindListTools)
	ft.events.OnMessage(wire.Message{Kind: wire.KindListToolsResponse, ID: req.ID, Tools: tools})
}

func TestConnectHandshakeAndCatalog(t *testing.T) {
	b, ft := newTestBridge(t, testConfig())
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := b.State(); got != StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}
	waitFor(t, func() bool {
		_, ok := ft.firstSent(wire.KindConnect)
		return ok
	})
	answerListTools(t, ft, []wire.Tool{{Name: "read_file", Description: "read a file"}})
	waitFor(t, func() bool { return b.catalog.Len() == 1 })
	if tools := b.Tools(); tools[0].Name != "read_file" {
		t.Fatalf("catalog = %+v", tools)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	calls := 0
	ft := &fakeTransport{}
	b := New(testConfig(), func(events transport.Events) transport.Transport {
		calls++
		ft.events = events
		return ft
	})
	defer b.Dispose()
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if calls != 1 {
		t.Fatalf("factory called %d times, want 1", calls)
	}
}

func TestConnectFailure(t *testing.T) {
	ft := &fakeTransport{startErr: errors.New("dial refused")}
	b := New(testConfig(), func(events transport.Events) transport.Transport {
		ft.events = events
		return ft
	})
	defer b.Dispose()
	err := b.Connect(context.Background())
	if !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("err = %v, want ErrTransportUnavailable", err)
	}
	if got := b.State(); got != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", got)
	}
}

func TestExecuteTool(t *testing.T) {
	b, ft := newTestBridge(t, testConfig())
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	type result struct {
		raw json.RawMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := b.ExecuteTool(context.Background(), "list_files", map[string]any{"dir": "src"})
		done <- result{raw, err}
	}()

	waitFor(t, func() bool {
		_, ok := ft.firstSent(wire.KindExecuteTool)
		return ok
	})
	req, _ := ft.firstSent(wire.KindExecuteTool)
	if req.Tool != "list_files" || req.ID == "" {
		t.Fatalf("request = %+v", req)
	}
	ft.events.OnMessage(wire.Message{
		Kind:   wire.KindToolResult,
		ID:     req.ID,
		Tool:   "list_files",
		Result: json.RawMessage(`["a.ts","b.ts"]`),
	})

	res := <-done
	if res.err != nil {
		t.Fatalf("execute: %v", res.err)
	}
	if string(res.raw) != `["a.ts","b.ts"]` {
		t.Fatalf("result = %s", res.raw)
	}
}

func TestPrompt(t *testing.T) {
	b, ft := newTestBridge(t, testConfig())
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	done := make(chan string, 1)
	go func() {
		text, err := b.Prompt(context.Background(), "summarize the repo")
		if err != nil {
			t.Errorf("prompt: %v", err)
		}
		done <- text
	}()
	waitFor(t, func() bool {
		_, ok := ft.firstSent(wire.KindPrompt)
		return ok
	})
	req, _ := ft.firstSent(wire.KindPrompt)
	ft.events.OnMessage(wire.Message{Kind: wire.KindPromptResponse, ID: req.ID, Content: "a message bridge"})
	if got := <-done; got != "a message bridge" {
		t.Fatalf("prompt response = %q", got)
	}
}

func TestPendingRequestsFailOnConnectionLoss(t *testing.T) {
	b, ft := newTestBridge(t, testConfig())
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := b.ExecuteTool(context.Background(), "slow_tool", nil)
			errs <- err
		}()
	}
	waitFor(t, func() bool { return b.corr.Pending() == 2 })

	ft.events.OnClose(errors.New("socket reset"))

	for i := 0; i < 2; i++ {
		err := <-errs
		if err == nil || !strings.Contains(err.Error(), "connection lost") {
			t.Fatalf("err = %v, want connection lost", err)
		}
	}
	if got := b.State(); got != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", got)
	}
}

func TestSendQueuesWhileDisconnected(t *testing.T) {
	b, ft := newTestBridge(t, testConfig())
	queued := wire.Message{Kind: wire.KindToolResult, ID: "q1", Tool: "checkpoint.create", Result: json.RawMessage(`{"ok":true}`)}
	if err := b.Send(context.Background(), queued); err != nil {
		t.Fatalf("send while disconnected: %v", err)
	}
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool {
		m, ok := ft.firstSent(wire.KindToolResult)
		return ok && m.ID == "q1"
	})
	// The queued message flushes before the readiness handshake.
	kinds := ft.sentKinds()
	if kinds[0] != wire.KindToolResult {
		t.Fatalf("first sent kind = %v, want tool_result (got order %v)", kinds[0], kinds)
	}
}

func TestPingGetsPong(t *testing.T) {
	b, ft := newTestBridge(t, testConfig())
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ft.events.OnMessage(wire.Message{Kind: wire.KindPing, ID: "p1"})
	waitFor(t, func() bool {
		_, ok := ft.firstSent(wire.KindPong)
		return ok
	})
}

func TestBroadcastReachesSubscribers(t *testing.T) {
	b, ft := newTestBridge(t, testConfig())
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	var mu sync.Mutex
	var seen []wire.Kind
	unsub := b.Subscribe(func(m wire.Message) {
		mu.Lock()
		seen = append(seen, m.Kind)
		mu.Unlock()
	})
	defer unsub()

	ft.events.OnMessage(wire.Message{Kind: wire.KindToolResult, ID: "unseen", Tool: "t"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == wire.KindToolResult
	})
}

func TestDisposeRejectsOperations(t *testing.T) {
	b, _ := newTestBridge(t, testConfig())
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	b.Dispose()
	if _, err := b.ExecuteTool(context.Background(), "any", nil); !errors.Is(err, ErrDisposed) {
		t.Fatalf("err = %v, want ErrDisposed", err)
	}
	if err := b.Connect(context.Background()); !errors.Is(err, ErrDisposed) {
		t.Fatalf("connect after dispose: %v", err)
	}
}

func TestDisconnectThenReconnect(t *testing.T) {
	transports := []*fakeTransport{}
	b := New(testConfig(), func(events transport.Events) transport.Transport {
		ft := &fakeTransport{events: events}
		transports = append(transports, ft)
		return ft
	})
	defer b.Dispose()
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	b.Disconnect()
	if got := b.State(); got != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", got)
	}
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if len(transports) != 2 {
		t.Fatalf("factory called %d times, want 2", len(transports))
	}
	if !transports[0].stopped {
		t.Fatal("first transport was not stopped")
	}
	if got := b.State(); got != StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}
}

func TestConnectHandshakeCarriesClientIdentity(t *testing.T) {
	cfg := testConfig()
	cfg.ClientID = "editor-1"
	cfg.ClientName = "devbox"
	b, ft := newTestBridge(t, cfg)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool {
		_, ok := ft.firstSent(wire.KindConnect)
		return ok
	})
	hello, _ := ft.firstSent(wire.KindConnect)
	if got := hello.Parameters["client_id"]; got != "editor-1" {
		t.Fatalf("client_id = %v, want editor-1", got)
	}
	if got := hello.Parameters["client_name"]; got != "devbox" {
		t.Fatalf("client_name = %v, want devbox", got)
	}
}

func TestReconnectRestoresConnectionAndResetsAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.Reconnect = true
	var mu sync.Mutex
	var transports []*fakeTransport
	b := New(cfg, func(events transport.Events) transport.Transport {
		ft := &fakeTransport{events: events}
		mu.Lock()
		transports = append(transports, ft)
		mu.Unlock()
		return ft
	})
	defer b.Dispose()
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	mu.Lock()
	first := transports[0]
	mu.Unlock()
	first.events.OnClose(errors.New("socket reset"))

	if got := b.State(); got != StateDisconnected {
		t.Fatalf("state after loss = %v, want disconnected", got)
	}
	if got := b.Snapshot().ReconnectAttempt; got != 1 {
		t.Fatalf("reconnect attempt = %d, want 1", got)
	}

	// The backoff timer dials a fresh transport on its own.
	waitFor(t, func() bool {
		mu.Lock()
		n := len(transports)
		mu.Unlock()
		return n == 2 && b.State() == StateConnected
	})
	if got := b.Snapshot().ReconnectAttempt; got != 0 {
		t.Fatalf("reconnect attempt after recovery = %d, want 0", got)
	}
}

func TestMissedPongsDropConnection(t *testing.T) {
	cfg := testConfig()
	cfg.KeepAliveInterval = 50 * time.Millisecond
	b, ft := newTestBridge(t, cfg)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	// No pong ever comes back, so the deadline lapses and the bridge
	// tears the transport down.
	waitFor(t, func() bool {
		return ft.isStopped() && b.State() == StateDisconnected
	})
	if _, ok := ft.firstSent(wire.KindPing); !ok {
		t.Fatal("no keep-alive ping was sent before the teardown")
	}
}

func TestSnapshot(t *testing.T) {
	b, ft := newTestBridge(t, testConfig())
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	answerListTools(t, ft, []wire.Tool{{Name: "a"}, {Name: "b"}})
	waitFor(t, func() bool { return b.Snapshot().Tools == 2 })
	st := b.Snapshot()
	if st.State != "connected" || st.PendingRequests != 0 {
		t.Fatalf("snapshot = %+v", st)
	}
}
