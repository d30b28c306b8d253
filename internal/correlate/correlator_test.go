package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentlink/agentlink/internal/wire"
)

// capture records sent messages so tests can reply to them.
type capture struct {
	mu   sync.Mutex
	sent []wire.Message
}

func (s *capture) send(ctx context.Context, msg wire.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *capture) last() wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}

func TestRequestResolvesWithMatchingReply(t *testing.T) {
	c := New()
	var s capture
	done := make(chan struct{})
	var got wire.Message
	var err error
	go func() {
		got, err = c.Request(context.Background(), s.send,
			wire.Message{Kind: wire.KindExecuteTool, ID: "a1", Tool: "list_files", Parameters: map[string]any{}},
			[]wire.Kind{wire.KindToolResult}, time.Minute)
		close(done)
	}()

	waitFor(t, func() bool { return c.Pending() == 1 })
	c.Dispatch(wire.Message{Kind: wire.KindToolResult, ID: "a1", Tool: "list_files", Result: json.RawMessage(`["a.ts","b.ts"]`)})
	<-done
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(got.Result) != `["a.ts","b.ts"]` {
		t.Errorf("unexpected result: %s", got.Result)
	}
	if c.Pending() != 0 {
		t.Errorf("pending not cleared: %d", c.Pending())
	}
	if s.last().ID != "a1" {
		t.Errorf("request not sent with id a1: %+v", s.last())
	}
}

func TestRequestTimesOutAndLateReplyIgnored(t *testing.T) {
	c := New()
	var s capture
	_, err := c.Request(context.Background(), s.send,
		wire.Message{Kind: wire.KindPrompt, Content: "hi"}, nil, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("pending entry leaked after timeout")
	}
	// The late reply must not panic and must still reach subscribers.
	var broadcast []wire.Message
	defer c.Subscribe(func(m wire.Message) { broadcast = append(broadcast, m) })()
	c.Dispatch(wire.Message{Kind: wire.KindPromptResponse, ID: s.last().ID, Content: "too late"})
	if len(broadcast) != 1 {
		t.Errorf("late reply not broadcast: %d", len(broadcast))
	}
}

func TestErrorReplyBecomesRemoteError(t *testing.T) {
	c := New()
	var s capture
	done := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), s.send,
			wire.Message{Kind: wire.KindExecuteTool, ID: "e1", Tool: "t"}, []wire.Kind{wire.KindToolResult}, time.Minute)
		done <- err
	}()
	waitFor(t, func() bool { return c.Pending() == 1 })
	c.Dispatch(wire.Message{Kind: wire.KindError, ID: "e1", Error: "no such tool"})
	err := <-done
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if re.Message != "no such tool" {
		t.Errorf("unexpected message: %q", re.Message)
	}
}

func TestUnexpectedReplyKindIsProtocolError(t *testing.T) {
	c := New()
	var s capture
	done := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), s.send,
			wire.Message{Kind: wire.KindListTools, ID: "k1"}, []wire.Kind{wire.KindListToolsResponse}, time.Minute)
		done <- err
	}()
	waitFor(t, func() bool { return c.Pending() == 1 })
	c.Dispatch(wire.Message{Kind: wire.KindPromptResponse, ID: "k1", Content: "wat"})
	err := <-done
	var pe *wire.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestBroadcastRunsForCorrelatedMessages(t *testing.T) {
	c := New()
	var s capture
	var broadcast []wire.Kind
	defer c.Subscribe(func(m wire.Message) { broadcast = append(broadcast, m.Kind) })()

	done := make(chan struct{})
	go func() {
		_, _ = c.Request(context.Background(), s.send,
			wire.Message{Kind: wire.KindListTools, ID: "b1"}, nil, time.Minute)
		close(done)
	}()
	waitFor(t, func() bool { return c.Pending() == 1 })
	c.Dispatch(wire.Message{Kind: wire.KindListToolsResponse, ID: "b1", Tools: []wire.Tool{}})
	c.Dispatch(wire.Message{Kind: wire.KindPing})
	<-done
	if len(broadcast) != 2 || broadcast[0] != wire.KindListToolsResponse || broadcast[1] != wire.KindPing {
		t.Fatalf("broadcast should see every message in order, got %v", broadcast)
	}
}

func TestFailAllSettlesEveryPending(t *testing.T) {
	c := New()
	var s capture
	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.Request(context.Background(), s.send,
				wire.Message{Kind: wire.KindPrompt, Content: "x"}, nil, time.Minute)
			errCh <- err
		}()
	}
	waitFor(t, func() bool { return c.Pending() == 2 })
	lost := errors.New("connection lost")
	c.FailAll(lost)
	for i := 0; i < 2; i++ {
		if err := <-errCh; !errors.Is(err, lost) {
			t.Errorf("expected connection lost, got %v", err)
		}
	}
	if c.Pending() != 0 {
		t.Errorf("pending not cleared")
	}
}

func TestDisposeRejectsNewRequests(t *testing.T) {
	c := New()
	c.Dispose()
	var s capture
	_, err := c.Request(context.Background(), s.send, wire.Message{Kind: wire.KindPing}, nil, time.Second)
	if !errors.Is(err, ErrDisposed) {
		t.Fatalf("expected ErrDisposed, got %v", err)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	c := New()
	n := 0
	unsub := c.Subscribe(func(wire.Message) { n++ })
	c.Dispatch(wire.Message{Kind: wire.KindPing})
	unsub()
	c.Dispatch(wire.Message{Kind: wire.KindPing})
	if n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}
