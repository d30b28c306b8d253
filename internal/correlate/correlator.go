// Package correlate matches agent replies to outstanding requests by id and
// fans every inbound message out to broadcast subscribers.
package correlate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentlink/agentlink/internal/logx"
	"github.com/agentlink/agentlink/internal/wire"
)

var (
	// ErrTimeout indicates no correlated reply arrived within the budget.
	ErrTimeout = errors.New("request timed out")
	// ErrDisposed indicates the correlator settled the request during disposal.
	ErrDisposed = errors.New("disposed")
)

// RemoteError wraps an explicit error payload returned by the agent.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "agent error: " + e.Message }

// SendFunc delivers an encoded message toward the active transport.
type SendFunc func(ctx context.Context, msg wire.Message) error

type outcome struct {
	msg wire.Message
	err error
}

type pending struct {
	expect map[wire.Kind]bool // empty means any kind matches
	ch     chan outcome       // buffered; receives exactly one outcome
}

func (p *pending) settle(msg wire.Message) outcome {
	switch {
	case msg.Kind == wire.KindError:
		return outcome{err: &RemoteError{Message: msg.Error}}
	case len(p.expect) > 0 && !p.expect[msg.Kind]:
		return outcome{err: &wire.ProtocolError{Kind: string(msg.Kind), Reason: "unexpected message kind in reply"}}
	default:
		return outcome{msg: msg}
	}
}

type subscriber struct {
	id int
	fn func(wire.Message)
}

// Correlator tracks pending requests and broadcast subscribers. All mutation
// of the pending map happens under one mutex; an entry is removed before its
// waiter is resolved, so each request settles exactly once.
type Correlator struct {
	mu       sync.Mutex
	pending  map[string]*pending
	subs     []subscriber
	nextSub  int
	disposed bool
}

// New constructs an empty correlator.
func New() *Correlator {
	return &Correlator{pending: make(map[string]*pending)}
}

// Subscribe registers fn for every inbound message regardless of
// correlation. The returned function removes the subscription.
func (c *Correlator) Subscribe(fn func(wire.Message)) func() {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs = append(c.subs, subscriber{id: id, fn: fn})
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
	}
}

// Pending reports how many requests are awaiting a reply.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// NewID allocates a request id that cannot collide with any pending one.
func NewID() string { return uuid.NewString() }

// Request sends msg (allocating an id when absent) and waits for the
// matching reply. It settles exactly once: with the reply, a *RemoteError
// for an error reply, a *wire.ProtocolError for a reply of an unexpected
// kind, ErrTimeout after the budget, or ErrDisposed when the correlator is
// torn down. A reply arriving after the timeout is silently ignored.
func (c *Correlator) Request(ctx context.Context, send SendFunc, msg wire.Message, expect []wire.Kind, timeout time.Duration) (wire.Message, error) {
	if msg.ID == "" {
		msg.ID = NewID()
	}
	p := &pending{ch: make(chan outcome, 1), expect: make(map[wire.Kind]bool, len(expect))}
	for _, k := range expect {
		p.expect[k] = true
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return wire.Message{}, ErrDisposed
	}
	c.pending[msg.ID] = p
	c.mu.Unlock()

	if err := send(ctx, msg); err != nil {
		c.remove(msg.ID)
		return wire.Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-p.ch:
		return out.msg, out.err
	case <-timer.C:
		if c.remove(msg.ID) {
			return wire.Message{}, ErrTimeout
		}
		// A reply won the race; it is already buffered.
		out := <-p.ch
		return out.msg, out.err
	case <-ctx.Done():
		if c.remove(msg.ID) {
			return wire.Message{}, ctx.Err()
		}
		out := <-p.ch
		return out.msg, out.err
	}
}

// Dispatch routes one inbound message: it resolves a pending request whose
// id matches, and always forwards the message to every broadcast subscriber.
// Both paths run independently.
func (c *Correlator) Dispatch(msg wire.Message) {
	if msg.ID != "" {
		c.mu.Lock()
		p, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		c.mu.Unlock()
		if ok {
			p.ch <- p.settle(msg)
		} else if msg.Kind != wire.KindPong {
			logx.Log.Debug().Str("id", msg.ID).Str("kind", string(msg.Kind)).Msg("reply for unknown request id")
		}
	}

	c.mu.Lock()
	subs := make([]subscriber, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()
	for _, s := range subs {
		s.fn(msg)
	}
}

// FailAll settles every pending request with err. Used when the connection
// is lost or the bridge is disposed so no caller hangs forever.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	taken := c.pending
	c.pending = make(map[string]*pending)
	c.mu.Unlock()
	for _, p := range taken {
		p.ch <- outcome{err: err}
	}
}

// Dispose rejects all pending requests and refuses new ones.
func (c *Correlator) Dispose() {
	c.mu.Lock()
	c.disposed = true
	c.mu.Unlock()
	c.FailAll(ErrDisposed)
}

func (c *Correlator) remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}
