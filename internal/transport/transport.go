// Package transport owns the single underlying connection to the agent,
// either a WebSocket control channel or the stdio of a spawned process.
package transport

import (
	"context"
	"errors"

	"github.com/agentlink/agentlink/internal/wire"
)

var (
	// ErrNotStarted is returned when Send precedes Start on a transport that
	// cannot queue (the process variant).
	ErrNotStarted = errors.New("transport not started")
	// ErrClosed is returned once the transport has been stopped.
	ErrClosed = errors.New("transport closed")
)

// Events carries transport callbacks. Any field may be nil.
type Events struct {
	// OnOpen fires once when the underlying connection is established.
	OnOpen func()
	// OnMessage fires for every complete inbound message, in arrival order.
	OnMessage func(wire.Message)
	// OnError fires for recoverable errors that do not end the connection.
	OnError func(error)
	// OnClose fires once when the connection ends; err is nil on a clean stop.
	OnClose func(err error)
}

func (e Events) open() {
	if e.OnOpen != nil {
		e.OnOpen()
	}
}

func (e Events) message(m wire.Message) {
	if e.OnMessage != nil {
		e.OnMessage(m)
	}
}

func (e Events) error(err error) {
	if e.OnError != nil {
		e.OnError(err)
	}
}

func (e Events) close(err error) {
	if e.OnClose != nil {
		e.OnClose(err)
	}
}

// Transport is one connection to the agent. Exactly one underlying
// connection is live per instance; Stop is idempotent and a stopped
// transport is not restartable.
type Transport interface {
	Start(ctx context.Context) error
	Send(ctx context.Context, msg wire.Message) error
	Stop()
}
