// Package services answers tool calls the agent sends to the editor side:
// workspace checkpoints, task tracking, and diff rendering.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentlink/agentlink/internal/checkpoint"
	"github.com/agentlink/agentlink/internal/diffview"
	"github.com/agentlink/agentlink/internal/logx"
	"github.com/agentlink/agentlink/internal/tasks"
	"github.com/agentlink/agentlink/internal/wire"
)

// Handler serves one named tool call.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Sender is the slice of the bridge the registry needs: broadcast
// subscription in, replies out.
type Sender interface {
	Send(ctx context.Context, msg wire.Message) error
	Subscribe(fn func(wire.Message)) func()
}

// Registry routes inbound execute_tool messages to registered handlers and
// sends the tool_result (or error) back over the same connection.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	timeout time.Duration
	unsub   func()
}

// NewRegistry builds an empty registry. timeout bounds each handler call;
// zero means 60 seconds.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Registry{handlers: make(map[string]Handler), timeout: timeout}
}

// Register adds a handler under name, replacing any previous one.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
}

// Names lists registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Attach subscribes the registry to the sender's broadcast stream. Calling
// Detach (or the returned function) stops serving.
func (r *Registry) Attach(s Sender) func() {
	unsub := s.Subscribe(func(m wire.Message) {
		if m.Kind != wire.KindExecuteTool || m.ID == "" {
			return
		}
		go r.serve(s, m)
	})
	r.mu.Lock()
	r.unsub = unsub
	r.mu.Unlock()
	return unsub
}

// Detach stops serving tool calls.
func (r *Registry) Detach() {
	r.mu.Lock()
	unsub := r.unsub
	r.unsub = nil
	r.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (r *Registry) serve(s Sender, req wire.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	reply := wire.Message{Kind: wire.KindToolResult, ID: req.ID, Tool: req.Tool, Timestamp: time.Now().UnixMilli()}

	r.mu.RLock()
	h, ok := r.handlers[req.Tool]
	r.mu.RUnlock()
	switch {
	case !ok:
		reply.Error = fmt.Sprintf("unknown tool: %s", req.Tool)
	default:
		res, err := h(ctx, req.Parameters)
		if err != nil {
			logx.Log.Warn().Err(err).Str("tool", req.Tool).Str("id", req.ID).Msg("tool call failed")
			reply.Error = err.Error()
		} else {
			raw, err := json.Marshal(res)
			if err != nil {
				reply.Error = fmt.Sprintf("encode result: %v", err)
			} else {
				reply.Result = raw
			}
		}
	}

	if err := s.Send(ctx, reply); err != nil {
		logx.Log.Warn().Err(err).Str("tool", req.Tool).Str("id", req.ID).Msg("send tool result")
	}
}

// RegisterCheckpoints exposes the snapshot store as checkpoint.* tools.
func RegisterCheckpoints(r *Registry, store *checkpoint.Store) {
	r.Register("checkpoint.create", func(ctx context.Context, params map[string]any) (any, error) {
		label, _ := stringParam(params, "label")
		return store.Create(label)
	})
	r.Register("checkpoint.list", func(ctx context.Context, params map[string]any) (any, error) {
		return store.List()
	})
	r.Register("checkpoint.get", func(ctx context.Context, params map[string]any) (any, error) {
		id, err := stringParam(params, "id")
		if err != nil {
			return nil, err
		}
		return store.Get(id)
	})
	r.Register("checkpoint.restore", func(ctx context.Context, params map[string]any) (any, error) {
		id, err := stringParam(params, "id")
		if err != nil {
			return nil, err
		}
		if err := store.Restore(id); err != nil {
			return nil, err
		}
		return map[string]any{"restored": id}, nil
	})
	r.Register("checkpoint.delete", func(ctx context.Context, params map[string]any) (any, error) {
		id, err := stringParam(params, "id")
		if err != nil {
			return nil, err
		}
		if err := store.Delete(id); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": id}, nil
	})
}

// RegisterTasks exposes the task tracker as tasks.* tools.
func RegisterTasks(r *Registry, c *tasks.Client) {
	r.Register("tasks.create", func(ctx context.Context, params map[string]any) (any, error) {
		t, err := taskParam(params)
		if err != nil {
			return nil, err
		}
		return c.Create(ctx, t)
	})
	r.Register("tasks.get", func(ctx context.Context, params map[string]any) (any, error) {
		id, err := stringParam(params, "id")
		if err != nil {
			return nil, err
		}
		return c.Get(ctx, id)
	})
	r.Register("tasks.list", func(ctx context.Context, params map[string]any) (any, error) {
		return c.List(ctx)
	})
	r.Register("tasks.update", func(ctx context.Context, params map[string]any) (any, error) {
		t, err := taskParam(params)
		if err != nil {
			return nil, err
		}
		return c.Update(ctx, t)
	})
	r.Register("tasks.delete", func(ctx context.Context, params map[string]any) (any, error) {
		id, err := stringParam(params, "id")
		if err != nil {
			return nil, err
		}
		if err := c.Delete(ctx, id); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": id}, nil
	})
}

// RegisterDiff exposes diff rendering as diff.open.
func RegisterDiff(r *Registry) {
	r.Register("diff.open", func(ctx context.Context, params map[string]any) (any, error) {
		title, err := stringParam(params, "title")
		if err != nil {
			return nil, err
		}
		before, _ := stringParam(params, "before")
		after, _ := stringParam(params, "after")
		return diffview.Render(title, before, after), nil
	})
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing parameter %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q must be a string", key)
	}
	return s, nil
}

func taskParam(params map[string]any) (tasks.Task, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return tasks.Task{}, err
	}
	var t tasks.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return tasks.Task{}, fmt.Errorf("invalid task record: %w", err)
	}
	return t, nil
}
