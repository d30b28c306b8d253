package bridge

import (
	"sync"

	"github.com/agentlink/agentlink/internal/wire"
)

// Catalog caches the agent's declared tools between refreshes. The snapshot
// is replaced wholesale; readers always see either the old or the new list.
type Catalog struct {
	mu    sync.RWMutex
	tools []wire.Tool
}

// Replace swaps in a new snapshot.
func (c *Catalog) Replace(tools []wire.Tool) {
	snap := copyTools(tools)
	c.mu.Lock()
	c.tools = snap
	c.mu.Unlock()
}

// Tools returns a copy of the current snapshot; mutating it cannot affect
// the cache.
func (c *Catalog) Tools() []wire.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyTools(c.tools)
}

// Lookup returns the named tool from the current snapshot.
func (c *Catalog) Lookup(name string) (wire.Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tools {
		if t.Name == name {
			cp := t
			cp.Parameters = append([]wire.ToolParam(nil), t.Parameters...)
			return cp, true
		}
	}
	return wire.Tool{}, false
}

// Len reports the number of cached tools.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tools)
}

func copyTools(tools []wire.Tool) []wire.Tool {
	out := make([]wire.Tool, len(tools))
	for i, t := range tools {
		out[i] = t
		out[i].Parameters = append([]wire.ToolParam(nil), t.Parameters...)
	}
	return out
}
