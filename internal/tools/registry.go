// Package tools holds the capability registry and the bridge that answers
// the model's tool calls.
//
// A [Registry] maps tool names to handler closures. Built-in tools and tools
// imported from MCP servers are registered into the same registry; the
// session declares [Registry.Definitions] to the model at setup and routes
// every inbound call through a [Bridge].
//
// The registry is read on every tool call and written rarely, so reads are
// lock-free through an atomic pointer and writes copy the map.
package tools

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/parley/pkg/types"
)

// Handler executes one tool call. args is the decoded argument object sent
// by the model (never nil). The returned value must be JSON-serialisable;
// it is sent back as {"result": value}. A non-nil error is sent back as
// {"error": err.Error()}.
//
// Handlers run on their own goroutine and must be safe for concurrent use.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is a registered capability.
type Tool struct {
	// Definition is declared to the model at session setup.
	Definition types.ToolDefinition

	// Handler executes calls to the tool.
	Handler Handler
}

// Registry is a concurrent-safe name → [Tool] map. The zero value is not
// usable; create instances with [NewRegistry].
type Registry struct {
	mu    sync.Mutex // serialises writers
	tools atomic.Pointer[map[string]Tool]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := map[string]Tool{}
	r.tools.Store(&empty)
	return r
}

// Register adds or replaces the tool named def.Name.
func (r *Registry) Register(def types.ToolDefinition, h Handler) error {
	if strings.TrimSpace(def.Name) == "" {
		return errors.New("tools: tool must have a non-empty name")
	}
	if h == nil {
		return fmt.Errorf("tools: tool %q must have a non-nil handler", def.Name)
	}
	if def.Parameters == nil {
		def.Parameters = map[string]any{"type": "object"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next := maps.Clone(*r.tools.Load())
	next[def.Name] = Tool{Definition: def, Handler: h}
	r.tools.Store(&next)
	return nil
}

// Unregister removes the named tool. It reports whether the tool existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.tools.Load()
	if _, ok := cur[name]; !ok {
		return false
	}
	next := maps.Clone(cur)
	delete(next, name)
	r.tools.Store(&next)
	return true
}

// Lookup returns the named tool.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := (*r.tools.Load())[name]
	return t, ok
}

// Definitions returns every tool definition sorted by name.
func (r *Registry) Definitions() []types.ToolDefinition {
	cur := *r.tools.Load()
	defs := make([]types.ToolDefinition, 0, len(cur))
	for _, name := range slices.Sorted(maps.Keys(cur)) {
		defs = append(defs, cur[name].Definition)
	}
	return defs
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(*r.tools.Load())
}
