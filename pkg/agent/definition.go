// Package agent hosts the worker agent definitions and the runtime that
// drives their LLM conversations, including tool selection, the binding
// cache and the tool-call loop.
package agent

import (
	"fmt"
	"sort"
	"sync"

	"github.com/coderelay/relay/pkg/tools"
)

// Definition is the static configuration of one agent. Agents differ
// only in data; behaviour lives in the shared runtime.
type Definition struct {
	Name         string
	SystemPrompt string
	ToolStrategy tools.Strategy
	Profile      tools.AgentProfile
	Model        string
	Temperature  float64
	MaxTokens    int
}

// Registry maps agent names to definitions. New agents are added by
// registration; nothing else in the system enumerates agents by hand.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds or replaces a definition.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("agent definition missing name")
	}
	if def.SystemPrompt == "" {
		return fmt.Errorf("agent %q missing system prompt", def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
	return nil
}

// Get looks up a definition by name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names returns the registered agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
