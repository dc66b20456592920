// Package agent defines the deliberation panel and runs individual
// model calls with retry, parsing, and metric emission.
package agent

import (
	"fmt"
	"sort"
	"sync"

	"github.com/basket/quorum/internal/provider"
)

// Definition is an agent's identity: its role in the panel and the
// default model behind it.
type Definition struct {
	ID       string `json:"id"`
	Role     string `json:"role"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Defaults returns the built-in four-agent panel.
func Defaults() []Definition {
	return []Definition{
		{ID: "logician", Role: "Logical Analyst", Provider: "openai", Model: "gpt-4o"},
		{ID: "architect", Role: "Systems Architect", Provider: "anthropic", Model: "claude-sonnet-4-5"},
		{ID: "explorer", Role: "Alternatives Generator", Provider: "gemini", Model: "gemini-2.5-flash"},
		{ID: "formalist", Role: "Formal Analyst", Provider: "deepseek", Model: "deepseek-chat"},
	}
}

// DefaultSynthesizer integrates the panel when enabled for the session.
const DefaultSynthesizer = "architect"

// Agent is a panel member bound to a live adapter.
type Agent struct {
	Definition
	Adapter provider.Adapter
}

// Registry holds the configured panel.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Agent)}
}

// Register adds or replaces an agent.
func (r *Registry) Register(a *Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.ID] = a
}

// Get returns one agent by id.
func (r *Registry) Get(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// List returns all agents sorted by id.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Select resolves the enabled subset for a session, sorted by id. An
// empty list means the whole panel; unknown ids are an error.
func (r *Registry) Select(enabled []string) ([]*Agent, error) {
	if len(enabled) == 0 {
		return r.List(), nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(enabled))
	seen := make(map[string]bool, len(enabled))
	for _, id := range enabled {
		if seen[id] {
			continue
		}
		seen[id] = true
		a, ok := r.agents[id]
		if !ok {
			return nil, fmt.Errorf("unknown agent %q", id)
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Synthesizer picks the agent that integrates the panel's output:
// the default synthesizer when enabled, else the first by id.
func Synthesizer(panel []*Agent) *Agent {
	if len(panel) == 0 {
		return nil
	}
	for _, a := range panel {
		if a.ID == DefaultSynthesizer {
			return a
		}
	}
	return panel[0]
}
