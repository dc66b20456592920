package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store. Data is gone when the process exits;
// used when no database path is configured and in tests.
type Memory struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	analyses    map[string][]AgentAnalysis
	critiques   map[string][]Critique
	syntheses   map[string][]Synthesis
	results     map[string]*FinalResult
	metrics     []RunMetric
	prompts     []PromptTemplate
	nextPrompt  int64
	experiments map[string]*Experiment
	runs        []ExperimentRun
	nextRun     int64
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		sessions:    make(map[string]*Session),
		analyses:    make(map[string][]AgentAnalysis),
		critiques:   make(map[string][]Critique),
		syntheses:   make(map[string][]Synthesis),
		results:     make(map[string]*FinalResult),
		experiments: make(map[string]*Experiment),
	}
}

func (m *Memory) Source() string { return "memory" }
func (m *Memory) Close() error   { return nil }

func (m *Memory) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("session %s: %w", s.ID, ErrConflict)
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *Memory) LoadSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) UpdateStatus(_ context.Context, id string, status SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if s.Status.Terminal() {
		return fmt.Errorf("session %s is %s: %w", id, s.Status, ErrConflict)
	}
	s.Status = status
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	delete(m.sessions, id)
	delete(m.analyses, id)
	delete(m.critiques, id)
	delete(m.syntheses, id)
	delete(m.results, id)
	kept := m.metrics[:0]
	for _, r := range m.metrics {
		if r.SessionID != id {
			kept = append(kept, r)
		}
	}
	m.metrics = kept
	return nil
}

func (m *Memory) AppendAnalysis(_ context.Context, a *AgentAnalysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[a.SessionID]; !ok {
		return fmt.Errorf("session %s: %w", a.SessionID, ErrNotFound)
	}
	for _, have := range m.analyses[a.SessionID] {
		if have.AgentID == a.AgentID && have.Iteration == a.Iteration {
			return fmt.Errorf("analysis %s/%s/%d: %w", a.SessionID, a.AgentID, a.Iteration, ErrConflict)
		}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.analyses[a.SessionID] = append(m.analyses[a.SessionID], *a)
	return nil
}

func (m *Memory) AppendCritique(_ context.Context, c *Critique) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[c.SessionID]; !ok {
		return fmt.Errorf("session %s: %w", c.SessionID, ErrNotFound)
	}
	if c.FromAgent == c.ToAgent {
		return fmt.Errorf("critique %s→%s: self-critique: %w", c.FromAgent, c.ToAgent, ErrConflict)
	}
	for _, have := range m.critiques[c.SessionID] {
		if have.Iteration == c.Iteration && have.FromAgent == c.FromAgent && have.ToAgent == c.ToAgent {
			return fmt.Errorf("critique %s/%d/%s→%s: %w", c.SessionID, c.Iteration, c.FromAgent, c.ToAgent, ErrConflict)
		}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.critiques[c.SessionID] = append(m.critiques[c.SessionID], *c)
	return nil
}

func (m *Memory) AppendSynthesis(_ context.Context, s *Synthesis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.SessionID]; !ok {
		return fmt.Errorf("session %s: %w", s.SessionID, ErrNotFound)
	}
	for _, have := range m.syntheses[s.SessionID] {
		if have.Iteration == s.Iteration {
			return fmt.Errorf("synthesis %s/%d: %w", s.SessionID, s.Iteration, ErrConflict)
		}
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	m.syntheses[s.SessionID] = append(m.syntheses[s.SessionID], *s)
	return nil
}

func (m *Memory) Analyses(_ context.Context, sessionID string, iteration int) ([]AgentAnalysis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AgentAnalysis
	for _, a := range m.analyses[sessionID] {
		if iteration < 0 || a.Iteration == iteration {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Iteration != out[j].Iteration {
			return out[i].Iteration < out[j].Iteration
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out, nil
}

func (m *Memory) Critiques(_ context.Context, sessionID string, iteration int) ([]Critique, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Critique
	for _, c := range m.critiques[sessionID] {
		if iteration < 0 || c.Iteration == iteration {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FromAgent != out[j].FromAgent {
			return out[i].FromAgent < out[j].FromAgent
		}
		return out[i].ToAgent < out[j].ToAgent
	})
	return out, nil
}

func (m *Memory) Syntheses(_ context.Context, sessionID string) ([]Synthesis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Synthesis, len(m.syntheses[sessionID]))
	copy(out, m.syntheses[sessionID])
	sort.Slice(out, func(i, j int) bool { return out[i].Iteration < out[j].Iteration })
	return out, nil
}

func (m *Memory) Finalize(_ context.Context, r *FinalResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[r.SessionID]; !ok {
		return fmt.Errorf("session %s: %w", r.SessionID, ErrNotFound)
	}
	if _, ok := m.results[r.SessionID]; ok {
		return fmt.Errorf("result %s: %w", r.SessionID, ErrConflict)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	cp := *r
	m.results[r.SessionID] = &cp
	return nil
}

func (m *Memory) LoadResult(_ context.Context, sessionID string) (*FinalResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[sessionID]
	if !ok {
		return nil, fmt.Errorf("result %s: %w", sessionID, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) AppendMetric(_ context.Context, r *RunMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.metrics = append(m.metrics, *r)
	return nil
}

func (m *Memory) Metrics(_ context.Context, sessionID string) ([]RunMetric, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []RunMetric
	for _, r := range m.metrics {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) SessionTotals(_ context.Context, sessionID string) (int, float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var tokens int
	var cost float64
	for _, r := range m.metrics {
		if r.SessionID == sessionID {
			tokens += r.TokensIn + r.TokensOut
			cost += r.CostUSD
		}
	}
	return tokens, cost, nil
}

func (m *Memory) AggregateMetrics(_ context.Context, since time.Time) (*MetricsSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum := &MetricsSummary{
		Since:   since,
		ByAgent: make(map[string]float64),
		ByModel: make(map[string]float64),
	}
	var latency int64
	for _, r := range m.metrics {
		if r.CreatedAt.Before(since) {
			continue
		}
		sum.Calls++
		if r.Status != "success" {
			sum.Errors++
		}
		sum.TotalTokens += r.TokensIn + r.TokensOut
		sum.TotalCost += r.CostUSD
		sum.ByAgent[r.AgentID] += r.CostUSD
		sum.ByModel[r.Model] += r.CostUSD
		latency += r.LatencyMS
	}
	if sum.Calls > 0 {
		sum.AvgLatency = float64(latency) / float64(sum.Calls)
	}
	return sum, nil
}

func (m *Memory) PruneMetrics(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.metrics[:0]
	pruned := 0
	for _, r := range m.metrics {
		if r.CreatedAt.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, r)
	}
	m.metrics = kept
	return pruned, nil
}

func (m *Memory) ActivePrompt(_ context.Context, agentID, promptType string) (*PromptTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.prompts) - 1; i >= 0; i-- {
		p := m.prompts[i]
		if p.AgentID == agentID && p.PromptType == promptType && p.IsActive {
			cp := p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("prompt %s/%s: %w", agentID, promptType, ErrNotFound)
}

func (m *Memory) SavePrompt(_ context.Context, p *PromptTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	maxVersion := 0
	for i := range m.prompts {
		have := &m.prompts[i]
		if have.AgentID == p.AgentID && have.PromptType == p.PromptType {
			if have.Version > maxVersion {
				maxVersion = have.Version
			}
			if p.IsActive {
				have.IsActive = false
			}
		}
	}
	m.nextPrompt++
	p.ID = m.nextPrompt
	p.Version = maxVersion + 1
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.prompts = append(m.prompts, *p)
	return nil
}

func (m *Memory) ListPrompts(_ context.Context, agentID string) ([]PromptTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []PromptTemplate
	for _, p := range m.prompts {
		if agentID == "" || p.AgentID == agentID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentID != out[j].AgentID {
			return out[i].AgentID < out[j].AgentID
		}
		if out[i].PromptType != out[j].PromptType {
			return out[i].PromptType < out[j].PromptType
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (m *Memory) SaveExperiment(_ context.Context, e *Experiment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cp := *e
	m.experiments[e.ID] = &cp
	return nil
}

func (m *Memory) GetExperiment(_ context.Context, id string) (*Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.experiments[id]
	if !ok {
		return nil, fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) ListExperiments(_ context.Context) ([]Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Experiment, 0, len(m.experiments))
	for _, e := range m.experiments {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteExperiment(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.experiments[id]; !ok {
		return fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	delete(m.experiments, id)
	kept := m.runs[:0]
	for _, r := range m.runs {
		if r.ExperimentID != id {
			kept = append(kept, r)
		}
	}
	m.runs = kept
	return nil
}

func (m *Memory) AppendExperimentRun(_ context.Context, r *ExperimentRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.experiments[r.ExperimentID]; !ok {
		return fmt.Errorf("experiment %s: %w", r.ExperimentID, ErrNotFound)
	}
	m.nextRun++
	r.ID = m.nextRun
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.runs = append(m.runs, *r)
	return nil
}

func (m *Memory) ExperimentRuns(_ context.Context, experimentID string) ([]ExperimentRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ExperimentRun
	for _, r := range m.runs {
		if r.ExperimentID == experimentID {
			out = append(out, r)
		}
	}
	return out, nil
}
