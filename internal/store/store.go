// Package store persists deliberation sessions and their child records.
// The Store interface is intentionally narrow; the engine is the only
// writer of session state, and child records are append-only.
package store

import (
	"context"
	"errors"
	"time"
)

// Session statuses.
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether a status permits no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// TaskType categorizes the deliberation task.
type TaskType string

const (
	TaskStrategy    TaskType = "strategy"
	TaskResearch    TaskType = "research"
	TaskInvestment  TaskType = "investment"
	TaskDevelopment TaskType = "development"
	TaskAudit       TaskType = "audit"
)

// ValidTaskType reports whether t is a known task type.
func ValidTaskType(t TaskType) bool {
	switch t {
	case TaskStrategy, TaskResearch, TaskInvestment, TaskDevelopment, TaskAudit:
		return true
	}
	return false
}

// Settings controls one session's deliberation.
type Settings struct {
	EnabledAgents      []string          `json:"enabled_agents"`
	Models             map[string]string `json:"models,omitempty"` // agent id → model override
	Temperature        float64           `json:"temperature"`
	MaxIterations      int               `json:"max_iterations"`
	ConsensusThreshold float64           `json:"consensus_threshold"`
	BudgetUSD          float64           `json:"budget_usd"`
}

// Session is one deliberation run.
type Session struct {
	ID          string        `json:"id"`
	TaskText    string        `json:"task"`
	TaskType    TaskType      `json:"task_type"`
	ContextText string        `json:"context,omitempty"`
	Status      SessionStatus `json:"status"`
	Settings    Settings      `json:"settings"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// AgentAnalysis is one agent's analysis in one iteration. Immutable
// once written; unique per (session, agent, iteration).
type AgentAnalysis struct {
	SessionID    string    `json:"session_id"`
	AgentID      string    `json:"agent_id"`
	Iteration    int       `json:"iteration"`
	AnalysisText string    `json:"analysis"`
	Confidence   float64   `json:"confidence"`
	KeyPoints    []string  `json:"key_points,omitempty"`
	Risks        []string  `json:"risks,omitempty"`
	Assumptions  []string  `json:"assumptions,omitempty"`
	TokensIn     int       `json:"tokens_in"`
	TokensOut    int       `json:"tokens_out"`
	CostUSD      float64   `json:"cost_usd"`
	DurationMS   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// Critique is a directed review of one agent's analysis by another.
// Unique per (session, iteration, from, to); from ≠ to.
type Critique struct {
	SessionID    string    `json:"session_id"`
	Iteration    int       `json:"iteration"`
	FromAgent    string    `json:"from_agent"`
	ToAgent      string    `json:"to_agent"`
	Score        float64   `json:"score"`
	CritiqueText string    `json:"critique"`
	Weaknesses   []string  `json:"weaknesses,omitempty"`
	Strengths    []string  `json:"strengths,omitempty"`
	Suggestions  []string  `json:"suggestions,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Conclusion is one probabilistic conclusion in a synthesis.
type Conclusion struct {
	Statement              string  `json:"statement"`
	Probability            float64 `json:"probability"`
	FalsificationCondition string  `json:"falsification_condition,omitempty"`
}

// Synthesis is the integrated output of one iteration. Unique per
// (session, iteration).
type Synthesis struct {
	SessionID          string       `json:"session_id"`
	Iteration          int          `json:"iteration"`
	Summary            string       `json:"summary"`
	Conclusions        []Conclusion `json:"conclusions,omitempty"`
	Recommendations    []string     `json:"recommendations,omitempty"`
	FormalizedResult   string       `json:"formalized_result,omitempty"`
	ConsensusLevel     float64      `json:"consensus_level"`
	DissentingOpinions []string     `json:"dissenting_opinions,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
}

// FinalResult is the terminal synthesis plus aggregate metrics.
// Exactly one per session that left pending.
type FinalResult struct {
	SessionID      string     `json:"session_id"`
	Synthesis      *Synthesis `json:"synthesis,omitempty"`
	TotalTokens    int        `json:"total_tokens"`
	TotalCostUSD   float64    `json:"total_cost_usd"`
	IterationsUsed int        `json:"iterations_used"`
	AgentsUsed     []string   `json:"agents_used"`
	Error          string     `json:"error,omitempty"` // terminating condition when not completed
	CreatedAt      time.Time  `json:"created_at"`
}

// RunMetric is one provider call outcome. Append-only.
type RunMetric struct {
	SessionID    string    `json:"session_id"`
	AgentID      string    `json:"agent_id"`
	Model        string    `json:"model"`
	Phase        string    `json:"phase"` // analyze, critique, synthesize
	TokensIn     int       `json:"tokens_in"`
	TokensOut    int       `json:"tokens_out"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMS    int64     `json:"latency_ms"`
	Status       string    `json:"status"` // success, error, timeout
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// PromptTemplate is a versioned prompt. At most one active per
// (agent_id, prompt_type).
type PromptTemplate struct {
	ID         int64     `json:"id"`
	AgentID    string    `json:"agent_id"`
	PromptType string    `json:"prompt_type"` // system, user_template, critique, synthesis
	Version    int       `json:"version"`
	Content    string    `json:"content"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Experiment is an A/B comparison of two prompt or settings variants.
type Experiment struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	Description         string         `json:"description,omitempty"`
	Status              string         `json:"status"` // draft, running, completed, stopped
	Control             map[string]any `json:"control"`
	Treatment           map[string]any `json:"treatment"`
	TreatmentPercentage float64        `json:"treatment_percentage"`
	PrimaryMetric       string         `json:"primary_metric"`
	CreatedAt           time.Time      `json:"created_at"`
}

// ExperimentRun records one execution of a variant over a test input.
type ExperimentRun struct {
	ID           int64              `json:"id"`
	ExperimentID string             `json:"experiment_id"`
	Variant      string             `json:"variant"` // control or treatment
	TaskID       string             `json:"task_id"`
	MetricValues map[string]float64 `json:"metric_values"`
	CreatedAt    time.Time          `json:"created_at"`
}

// MetricsSummary aggregates RunMetrics over a period.
type MetricsSummary struct {
	Since       time.Time          `json:"since"`
	Calls       int                `json:"calls"`
	Errors      int                `json:"errors"`
	TotalTokens int                `json:"total_tokens"`
	TotalCost   float64            `json:"total_cost_usd"`
	AvgLatency  float64            `json:"avg_latency_ms"`
	ByAgent     map[string]float64 `json:"cost_by_agent"`
	ByModel     map[string]float64 `json:"cost_by_model"`
}

// Sentinel errors for the gateway's status mapping.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Store is the persistence façade. Child records are append-only; the
// session row has a monotonic updated_at.
type Store interface {
	// Source reports where data lives: "memory" or "database".
	Source() string
	Close() error

	CreateSession(ctx context.Context, s *Session) error
	LoadSession(ctx context.Context, id string) (*Session, error)
	UpdateStatus(ctx context.Context, id string, status SessionStatus) error
	DeleteSession(ctx context.Context, id string) error

	AppendAnalysis(ctx context.Context, a *AgentAnalysis) error
	AppendCritique(ctx context.Context, c *Critique) error
	AppendSynthesis(ctx context.Context, s *Synthesis) error
	Analyses(ctx context.Context, sessionID string, iteration int) ([]AgentAnalysis, error)
	Critiques(ctx context.Context, sessionID string, iteration int) ([]Critique, error)
	Syntheses(ctx context.Context, sessionID string) ([]Synthesis, error)

	Finalize(ctx context.Context, r *FinalResult) error
	LoadResult(ctx context.Context, sessionID string) (*FinalResult, error)

	AppendMetric(ctx context.Context, m *RunMetric) error
	Metrics(ctx context.Context, sessionID string) ([]RunMetric, error)
	SessionTotals(ctx context.Context, sessionID string) (tokens int, costUSD float64, err error)
	AggregateMetrics(ctx context.Context, since time.Time) (*MetricsSummary, error)
	PruneMetrics(ctx context.Context, before time.Time) (int, error)

	ActivePrompt(ctx context.Context, agentID, promptType string) (*PromptTemplate, error)
	SavePrompt(ctx context.Context, p *PromptTemplate) error
	ListPrompts(ctx context.Context, agentID string) ([]PromptTemplate, error)

	SaveExperiment(ctx context.Context, e *Experiment) error
	GetExperiment(ctx context.Context, id string) (*Experiment, error)
	ListExperiments(ctx context.Context) ([]Experiment, error)
	DeleteExperiment(ctx context.Context, id string) error
	AppendExperimentRun(ctx context.Context, r *ExperimentRun) error
	ExperimentRuns(ctx context.Context, experimentID string) ([]ExperimentRun, error)
}
