package bus

// Session lifecycle topics.
const (
	TopicPhaseStart        = "session.phase_start"
	TopicAgentCompleted    = "session.agent_completed"
	TopicCritiqueCompleted = "session.critique_completed"
	TopicSynthesisReady    = "session.synthesis_ready"
	TopicIterationComplete = "session.iteration_complete"
	TopicSessionCompleted  = "session.completed"
	TopicSessionFailed     = "session.failed"
	TopicSessionCancelled  = "session.cancelled"

	// TopicMetric events are best-effort and may be dropped under pressure.
	TopicMetric = "metric.run"
)

// PhaseStartEvent is published when a session enters a new phase.
type PhaseStartEvent struct {
	SessionID string
	Phase     string
	Iteration int
}

// AgentCompletedEvent is published when an agent finishes a call.
type AgentCompletedEvent struct {
	SessionID  string
	AgentID    string
	Phase      string
	Iteration  int
	DurationMS int64
	Err        string
}

// CritiqueCompletedEvent is published when a directed critique lands.
type CritiqueCompletedEvent struct {
	SessionID string
	Iteration int
	FromAgent string
	ToAgent   string
	Score     float64
}

// SynthesisReadyEvent is published when an iteration's synthesis is persisted.
type SynthesisReadyEvent struct {
	SessionID string
	Iteration int
	Consensus float64
}

// IterationCompleteEvent is published after the evaluator decides.
type IterationCompleteEvent struct {
	SessionID string
	Iteration int
	Decision  string // "refine" or "terminate"
}

// SessionCompletedEvent is published when a session reaches a terminal state.
type SessionCompletedEvent struct {
	SessionID      string
	Status         string
	IterationsUsed int
	TotalCostUSD   float64
}

// SessionFailedEvent is published when a session fails.
type SessionFailedEvent struct {
	SessionID string
	Reason    string
}

// MetricEvent mirrors a RunMetric row for live observers.
type MetricEvent struct {
	SessionID string
	AgentID   string
	Model     string
	Phase     string
	TokensIn  int
	TokensOut int
	CostUSD   float64
	LatencyMS int64
	Status    string
}
