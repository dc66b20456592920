// Package deliberate drives a session through the deliberation state
// machine: fan out analyses, cross-critique, synthesize, then decide to
// refine or terminate based on consensus, iteration cap, and budget.
package deliberate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/quorum/internal/agent"
	"github.com/basket/quorum/internal/bus"
	"github.com/basket/quorum/internal/prompt"
	"github.com/basket/quorum/internal/schema"
	"github.com/basket/quorum/internal/store"
)

// Terminating conditions recorded on a FinalResult that did not complete.
const (
	ReasonBudgetExhausted  = "budget_exhausted"
	ReasonTooFewAnalyses   = "too_few_analyses"
	ReasonTooFewCritiques  = "too_few_critiques"
	ReasonSynthesisFailed  = "synthesis_failed"
	ReasonCancelled        = "cancelled"
	ReasonDeadlineExceeded = "deadline_exceeded"
)

const (
	defaultSessionDeadline = 10 * time.Minute

	// minConsensusGain is the diminishing-returns gate: from the second
	// iteration on, refinement must have bought at least this much
	// consensus or the engine stops paying for more.
	minConsensusGain = 0.05

	// fallbackConsensus applies when the synthesizer omits the level and
	// no critique scores exist to derive one from.
	fallbackConsensus = 0.5
)

var errBudget = errors.New(ReasonBudgetExhausted)

// Engine runs deliberation sessions. Safe for concurrent use; each
// session runs on its own goroutine with per-session cancellation.
type Engine struct {
	store    store.Store
	registry *agent.Registry
	runner   *agent.Runner
	prompts  *prompt.Resolver
	bus      *bus.Bus
	log      *slog.Logger
	tracer   trace.Tracer
	deadline time.Duration

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New builds an engine with the default session deadline and a no-op
// tracer.
func New(st store.Store, reg *agent.Registry, runner *agent.Runner, prompts *prompt.Resolver, eventBus *bus.Bus, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:    st,
		registry: reg,
		runner:   runner,
		prompts:  prompts,
		bus:      eventBus,
		log:      log,
		tracer:   nooptrace.NewTracerProvider().Tracer("quorum/deliberate"),
		deadline: defaultSessionDeadline,
		active:   make(map[string]context.CancelFunc),
	}
}

// SetTracer installs a real tracer.
func (e *Engine) SetTracer(t trace.Tracer) {
	if t != nil {
		e.tracer = t
	}
}

// SetSessionDeadline overrides the wall-clock limit per session.
func (e *Engine) SetSessionDeadline(d time.Duration) {
	if d > 0 {
		e.deadline = d
	}
}

// Start runs a session in the background.
func (e *Engine) Start(sessionID string) {
	go func() {
		if _, err := e.Run(context.Background(), sessionID); err != nil {
			e.log.Error("session run failed", "session_id", sessionID, "error", err)
		}
	}()
}

// Cancel aborts a running session. Reports whether one was running.
func (e *Engine) Cancel(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.active[sessionID]
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether a session is currently being driven.
func (e *Engine) Running(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[sessionID]
	return ok
}

func (e *Engine) track(sessionID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.active[sessionID] = cancel
	e.mu.Unlock()
}

func (e *Engine) untrack(sessionID string) {
	e.mu.Lock()
	delete(e.active, sessionID)
	e.mu.Unlock()
}

// Run drives one session to a terminal state and returns its
// FinalResult. Re-running a terminal session returns the stored result
// without issuing any provider calls.
func (e *Engine) Run(ctx context.Context, sessionID string) (*store.FinalResult, error) {
	sess, err := e.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return e.store.LoadResult(ctx, sessionID)
	}
	if sess.Status == store.StatusRunning {
		return nil, fmt.Errorf("session %s already running: %w", sessionID, store.ErrConflict)
	}

	panel, err := e.registry.Select(sess.Settings.EnabledAgents)
	if err != nil {
		return nil, err
	}
	if len(panel) == 0 {
		return nil, errors.New("no agents enabled")
	}

	if err := e.store.UpdateStatus(ctx, sessionID, store.StatusRunning); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, e.deadline)
	e.track(sessionID, cancel)
	defer func() {
		cancel()
		e.untrack(sessionID)
	}()

	runCtx, span := e.tracer.Start(runCtx, "deliberate.session",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("session.task_type", string(sess.TaskType)),
			attribute.Int("session.max_iterations", sess.Settings.MaxIterations),
		))
	defer span.End()

	r := &run{e: e, sess: sess, panel: panel, used: make(map[string]bool)}
	result := r.loop(runCtx)
	span.SetAttributes(
		attribute.Int("session.iterations_used", result.IterationsUsed),
		attribute.Float64("session.total_cost_usd", result.TotalCostUSD),
	)
	return result, nil
}

// run is the per-session state. Children only touch the atomics; the
// owner goroutine writes everything else after phase barriers.
type run struct {
	e     *Engine
	sess  *store.Session
	panel []*agent.Agent

	spentMicro atomic.Int64 // accumulated cost in micro-dollars
	calls      atomic.Int64 // provider calls issued
	used       map[string]bool
}

func (r *run) addCost(usd float64) {
	r.spentMicro.Add(int64(usd * 1e6))
}

func (r *run) spentUSD() float64 {
	return float64(r.spentMicro.Load()) / 1e6
}

func (r *run) overBudget() bool {
	return r.spentUSD() >= r.sess.Settings.BudgetUSD
}

// loop is the state machine proper.
func (r *run) loop(ctx context.Context) *store.FinalResult {
	settings := r.sess.Settings
	var lastSyn *store.Synthesis
	prevConsensus := 0.0
	iter := 0

	for i := 1; i <= settings.MaxIterations; i++ {
		iter = i
		if reason := interrupted(ctx); reason != "" {
			return r.finish(ctx, lastSyn, iter, reason)
		}

		analyses, reason := r.analyzing(ctx, i, lastSyn)
		if reason != "" {
			return r.finish(ctx, lastSyn, iter, reason)
		}
		if reason := interrupted(ctx); reason != "" {
			return r.finish(ctx, lastSyn, iter, reason)
		}

		critiques, reason := r.critiquing(ctx, i, analyses)
		if reason != "" {
			return r.finish(ctx, lastSyn, iter, reason)
		}
		if reason := interrupted(ctx); reason != "" {
			return r.finish(ctx, lastSyn, iter, reason)
		}

		syn, reason := r.synthesizing(ctx, i, analyses, critiques)
		if reason != "" {
			return r.finish(ctx, lastSyn, iter, reason)
		}
		lastSyn = syn

		decision := r.evaluate(i, syn.ConsensusLevel, prevConsensus)
		r.e.bus.Publish(bus.TopicIterationComplete, bus.IterationCompleteEvent{
			SessionID: r.sess.ID, Iteration: i, Decision: decision,
		})
		r.e.log.Info("iteration complete",
			"session_id", r.sess.ID, "iteration", i,
			"consensus", syn.ConsensusLevel, "decision", decision,
			"spent_usd", r.spentUSD())
		if decision == "terminate" {
			break
		}
		prevConsensus = syn.ConsensusLevel
	}
	return r.finish(ctx, lastSyn, iter, "")
}

// interrupted maps context state to a terminating reason.
func interrupted(ctx context.Context) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ReasonDeadlineExceeded
	case ctx.Err() != nil:
		return ReasonCancelled
	}
	return ""
}

// analyzing fans one analyze call out per panel member and persists
// the survivors. At least two must succeed (one for a single-agent
// panel) or the session fails.
func (r *run) analyzing(ctx context.Context, i int, prevSyn *store.Synthesis) ([]store.AgentAnalysis, string) {
	e := r.e
	ctx, span := e.tracer.Start(ctx, "deliberate.analyze", trace.WithAttributes(attribute.Int("iteration", i)))
	defer span.End()

	e.bus.Publish(bus.TopicPhaseStart, bus.PhaseStartEvent{SessionID: r.sess.ID, Phase: "analyzing", Iteration: i})
	if r.overBudget() {
		return nil, ReasonBudgetExhausted
	}

	var prevCritiques []store.Critique
	if i > 1 {
		var err error
		prevCritiques, err = e.store.Critiques(ctx, r.sess.ID, i-1)
		if err != nil {
			e.log.Error("load previous critiques", "session_id", r.sess.ID, "error", err)
		}
	}

	type result struct {
		ag      *agent.Agent
		payload *schema.AnalysisPayload
		usage   agent.Usage
		err     error
	}
	results := make([]result, len(r.panel))
	var wg sync.WaitGroup
	for idx, ag := range r.panel {
		results[idx].ag = ag
		if r.overBudget() {
			results[idx].err = errBudget
			continue
		}
		wg.Add(1)
		go func(res *result) {
			defer wg.Done()
			started := time.Now()
			res.payload, res.usage, res.err = r.analyzeOne(ctx, res.ag, i, prevSyn, prevCritiques)
			r.addCost(res.usage.CostUSD)
			r.calls.Add(1)
			errStr := ""
			if res.err != nil {
				errStr = res.err.Error()
			}
			e.bus.Publish(bus.TopicAgentCompleted, bus.AgentCompletedEvent{
				SessionID: r.sess.ID, AgentID: res.ag.ID, Phase: "analyze",
				Iteration: i, DurationMS: time.Since(started).Milliseconds(), Err: errStr,
			})
		}(&results[idx])
	}
	wg.Wait()

	// Completed records are persisted even if the session is being
	// torn down, so partial results survive cancellation.
	persistCtx := context.WithoutCancel(ctx)
	var analyses []store.AgentAnalysis
	budgetSkipped := false
	for _, res := range results {
		if res.err != nil {
			if errors.Is(res.err, errBudget) {
				budgetSkipped = true
			} else {
				e.log.Warn("analysis failed",
					"session_id", r.sess.ID, "agent_id", res.ag.ID,
					"iteration", i, "error", res.err)
			}
			continue
		}
		rec := store.AgentAnalysis{
			SessionID:    r.sess.ID,
			AgentID:      res.ag.ID,
			Iteration:    i,
			AnalysisText: res.payload.Analysis,
			Confidence:   *res.payload.Confidence,
			KeyPoints:    res.payload.KeyPoints,
			Risks:        res.payload.Risks,
			Assumptions:  res.payload.Assumptions,
			TokensIn:     res.usage.TokensIn,
			TokensOut:    res.usage.TokensOut,
			CostUSD:      res.usage.CostUSD,
			DurationMS:   res.usage.LatencyMS,
		}
		if err := e.store.AppendAnalysis(persistCtx, &rec); err != nil {
			e.log.Error("persist analysis", "session_id", r.sess.ID, "agent_id", res.ag.ID, "error", err)
			continue
		}
		r.used[res.ag.ID] = true
		analyses = append(analyses, rec)
	}

	need := 2
	if len(r.panel) == 1 {
		need = 1
	}
	if len(analyses) < need {
		if budgetSkipped {
			return analyses, ReasonBudgetExhausted
		}
		return analyses, ReasonTooFewAnalyses
	}
	return analyses, ""
}

func (r *run) analyzeOne(ctx context.Context, ag *agent.Agent, i int, prevSyn *store.Synthesis, prevCritiques []store.Critique) (*schema.AnalysisPayload, agent.Usage, error) {
	e := r.e
	sys, err := e.prompts.System(ctx, ag.ID, string(r.sess.TaskType))
	if err != nil {
		return nil, agent.Usage{}, err
	}

	vars := prompt.Vars{
		Task:     r.sess.TaskText,
		TaskType: string(r.sess.TaskType),
		Context:  r.sess.ContextText,
	}
	var user string
	if i == 1 {
		user, err = e.prompts.Render(ctx, ag.ID, prompt.TypeUserTemplate, vars)
	} else {
		vars.PreviousSynthesis = synthesisBlock(prevSyn)
		vars.CritiquesReceived = critiquesBlock(critiquesFor(prevCritiques, ag.ID))
		user, err = e.prompts.RenderRefinement(ctx, ag.ID, vars)
	}
	if err != nil {
		return nil, agent.Usage{}, err
	}

	call := agent.Call{
		SessionID:    r.sess.ID,
		Iteration:    i,
		Model:        r.sess.Settings.Models[ag.ID],
		Temperature:  r.sess.Settings.Temperature,
		SystemPrompt: sys,
		UserPrompt:   user,
	}
	return e.runner.Analyze(ctx, ag, call)
}

// critiquing dispatches one critique per ordered pair of surviving
// analysts. Individual failures are tolerated; fewer than N−1
// surviving critiques fails the session. A single analyst skips the
// phase entirely.
func (r *run) critiquing(ctx context.Context, i int, analyses []store.AgentAnalysis) ([]store.Critique, string) {
	e := r.e
	if len(analyses) < 2 {
		return nil, ""
	}
	ctx, span := e.tracer.Start(ctx, "deliberate.critique", trace.WithAttributes(attribute.Int("iteration", i)))
	defer span.End()

	e.bus.Publish(bus.TopicPhaseStart, bus.PhaseStartEvent{SessionID: r.sess.ID, Phase: "critiquing", Iteration: i})

	byID := make(map[string]*agent.Agent, len(r.panel))
	for _, ag := range r.panel {
		byID[ag.ID] = ag
	}

	type pair struct{ from, to *agent.Agent }
	var pairs []pair
	for _, from := range analyses {
		for _, to := range analyses {
			if from.AgentID == to.AgentID {
				continue
			}
			pairs = append(pairs, pair{from: byID[from.AgentID], to: byID[to.AgentID]})
		}
	}

	type result struct {
		from, to string
		payload  *schema.CritiquePayload
		err      error
	}
	results := make([]result, len(pairs))
	var wg sync.WaitGroup
	for idx, p := range pairs {
		results[idx].from, results[idx].to = p.from.ID, p.to.ID
		if r.overBudget() {
			results[idx].err = errBudget
			continue
		}
		wg.Add(1)
		go func(res *result, p pair) {
			defer wg.Done()
			started := time.Now()
			res.payload, res.err = r.critiqueOne(ctx, p.from, p.to.ID, i, analyses)
			errStr := ""
			if res.err != nil {
				errStr = res.err.Error()
			}
			e.bus.Publish(bus.TopicAgentCompleted, bus.AgentCompletedEvent{
				SessionID: r.sess.ID, AgentID: p.from.ID, Phase: "critique",
				Iteration: i, DurationMS: time.Since(started).Milliseconds(), Err: errStr,
			})
		}(&results[idx], p)
	}
	wg.Wait()

	persistCtx := context.WithoutCancel(ctx)
	var critiques []store.Critique
	budgetSkipped := false
	for _, res := range results {
		if res.err != nil {
			if errors.Is(res.err, errBudget) {
				budgetSkipped = true
			} else {
				e.log.Warn("critique failed",
					"session_id", r.sess.ID, "from", res.from, "to", res.to,
					"iteration", i, "error", res.err)
			}
			continue
		}
		rec := store.Critique{
			SessionID:    r.sess.ID,
			Iteration:    i,
			FromAgent:    res.from,
			ToAgent:      res.to,
			Score:        res.payload.Score,
			CritiqueText: res.payload.Critique,
			Weaknesses:   res.payload.Weaknesses,
			Strengths:    res.payload.Strengths,
			Suggestions:  res.payload.Suggestions,
		}
		if err := e.store.AppendCritique(persistCtx, &rec); err != nil {
			e.log.Error("persist critique", "session_id", r.sess.ID, "from", res.from, "to", res.to, "error", err)
			continue
		}
		e.bus.Publish(bus.TopicCritiqueCompleted, bus.CritiqueCompletedEvent{
			SessionID: r.sess.ID, Iteration: i,
			FromAgent: res.from, ToAgent: res.to, Score: rec.Score,
		})
		critiques = append(critiques, rec)
	}

	if len(critiques) < len(analyses)-1 {
		if budgetSkipped {
			return critiques, ReasonBudgetExhausted
		}
		return critiques, ReasonTooFewCritiques
	}
	return critiques, ""
}

func (r *run) critiqueOne(ctx context.Context, from *agent.Agent, target string, i int, analyses []store.AgentAnalysis) (*schema.CritiquePayload, error) {
	e := r.e
	sys, err := e.prompts.System(ctx, from.ID, string(r.sess.TaskType))
	if err != nil {
		return nil, err
	}
	user, err := e.prompts.Render(ctx, from.ID, prompt.TypeCritique, prompt.Vars{
		Task:          r.sess.TaskText,
		TaskType:      string(r.sess.TaskType),
		TargetAgent:   target,
		OtherAnalyses: analysesBlock(analyses, target),
	})
	if err != nil {
		return nil, err
	}

	call := agent.Call{
		SessionID:    r.sess.ID,
		Iteration:    i,
		Model:        r.sess.Settings.Models[from.ID],
		Temperature:  r.sess.Settings.Temperature,
		SystemPrompt: sys,
		UserPrompt:   user,
	}
	payload, usage, err := e.runner.Critique(ctx, from, call)
	r.addCost(usage.CostUSD)
	r.calls.Add(1)
	return payload, err
}

// synthesizing makes the single synthesizer call for the iteration.
func (r *run) synthesizing(ctx context.Context, i int, analyses []store.AgentAnalysis, critiques []store.Critique) (*store.Synthesis, string) {
	e := r.e
	ctx, span := e.tracer.Start(ctx, "deliberate.synthesize", trace.WithAttributes(attribute.Int("iteration", i)))
	defer span.End()

	e.bus.Publish(bus.TopicPhaseStart, bus.PhaseStartEvent{SessionID: r.sess.ID, Phase: "synthesizing", Iteration: i})
	if r.overBudget() {
		return nil, ReasonBudgetExhausted
	}

	synth := agent.Synthesizer(r.panel)
	sys, err := e.prompts.System(ctx, synth.ID, string(r.sess.TaskType))
	if err != nil {
		e.log.Error("resolve synthesizer prompt", "session_id", r.sess.ID, "error", err)
		return nil, ReasonSynthesisFailed
	}
	user, err := e.prompts.Render(ctx, synth.ID, prompt.TypeSynthesis, prompt.Vars{
		Task:              r.sess.TaskText,
		TaskType:          string(r.sess.TaskType),
		OtherAnalyses:     analysesBlock(analyses, ""),
		CritiquesReceived: critiquesBlock(critiques),
	})
	if err != nil {
		e.log.Error("render synthesis prompt", "session_id", r.sess.ID, "error", err)
		return nil, ReasonSynthesisFailed
	}

	call := agent.Call{
		SessionID:    r.sess.ID,
		Iteration:    i,
		Model:        r.sess.Settings.Models[synth.ID],
		Temperature:  r.sess.Settings.Temperature,
		SystemPrompt: sys,
		UserPrompt:   user,
	}
	payload, usage, err := e.runner.Synthesize(ctx, synth, call)
	r.addCost(usage.CostUSD)
	r.calls.Add(1)
	if err != nil {
		e.log.Error("synthesis failed", "session_id", r.sess.ID, "iteration", i, "error", err)
		return nil, ReasonSynthesisFailed
	}

	consensus := fallbackConsensus
	if payload.ConsensusLevel != nil {
		consensus = clamp01(*payload.ConsensusLevel)
	} else if len(critiques) > 0 {
		// Derive from critique scores when the synthesizer omits it.
		var sum float64
		for _, c := range critiques {
			sum += c.Score
		}
		consensus = clamp01(sum / float64(len(critiques)) / 10)
		e.log.Warn("synthesizer omitted consensus, derived from critique scores",
			"session_id", r.sess.ID, "iteration", i, "derived", consensus)
	}

	rec := store.Synthesis{
		SessionID:          r.sess.ID,
		Iteration:          i,
		Summary:            payload.Summary,
		Recommendations:    payload.Recommendations,
		FormalizedResult:   payload.FormalizedResult,
		ConsensusLevel:     consensus,
		DissentingOpinions: payload.DissentingOpinions,
	}
	for _, c := range payload.Conclusions {
		rec.Conclusions = append(rec.Conclusions, store.Conclusion{
			Statement:              c.Statement,
			Probability:            c.Probability,
			FalsificationCondition: c.FalsificationCondition,
		})
	}
	if err := e.store.AppendSynthesis(context.WithoutCancel(ctx), &rec); err != nil {
		e.log.Error("persist synthesis", "session_id", r.sess.ID, "iteration", i, "error", err)
		return nil, ReasonSynthesisFailed
	}
	r.used[synth.ID] = true

	e.bus.Publish(bus.TopicSynthesisReady, bus.SynthesisReadyEvent{
		SessionID: r.sess.ID, Iteration: i, Consensus: consensus,
	})
	return &rec, ""
}

// evaluate decides refine vs terminate.
func (r *run) evaluate(i int, consensus, prevConsensus float64) string {
	s := r.sess.Settings
	switch {
	case consensus >= s.ConsensusThreshold:
		return "terminate"
	case i >= s.MaxIterations:
		return "terminate"
	case s.BudgetUSD-r.spentUSD() <= r.iterationEstimate():
		return "terminate"
	case i >= 2 && consensus-prevConsensus < minConsensusGain:
		// Another round is unlikely to close the remaining gap.
		return "terminate"
	}
	return "refine"
}

// iterationEstimate projects the cost of one more full iteration from
// the session's average per-call cost so far.
func (r *run) iterationEstimate() float64 {
	calls := r.calls.Load()
	if calls == 0 {
		return 0
	}
	avg := r.spentUSD() / float64(calls)
	n := float64(len(r.panel))
	return avg * (n + n*(n-1) + 1)
}

// finish moves the session to its terminal state, persists the
// FinalResult, and flushes the terminal event. An empty reason means
// completed.
func (r *run) finish(ctx context.Context, syn *store.Synthesis, iterations int, reason string) *store.FinalResult {
	e := r.e
	persistCtx := context.WithoutCancel(ctx)

	status := store.StatusCompleted
	switch reason {
	case "":
	case ReasonCancelled:
		status = store.StatusCancelled
	default:
		status = store.StatusFailed
	}

	if err := e.store.UpdateStatus(persistCtx, r.sess.ID, status); err != nil {
		e.log.Error("update terminal status", "session_id", r.sess.ID, "status", status, "error", err)
	}

	tokens, cost, err := e.store.SessionTotals(persistCtx, r.sess.ID)
	if err != nil {
		e.log.Error("session totals", "session_id", r.sess.ID, "error", err)
	}

	agentsUsed := make([]string, 0, len(r.used))
	for _, ag := range r.panel {
		if r.used[ag.ID] {
			agentsUsed = append(agentsUsed, ag.ID)
		}
	}

	result := &store.FinalResult{
		SessionID:      r.sess.ID,
		Synthesis:      syn,
		TotalTokens:    tokens,
		TotalCostUSD:   cost,
		IterationsUsed: iterations,
		AgentsUsed:     agentsUsed,
		Error:          reason,
	}
	if err := e.store.Finalize(persistCtx, result); err != nil {
		e.log.Error("persist final result", "session_id", r.sess.ID, "error", err)
	}

	switch status {
	case store.StatusCompleted:
		e.bus.Publish(bus.TopicSessionCompleted, bus.SessionCompletedEvent{
			SessionID: r.sess.ID, Status: string(status),
			IterationsUsed: iterations, TotalCostUSD: cost,
		})
	case store.StatusCancelled:
		e.bus.Publish(bus.TopicSessionCancelled, bus.SessionCompletedEvent{
			SessionID: r.sess.ID, Status: string(status),
			IterationsUsed: iterations, TotalCostUSD: cost,
		})
	default:
		e.bus.Publish(bus.TopicSessionFailed, bus.SessionFailedEvent{
			SessionID: r.sess.ID, Reason: reason,
		})
	}

	e.log.Info("session finished",
		"session_id", r.sess.ID, "status", status,
		"iterations", iterations, "total_cost_usd", cost, "reason", reason)
	return result
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
