package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/basket/quorum/internal/bus"
	"github.com/basket/quorum/internal/pricing"
	"github.com/basket/quorum/internal/provider"
	"github.com/basket/quorum/internal/schema"
	"github.com/basket/quorum/internal/store"
	"github.com/basket/quorum/internal/tokenutil"
)

const (
	defaultCallTimeout = 60 * time.Second
	retryBaseDelay     = 500 * time.Millisecond
	maxRetries         = 2

	imputedConfidence = 0.5
)

// metricSink is the slice of the store the runner writes to.
type metricSink interface {
	AppendMetric(ctx context.Context, m *store.RunMetric) error
}

// Call is one phase invocation of one agent.
type Call struct {
	SessionID    string
	Iteration    int
	Phase        schema.Phase
	Model        string // empty uses the agent default
	Temperature  float64
	SystemPrompt string
	UserPrompt   string
}

// Usage is the accounted cost of one call. When a strict reprompt was
// needed it covers both provider calls.
type Usage struct {
	Model     string
	TokensIn  int
	TokensOut int
	CostUSD   float64
	LatencyMS int64
}

func (u *Usage) add(o Usage) {
	u.TokensIn += o.TokensIn
	u.TokensOut += o.TokensOut
	u.CostUSD += o.CostUSD
	u.LatencyMS += o.LatencyMS
}

// Runner executes agent calls: per-call deadline, bounded retry on
// transient provider failures, structured-output parsing with one
// strict reprompt, and a RunMetric per provider call regardless of
// outcome.
type Runner struct {
	Metrics     metricSink
	Bus         *bus.Bus
	Log         *slog.Logger
	CallTimeout time.Duration
}

// NewRunner builds a runner. metrics may be nil in tests.
func NewRunner(metrics metricSink, eventBus *bus.Bus, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{Metrics: metrics, Bus: eventBus, Log: log, CallTimeout: defaultCallTimeout}
}

// Analyze runs one analysis call. A missing confidence is imputed.
func (r *Runner) Analyze(ctx context.Context, ag *Agent, call Call) (*schema.AnalysisPayload, Usage, error) {
	call.Phase = schema.PhaseAnalyze
	p, usage, err := runPhase(r, ctx, ag, call, schema.ParseAnalysis)
	if err != nil {
		return nil, usage, err
	}
	if p.Confidence == nil {
		c := imputedConfidence
		p.Confidence = &c
		r.Log.Warn("confidence missing, imputed",
			"session_id", call.SessionID, "agent_id", ag.ID, "imputed", c)
	}
	return p, usage, nil
}

// Critique runs one critique call.
func (r *Runner) Critique(ctx context.Context, ag *Agent, call Call) (*schema.CritiquePayload, Usage, error) {
	call.Phase = schema.PhaseCritique
	return runPhase(r, ctx, ag, call, schema.ParseCritique)
}

// Synthesize runs one synthesis call.
func (r *Runner) Synthesize(ctx context.Context, ag *Agent, call Call) (*schema.SynthesisPayload, Usage, error) {
	call.Phase = schema.PhaseSynthesize
	return runPhase(r, ctx, ag, call, schema.ParseSynthesis)
}

// runPhase is the shared call loop: invoke with retry, parse, and on
// invalid output reprompt once in strict mode. Each provider call gets
// its own RunMetric; the returned Usage is the total.
func runPhase[T any](r *Runner, ctx context.Context, ag *Agent, call Call, parse func(string) (*T, error)) (*T, Usage, error) {
	model := call.Model
	if model == "" {
		model = ag.Model
	}
	if _, ok := pricing.Lookup(model); !ok {
		r.Log.Warn("unknown model pricing, default rate applied",
			"model", model, "agent_id", ag.ID)
	}
	total := Usage{Model: model}

	req := provider.Request{
		Model:        model,
		SystemPrompt: call.SystemPrompt,
		UserPrompt:   call.UserPrompt,
		Temperature:  call.Temperature,
	}
	r.Log.Debug("issuing call",
		"session_id", call.SessionID, "agent_id", ag.ID, "phase", call.Phase,
		"model", model,
		"prompt_tokens_est", tokenutil.EstimateTokens(call.SystemPrompt+call.UserPrompt))

	resp, usage, err := r.invoke(ctx, ag, req)
	total.add(usage)
	if err != nil {
		r.emitMetric(ag, call, usage, err)
		return nil, total, fmt.Errorf("agent %s %s: %w", ag.ID, call.Phase, err)
	}

	payload, perr := parse(resp.Text)
	if perr == nil {
		r.emitMetric(ag, call, usage, nil)
		return payload, total, nil
	}
	var parseErr *schema.ParseError
	if !errors.As(perr, &parseErr) {
		r.emitMetric(ag, call, usage, perr)
		return nil, total, fmt.Errorf("agent %s %s: %w", ag.ID, call.Phase, perr)
	}
	// First call completed but its output was unusable.
	r.emitMetric(ag, call, usage, parseErr)

	r.Log.Warn("output failed validation, reprompting",
		"session_id", call.SessionID, "agent_id", ag.ID,
		"phase", call.Phase, "reason", parseErr.Msg)

	strict := req
	strict.UserPrompt = req.UserPrompt +
		"\n\nYour previous reply could not be parsed (" + parseErr.Msg + "). " +
		"Reply again with ONLY a JSON object valid against this schema, no other text:\n" +
		schema.JSON(call.Phase)

	resp, usage, err = r.invoke(ctx, ag, strict)
	total.add(usage)
	if err == nil {
		payload, err = parse(resp.Text)
	}
	r.emitMetric(ag, call, usage, err)
	if err != nil {
		return nil, total, fmt.Errorf("agent %s %s after reprompt: %w", ag.ID, call.Phase, err)
	}
	return payload, total, nil
}

// invoke performs one provider call under the per-call deadline, with
// exponential backoff on transient failures. Returned usage covers all
// transport attempts of this call.
func (r *Runner) invoke(ctx context.Context, ag *Agent, req provider.Request) (*provider.Response, Usage, error) {
	timeout := r.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	usage := Usage{Model: req.Model}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff(attempt)
			r.Log.Debug("retrying provider call",
				"provider", ag.Adapter.Name(), "attempt", attempt, "delay", delay)
			select {
			case <-callCtx.Done():
				usage.LatencyMS = time.Since(started).Milliseconds()
				return nil, usage, &provider.Error{Kind: provider.KindTimeout, Provider: ag.Adapter.Name(), Err: callCtx.Err()}
			case <-time.After(delay):
			}
		}

		resp, err := ag.Adapter.Invoke(callCtx, req)
		if resp != nil {
			usage.TokensIn += resp.TokensIn
			usage.TokensOut += resp.TokensOut
		}
		if err == nil {
			usage.LatencyMS = time.Since(started).Milliseconds()
			usage.CostUSD = pricing.Cost(req.Model, usage.TokensIn, usage.TokensOut)
			return resp, usage, nil
		}
		lastErr = err

		var perr *provider.Error
		if !errors.As(err, &perr) || !perr.Transient() || callCtx.Err() != nil {
			break
		}
	}
	usage.LatencyMS = time.Since(started).Milliseconds()
	usage.CostUSD = pricing.Cost(req.Model, usage.TokensIn, usage.TokensOut)
	return nil, usage, lastErr
}

// backoff is 500ms doubled per attempt with ±25% jitter.
func backoff(attempt int) time.Duration {
	delay := retryBaseDelay << uint(attempt-1)
	jitter := time.Duration(rand.Int64N(int64(delay) / 2))
	return delay - delay/4 + jitter
}

// emitMetric persists and publishes one provider-call outcome.
func (r *Runner) emitMetric(ag *Agent, call Call, usage Usage, callErr error) {
	status := "success"
	errMsg := ""
	if callErr != nil {
		errMsg = callErr.Error()
		status = "error"
		var perr *provider.Error
		if errors.As(callErr, &perr) && perr.Kind == provider.KindTimeout {
			status = "timeout"
		}
	}

	m := &store.RunMetric{
		SessionID:    call.SessionID,
		AgentID:      ag.ID,
		Model:        usage.Model,
		Phase:        string(call.Phase),
		TokensIn:     usage.TokensIn,
		TokensOut:    usage.TokensOut,
		CostUSD:      usage.CostUSD,
		LatencyMS:    usage.LatencyMS,
		Status:       status,
		ErrorMessage: errMsg,
	}
	if r.Metrics != nil {
		if err := r.Metrics.AppendMetric(context.Background(), m); err != nil {
			r.Log.Error("append run metric", "session_id", call.SessionID, "error", err)
		}
	}
	if r.Bus != nil {
		r.Bus.Publish(bus.TopicMetric, bus.MetricEvent{
			SessionID: call.SessionID,
			AgentID:   ag.ID,
			Model:     usage.Model,
			Phase:     string(call.Phase),
			TokensIn:  usage.TokensIn,
			TokensOut: usage.TokensOut,
			CostUSD:   usage.CostUSD,
			LatencyMS: usage.LatencyMS,
			Status:    status,
		})
	}
}
