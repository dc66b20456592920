package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all quorum metrics instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	SessionDuration  metric.Float64Histogram
	LLMCallDuration  metric.Float64Histogram
	TokensUsed       metric.Int64Counter
	CostUSD          metric.Float64Counter
	ParseFailures    metric.Int64Counter
	Iterations       metric.Int64Counter
	EventsDropped    metric.Int64Counter
	SessionsRejected metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("quorum.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionDuration, err = meter.Float64Histogram("quorum.session.duration",
		metric.WithDescription("Deliberation session duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("quorum.llm.duration",
		metric.WithDescription("Provider call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("quorum.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.CostUSD, err = meter.Float64Counter("quorum.llm.cost",
		metric.WithDescription("Accumulated provider cost in USD"),
	)
	if err != nil {
		return nil, err
	}

	m.ParseFailures, err = meter.Int64Counter("quorum.parse.failures",
		metric.WithDescription("Model outputs that failed schema validation"),
	)
	if err != nil {
		return nil, err
	}

	m.Iterations, err = meter.Int64Counter("quorum.session.iterations",
		metric.WithDescription("Deliberation iterations executed"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDropped, err = meter.Int64Counter("quorum.events.dropped",
		metric.WithDescription("Metric events dropped under back-pressure"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsRejected, err = meter.Int64Counter("quorum.sessions.rejected",
		metric.WithDescription("Sessions rejected before start"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
