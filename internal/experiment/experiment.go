// Package experiment runs A/B comparisons over prompt or settings
// variants. Assignment is deterministic: the same task id always lands
// in the same bucket for a given experiment.
package experiment

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/basket/quorum/internal/store"
)

// Variant names.
const (
	VariantControl   = "control"
	VariantTreatment = "treatment"
)

// Experiment statuses.
const (
	StatusDraft     = "draft"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusStopped   = "stopped"
)

// Service manages experiments and their run records.
type Service struct {
	store store.Store
	log   *slog.Logger
}

// NewService builds the experiment service.
func NewService(st store.Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: st, log: log}
}

// Create registers a new experiment in draft state.
func (s *Service) Create(ctx context.Context, e *store.Experiment) error {
	if e.Name == "" {
		return fmt.Errorf("experiment name required")
	}
	if e.TreatmentPercentage < 0 || e.TreatmentPercentage > 100 {
		return fmt.Errorf("treatment_percentage %.1f out of range [0,100]", e.TreatmentPercentage)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = StatusDraft
	}
	if e.PrimaryMetric == "" {
		e.PrimaryMetric = "consensus_level"
	}
	return s.store.SaveExperiment(ctx, e)
}

// Update replaces an existing experiment's definition. Unset status
// and primary metric keep their stored values; created_at is preserved.
func (s *Service) Update(ctx context.Context, e *store.Experiment) error {
	if e.ID == "" {
		return fmt.Errorf("experiment id required")
	}
	if e.Name == "" {
		return fmt.Errorf("experiment name required")
	}
	if e.TreatmentPercentage < 0 || e.TreatmentPercentage > 100 {
		return fmt.Errorf("treatment_percentage %.1f out of range [0,100]", e.TreatmentPercentage)
	}
	current, err := s.store.GetExperiment(ctx, e.ID)
	if err != nil {
		return err
	}
	if e.Status == "" {
		e.Status = current.Status
	}
	if e.PrimaryMetric == "" {
		e.PrimaryMetric = current.PrimaryMetric
	}
	e.CreatedAt = current.CreatedAt
	return s.store.SaveExperiment(ctx, e)
}

// Get returns one experiment.
func (s *Service) Get(ctx context.Context, id string) (*store.Experiment, error) {
	return s.store.GetExperiment(ctx, id)
}

// List returns every experiment.
func (s *Service) List(ctx context.Context) ([]store.Experiment, error) {
	return s.store.ListExperiments(ctx)
}

// Delete removes an experiment and its runs.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteExperiment(ctx, id)
}

// SetStatus moves an experiment between lifecycle states.
func (s *Service) SetStatus(ctx context.Context, id, status string) error {
	switch status {
	case StatusDraft, StatusRunning, StatusCompleted, StatusStopped:
	default:
		return fmt.Errorf("unknown experiment status %q", status)
	}
	e, err := s.store.GetExperiment(ctx, id)
	if err != nil {
		return err
	}
	e.Status = status
	return s.store.SaveExperiment(ctx, e)
}

// Assign buckets a task into control or treatment. Deterministic per
// (experiment, task) pair.
func Assign(experimentID, taskID string, treatmentPct float64) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(experimentID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(taskID))
	bucket := float64(h.Sum64()%10000) / 100 // [0, 100)
	if bucket < treatmentPct {
		return VariantTreatment
	}
	return VariantControl
}

// Record appends one run observation for a variant.
func (s *Service) Record(ctx context.Context, experimentID, variant, taskID string, metrics map[string]float64) error {
	if variant != VariantControl && variant != VariantTreatment {
		return fmt.Errorf("unknown variant %q", variant)
	}
	return s.store.AppendExperimentRun(ctx, &store.ExperimentRun{
		ExperimentID: experimentID,
		Variant:      variant,
		TaskID:       taskID,
		MetricValues: metrics,
		CreatedAt:    time.Now().UTC(),
	})
}

// VariantStats summarizes one variant's observations of the primary
// metric.
type VariantStats struct {
	Runs   int     `json:"runs"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
}

// Results compares treatment to control on the primary metric.
type Results struct {
	ExperimentID  string       `json:"experiment_id"`
	PrimaryMetric string       `json:"primary_metric"`
	Control       VariantStats `json:"control"`
	Treatment     VariantStats `json:"treatment"`
	// LiftPct is the treatment mean relative to control, in percent.
	LiftPct float64 `json:"lift_pct"`
}

// Results computes per-variant stats and the treatment lift.
func (s *Service) Results(ctx context.Context, experimentID string) (*Results, error) {
	e, err := s.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	runs, err := s.store.ExperimentRuns(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	var control, treatment []float64
	for _, r := range runs {
		v, ok := r.MetricValues[e.PrimaryMetric]
		if !ok {
			continue
		}
		if r.Variant == VariantTreatment {
			treatment = append(treatment, v)
		} else {
			control = append(control, v)
		}
	}

	out := &Results{
		ExperimentID:  experimentID,
		PrimaryMetric: e.PrimaryMetric,
		Control:       summarize(control),
		Treatment:     summarize(treatment),
	}
	if out.Control.Mean != 0 {
		out.LiftPct = (out.Treatment.Mean - out.Control.Mean) / out.Control.Mean * 100
	}
	return out, nil
}

func summarize(values []float64) VariantStats {
	st := VariantStats{Runs: len(values)}
	if len(values) == 0 {
		return st
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	st.Mean = sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - st.Mean
		sq += d * d
	}
	st.StdDev = math.Sqrt(sq / float64(len(values)))
	return st
}
