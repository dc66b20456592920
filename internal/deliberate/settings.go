package deliberate

import (
	"fmt"

	"github.com/basket/quorum/internal/store"
)

// Session setting defaults and bounds.
const (
	DefaultTemperature        = 0.7
	DefaultMaxIterations      = 3
	DefaultConsensusThreshold = 0.8
	DefaultBudgetUSD          = 5.0

	MinIterations = 1
	MaxIterations = 5
	MinThreshold  = 0.5
	MaxThreshold  = 0.95
)

// NormalizeSettings fills zero values with defaults and rejects values
// outside the allowed ranges.
func NormalizeSettings(s *store.Settings) error {
	if s.Temperature == 0 {
		s.Temperature = DefaultTemperature
	}
	if s.MaxIterations == 0 {
		s.MaxIterations = DefaultMaxIterations
	}
	if s.ConsensusThreshold == 0 {
		s.ConsensusThreshold = DefaultConsensusThreshold
	}
	if s.BudgetUSD == 0 {
		s.BudgetUSD = DefaultBudgetUSD
	}

	if s.Temperature < 0 || s.Temperature > 1 {
		return fmt.Errorf("temperature %.2f out of range [0,1]", s.Temperature)
	}
	if s.MaxIterations < MinIterations || s.MaxIterations > MaxIterations {
		return fmt.Errorf("max_iterations %d out of range [%d,%d]", s.MaxIterations, MinIterations, MaxIterations)
	}
	if s.ConsensusThreshold < MinThreshold || s.ConsensusThreshold > MaxThreshold {
		return fmt.Errorf("consensus_threshold %.2f out of range [%.2f,%.2f]", s.ConsensusThreshold, MinThreshold, MaxThreshold)
	}
	if s.BudgetUSD <= 0 {
		return fmt.Errorf("budget_usd must be positive, got %.4f", s.BudgetUSD)
	}
	return nil
}
