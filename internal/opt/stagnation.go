package opt

import (
	"log/slog"
	"math"
)

// StagnationConfig controls early stopping when the best objective stops
// improving between generations.
type StagnationConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Patience is the number of generations without a significant
	// improvement after which the search stops.
	Patience int `yaml:"patience" json:"patience"`
	// Threshold is the minimum relative improvement,
	// (last - current) / |last|, that counts as progress.
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// DefaultStagnationConfig returns a disabled config with usable values.
func DefaultStagnationConfig() StagnationConfig {
	return StagnationConfig{
		Enabled:   false,
		Patience:  5,
		Threshold: 0.001,
	}
}

// StagnationTracker watches the best objective per generation.
type StagnationTracker struct {
	config          StagnationConfig
	history         []float64
	bestCost        float64
	lastSignificant float64
	staleCount      int
}

// NewStagnationTracker creates a tracker for config.
func NewStagnationTracker(config StagnationConfig) *StagnationTracker {
	return &StagnationTracker{
		config:          config,
		bestCost:        math.Inf(1),
		lastSignificant: math.Inf(1),
	}
}

// Update records the best objective of a finished generation and reports
// whether the search has stagnated.
func (c *StagnationTracker) Update(cost float64) bool {
	c.history = append(c.history, cost)
	if cost < c.bestCost {
		c.bestCost = cost
	}
	if !c.config.Enabled {
		return false
	}

	if len(c.history) == 1 {
		c.lastSignificant = cost
		return false
	}

	improvement := relativeImprovement(c.lastSignificant, cost)
	if improvement >= c.config.Threshold {
		c.lastSignificant = cost
		c.staleCount = 0
		slog.Debug("Objective improved", "objective", cost, "relative_improvement", improvement)
		return false
	}

	c.staleCount++
	slog.Debug("No significant improvement",
		"objective", cost,
		"last_significant", c.lastSignificant,
		"stale_count", c.staleCount,
		"patience", c.config.Patience)

	if c.staleCount >= c.config.Patience {
		slog.Info("Search stagnated, stopping early",
			"stale_count", c.staleCount,
			"best_objective", c.bestCost)
		return true
	}
	return false
}

func relativeImprovement(last, current float64) float64 {
	if last == 0 {
		if current < 0 {
			return math.Inf(1)
		}
		return 0
	}
	return (last - current) / math.Abs(last)
}

// BestCost returns the best objective seen.
func (c *StagnationTracker) BestCost() float64 { return c.bestCost }

// History returns the per-generation best objectives.
func (c *StagnationTracker) History() []float64 {
	return append([]float64{}, c.history...)
}

// StaleCount returns the generations since the last significant improvement.
func (c *StagnationTracker) StaleCount() int { return c.staleCount }
