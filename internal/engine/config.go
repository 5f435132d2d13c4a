package engine

import "fmt"

// Config is validated once at engine construction and never mutated during
// a run.
type Config struct {
	// MaxIterations bounds provider turns per run.
	MaxIterations int
	// SubagentMaxIterations bounds nested runs. Zero inherits
	// MaxIterations.
	SubagentMaxIterations int
	// MaxCorrections bounds action-integrity correction iterations per run.
	MaxCorrections int
}

func (c Config) Validate() error {
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max iterations must be positive, got %d", c.MaxIterations)
	}
	if c.SubagentMaxIterations < 0 {
		return fmt.Errorf("subagent max iterations must be non-negative, got %d", c.SubagentMaxIterations)
	}
	if c.MaxCorrections <= 0 {
		return fmt.Errorf("max corrections must be positive, got %d", c.MaxCorrections)
	}
	return nil
}

// wrapUpIteration is the iteration at which the wrap-up nudge appears:
// 70% of the budget, rounded up.
func (c Config) wrapUpIteration() int {
	return (c.MaxIterations*7 + 9) / 10
}
