package detox

import (
	"fmt"
	"runtime"
)

// Mode selects how deletions are spread over the target sites.
type Mode string

const (
	// ModeIterative deletes at one site per round and re-evaluates the
	// working set between rounds.
	ModeIterative Mode = "iterative"
	// ModeStatic evaluates once and deletes at every site in one pass.
	ModeStatic Mode = "static"
)

// SiteSelection picks the site of the next iterative round.
type SiteSelection string

const (
	// SelectProtectedFraction prefers the site with the largest protected
	// share of its quota and falls back to a random site when nothing is
	// protected.
	SelectProtectedFraction SiteSelection = "protected-fraction"
	SelectRandom            SiteSelection = "random"
)

type Config struct {
	Mode Mode `json:"mode"`
	// DeletionPerIteration caps the bytes deleted at a site in one round.
	// Zero means no cap.
	DeletionPerIteration int64         `json:"deletion_per_iteration"`
	SiteSelection        SiteSelection `json:"site_selection"`
	// Seed makes random site selection reproducible. Zero seeds from the
	// clock.
	Seed    int64 `json:"seed"`
	Workers int   `json:"workers"`
	// DryRun records decisions without deleting anything.
	DryRun bool `json:"dry_run"`
}

func DefaultConfig() Config {
	return Config{
		Mode:          ModeIterative,
		SiteSelection: SelectProtectedFraction,
		Workers:       runtime.NumCPU(),
	}
}

// Validate fills defaults and rejects unknown settings.
func (c *Config) Validate() error {
	switch c.Mode {
	case "":
		c.Mode = ModeIterative
	case ModeIterative, ModeStatic:
	default:
		return fmt.Errorf("unknown detox mode %q", c.Mode)
	}
	switch c.SiteSelection {
	case "":
		c.SiteSelection = SelectProtectedFraction
	case SelectProtectedFraction, SelectRandom:
	default:
		return fmt.Errorf("unknown site selection %q", c.SiteSelection)
	}
	if c.DeletionPerIteration < 0 {
		return fmt.Errorf("deletion per iteration cannot be negative")
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	return nil
}
