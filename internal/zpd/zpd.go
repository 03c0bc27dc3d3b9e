// Package zpd estimates a learner's developmental band from their recent success rate.
//
// The estimator moves the band by at most one step per call. A move requires the
// smoothed success rate to sit beyond a threshold and at least MinWindow feedback
// events to have been observed since the previous move.
package zpd

import (
	"github.com/knoguchi/adaptive/internal/pedagogy"
	"github.com/knoguchi/adaptive/internal/repository"
)

// Direction reports how an estimate changed the band.
type Direction int

const (
	Unchanged Direction = iota
	Promoted
	Demoted
)

func (d Direction) String() string {
	switch d {
	case Promoted:
		return "promote"
	case Demoted:
		return "demote"
	default:
		return "unchanged"
	}
}

// State is the part of a learner profile the estimator reads.
type State struct {
	Band        pedagogy.Band
	SuccessRate float64
	Evidence    int // feedback events since the last band change
}

// Decision is the estimator's output.
type Decision struct {
	Band      pedagogy.Band
	Direction Direction
}

// Estimator decides the next developmental band.
type Estimator interface {
	Estimate(s State) Decision
}

// Config holds the thresholds. Defaults are DefaultConfig.
type Config struct {
	PromoteThreshold float64
	DemoteThreshold  float64
	MinWindow        int
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig() Config {
	return Config{PromoteThreshold: 0.75, DemoteThreshold: 0.35, MinWindow: 5}
}

// Calculator is the threshold-based Estimator.
type Calculator struct {
	cfg Config
}

// NewCalculator creates a Calculator.
func NewCalculator(cfg Config) *Calculator {
	if cfg.MinWindow < 1 {
		cfg.MinWindow = 1
	}
	return &Calculator{cfg: cfg}
}

// Estimate promotes above PromoteThreshold and demotes below DemoteThreshold.
// At the top or bottom band the move is a no-op.
func (c *Calculator) Estimate(s State) Decision {
	keep := Decision{Band: s.Band, Direction: Unchanged}
	if s.Evidence < c.cfg.MinWindow {
		return keep
	}

	switch {
	case s.SuccessRate > c.cfg.PromoteThreshold:
		if next, ok := s.Band.Next(); ok {
			return Decision{Band: next, Direction: Promoted}
		}
	case s.SuccessRate < c.cfg.DemoteThreshold:
		if prev, ok := s.Band.Prev(); ok {
			return Decision{Band: prev, Direction: Demoted}
		}
	}
	return keep
}

// Frozen never changes the band. It stands in when estimation is disabled.
type Frozen struct{}

func (Frozen) Estimate(s State) Decision {
	return Decision{Band: s.Band, Direction: Unchanged}
}

// Apply runs e against p and writes the result back. A band move resets the
// evidence window.
func Apply(e Estimator, p *repository.LearnerProfile) Direction {
	d := e.Estimate(State{Band: p.Band, SuccessRate: p.SuccessRate, Evidence: p.BandEvidence})
	if d.Direction != Unchanged {
		p.Band = d.Band
		p.BandEvidence = 0
	}
	return d.Direction
}

var (
	_ Estimator = (*Calculator)(nil)
	_ Estimator = Frozen{}
)
