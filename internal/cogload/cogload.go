// Package cogload tracks how much mental effort a learner's current questions cost.
package cogload

import (
	"math"

	"github.com/knoguchi/adaptive/internal/pedagogy"
)

// Manager produces the next cognitive load value for a learner.
type Manager interface {
	Next(prev float64, demand pedagogy.Demand, band pedagogy.Band) float64
}

// Config holds the load model constants.
type Config struct {
	Baseline   float64 // resting load when questions sit within the band
	GapPenalty float64 // added per level the demand exceeds the band's ceiling
	Smoothing  float64 // fraction of the distance to the target covered per question
}

// DefaultConfig returns the constants used when none are configured.
func DefaultConfig() Config {
	return Config{Baseline: 0.3, GapPenalty: 0.2, Smoothing: 0.5}
}

// Model is an exponentially smoothed mismatch model. Each question sets a
// target of Baseline plus GapPenalty for every level the demand sits above the
// band's ceiling, and the load moves part of the way toward it.
type Model struct {
	cfg Config
}

// NewModel creates a Model.
func NewModel(cfg Config) *Model {
	cfg.Baseline = clamp(cfg.Baseline)
	cfg.Smoothing = clamp(cfg.Smoothing)
	if cfg.GapPenalty < 0 {
		cfg.GapPenalty = 0
	}
	return &Model{cfg: cfg}
}

// Target is the load a question would settle at if asked repeatedly.
func (m *Model) Target(demand pedagogy.Demand, band pedagogy.Band) float64 {
	gap := demand.Exceeds(band.Ceiling())
	return clamp(m.cfg.Baseline + m.cfg.GapPenalty*float64(gap))
}

// Next moves prev toward the target and clamps the result to [0, 1].
func (m *Model) Next(prev float64, demand pedagogy.Demand, band pedagogy.Band) float64 {
	prev = clamp(prev)
	return clamp(prev + m.cfg.Smoothing*(m.Target(demand, band)-prev))
}

// Frozen keeps the previous value. It stands in when load tracking is disabled.
type Frozen struct{}

func (Frozen) Next(prev float64, _ pedagogy.Demand, _ pedagogy.Band) float64 {
	return clamp(prev)
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

var (
	_ Manager = (*Model)(nil)
	_ Manager = Frozen{}
)
