// Package cacs re-ranks retrieved candidate documents for an individual learner.
//
// Every candidate gets four component scores: personal (fit to the learner's
// profile), global (popularity, supplied upstream), context (fit to the question,
// supplied upstream) and base (retrieval similarity, supplied upstream). The
// composite is a fixed convex combination of the four. Ranking is fully
// deterministic: composite descending, then base descending, then document ID.
package cacs

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/knoguchi/adaptive/internal/pedagogy"
	"github.com/knoguchi/adaptive/internal/repository"
)

// Metadata keys understood by the personal score.
const (
	MetaDifficulty = "difficulty"  // band name or index 0-4
	MetaBloomLevel = "bloom_level" // demand name or index 0-5
)

// ErrInvalidWeights is returned when weights are negative or do not sum to 1.
var ErrInvalidWeights = errors.New("invalid CACS weights")

// Candidate is a retrieved document before personalization.
type Candidate struct {
	ID           string         `json:"id"`
	BaseScore    float64        `json:"base_score"`
	GlobalScore  float64        `json:"global_score"`
	ContextScore float64        `json:"context_score"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ScoredDocument is a candidate annotated with its component and composite scores.
type ScoredDocument struct {
	Candidate
	PersonalScore  float64 `json:"personal_score"`
	CompositeScore float64 `json:"composite_score"`
}

// Result holds the full ranking and the selected prefix.
type Result struct {
	Ranked   []ScoredDocument
	Selected []ScoredDocument
}

// Scorer ranks candidates for a learner.
type Scorer interface {
	// Score returns the ranked candidates and the first topN of them. An empty
	// candidate list yields an empty result, not an error.
	Score(candidates []Candidate, profile *repository.LearnerProfile, demand pedagogy.Demand, topN int) Result
}

// Weights are the fixed coefficients of the composite.
type Weights struct {
	Personal float64
	Global   float64
	Context  float64
	Base     float64
}

// DefaultWeights returns the weights used when none are configured.
func DefaultWeights() Weights {
	return Weights{Personal: 0.35, Global: 0.15, Context: 0.20, Base: 0.30}
}

// Validate checks that the weights are non-negative and sum to 1.
func (w Weights) Validate() error {
	if w.Personal < 0 || w.Global < 0 || w.Context < 0 || w.Base < 0 {
		return fmt.Errorf("%w: negative weight", ErrInvalidWeights)
	}
	if sum := w.Personal + w.Global + w.Context + w.Base; math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("%w: sum is %.6f", ErrInvalidWeights, sum)
	}
	return nil
}

// Composite combines the four component scores of d.
func (w Weights) Composite(d ScoredDocument) float64 {
	return w.Personal*d.PersonalScore +
		w.Global*d.GlobalScore +
		w.Context*d.ContextScore +
		w.Base*d.BaseScore
}

// Rank computes the composite of each document from its component scores and
// sorts in place: composite descending, base descending, then ID ascending.
func Rank(docs []ScoredDocument, w Weights) {
	for i := range docs {
		docs[i].CompositeScore = w.Composite(docs[i])
	}
	sort.SliceStable(docs, func(i, j int) bool {
		a, b := docs[i], docs[j]
		if a.CompositeScore != b.CompositeScore {
			return a.CompositeScore > b.CompositeScore
		}
		if a.BaseScore != b.BaseScore {
			return a.BaseScore > b.BaseScore
		}
		return a.ID < b.ID
	})
}

// Passthrough keeps the input order and leaves the personal and composite scores at zero.
// It stands in when composite scoring is disabled.
type Passthrough struct{}

func (Passthrough) Score(candidates []Candidate, _ *repository.LearnerProfile, _ pedagogy.Demand, topN int) Result {
	ranked := make([]ScoredDocument, len(candidates))
	for i, c := range candidates {
		ranked[i] = ScoredDocument{Candidate: c}
	}
	return Result{Ranked: ranked, Selected: selectTop(ranked, topN)}
}

func selectTop(ranked []ScoredDocument, topN int) []ScoredDocument {
	if topN < 0 {
		topN = 0
	}
	if topN > len(ranked) {
		topN = len(ranked)
	}
	return ranked[:topN:topN]
}

// IDs returns the document IDs in order.
func IDs(docs []ScoredDocument) []string {
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids
}
