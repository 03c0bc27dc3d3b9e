package cacs

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/knoguchi/adaptive/internal/pedagogy"
	"github.com/knoguchi/adaptive/internal/repository"
)

const (
	// neutralFit is the personal score of a document with no usable metadata.
	neutralFit = 0.5

	// Above this load, documents harder than the learner's band are penalized.
	overloadThreshold = 0.6
	overloadPenalty   = 0.25
)

// CompositeScorer is the weighted four-component Scorer.
type CompositeScorer struct {
	weights Weights
}

// NewCompositeScorer creates a scorer. The weights must pass Validate.
func NewCompositeScorer(w Weights) (*CompositeScorer, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &CompositeScorer{weights: w}, nil
}

// Weights returns the configured weights.
func (s *CompositeScorer) Weights() Weights { return s.weights }

func (s *CompositeScorer) String() string {
	w := s.weights
	return fmt.Sprintf("cacs(personal=%.2f global=%.2f context=%.2f base=%.2f)", w.Personal, w.Global, w.Context, w.Base)
}

// Score computes the personal score of every candidate and ranks them.
func (s *CompositeScorer) Score(candidates []Candidate, profile *repository.LearnerProfile, demand pedagogy.Demand, topN int) Result {
	if len(candidates) == 0 {
		return Result{Ranked: []ScoredDocument{}, Selected: []ScoredDocument{}}
	}

	docs := make([]ScoredDocument, len(candidates))
	for i, c := range candidates {
		docs[i] = ScoredDocument{
			Candidate:     c,
			PersonalScore: PersonalScore(c.Metadata, profile, demand),
		}
	}
	Rank(docs, s.weights)

	return Result{Ranked: docs, Selected: selectTop(docs, topN)}
}

// PersonalScore rates how well a document's difficulty and Bloom level fit the
// learner. It is the mean of the fit terms the metadata allows, or 0.5 when
// neither is present. Under high load, documents above the learner's band lose
// part of their score.
func PersonalScore(meta map[string]any, profile *repository.LearnerProfile, demand pedagogy.Demand) float64 {
	if profile == nil {
		return neutralFit
	}

	var sum float64
	var terms int

	docBand, hasBand := metaBand(meta)
	if hasBand {
		gap := math.Abs(float64(docBand.Index() - profile.Band.Index()))
		sum += 1 - gap/float64(pedagogy.BandCount-1)
		terms++
	}
	if docDemand, ok := metaDemand(meta); ok {
		gap := math.Abs(float64(docDemand.Index() - demand.Index()))
		sum += 1 - gap/float64(pedagogy.DemandCount-1)
		terms++
	}
	if terms == 0 {
		return neutralFit
	}
	score := sum / float64(terms)

	if hasBand && profile.Load >= overloadThreshold {
		if above := docBand.Index() - profile.Band.Index(); above > 0 {
			score -= overloadPenalty * profile.Load * float64(above) / float64(pedagogy.BandCount-1)
		}
	}
	return math.Max(0, math.Min(1, score))
}

func metaBand(meta map[string]any) (pedagogy.Band, bool) {
	v, ok := meta[MetaDifficulty]
	if !ok {
		return pedagogy.Band{}, false
	}
	switch x := v.(type) {
	case string:
		b, err := pedagogy.ParseBand(x)
		return b, err == nil
	case pedagogy.Band:
		return x, true
	default:
		i, ok := metaIndex(x)
		if !ok {
			return pedagogy.Band{}, false
		}
		b, err := pedagogy.BandFromIndex(i)
		return b, err == nil
	}
}

func metaDemand(meta map[string]any) (pedagogy.Demand, bool) {
	v, ok := meta[MetaBloomLevel]
	if !ok {
		return pedagogy.Demand{}, false
	}
	switch x := v.(type) {
	case string:
		d, err := pedagogy.ParseDemand(x)
		return d, err == nil
	case pedagogy.Demand:
		return x, true
	default:
		i, ok := metaIndex(x)
		if !ok {
			return pedagogy.Demand{}, false
		}
		d, err := pedagogy.DemandFromIndex(i)
		return d, err == nil
	}
}

// metaIndex accepts the numeric forms produced by JSON and structpb decoding.
func metaIndex(v any) (int, bool) {
	var f float64
	switch x := v.(type) {
	case int:
		return x, true
	case int32:
		return int(x), true
	case int64:
		return int(x), true
	case float32:
		f = float64(x)
	case float64:
		f = x
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
	if f != math.Trunc(f) || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(f), true
}

var (
	_ Scorer = (*CompositeScorer)(nil)
	_ Scorer = Passthrough{}
)
