// Package repository defines domain records and data access interfaces for learner
// profiles, feedback events, and answer references.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/knoguchi/adaptive/internal/pedagogy"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Profile defaults for a learner seen for the first time. DefaultLoad matches
// the load model's default baseline; repositories take the configured baseline
// as an option.
const (
	DefaultSuccessRate = 0.5
	DefaultLoad        = 0.3
)

// LearnerProfile is the pedagogical state of one learner
type LearnerProfile struct {
	LearnerID        string          `json:"learner_id"`
	Band             pedagogy.Band   `json:"developmental_level"`
	Demand           pedagogy.Demand `json:"cognitive_demand_estimate"`
	Load             float64         `json:"cognitive_load_value"`
	SuccessRate      float64         `json:"success_rate"`
	InteractionCount int             `json:"interaction_count"`
	FeedbackCount    int             `json:"feedback_count"`
	BandEvidence     int             `json:"band_evidence"` // feedback events since the last band change
	LastUpdatedAt    time.Time       `json:"last_updated_at"`
	CreatedAt        time.Time       `json:"created_at"`
}

// NewLearnerProfile returns a default-initialized profile.
func NewLearnerProfile(learnerID string, now time.Time) *LearnerProfile {
	return &LearnerProfile{
		LearnerID:     learnerID,
		Band:          pedagogy.DefaultBand(),
		Demand:        pedagogy.FallbackDemand(),
		Load:          DefaultLoad,
		SuccessRate:   DefaultSuccessRate,
		LastUpdatedAt: now,
		CreatedAt:     now,
	}
}

// Clone returns an independent copy of the profile.
func (p *LearnerProfile) Clone() *LearnerProfile {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// Emoji is one of the four discrete feedback levels.
type Emoji string

const (
	EmojiBest    Emoji = "best"
	EmojiGood    Emoji = "good"
	EmojiNeutral Emoji = "neutral"
	EmojiPoor    Emoji = "poor"
)

// FeedbackEvent is an immutable feedback record, kept append-only for audit
type FeedbackEvent struct {
	ID              uuid.UUID `json:"id"`
	LearnerID       string    `json:"learner_id"`
	AnswerReference uuid.UUID `json:"answer_reference"`
	Emoji           Emoji     `json:"emoji_value"`
	Reward          float64   `json:"reward"`
	Timestamp       time.Time `json:"timestamp"`
}

// AnswerRecord remembers an answer produced by an adaptive query so that later
// feedback can be validated against it.
type AnswerRecord struct {
	Reference   uuid.UUID       `json:"answer_reference"`
	LearnerID   string          `json:"learner_id"`
	Demand      pedagogy.Demand `json:"classified_demand_level"`
	Band        pedagogy.Band   `json:"developmental_level_snapshot"`
	DocumentIDs []string        `json:"selected_document_ids"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ProfileMutation changes a profile in place. Returning an error aborts the update.
type ProfileMutation func(p *LearnerProfile) error

// ProfileRepository defines operations for learner profile persistence.
// Profiles are never deleted.
type ProfileRepository interface {
	// GetOrCreate returns the stored profile, creating a default one on first access.
	GetOrCreate(ctx context.Context, learnerID string) (*LearnerProfile, error)

	// Update atomically applies mutation to the stored profile (created if missing)
	// and returns the persisted result.
	Update(ctx context.Context, learnerID string, mutation ProfileMutation) (*LearnerProfile, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// FeedbackRepository defines operations for the append-only feedback history
type FeedbackRepository interface {
	Append(ctx context.Context, event *FeedbackEvent) error
	ListByLearner(ctx context.Context, learnerID string, limit int) ([]*FeedbackEvent, error)
}

// AnswerRepository defines operations for answer references
type AnswerRepository interface {
	Record(ctx context.Context, answer *AnswerRecord) error
	Get(ctx context.Context, reference uuid.UUID) (*AnswerRecord, error)
}
