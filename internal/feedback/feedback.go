// Package feedback turns emoji feedback on an answer into a profile update.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/adaptive/internal/events"
	"github.com/knoguchi/adaptive/internal/metrics"
	"github.com/knoguchi/adaptive/internal/profile"
	"github.com/knoguchi/adaptive/internal/repository"
	"github.com/knoguchi/adaptive/internal/zpd"
)

var (
	// ErrInvalidFeedbackValue is returned for an emoji outside the four known levels.
	ErrInvalidFeedbackValue = errors.New("invalid feedback value")
	// ErrUnknownAnswerReference is returned when the answer is not on record for the learner.
	ErrUnknownAnswerReference = errors.New("unknown answer reference")
)

// Rewards maps each emoji level to its fixed reward.
var Rewards = map[repository.Emoji]float64{
	repository.EmojiBest:    1.0,
	repository.EmojiGood:    0.7,
	repository.EmojiNeutral: 0.3,
	repository.EmojiPoor:    0.0,
}

var glyphs = map[string]repository.Emoji{
	"😊":  repository.EmojiBest,
	"😀":  repository.EmojiBest,
	"🙂":  repository.EmojiGood,
	"😐":  repository.EmojiNeutral,
	"😞":  repository.EmojiPoor,
	"☹️": repository.EmojiPoor,
	"☹":  repository.EmojiPoor,
}

// ParseEmoji accepts a level name (best, good, neutral, poor) or its glyph.
func ParseEmoji(s string) (repository.Emoji, error) {
	s = strings.TrimSpace(s)
	if e, ok := glyphs[s]; ok {
		return e, nil
	}
	e := repository.Emoji(strings.ToLower(s))
	if _, ok := Rewards[e]; ok {
		return e, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidFeedbackValue, s)
}

// ProfileStore is the subset of the profile store the ingestor uses.
type ProfileStore interface {
	profile.Reader
	profile.Writer
}

// Submission is a feedback signal as received from a client.
type Submission struct {
	LearnerID       string
	AnswerReference uuid.UUID
	Emoji           string
}

// Config holds ingestor settings.
type Config struct {
	Alpha   float64 // weight of the newest reward in the success rate
	Enabled bool    // when false, events are validated and recorded but profiles are left alone
	Logger  *slog.Logger
}

// Ingestor validates feedback, updates the learner profile and keeps the audit trail.
type Ingestor struct {
	profiles  ProfileStore
	answers   repository.AnswerRepository
	history   repository.FeedbackRepository
	estimator zpd.Estimator
	publisher events.Publisher
	metrics   *metrics.Metrics
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// Option is a functional option for configuring Ingestor.
type Option func(*Ingestor)

// WithPublisher publishes a feedback.ingested event for every accepted event.
func WithPublisher(p events.Publisher) Option {
	return func(i *Ingestor) { i.publisher = p }
}

// WithMetrics records feedback metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Ingestor) { i.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Ingestor) { i.now = now }
}

// NewIngestor creates an Ingestor.
func NewIngestor(
	profiles ProfileStore,
	answers repository.AnswerRepository,
	history repository.FeedbackRepository,
	estimator zpd.Estimator,
	cfg Config,
	opts ...Option,
) *Ingestor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if estimator == nil {
		estimator = zpd.Frozen{}
	}
	i := &Ingestor{
		profiles:  profiles,
		answers:   answers,
		history:   history,
		estimator: estimator,
		publisher: events.NopPublisher{},
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Ingest validates s, appends the event to the learner's history, then applies
// its reward to the learner's success rate and runs the band estimator in the
// same atomic update. It returns the updated profile and the recorded event.
//
// Once validation passes the update runs to completion even if ctx is cancelled.
func (i *Ingestor) Ingest(ctx context.Context, s Submission) (*repository.LearnerProfile, *repository.FeedbackEvent, error) {
	emoji, err := ParseEmoji(s.Emoji)
	if err != nil {
		i.reject("invalid_value")
		return nil, nil, err
	}

	answer, err := i.answers.Get(ctx, s.AnswerReference)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			i.reject("unknown_answer")
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownAnswerReference, s.AnswerReference)
		}
		return nil, nil, fmt.Errorf("failed to look up answer: %w", err)
	}
	if answer.LearnerID != s.LearnerID {
		i.reject("unknown_answer")
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownAnswerReference, s.AnswerReference)
	}

	writeCtx := context.WithoutCancel(ctx)
	event := &repository.FeedbackEvent{
		ID:              uuid.New(),
		LearnerID:       s.LearnerID,
		AnswerReference: s.AnswerReference,
		Emoji:           emoji,
		Reward:          Rewards[emoji],
		Timestamp:       i.now(),
	}

	// The event goes on the record before the profile moves. A failed append
	// leaves the profile untouched.
	if err := i.history.Append(writeCtx, event); err != nil {
		return nil, nil, fmt.Errorf("failed to record feedback event: %w", err)
	}

	var updated *repository.LearnerProfile
	if i.cfg.Enabled {
		updated, err = i.profiles.Update(writeCtx, s.LearnerID, i.apply(event.Reward))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to apply feedback: %w", err)
		}
	} else {
		updated, err = i.profiles.Get(writeCtx, s.LearnerID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load profile: %w", err)
		}
	}

	if i.metrics != nil {
		i.metrics.FeedbackIngested.WithLabelValues(string(emoji)).Inc()
	}
	i.publish(writeCtx, event)

	i.logger.Debug("feedback ingested",
		"learner_id", s.LearnerID,
		"emoji", emoji,
		"reward", event.Reward,
		"applied", i.cfg.Enabled,
	)

	return updated, event, nil
}

// History returns up to limit feedback events for the learner, newest first.
func (i *Ingestor) History(ctx context.Context, learnerID string, limit int) ([]*repository.FeedbackEvent, error) {
	list, err := i.history.ListByLearner(ctx, learnerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	if list == nil {
		list = []*repository.FeedbackEvent{}
	}
	return list, nil
}

// apply is the profile mutation for one reward: exponential success-rate update
// followed by band estimation.
func (i *Ingestor) apply(reward float64) repository.ProfileMutation {
	return func(p *repository.LearnerProfile) error {
		p.SuccessRate = UpdateSuccessRate(p.SuccessRate, reward, i.cfg.Alpha)
		p.FeedbackCount++
		p.BandEvidence++
		zpd.Apply(i.estimator, p)
		return nil
	}
}

// UpdateSuccessRate returns alpha*reward + (1-alpha)*rate.
func UpdateSuccessRate(rate, reward, alpha float64) float64 {
	return alpha*reward + (1-alpha)*rate
}

func (i *Ingestor) reject(reason string) {
	if i.metrics != nil {
		i.metrics.FeedbackRejected.WithLabelValues(reason).Inc()
	}
}

func (i *Ingestor) publish(ctx context.Context, e *repository.FeedbackEvent) {
	err := i.publisher.Publish(ctx, events.Event{
		Type:       events.TypeFeedbackIngested,
		LearnerID:  e.LearnerID,
		OccurredAt: e.Timestamp,
		Data: map[string]any{
			"event_id":         e.ID.String(),
			"answer_reference": e.AnswerReference.String(),
			"emoji_value":      string(e.Emoji),
			"reward":           e.Reward,
		},
	})
	if err != nil {
		i.logger.Warn("failed to publish feedback event", "learner_id", e.LearnerID, "error", err)
	}
}
