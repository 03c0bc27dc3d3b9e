// Package profile implements the learner profile store: default provisioning on
// first access, snapshot reads, and serialized per-learner read-modify-write.
//
// Writes run detached from the caller's cancellation. Once an update starts it
// is applied in full even if the request that triggered it is abandoned.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/knoguchi/adaptive/internal/events"
	"github.com/knoguchi/adaptive/internal/metrics"
	"github.com/knoguchi/adaptive/internal/repository"
)

// ErrInvariant is returned when a mutation would leave a profile in an invalid state.
var ErrInvariant = errors.New("profile invariant violated")

// Reader provides snapshot reads of learner profiles.
type Reader interface {
	Get(ctx context.Context, learnerID string) (*repository.LearnerProfile, error)
}

// Writer applies serialized updates to learner profiles.
type Writer interface {
	Update(ctx context.Context, learnerID string, mutation repository.ProfileMutation) (*repository.LearnerProfile, error)
}

// Cache stores profile snapshots. A miss returns (nil, nil).
// Set overwrites; Add only stores when no snapshot is present, so a slow read
// can never replace a snapshot written by a later update.
type Cache interface {
	Get(ctx context.Context, learnerID string) (*repository.LearnerProfile, error)
	Set(ctx context.Context, profile *repository.LearnerProfile) error
	Add(ctx context.Context, profile *repository.LearnerProfile) error
}

// Store is the profile store used by the pipeline and the feedback ingestor.
type Store struct {
	repo      repository.ProfileRepository
	cache     Cache
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	locks sync.Map // learner ID -> *sync.Mutex
}

// Option is a functional option for configuring Store.
type Option func(*Store)

// WithCache enables a snapshot cache in front of the repository.
func WithCache(c Cache) Option {
	return func(s *Store) { s.cache = c }
}

// WithPublisher publishes a profile.updated event after each update.
func WithPublisher(p events.Publisher) Option {
	return func(s *Store) { s.publisher = p }
}

// WithMetrics records profile metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a profile store backed by repo.
func NewStore(repo repository.ProfileRepository, opts ...Option) *Store {
	s := &Store{
		repo:      repo,
		publisher: events.NopPublisher{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a snapshot of the learner's profile, creating a default profile
// on first access. It never reports "not found".
func (s *Store) Get(ctx context.Context, learnerID string) (*repository.LearnerProfile, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, learnerID)
		switch {
		case err != nil:
			s.logger.Warn("profile cache read failed", "learner_id", learnerID, "error", err)
		case cached != nil:
			if s.metrics != nil {
				s.metrics.CacheHits.Inc()
			}
			return cached, nil
		default:
			if s.metrics != nil {
				s.metrics.CacheMisses.Inc()
			}
		}
	}

	p, err := s.repo.GetOrCreate(ctx, learnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Add(ctx, p); err != nil {
			s.logger.Warn("profile cache write failed", "learner_id", learnerID, "error", err)
		}
	}
	return p, nil
}

// Update applies mutation under the learner's lock. Concurrent updates for the
// same learner are applied one after another; updates for different learners
// proceed in parallel.
func (s *Store) Update(ctx context.Context, learnerID string, mutation repository.ProfileMutation) (*repository.LearnerProfile, error) {
	writeCtx := context.WithoutCancel(ctx)

	mu := s.lockFor(learnerID)
	mu.Lock()
	defer mu.Unlock()

	var before repository.LearnerProfile
	updated, err := s.repo.Update(writeCtx, learnerID, func(p *repository.LearnerProfile) error {
		before = *p
		if err := mutation(p); err != nil {
			return err
		}
		if err := checkInvariants(&before, p); err != nil {
			return err
		}
		p.LastUpdatedAt = s.now()
		return nil
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.ProfileUpdates.WithLabelValues("error").Inc()
		}
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}
	if s.metrics != nil {
		s.metrics.ProfileUpdates.WithLabelValues("ok").Inc()
	}

	if s.cache != nil {
		if err := s.cache.Set(writeCtx, updated); err != nil {
			s.logger.Warn("profile cache write failed", "learner_id", learnerID, "error", err)
		}
	}
	s.publishUpdate(writeCtx, &before, updated)

	return updated, nil
}

// Ping checks the backing repository.
func (s *Store) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func (s *Store) lockFor(learnerID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(learnerID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Store) publishUpdate(ctx context.Context, before, after *repository.LearnerProfile) {
	if before.Band != after.Band && s.metrics != nil {
		if after.Band.Index() > before.Band.Index() {
			s.metrics.RecordBandTransition("promote")
		} else {
			s.metrics.RecordBandTransition("demote")
		}
	}

	err := s.publisher.Publish(ctx, events.Event{
		Type:       events.TypeProfileUpdated,
		LearnerID:  after.LearnerID,
		OccurredAt: after.LastUpdatedAt,
		Data: map[string]any{
			"from_band":    before.Band.String(),
			"to_band":      after.Band.String(),
			"success_rate": after.SuccessRate,
			"load":         after.Load,
		},
	})
	if err != nil {
		s.logger.Warn("failed to publish profile update", "learner_id", after.LearnerID, "error", err)
	}
}

// checkInvariants rejects band jumps of more than one step and out-of-range values.
func checkInvariants(before, after *repository.LearnerProfile) error {
	if d := after.Band.Index() - before.Band.Index(); d > 1 || d < -1 {
		return fmt.Errorf("%w: band moved from %s to %s", ErrInvariant, before.Band, after.Band)
	}
	if !inUnit(after.SuccessRate) {
		return fmt.Errorf("%w: success_rate %v out of range", ErrInvariant, after.SuccessRate)
	}
	if !inUnit(after.Load) {
		return fmt.Errorf("%w: cognitive_load_value %v out of range", ErrInvariant, after.Load)
	}
	if after.InteractionCount < before.InteractionCount || after.FeedbackCount < before.FeedbackCount {
		return fmt.Errorf("%w: counters may not decrease", ErrInvariant)
	}
	return nil
}

func inUnit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

var (
	_ Reader = (*Store)(nil)
	_ Writer = (*Store)(nil)
)
