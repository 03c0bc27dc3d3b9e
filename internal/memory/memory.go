// Package memory provides in-process implementations of the repository interfaces.
// They back single-instance deployments and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/knoguchi/adaptive/internal/repository"
)

// ProfileRepo keeps learner profiles in a map.
type ProfileRepo struct {
	mu          sync.RWMutex
	profiles    map[string]*repository.LearnerProfile
	initialLoad float64
	now         func() time.Time
}

// ProfileRepoOption configures a ProfileRepo.
type ProfileRepoOption func(*ProfileRepo)

// WithInitialLoad sets the load a new profile starts with.
func WithInitialLoad(load float64) ProfileRepoOption {
	return func(r *ProfileRepo) {
		r.initialLoad = load
	}
}

// NewProfileRepo creates an empty in-memory profile repository.
func NewProfileRepo(opts ...ProfileRepoOption) *ProfileRepo {
	r := &ProfileRepo{
		profiles:    make(map[string]*repository.LearnerProfile),
		initialLoad: repository.DefaultLoad,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns a copy of the stored profile, creating it on first access.
func (r *ProfileRepo) GetOrCreate(ctx context.Context, learnerID string) (*repository.LearnerProfile, error) {
	r.mu.RLock()
	p, ok := r.profiles[learnerID]
	if ok {
		defer r.mu.RUnlock()
		return p.Clone(), nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(learnerID).Clone(), nil
}

// Update applies mutation to a working copy and stores it only if mutation succeeds.
func (r *ProfileRepo) Update(ctx context.Context, learnerID string, mutation repository.ProfileMutation) (*repository.LearnerProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	working := r.getOrCreateLocked(learnerID).Clone()
	if err := mutation(working); err != nil {
		return nil, err
	}
	working.LearnerID = learnerID
	r.profiles[learnerID] = working
	return working.Clone(), nil
}

// Ping always succeeds.
func (r *ProfileRepo) Ping(ctx context.Context) error { return nil }

func (r *ProfileRepo) getOrCreateLocked(learnerID string) *repository.LearnerProfile {
	p, ok := r.profiles[learnerID]
	if !ok {
		p = repository.NewLearnerProfile(learnerID, r.now())
		p.Load = r.initialLoad
		r.profiles[learnerID] = p
	}
	return p
}

// FeedbackLog is an append-only in-memory feedback history.
type FeedbackLog struct {
	mu     sync.RWMutex
	events map[string][]*repository.FeedbackEvent
}

// NewFeedbackLog creates an empty feedback log.
func NewFeedbackLog() *FeedbackLog {
	return &FeedbackLog{events: make(map[string][]*repository.FeedbackEvent)}
}

// Append records an event.
func (l *FeedbackLog) Append(ctx context.Context, event *repository.FeedbackEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored := *event
	l.events[event.LearnerID] = append(l.events[event.LearnerID], &stored)
	return nil
}

// ListByLearner returns up to limit events, newest first.
func (l *FeedbackLog) ListByLearner(ctx context.Context, learnerID string, limit int) ([]*repository.FeedbackEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	history := l.events[learnerID]
	out := make([]*repository.FeedbackEvent, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		e := *history[i]
		out = append(out, &e)
	}
	// Appends can race on timestamps; keep newest-first by time, insertion order on ties.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AnswerRegistry keeps answer references for a limited time.
// Feedback for an expired answer is treated as referencing an unknown answer.
type AnswerRegistry struct {
	mu      sync.RWMutex
	answers map[uuid.UUID]*repository.AnswerRecord
	ttl     time.Duration
	now     func() time.Time
	stop    chan struct{}
	done    chan struct{}
}

// NewAnswerRegistry creates a registry and starts its cleanup loop. Call Close to stop it.
func NewAnswerRegistry(ttl time.Duration) *AnswerRegistry {
	r := &AnswerRegistry{
		answers: make(map[uuid.UUID]*repository.AnswerRecord),
		ttl:     ttl,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go r.cleanupLoop(5 * time.Minute)

	return r
}

// Record stores an answer reference.
func (r *AnswerRegistry) Record(ctx context.Context, answer *repository.AnswerRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *answer
	stored.DocumentIDs = append([]string(nil), answer.DocumentIDs...)
	r.answers[answer.Reference] = &stored
	return nil
}

// Get returns the answer, or repository.ErrNotFound if unknown or expired.
func (r *AnswerRegistry) Get(ctx context.Context, reference uuid.UUID) (*repository.AnswerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.answers[reference]
	if !ok || r.expired(a) {
		return nil, repository.ErrNotFound
	}
	out := *a
	out.DocumentIDs = append([]string(nil), a.DocumentIDs...)
	return &out, nil
}

// Close stops the cleanup loop.
func (r *AnswerRegistry) Close() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	<-r.done
}

func (r *AnswerRegistry) expired(a *repository.AnswerRecord) bool {
	return r.ttl > 0 && r.now().Sub(a.CreatedAt) > r.ttl
}

// cleanupLoop periodically removes expired answers.
func (r *AnswerRegistry) cleanupLoop(interval time.Duration) {
	defer close(r.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.cleanup()
		case <-r.stop:
			return
		}
	}
}

func (r *AnswerRegistry) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for ref, a := range r.answers {
		if r.expired(a) {
			delete(r.answers, ref)
		}
	}
}

var (
	_ repository.ProfileRepository  = (*ProfileRepo)(nil)
	_ repository.FeedbackRepository = (*FeedbackLog)(nil)
	_ repository.AnswerRepository   = (*AnswerRegistry)(nil)
)
