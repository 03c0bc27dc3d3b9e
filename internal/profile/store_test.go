package profile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/knoguchi/adaptive/internal/memory"
	"github.com/knoguchi/adaptive/internal/pedagogy"
	"github.com/knoguchi/adaptive/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestStore_GetProvisionsDefaultProfile(t *testing.T) {
	s := NewStore(memory.NewProfileRepo())

	p, err := s.Get(context.Background(), "new-learner")
	require.NoError(t, err)

	assert.Equal(t, pedagogy.DefaultBand(), p.Band)
	assert.InDelta(t, repository.DefaultSuccessRate, p.SuccessRate, 1e-9)
	assert.InDelta(t, repository.DefaultLoad, p.Load, 1e-9)
	assert.Zero(t, p.InteractionCount)
}

func TestStore_ConcurrentUpdatesAreNotLost(t *testing.T) {
	s := NewStore(memory.NewProfileRepo())
	ctx := context.Background()

	const writers = 64
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "learner-1", func(p *repository.LearnerProfile) error {
				count := p.InteractionCount
				time.Sleep(100 * time.Microsecond) // widen the read-modify-write window
				p.InteractionCount = count + 1
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	p, err := s.Get(ctx, "learner-1")
	require.NoError(t, err)
	assert.Equal(t, writers, p.InteractionCount)
}

func TestStore_UpdateCompletesAfterCallerCancels(t *testing.T) {
	s := NewStore(memory.NewProfileRepo())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	updated, err := s.Update(ctx, "learner-1", func(p *repository.LearnerProfile) error {
		p.FeedbackCount++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.FeedbackCount)

	p, err := s.Get(context.Background(), "learner-1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.FeedbackCount)
}

func TestStore_RejectsMultiBandJump(t *testing.T) {
	s := NewStore(memory.NewProfileRepo())
	ctx := context.Background()

	_, err := s.Update(ctx, "learner-1", func(p *repository.LearnerProfile) error {
		p.Band = pedagogy.Advanced // intermediate -> advanced skips a band
		return nil
	})
	require.ErrorIs(t, err, ErrInvariant)

	p, err := s.Get(ctx, "learner-1")
	require.NoError(t, err)
	assert.Equal(t, pedagogy.Intermediate, p.Band, "rejected update must not be applied")
}

func TestStore_RejectsOutOfRangeValues(t *testing.T) {
	s := NewStore(memory.NewProfileRepo())
	ctx := context.Background()

	_, err := s.Update(ctx, "learner-1", func(p *repository.LearnerProfile) error {
		p.SuccessRate = 1.2
		return nil
	})
	assert.ErrorIs(t, err, ErrInvariant)

	_, err = s.Update(ctx, "learner-1", func(p *repository.LearnerProfile) error {
		p.Load = -0.1
		return nil
	})
	assert.ErrorIs(t, err, ErrInvariant)
}

func TestStore_StampsLastUpdated(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s := NewStore(memory.NewProfileRepo(), WithClock(func() time.Time { return fixed }))

	p, err := s.Update(context.Background(), "learner-1", func(p *repository.LearnerProfile) error {
		p.InteractionCount++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, fixed, p.LastUpdatedAt)
}

// fakeCache is an in-process Cache used to observe store behaviour.
type fakeCache struct {
	mu    sync.Mutex
	items map[string]*repository.LearnerProfile
	adds  int
	sets  int
}

func newFakeCache() *fakeCache {
	return &fakeCache{items: make(map[string]*repository.LearnerProfile)}
}

func (c *fakeCache) Get(_ context.Context, id string) (*repository.LearnerProfile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items[id].Clone(), nil
}

func (c *fakeCache) Set(_ context.Context, p *repository.LearnerProfile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.items[p.LearnerID] = p.Clone()
	return nil
}

func (c *fakeCache) Add(_ context.Context, p *repository.LearnerProfile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adds++
	if _, ok := c.items[p.LearnerID]; !ok {
		c.items[p.LearnerID] = p.Clone()
	}
	return nil
}

func TestStore_CacheIsReadThroughAndWriteThrough(t *testing.T) {
	cache := newFakeCache()
	s := NewStore(memory.NewProfileRepo(), WithCache(cache))
	ctx := context.Background()

	_, err := s.Get(ctx, "learner-1")
	require.NoError(t, err)
	assert.Equal(t, 1, cache.adds)

	_, err = s.Get(ctx, "learner-1")
	require.NoError(t, err)
	assert.Equal(t, 1, cache.adds, "second read is served from cache")

	_, err = s.Update(ctx, "learner-1", func(p *repository.LearnerProfile) error {
		p.SuccessRate = 0.8
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, cache.sets)

	p, err := s.Get(ctx, "learner-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.8, p.SuccessRate, 1e-9)
}

func TestSnapshotEncoding(t *testing.T) {
	in := repository.NewLearnerProfile("learner-1", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	in.Band = pedagogy.Proficient
	in.Demand = pedagogy.Analysis
	in.Load = 0.42

	raw, err := encodeSnapshot(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"developmental_level":"proficient"`)

	out, err := decodeSnapshot(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
