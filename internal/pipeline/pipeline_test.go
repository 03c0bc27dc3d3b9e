package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/knoguchi/adaptive/internal/bloom"
	"github.com/knoguchi/adaptive/internal/cacs"
	"github.com/knoguchi/adaptive/internal/cogload"
	"github.com/knoguchi/adaptive/internal/memory"
	"github.com/knoguchi/adaptive/internal/pedagogy"
	"github.com/knoguchi/adaptive/internal/profile"
	"github.com/knoguchi/adaptive/internal/repository"
	"github.com/knoguchi/adaptive/internal/zpd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	repo    repository.ProfileRepository
	store   *profile.Store
	answers *memory.AnswerRegistry
	orch    *Orchestrator
}

func newHarness(t *testing.T, repo repository.ProfileRepository, stages Stages, timeout time.Duration) *harness {
	t.Helper()
	if repo == nil {
		repo = memory.NewProfileRepo()
	}
	h := &harness{
		repo:    repo,
		store:   profile.NewStore(repo),
		answers: memory.NewAnswerRegistry(time.Hour),
	}
	t.Cleanup(h.answers.Close)

	scorer, err := cacs.NewCompositeScorer(cacs.DefaultWeights())
	require.NoError(t, err)

	h.orch, err = New(Components{
		Profiles:   h.store,
		Answers:    h.answers,
		Classifier: bloom.NewPatternClassifier(),
		Estimator:  zpd.NewCalculator(zpd.DefaultConfig()),
		Load:       cogload.NewModel(cogload.DefaultConfig()),
		Scorer:     scorer,
	}, Config{Timeout: timeout, TopN: 2, Stages: stages})
	require.NoError(t, err)
	return h
}

// setBand writes the band straight to the repository, bypassing the store's
// one-step rule, to set up a learner at any level.
func (h *harness) setBand(t *testing.T, learnerID string, band pedagogy.Band) {
	t.Helper()
	_, err := h.repo.Update(context.Background(), learnerID, func(p *repository.LearnerProfile) error {
		p.Band = band
		return nil
	})
	require.NoError(t, err)
}

func candidates() []cacs.Candidate {
	return []cacs.Candidate{
		{ID: "doc-a", BaseScore: 0.62, GlobalScore: 0.4, ContextScore: 0.5, Metadata: map[string]any{"difficulty": "advanced"}},
		{ID: "doc-b", BaseScore: 0.80, GlobalScore: 0.7, ContextScore: 0.6, Metadata: map[string]any{"difficulty": "intermediate"}},
		{ID: "doc-c", BaseScore: 0.55, GlobalScore: 0.2, ContextScore: 0.4},
	}
}

func TestRun_NewLearnerRecallQuestion(t *testing.T) {
	h := newHarness(t, nil, AllStages(), time.Second)

	res, err := h.orch.Run(context.Background(), Query{
		LearnerID:  "new-learner",
		Question:   "mitoz nedir",
		Candidates: candidates(),
	})
	require.NoError(t, err)

	assert.Equal(t, Complete, res.State)
	assert.Equal(t, pedagogy.Recall, res.Demand)
	assert.True(t, res.DemandMatched)
	assert.Equal(t, pedagogy.DefaultBand(), res.Band)
	assert.InDelta(t, repository.DefaultLoad, res.Load, 0.05)

	p, err := h.store.Get(context.Background(), "new-learner")
	require.NoError(t, err)
	assert.Equal(t, 1, p.InteractionCount)
	assert.Equal(t, pedagogy.Recall, p.Demand)
}

func TestRun_NewLearnerStartsAtConfiguredBaseline(t *testing.T) {
	const baseline = 0.6
	store := profile.NewStore(memory.NewProfileRepo(memory.WithInitialLoad(baseline)))
	answers := memory.NewAnswerRegistry(time.Hour)
	t.Cleanup(answers.Close)

	scorer, err := cacs.NewCompositeScorer(cacs.DefaultWeights())
	require.NoError(t, err)
	loadCfg := cogload.DefaultConfig()
	loadCfg.Baseline = baseline

	orch, err := New(Components{
		Profiles:   store,
		Answers:    answers,
		Classifier: bloom.NewPatternClassifier(),
		Estimator:  zpd.NewCalculator(zpd.DefaultConfig()),
		Load:       cogload.NewModel(loadCfg),
		Scorer:     scorer,
	}, Config{Timeout: time.Second, TopN: 2, Stages: AllStages()})
	require.NoError(t, err)

	res, err := orch.Run(context.Background(), Query{LearnerID: "learner-1", Question: "mitoz nedir", Candidates: candidates()})
	require.NoError(t, err)
	assert.Equal(t, pedagogy.Recall, res.Demand)
	assert.True(t, res.DemandMatched)
	assert.InDelta(t, baseline, res.Load, 1e-9)
}

func TestRun_AdvancedLearnerApplicationQuestion(t *testing.T) {
	h := newHarness(t, nil, AllStages(), time.Second)
	h.setBand(t, "learner-adv", pedagogy.Advanced)

	res, err := h.orch.Run(context.Background(), Query{
		LearnerID:  "learner-adv",
		Question:   "mayoz sonucu kaç hücre oluşur",
		Candidates: candidates(),
	})
	require.NoError(t, err)

	assert.Equal(t, pedagogy.Application, res.Demand)
	assert.Equal(t, pedagogy.Advanced, res.Band)
	assert.InDelta(t, repository.DefaultLoad, res.Load, 0.05)
}

func TestRun_ElementaryLearnerAnalysisQuestion(t *testing.T) {
	h := newHarness(t, nil, AllStages(), time.Second)
	h.setBand(t, "learner-elem", pedagogy.Elementary)

	res, err := h.orch.Run(context.Background(), Query{
		LearnerID:  "learner-elem",
		Question:   "Mitoz ve mayozu karşılaştırınız",
		Candidates: candidates(),
	})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, res.Demand.Index(), pedagogy.Analysis.Index())
	assert.Greater(t, res.Load, repository.DefaultLoad)
}

func TestRun_EmptyCandidates(t *testing.T) {
	h := newHarness(t, nil, AllStages(), time.Second)

	res, err := h.orch.Run(context.Background(), Query{LearnerID: "learner-1", Question: "what is osmosis"})
	require.NoError(t, err)
	assert.Equal(t, Complete, res.State)
	assert.Empty(t, res.Ranked)
	assert.Len(t, res.Selected, 0)
}

func TestRun_RanksAndRecordsAnswer(t *testing.T) {
	h := newHarness(t, nil, AllStages(), time.Second)
	ctx := context.Background()

	res, err := h.orch.Run(ctx, Query{LearnerID: "learner-1", Question: "what is osmosis", Candidates: candidates()})
	require.NoError(t, err)

	require.Len(t, res.Ranked, 3)
	require.Len(t, res.Selected, 2)
	assert.Equal(t, "doc-b", res.Ranked[0].ID)
	assert.Equal(t, cacs.IDs(res.Ranked[:2]), cacs.IDs(res.Selected))

	answer, err := h.answers.Get(ctx, res.AnswerReference)
	require.NoError(t, err)
	assert.Equal(t, "learner-1", answer.LearnerID)
	assert.Equal(t, cacs.IDs(res.Selected), answer.DocumentIDs)
	assert.Equal(t, res.Demand, answer.Demand)

	for _, st := range []State{ProfileLoaded, Classified, LoadComputed, Scored, Complete} {
		assert.Contains(t, res.Timing.Stages, st)
	}
}

func TestRun_QueryTopNOverridesDefault(t *testing.T) {
	h := newHarness(t, nil, AllStages(), time.Second)

	res, err := h.orch.Run(context.Background(), Query{LearnerID: "learner-1", Question: "q", Candidates: candidates(), TopN: 1})
	require.NoError(t, err)
	assert.Len(t, res.Selected, 1)
}

func TestRun_Deterministic(t *testing.T) {
	h := newHarness(t, nil, AllStages(), time.Second)
	ctx := context.Background()

	first, err := h.orch.Run(ctx, Query{LearnerID: "learner-1", Question: "explain osmosis", Candidates: candidates()})
	require.NoError(t, err)
	second, err := h.orch.Run(ctx, Query{LearnerID: "learner-1", Question: "explain osmosis", Candidates: candidates()})
	require.NoError(t, err)

	assert.Equal(t, cacs.IDs(first.Ranked), cacs.IDs(second.Ranked))
}

// slowRepo blocks reads until the context ends.
type slowRepo struct {
	*memory.ProfileRepo
}

func (r slowRepo) GetOrCreate(ctx context.Context, learnerID string) (*repository.LearnerProfile, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		return r.ProfileRepo.GetOrCreate(ctx, learnerID)
	}
}

func TestRun_TimeoutFailsWithStage(t *testing.T) {
	h := newHarness(t, slowRepo{memory.NewProfileRepo()}, AllStages(), 20*time.Millisecond)

	res, err := h.orch.Run(context.Background(), Query{LearnerID: "learner-1", Question: "mitoz nedir", Candidates: candidates()})
	require.Error(t, err)
	assert.Nil(t, res, "no partial result on failure")
	assert.ErrorIs(t, err, ErrPipelineTimeout)

	stage, ok := FailedStage(err)
	require.True(t, ok)
	assert.Equal(t, ProfileLoaded, stage)
}

// slowWriteRepo holds every update for delay before applying it. The delay
// ignores the context, like a write stuck on a slow disk.
type slowWriteRepo struct {
	*memory.ProfileRepo
	delay time.Duration
}

func (r slowWriteRepo) Update(ctx context.Context, learnerID string, mutation repository.ProfileMutation) (*repository.LearnerProfile, error) {
	time.Sleep(r.delay)
	return r.ProfileRepo.Update(ctx, learnerID, mutation)
}

func TestRun_SlowProfileWriteDoesNotOutliveTimeout(t *testing.T) {
	repo := slowWriteRepo{ProfileRepo: memory.NewProfileRepo(), delay: 300 * time.Millisecond}
	h := newHarness(t, repo, AllStages(), 50*time.Millisecond)

	start := time.Now()
	res, err := h.orch.Run(context.Background(), Query{LearnerID: "learner-1", Question: "mitoz nedir", Candidates: candidates()})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrPipelineTimeout)
	assert.Less(t, elapsed, 200*time.Millisecond, "run must return near its budget")

	stage, ok := FailedStage(err)
	require.True(t, ok)
	assert.Equal(t, LoadComputed, stage)

	// The write itself still lands.
	require.Eventually(t, func() bool {
		p, err := repo.ProfileRepo.GetOrCreate(context.Background(), "learner-1")
		return err == nil && p.InteractionCount == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// failingRepo fails every update.
type failingRepo struct {
	*memory.ProfileRepo
}

var errDiskFull = errors.New("disk full")

func (failingRepo) Update(context.Context, string, repository.ProfileMutation) (*repository.LearnerProfile, error) {
	return nil, errDiskFull
}

func TestRun_StageFailureDiscardsResult(t *testing.T) {
	h := newHarness(t, failingRepo{memory.NewProfileRepo()}, AllStages(), time.Second)

	res, err := h.orch.Run(context.Background(), Query{LearnerID: "learner-1", Question: "mitoz nedir", Candidates: candidates()})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, errDiskFull)
	assert.NotErrorIs(t, err, ErrPipelineTimeout)

	stage, ok := FailedStage(err)
	require.True(t, ok)
	assert.Equal(t, LoadComputed, stage)
}

func TestRun_CancelledCaller(t *testing.T) {
	h := newHarness(t, nil, AllStages(), time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.orch.Run(ctx, Query{LearnerID: "learner-1", Question: "q"})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrPipelineTimeout)
}

func TestRun_InvalidQuery(t *testing.T) {
	h := newHarness(t, nil, AllStages(), time.Second)

	tests := []Query{
		{LearnerID: "", Question: "q"},
		{LearnerID: "learner-1", Candidates: []cacs.Candidate{{ID: "a"}, {ID: "a"}}},
		{LearnerID: "learner-1", Candidates: []cacs.Candidate{{ID: ""}}},
		{LearnerID: "learner-1", TopN: -1},
	}
	for _, q := range tests {
		res, err := h.orch.Run(context.Background(), q)
		assert.Nil(t, res)
		assert.ErrorIs(t, err, ErrInvalidQuery)
		stage, _ := FailedStage(err)
		assert.Equal(t, Received, stage)
	}
}

func TestRun_DisabledStagesPassThrough(t *testing.T) {
	h := newHarness(t, nil, Stages{}, time.Second)
	h.setBand(t, "learner-1", pedagogy.Elementary)

	res, err := h.orch.Run(context.Background(), Query{
		LearnerID:  "learner-1",
		Question:   "Evaluate and justify the design",
		Candidates: candidates(),
	})
	require.NoError(t, err)

	assert.Equal(t, pedagogy.FallbackDemand(), res.Demand)
	assert.False(t, res.DemandMatched)
	assert.Equal(t, pedagogy.Elementary, res.Band)
	assert.InDelta(t, repository.DefaultLoad, res.Load, 1e-9)
	assert.Equal(t, []string{"doc-a", "doc-b", "doc-c"}, cacs.IDs(res.Ranked))
	assert.Equal(t, []string{"doc-a", "doc-b"}, cacs.IDs(res.Selected))
	for _, d := range res.Ranked {
		assert.Zero(t, d.CompositeScore)
	}
}

func TestRun_ConcurrentQueriesSameLearner(t *testing.T) {
	h := newHarness(t, nil, AllStages(), 5*time.Second)

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.Run(context.Background(), Query{LearnerID: "learner-1", Question: "why", Candidates: candidates()})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	p, err := h.store.Get(context.Background(), "learner-1")
	require.NoError(t, err)
	assert.Equal(t, n, p.InteractionCount)
	assert.GreaterOrEqual(t, p.Load, 0.0)
	assert.LessOrEqual(t, p.Load, 1.0)
}

func TestNew_RequiresComponentsForEnabledStages(t *testing.T) {
	answers := memory.NewAnswerRegistry(time.Hour)
	defer answers.Close()
	store := profile.NewStore(memory.NewProfileRepo())

	_, err := New(Components{Profiles: store, Answers: answers}, Config{Stages: AllStages()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "classifier")
	assert.Contains(t, err.Error(), "scorer")

	_, err = New(Components{Profiles: store, Answers: answers}, Config{})
	assert.NoError(t, err, "all stages disabled needs no stage components")

	_, err = New(Components{Answers: answers}, Config{})
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "RECEIVED", Received.String())
	assert.Equal(t, "LOAD_COMPUTED", LoadComputed.String())
	assert.Equal(t, "FAILED", Failed.String())
	assert.Equal(t, "State(42)", State(42).String())
}
