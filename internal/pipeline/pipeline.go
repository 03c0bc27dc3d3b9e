// Package pipeline runs one adaptive query through the personalization stages.
//
// A run moves through RECEIVED, PROFILE_LOADED, CLASSIFIED, LOAD_COMPUTED, SCORED
// and COMPLETE. Any failure, including the overall timeout, ends the run in
// FAILED with the stage that failed; no partial result is returned.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/knoguchi/adaptive/internal/bloom"
	"github.com/knoguchi/adaptive/internal/cacs"
	"github.com/knoguchi/adaptive/internal/cogload"
	"github.com/knoguchi/adaptive/internal/metrics"
	"github.com/knoguchi/adaptive/internal/pedagogy"
	"github.com/knoguchi/adaptive/internal/profile"
	"github.com/knoguchi/adaptive/internal/repository"
	"github.com/knoguchi/adaptive/internal/zpd"
)

var (
	// ErrPipelineTimeout is returned when a run exceeds its latency budget.
	ErrPipelineTimeout = errors.New("pipeline timeout")
	// ErrInvalidQuery is returned for a query that cannot be processed at all.
	ErrInvalidQuery = errors.New("invalid query")
)

// State is a step of a pipeline run.
type State int

const (
	Received State = iota
	ProfileLoaded
	Classified
	LoadComputed
	Scored
	Complete
	Failed
)

var stateNames = [...]string{"RECEIVED", "PROFILE_LOADED", "CLASSIFIED", "LOAD_COMPUTED", "SCORED", "COMPLETE", "FAILED"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Error reports the stage a run failed in.
type Error struct {
	Stage State
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pipeline failed at %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// FailedStage returns the stage recorded in err, if err came from a pipeline run.
func FailedStage(err error) (State, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Stage, true
	}
	return Failed, false
}

// Query is one adaptive query.
type Query struct {
	LearnerID  string
	Question   string
	Candidates []cacs.Candidate
	TopN       int // 0 uses the configured default
}

// Timing holds the duration of the run and of each completed stage.
type Timing struct {
	Total  time.Duration
	Stages map[State]time.Duration
}

// AdaptiveQueryContext is the result of a completed run, handed to the answer
// generator. It belongs to the request that produced it.
type AdaptiveQueryContext struct {
	AnswerReference uuid.UUID
	LearnerID       string
	Demand          pedagogy.Demand
	DemandMatched   bool
	Band            pedagogy.Band
	Load            float64
	Ranked          []cacs.ScoredDocument
	Selected        []cacs.ScoredDocument
	State           State
	Timing          Timing
}

// ProfileStore is what the orchestrator needs from the profile store.
type ProfileStore interface {
	profile.Reader
	profile.Writer
}

// Stages toggles the optional stages. A disabled stage uses its pass-through:
// classification falls back to comprehension, the band and load are left
// unchanged, and candidates keep their input order.
type Stages struct {
	Bloom bool
	ZPD   bool
	Load  bool
	CACS  bool
}

// AllStages enables every stage.
func AllStages() Stages {
	return Stages{Bloom: true, ZPD: true, Load: true, CACS: true}
}

// Components are the collaborators of an Orchestrator. Components for
// disabled stages may be nil.
type Components struct {
	Profiles   ProfileStore
	Answers    repository.AnswerRepository
	Classifier bloom.Classifier
	Estimator  zpd.Estimator
	Load       cogload.Manager
	Scorer     cacs.Scorer
}

// Config holds orchestrator settings.
type Config struct {
	Timeout time.Duration
	TopN    int
	Stages  Stages
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Orchestrator runs adaptive queries. It is safe for concurrent use.
type Orchestrator struct {
	profiles   ProfileStore
	answers    repository.AnswerRepository
	classifier bloom.Classifier
	estimator  zpd.Estimator
	load       cogload.Manager
	scorer     cacs.Scorer

	timeout time.Duration
	topN    int
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// New builds an Orchestrator. Stage flags are read here once.
func New(c Components, cfg Config) (*Orchestrator, error) {
	if c.Profiles == nil || c.Answers == nil {
		return nil, errors.New("pipeline requires a profile store and an answer repository")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 150 * time.Millisecond
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		profiles:   c.Profiles,
		answers:    c.Answers,
		classifier: bloom.Fixed{Demand: pedagogy.FallbackDemand()},
		estimator:  zpd.Frozen{},
		load:       cogload.Frozen{},
		scorer:     cacs.Passthrough{},
		timeout:    cfg.Timeout,
		topN:       cfg.TopN,
		logger:     logger,
		metrics:    cfg.Metrics,
		tracer:     otel.Tracer("github.com/knoguchi/adaptive/internal/pipeline"),
		now:        time.Now,
	}

	var missing []string
	if cfg.Stages.Bloom {
		if c.Classifier == nil {
			missing = append(missing, "classifier")
		}
		o.classifier = c.Classifier
	}
	if cfg.Stages.ZPD {
		if c.Estimator == nil {
			missing = append(missing, "estimator")
		}
		o.estimator = c.Estimator
	}
	if cfg.Stages.Load {
		if c.Load == nil {
			missing = append(missing, "load manager")
		}
		o.load = c.Load
	}
	if cfg.Stages.CACS {
		if c.Scorer == nil {
			missing = append(missing, "scorer")
		}
		o.scorer = c.Scorer
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("pipeline stages enabled without components: %s", strings.Join(missing, ", "))
	}

	logger.Info("pipeline configured",
		"timeout", cfg.Timeout,
		"top_n", cfg.TopN,
		"bloom", cfg.Stages.Bloom,
		"zpd", cfg.Stages.ZPD,
		"load", cfg.Stages.Load,
		"cacs", cfg.Stages.CACS,
	)
	return o, nil
}

// Run executes q within the configured timeout.
func (o *Orchestrator) Run(ctx context.Context, q Query) (*AdaptiveQueryContext, error) {
	start := o.now()
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	ctx, span := o.tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("learner_id", q.LearnerID),
		attribute.Int("candidates", len(q.Candidates)),
	))
	defer span.End()

	r := &run{o: o, q: q, timing: Timing{Stages: make(map[State]time.Duration)}}
	result, err := r.execute(ctx)
	elapsed := o.now().Sub(start)

	if err != nil {
		stage, _ := FailedStage(err)
		reason := failureReason(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.metrics.RecordStageFailure(stage.String(), reason)
		o.metrics.RecordPipeline(Failed.String(), elapsed.Seconds())
		o.logger.Warn("pipeline failed",
			"learner_id", q.LearnerID,
			"stage", stage.String(),
			"reason", reason,
			"duration", elapsed,
			"error", err,
		)
		return nil, err
	}

	result.Timing.Total = elapsed
	o.metrics.RecordPipeline(Complete.String(), elapsed.Seconds())
	o.logger.Debug("pipeline complete",
		"learner_id", q.LearnerID,
		"demand", result.Demand.String(),
		"band", result.Band.String(),
		"load", result.Load,
		"selected", len(result.Selected),
		"duration", elapsed,
	)
	return result, nil
}

// run carries the state of one in-flight query.
type run struct {
	o      *Orchestrator
	q      Query
	timing Timing

	profile  *repository.LearnerProfile
	demand   bloom.Result
	scored   cacs.Result
	answerID uuid.UUID
}

func (r *run) execute(ctx context.Context) (*AdaptiveQueryContext, error) {
	if err := validate(r.q); err != nil {
		return nil, &Error{Stage: Received, Err: err}
	}

	steps := []struct {
		state State
		fn    func(context.Context) error
	}{
		{ProfileLoaded, r.loadProfile},
		{Classified, r.classify},
		{LoadComputed, r.computeLoad},
		{Scored, r.score},
		{Complete, r.complete},
	}
	for _, step := range steps {
		if err := r.stage(ctx, step.state, step.fn); err != nil {
			return nil, err
		}
	}

	return &AdaptiveQueryContext{
		AnswerReference: r.answerID,
		LearnerID:       r.q.LearnerID,
		Demand:          r.demand.Demand,
		DemandMatched:   r.demand.Matched,
		Band:            r.profile.Band,
		Load:            r.profile.Load,
		Ranked:          r.scored.Ranked,
		Selected:        r.scored.Selected,
		State:           Complete,
		Timing:          r.timing,
	}, nil
}

// stage runs fn as the transition into state. The deadline is checked before
// and after, so a stage that overruns the budget fails the run even if it
// returned a value.
func (r *run) stage(ctx context.Context, state State, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return stageError(ctx, state, err)
	}

	ctx, span := r.o.tracer.Start(ctx, "pipeline."+strings.ToLower(state.String()))
	defer span.End()

	t0 := time.Now()
	err := fn(ctx)
	d := time.Since(t0)
	r.timing.Stages[state] = d
	r.o.metrics.RecordStage(state.String(), d.Seconds())

	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return stageError(ctx, state, err)
	}
	return nil
}

func (r *run) loadProfile(ctx context.Context) error {
	p, err := r.o.profiles.Get(ctx, r.q.LearnerID)
	if err != nil {
		return err
	}
	r.profile = p
	return nil
}

func (r *run) classify(context.Context) error {
	r.demand = r.o.classifier.Classify(r.q.Question)
	if r.o.metrics != nil {
		r.o.metrics.DemandClassified.WithLabelValues(r.demand.Demand.String()).Inc()
	}
	if !r.demand.Matched {
		if r.o.metrics != nil {
			r.o.metrics.ClassifierFallback.Inc()
		}
		r.o.logger.Debug("question matched no demand pattern, using fallback",
			"learner_id", r.q.LearnerID,
			"demand", r.demand.Demand.String(),
		)
	}
	return nil
}

type updateResult struct {
	profile *repository.LearnerProfile
	err     error
}

// computeLoad records the demand, runs band estimation on the learner's history
// and moves the load, all in one profile update.
//
// The write is not cancellable once started. It runs in its own goroutine so
// the run can fail on the deadline while the write completes in the background.
func (r *run) computeLoad(ctx context.Context) error {
	demand := r.demand.Demand
	estimator, load := r.o.estimator, r.o.load
	learnerID := r.q.LearnerID

	done := make(chan updateResult, 1)
	go func() {
		updated, err := r.o.profiles.Update(ctx, learnerID, func(p *repository.LearnerProfile) error {
			p.Demand = demand
			zpd.Apply(estimator, p)
			p.Load = load.Next(p.Load, demand, p.Band)
			p.InteractionCount++
			return nil
		})
		done <- updateResult{profile: updated, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return res.err
		}
		r.profile = res.profile
		return nil
	case <-ctx.Done():
		r.o.logger.Warn("profile update outlived the pipeline deadline, finishing in background",
			"learner_id", learnerID,
		)
		return ctx.Err()
	}
}

func (r *run) score(context.Context) error {
	topN := r.q.TopN
	if topN <= 0 {
		topN = r.o.topN
	}
	r.scored = r.o.scorer.Score(r.q.Candidates, r.profile, r.demand.Demand, topN)
	return nil
}

func (r *run) complete(ctx context.Context) error {
	ref := uuid.New()
	err := r.o.answers.Record(ctx, &repository.AnswerRecord{
		Reference:   ref,
		LearnerID:   r.q.LearnerID,
		Demand:      r.demand.Demand,
		Band:        r.profile.Band,
		DocumentIDs: cacs.IDs(r.scored.Selected),
		CreatedAt:   r.o.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to record answer: %w", err)
	}
	r.answerID = ref
	return nil
}

func validate(q Query) error {
	if strings.TrimSpace(q.LearnerID) == "" {
		return fmt.Errorf("%w: learner_id is required", ErrInvalidQuery)
	}
	if q.TopN < 0 {
		return fmt.Errorf("%w: top_n must not be negative", ErrInvalidQuery)
	}
	seen := make(map[string]struct{}, len(q.Candidates))
	for _, c := range q.Candidates {
		if c.ID == "" {
			return fmt.Errorf("%w: candidate document without id", ErrInvalidQuery)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("%w: duplicate candidate document %q", ErrInvalidQuery, c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	return nil
}

// stageError attributes err to state. A run that ran out of time reports
// ErrPipelineTimeout whatever the stage itself returned.
func stageError(ctx context.Context, state State, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Stage: state, Err: fmt.Errorf("%w: %v", ErrPipelineTimeout, err)}
	}
	return &Error{Stage: state, Err: err}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrPipelineTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrInvalidQuery):
		return "invalid"
	default:
		return "error"
	}
}
