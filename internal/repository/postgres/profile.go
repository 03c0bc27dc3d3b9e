package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/knoguchi/adaptive/internal/pedagogy"
	"github.com/knoguchi/adaptive/internal/repository"
)

// ProfileRepo implements repository.ProfileRepository
type ProfileRepo struct {
	db          *DB
	initialLoad float64
	now         func() time.Time
}

// ProfileRepoOption configures a ProfileRepo
type ProfileRepoOption func(*ProfileRepo)

// WithInitialLoad sets the load a newly provisioned profile starts with
func WithInitialLoad(load float64) ProfileRepoOption {
	return func(r *ProfileRepo) {
		r.initialLoad = load
	}
}

// NewProfileRepo creates a new learner profile repository
func NewProfileRepo(db *DB, opts ...ProfileRepoOption) *ProfileRepo {
	r := &ProfileRepo{db: db, initialLoad: repository.DefaultLoad, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

const profileColumns = `learner_id, band, demand, load_value, success_rate,
	interaction_count, feedback_count, band_evidence, created_at, updated_at`

// execer is satisfied by both the pool and a transaction
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// GetOrCreate retrieves a learner profile, inserting defaults on first access
func (r *ProfileRepo) GetOrCreate(ctx context.Context, learnerID string) (*repository.LearnerProfile, error) {
	if err := r.insertDefault(ctx, r.db.Pool, learnerID); err != nil {
		return nil, err
	}

	query := `SELECT ` + profileColumns + ` FROM learner_profiles WHERE learner_id = $1`
	profile, err := scanProfile(r.db.Pool.QueryRow(ctx, query, learnerID))
	if err != nil {
		return nil, err
	}
	return profile, nil
}

// Update applies mutation inside a transaction holding a row lock on the profile
func (r *ProfileRepo) Update(ctx context.Context, learnerID string, mutation repository.ProfileMutation) (*repository.LearnerProfile, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := r.insertDefault(ctx, tx, learnerID); err != nil {
		return nil, err
	}

	query := `SELECT ` + profileColumns + ` FROM learner_profiles WHERE learner_id = $1 FOR UPDATE`
	profile, err := scanProfile(tx.QueryRow(ctx, query, learnerID))
	if err != nil {
		return nil, err
	}

	if err := mutation(profile); err != nil {
		return nil, err
	}
	profile.LearnerID = learnerID

	_, err = tx.Exec(ctx, `
		UPDATE learner_profiles
		SET band = $2, demand = $3, load_value = $4, success_rate = $5,
		    interaction_count = $6, feedback_count = $7, band_evidence = $8, updated_at = $9
		WHERE learner_id = $1
	`, learnerID, profile.Band.Index(), profile.Demand.Index(), profile.Load, profile.SuccessRate,
		profile.InteractionCount, profile.FeedbackCount, profile.BandEvidence, profile.LastUpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit profile update: %w", err)
	}
	return profile, nil
}

// Ping verifies database connectivity
func (r *ProfileRepo) Ping(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

func (r *ProfileRepo) insertDefault(ctx context.Context, q execer, learnerID string) error {
	p := repository.NewLearnerProfile(learnerID, r.now())
	p.Load = r.initialLoad
	_, err := q.Exec(ctx, `
		INSERT INTO learner_profiles (`+profileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (learner_id) DO NOTHING
	`, p.LearnerID, p.Band.Index(), p.Demand.Index(), p.Load, p.SuccessRate,
		p.InteractionCount, p.FeedbackCount, p.BandEvidence, p.CreatedAt, p.LastUpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to provision profile: %w", err)
	}
	return nil
}

func scanProfile(row pgx.Row) (*repository.LearnerProfile, error) {
	var (
		p            repository.LearnerProfile
		band, demand int16
	)
	err := row.Scan(&p.LearnerID, &band, &demand, &p.Load, &p.SuccessRate,
		&p.InteractionCount, &p.FeedbackCount, &p.BandEvidence, &p.CreatedAt, &p.LastUpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	if p.Band, err = pedagogy.BandFromIndex(int(band)); err != nil {
		return nil, fmt.Errorf("corrupt profile %s: %w", p.LearnerID, err)
	}
	if p.Demand, err = pedagogy.DemandFromIndex(int(demand)); err != nil {
		return nil, fmt.Errorf("corrupt profile %s: %w", p.LearnerID, err)
	}
	return &p, nil
}

// Ensure ProfileRepo implements the interface
var _ repository.ProfileRepository = (*ProfileRepo)(nil)
