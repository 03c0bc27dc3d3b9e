package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/knoguchi/adaptive/internal/pedagogy"
	"github.com/knoguchi/adaptive/internal/repository"
)

// AnswerRepo implements repository.AnswerRepository. Answers older than ttl
// read as not found; a zero ttl keeps them forever.
type AnswerRepo struct {
	db  *DB
	ttl time.Duration
	now func() time.Time
}

// NewAnswerRepo creates a new answer reference repository
func NewAnswerRepo(db *DB, ttl time.Duration) *AnswerRepo {
	return &AnswerRepo{db: db, ttl: ttl, now: time.Now}
}

// Record stores an answer reference
func (r *AnswerRepo) Record(ctx context.Context, answer *repository.AnswerRecord) error {
	docsJSON, err := json.Marshal(answer.DocumentIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal document ids: %w", err)
	}

	query := `
		INSERT INTO answers (reference, learner_id, demand, band, document_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		answer.Reference, answer.LearnerID, answer.Demand.Index(), answer.Band.Index(), docsJSON, answer.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record answer: %w", err)
	}
	return nil
}

// Get retrieves an answer by reference, or repository.ErrNotFound if unknown or expired
func (r *AnswerRepo) Get(ctx context.Context, reference uuid.UUID) (*repository.AnswerRecord, error) {
	query := `
		SELECT reference, learner_id, demand, band, document_ids, created_at
		FROM answers
		WHERE reference = $1
	`
	var (
		answer       repository.AnswerRecord
		demand, band int16
		docsJSON     []byte
	)
	err := r.db.Pool.QueryRow(ctx, query, reference).Scan(
		&answer.Reference, &answer.LearnerID, &demand, &band, &docsJSON, &answer.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get answer: %w", err)
	}
	if r.expired(answer.CreatedAt) {
		return nil, repository.ErrNotFound
	}

	if answer.Demand, err = pedagogy.DemandFromIndex(int(demand)); err != nil {
		return nil, fmt.Errorf("corrupt answer %s: %w", reference, err)
	}
	if answer.Band, err = pedagogy.BandFromIndex(int(band)); err != nil {
		return nil, fmt.Errorf("corrupt answer %s: %w", reference, err)
	}
	if err := json.Unmarshal(docsJSON, &answer.DocumentIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document ids: %w", err)
	}

	return &answer, nil
}

func (r *AnswerRepo) expired(createdAt time.Time) bool {
	return r.ttl > 0 && r.now().Sub(createdAt) > r.ttl
}

// Ensure AnswerRepo implements the interface
var _ repository.AnswerRepository = (*AnswerRepo)(nil)
