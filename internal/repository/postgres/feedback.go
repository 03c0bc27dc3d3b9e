package postgres

import (
	"context"
	"fmt"

	"github.com/knoguchi/adaptive/internal/repository"
)

// FeedbackRepo implements repository.FeedbackRepository
type FeedbackRepo struct {
	db *DB
}

// NewFeedbackRepo creates a new feedback history repository
func NewFeedbackRepo(db *DB) *FeedbackRepo {
	return &FeedbackRepo{db: db}
}

// Append stores a feedback event. Events are never updated or deleted.
func (r *FeedbackRepo) Append(ctx context.Context, event *repository.FeedbackEvent) error {
	query := `
		INSERT INTO feedback_events (id, learner_id, answer_reference, emoji, reward, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		event.ID, event.LearnerID, event.AnswerReference, string(event.Emoji), event.Reward, event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append feedback event: %w", err)
	}
	return nil
}

// ListByLearner returns the newest feedback events of a learner
func (r *FeedbackRepo) ListByLearner(ctx context.Context, learnerID string, limit int) ([]*repository.FeedbackEvent, error) {
	query := `
		SELECT id, learner_id, answer_reference, emoji, reward, created_at
		FROM feedback_events
		WHERE learner_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, learnerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback events: %w", err)
	}
	defer rows.Close()

	events := make([]*repository.FeedbackEvent, 0)
	for rows.Next() {
		var event repository.FeedbackEvent
		var emoji string
		if err := rows.Scan(&event.ID, &event.LearnerID, &event.AnswerReference,
			&emoji, &event.Reward, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan feedback event: %w", err)
		}
		event.Emoji = repository.Emoji(emoji)
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate feedback events: %w", err)
	}

	return events, nil
}

// Ensure FeedbackRepo implements the interface
var _ repository.FeedbackRepository = (*FeedbackRepo)(nil)
