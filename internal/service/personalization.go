// Package service exposes the personalization engine to the transports. It
// validates requests, converts between wire and domain types and classifies
// errors for HTTP and gRPC.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/adaptive/internal/cacs"
	"github.com/knoguchi/adaptive/internal/feedback"
	"github.com/knoguchi/adaptive/internal/pipeline"
	"github.com/knoguchi/adaptive/internal/profile"
	"github.com/knoguchi/adaptive/internal/repository"
)

// ErrInvalidArgument is returned for malformed requests.
var ErrInvalidArgument = errors.New("invalid argument")

// Querier runs adaptive queries.
type Querier interface {
	Run(ctx context.Context, q pipeline.Query) (*pipeline.AdaptiveQueryContext, error)
}

// FeedbackIngestor applies and lists feedback.
type FeedbackIngestor interface {
	Ingest(ctx context.Context, s feedback.Submission) (*repository.LearnerProfile, *repository.FeedbackEvent, error)
	History(ctx context.Context, learnerID string, limit int) ([]*repository.FeedbackEvent, error)
}

// QueryRequest is an adaptive query as received from a client.
type QueryRequest struct {
	LearnerID          string           `json:"learner_id"`
	Question           string           `json:"question"`
	CandidateDocuments []cacs.Candidate `json:"candidate_documents"`
	TopN               int              `json:"top_n,omitempty"`
}

// QueryResponse is the personalization context returned for a completed query.
type QueryResponse struct {
	Status                     string                `json:"status"`
	AnswerReference            string                `json:"answer_reference"`
	RankedDocumentIDs          []string              `json:"ranked_document_ids"`
	SelectedTopN               int                   `json:"selected_top_n"`
	SelectedDocuments          []cacs.ScoredDocument `json:"selected_documents"`
	ClassifiedDemandLevel      string                `json:"classified_demand_level"`
	DevelopmentalLevelSnapshot string                `json:"developmental_level_snapshot"`
	CognitiveLoadValue         float64               `json:"cognitive_load_value"`
	Timing                     TimingInfo            `json:"timing"`
}

// TimingInfo reports pipeline latency in milliseconds.
type TimingInfo struct {
	PipelineTimeMS float64            `json:"pipeline_time_ms"`
	StagesMS       map[string]float64 `json:"stages_ms"`
}

// FeedbackRequest is a feedback submission as received from a client.
type FeedbackRequest struct {
	LearnerID       string `json:"learner_id"`
	AnswerReference string `json:"answer_reference"`
	EmojiValue      string `json:"emoji_value"`
}

// FeedbackResponse carries the accepted event and the resulting profile.
type FeedbackResponse struct {
	EventID string                     `json:"event_id"`
	Emoji   string                     `json:"emoji_value"`
	Reward  float64                    `json:"reward"`
	Profile *repository.LearnerProfile `json:"profile"`
}

// Service is the transport-neutral personalization API.
type Service struct {
	querier  Querier
	ingestor FeedbackIngestor
	profiles profile.Reader
	logger   *slog.Logger
}

// New creates a Service.
func New(querier Querier, ingestor FeedbackIngestor, profiles profile.Reader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{querier: querier, ingestor: ingestor, profiles: profiles, logger: logger}
}

// Query runs the personalization pipeline for one question.
func (s *Service) Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	if err := requireLearner(req.LearnerID); err != nil {
		return nil, err
	}

	res, err := s.querier.Run(ctx, pipeline.Query{
		LearnerID:  req.LearnerID,
		Question:   req.Question,
		Candidates: req.CandidateDocuments,
		TopN:       req.TopN,
	})
	if err != nil {
		return nil, err
	}

	stages := make(map[string]float64, len(res.Timing.Stages))
	for st, d := range res.Timing.Stages {
		stages[st.String()] = millis(d)
	}

	return &QueryResponse{
		Status:                     res.State.String(),
		AnswerReference:            res.AnswerReference.String(),
		RankedDocumentIDs:          cacs.IDs(res.Ranked),
		SelectedTopN:               len(res.Selected),
		SelectedDocuments:          res.Selected,
		ClassifiedDemandLevel:      res.Demand.String(),
		DevelopmentalLevelSnapshot: res.Band.String(),
		CognitiveLoadValue:         res.Load,
		Timing: TimingInfo{
			PipelineTimeMS: millis(res.Timing.Total),
			StagesMS:       stages,
		},
	}, nil
}

// SubmitFeedback validates and applies one feedback event.
func (s *Service) SubmitFeedback(ctx context.Context, req *FeedbackRequest) (*FeedbackResponse, error) {
	if err := requireLearner(req.LearnerID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.AnswerReference) == "" {
		return nil, fmt.Errorf("%w: answer_reference is required", ErrInvalidArgument)
	}
	ref, err := uuid.Parse(req.AnswerReference)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed answer_reference", ErrInvalidArgument)
	}

	p, event, err := s.ingestor.Ingest(ctx, feedback.Submission{
		LearnerID:       req.LearnerID,
		AnswerReference: ref,
		Emoji:           req.EmojiValue,
	})
	if err != nil {
		return nil, err
	}

	return &FeedbackResponse{
		EventID: event.ID.String(),
		Emoji:   string(event.Emoji),
		Reward:  event.Reward,
		Profile: p,
	}, nil
}

// Profile returns the learner's current profile, creating it on first access.
func (s *Service) Profile(ctx context.Context, learnerID string) (*repository.LearnerProfile, error) {
	if err := requireLearner(learnerID); err != nil {
		return nil, err
	}
	p, err := s.profiles.Get(ctx, learnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

// FeedbackHistory lists the learner's feedback events, newest first.
func (s *Service) FeedbackHistory(ctx context.Context, learnerID string, limit int) ([]*repository.FeedbackEvent, error) {
	if err := requireLearner(learnerID); err != nil {
		return nil, err
	}
	if limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", ErrInvalidArgument)
	}
	if limit == 0 || limit > 500 {
		limit = 500
	}
	return s.ingestor.History(ctx, learnerID, limit)
}

func requireLearner(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: learner_id is required", ErrInvalidArgument)
	}
	return nil
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
