package service

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/knoguchi/adaptive/internal/feedback"
	"github.com/knoguchi/adaptive/internal/pipeline"
)

// Error reasons reported to clients.
const (
	ReasonInvalidArgument        = "invalid_argument"
	ReasonInvalidFeedbackValue   = "invalid_feedback_value"
	ReasonUnknownAnswerReference = "unknown_answer_reference"
	ReasonPipelineTimeout        = "pipeline_timeout"
	ReasonCanceled               = "canceled"
	ReasonInternal               = "internal"
)

// ErrorBody is the JSON body of a failed request.
type ErrorBody struct {
	Status string `json:"status"`          // REJECTED for validation errors, FAILED otherwise
	Error  string `json:"error"`
	Reason string `json:"reason"`
	Stage  string `json:"stage,omitempty"` // pipeline stage that failed
}

// Classify maps err to a transport-neutral description plus its gRPC code.
// Unclassified errors are reported as internal without their message.
func Classify(err error) (ErrorBody, codes.Code) {
	body := ErrorBody{Status: "FAILED", Error: err.Error(), Reason: ReasonInternal}
	if stage, ok := pipeline.FailedStage(err); ok {
		body.Stage = stage.String()
	}

	code := codes.Internal
	switch {
	case errors.Is(err, feedback.ErrInvalidFeedbackValue):
		body.Status, body.Reason, code = "REJECTED", ReasonInvalidFeedbackValue, codes.InvalidArgument
	case errors.Is(err, feedback.ErrUnknownAnswerReference):
		body.Status, body.Reason, code = "REJECTED", ReasonUnknownAnswerReference, codes.NotFound
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, pipeline.ErrInvalidQuery):
		body.Status, body.Reason, code = "REJECTED", ReasonInvalidArgument, codes.InvalidArgument
	case errors.Is(err, pipeline.ErrPipelineTimeout):
		body.Reason, code = ReasonPipelineTimeout, codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		body.Reason, code = ReasonCanceled, codes.Canceled
	default:
		body.Error = "internal error"
	}
	return body, code
}

// GRPCError converts err into a gRPC status error.
func GRPCError(err error) error {
	if err == nil {
		return nil
	}
	body, code := Classify(err)
	return status.Error(code, body.Error)
}

// HTTPStatus returns the HTTP status code for a gRPC code.
func HTTPStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Canceled:
		return 499 // client closed request
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
