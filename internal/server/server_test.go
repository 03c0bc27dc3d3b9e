package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/knoguchi/adaptive/internal/bloom"
	"github.com/knoguchi/adaptive/internal/cacs"
	"github.com/knoguchi/adaptive/internal/cogload"
	"github.com/knoguchi/adaptive/internal/feedback"
	"github.com/knoguchi/adaptive/internal/memory"
	"github.com/knoguchi/adaptive/internal/pipeline"
	"github.com/knoguchi/adaptive/internal/profile"
	"github.com/knoguchi/adaptive/internal/service"
	"github.com/knoguchi/adaptive/internal/zpd"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestService(t *testing.T) *service.Service {
	t.Helper()
	store := profile.NewStore(memory.NewProfileRepo())
	answers := memory.NewAnswerRegistry(time.Hour)
	t.Cleanup(answers.Close)
	estimator := zpd.NewCalculator(zpd.DefaultConfig())

	scorer, err := cacs.NewCompositeScorer(cacs.DefaultWeights())
	require.NoError(t, err)
	orch, err := pipeline.New(pipeline.Components{
		Profiles:   store,
		Answers:    answers,
		Classifier: bloom.NewPatternClassifier(),
		Estimator:  estimator,
		Load:       cogload.NewModel(cogload.DefaultConfig()),
		Scorer:     scorer,
	}, pipeline.Config{Timeout: time.Second, TopN: 4, Stages: pipeline.AllStages()})
	require.NoError(t, err)

	ingestor := feedback.NewIngestor(store, answers, memory.NewFeedbackLog(), estimator, feedback.Config{Alpha: 0.3, Enabled: true})
	return service.New(orch, ingestor, store, nil)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestHTTP(t *testing.T, readiness map[string]Pinger) http.Handler {
	t.Helper()
	s, err := NewHTTPServer(HTTPServerConfig{Readiness: readiness}, newTestService(t))
	require.NoError(t, err)
	return s.GetRouter()
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTP_QueryFeedbackProfile(t *testing.T) {
	h := newTestHTTP(t, nil)

	rec := do(t, h, http.MethodPost, "/v1/learners/ayse/query", map[string]interface{}{
		"question": "mitoz nedir",
		"candidate_documents": []map[string]interface{}{
			{"id": "d1", "base_score": 0.9},
			{"id": "d2", "base_score": 0.4},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var q service.QueryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q))
	assert.Equal(t, "COMPLETE", q.Status)
	assert.Equal(t, "recall", q.ClassifiedDemandLevel)
	assert.Equal(t, []string{"d1", "d2"}, q.RankedDocumentIDs)
	require.NotEmpty(t, q.AnswerReference)

	rec = do(t, h, http.MethodPost, "/v1/learners/ayse/feedback", map[string]string{
		"answer_reference": q.AnswerReference,
		"emoji_value":      "poor",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var fb service.FeedbackResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fb))
	assert.Equal(t, "poor", fb.Emoji)
	assert.InDelta(t, 0.35, fb.Profile.SuccessRate, 1e-9)

	rec = do(t, h, http.MethodGet, "/v1/learners/ayse/profile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "intermediate", p["developmental_level"])
	assert.EqualValues(t, 1, p["feedback_count"])

	rec = do(t, h, http.MethodGet, "/v1/learners/ayse/feedback?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Events []map[string]interface{} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history.Events, 1)
	assert.Equal(t, fb.EventID, history.Events[0]["id"])
}

func TestHTTP_Errors(t *testing.T) {
	h := newTestHTTP(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		reason string
	}{
		{
			name:   "invalid emoji",
			method: http.MethodPost,
			path:   "/v1/learners/ayse/feedback",
			body:   map[string]string{"answer_reference": "6f1c2a7e-9a43-4c8e-8d5b-1b1e0c0f3a11", "emoji_value": "thumbs"},
			status: http.StatusBadRequest,
			reason: service.ReasonInvalidFeedbackValue,
		},
		{
			name:   "unknown answer",
			method: http.MethodPost,
			path:   "/v1/learners/ayse/feedback",
			body:   map[string]string{"answer_reference": "6f1c2a7e-9a43-4c8e-8d5b-1b1e0c0f3a11", "emoji_value": "best"},
			status: http.StatusNotFound,
			reason: service.ReasonUnknownAnswerReference,
		},
		{
			name:   "malformed reference",
			method: http.MethodPost,
			path:   "/v1/learners/ayse/feedback",
			body:   map[string]string{"answer_reference": "nope", "emoji_value": "best"},
			status: http.StatusBadRequest,
			reason: service.ReasonInvalidArgument,
		},
		{
			name:   "duplicate candidate ids",
			method: http.MethodPost,
			path:   "/v1/learners/ayse/query",
			body: map[string]interface{}{
				"question":            "q",
				"candidate_documents": []map[string]interface{}{{"id": "a"}, {"id": "a"}},
			},
			status: http.StatusBadRequest,
			reason: service.ReasonInvalidArgument,
		},
		{
			name:   "bad limit",
			method: http.MethodGet,
			path:   "/v1/learners/ayse/feedback?limit=ten",
			status: http.StatusBadRequest,
			reason: service.ReasonInvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())

			var body service.ErrorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.reason, body.Reason)
			assert.Equal(t, "REJECTED", body.Status)
		})
	}
}

func TestHTTP_MalformedBody(t *testing.T) {
	h := newTestHTTP(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/learners/ayse/query", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTP_Readiness(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	rec := do(t, newTestHTTP(t, map[string]Pinger{"profiles": ok}), http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, newTestHTTP(t, map[string]Pinger{"profiles": ok, "cache": down}), http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")

	rec = do(t, newTestHTTP(t, nil), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTP_CORSPreflight(t *testing.T) {
	rec := do(t, newTestHTTP(t, nil), http.MethodOptions, "/v1/learners/ayse/query", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNewHTTPServer_RequiresService(t *testing.T) {
	_, err := NewHTTPServer(HTTPServerConfig{}, nil)
	assert.Error(t, err)
}

func startGRPC(t *testing.T) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	srv, err := NewGRPCServer(GRPCServerConfig{}, NewPersonalizationHandler(newTestService(t)))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-done
	})

	// health shares the connection
	hc := healthpb.NewHealthClient(conn)
	resp, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{Service: PersonalizationServiceName})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	return NewClient(conn)
}

func TestGRPC_QueryAndFeedback(t *testing.T) {
	client := startGRPC(t)
	ctx := context.Background()

	q, err := client.Query(ctx, &service.QueryRequest{
		LearnerID: "mehmet",
		Question:  "mayoz bölünmesinde kaç hücre oluşur",
		CandidateDocuments: []cacs.Candidate{
			{ID: "d1", BaseScore: 0.2},
			{ID: "d2", BaseScore: 0.8},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "application", q.ClassifiedDemandLevel)
	assert.Equal(t, []string{"d2", "d1"}, q.RankedDocumentIDs)

	fb, err := client.SubmitFeedback(ctx, &service.FeedbackRequest{
		LearnerID:       "mehmet",
		AnswerReference: q.AnswerReference,
		EmojiValue:      "🙂",
	})
	require.NoError(t, err)
	assert.Equal(t, "good", fb.Emoji)
	assert.InDelta(t, 0.7, fb.Reward, 1e-9)

	p, err := client.Profile(ctx, "mehmet")
	require.NoError(t, err)
	assert.Equal(t, "application", p["cognitive_demand_estimate"])

	history, err := client.FeedbackHistory(ctx, "mehmet", 5)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestGRPC_ErrorCodes(t *testing.T) {
	client := startGRPC(t)
	ctx := context.Background()

	_, err := client.SubmitFeedback(ctx, &service.FeedbackRequest{
		LearnerID:       "mehmet",
		AnswerReference: "6f1c2a7e-9a43-4c8e-8d5b-1b1e0c0f3a11",
		EmojiValue:      "best",
	})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.SubmitFeedback(ctx, &service.FeedbackRequest{
		LearnerID:       "mehmet",
		AnswerReference: "6f1c2a7e-9a43-4c8e-8d5b-1b1e0c0f3a11",
		EmojiValue:      "meh",
	})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Profile(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
