package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/uuid"

	"github.com/mnemo-ai/mnemo/internal/extractor"
	"github.com/mnemo-ai/mnemo/internal/memorystore"
	"github.com/mnemo-ai/mnemo/internal/model"
	"github.com/mnemo-ai/mnemo/internal/orchestrator"
	"github.com/mnemo-ai/mnemo/internal/retrieval"
	"github.com/mnemo-ai/mnemo/internal/testutil"
)

// The chat handler only needs the orchestrator, so the server under test
// wires one over in-memory fakes and leaves storage-backed routes alone.

type stubStore struct{}

func (stubStore) InsertMemoryUnit(_ context.Context, _ model.MemoryProposal) (memorystore.InsertResult, error) {
	return memorystore.InsertResult{MemoryID: uuid.New()}, nil
}

type stubRetriever struct{}

func (stubRetriever) Retrieve(_ context.Context, _ string, _ retrieval.Params) ([]retrieval.Result, error) {
	return nil, nil
}

type stubReinforcer struct{}

func (stubReinforcer) ReinforceMemories(_ context.Context, _ []uuid.UUID) error { return nil }

type stubPrefs struct{}

func (stubPrefs) GetUserPreferences(_ context.Context) ([]model.Preference, error) { return nil, nil }

type stubGenerator struct {
	chunks []string
	err    error
}

func (g stubGenerator) Stream(_ context.Context, _, _ string, onChunk func(string) error) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	var full strings.Builder
	for _, c := range g.chunks {
		full.WriteString(c)
		_ = onChunk(c)
	}
	return full.String(), nil
}

type stubExtractor struct{}

func (stubExtractor) RunMemoryAgent(_ context.Context, _, _ string, _ []extractor.RetrievedMemory) (model.MemoryProposal, error) {
	return model.MemoryProposal{ShouldWrite: false}, nil
}

func newTestServer(t *testing.T, gen stubGenerator) *Server {
	t.Helper()
	logger := testutil.TestLogger()
	orch := orchestrator.New(stubStore{}, stubRetriever{}, stubReinforcer{}, stubPrefs{}, gen, stubExtractor{}, retrieval.DefaultParams(), logger)
	return New(ServerConfig{
		Orchestrator:        orch,
		Logger:              logger,
		Port:                0,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})
}

func TestHandleChatStreamsSSE(t *testing.T) {
	srv := newTestServer(t, stubGenerator{chunks: []string{"Hel", "lo"}})

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message": "hi there"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, `data: {"chunk":"Hel"}`)
	assert.Contains(t, body, `data: {"chunk":"lo"}`)
	assert.Contains(t, body, `data: {"done":true}`)
}

func TestHandleChatEmptyMessage(t *testing.T) {
	srv := newTestServer(t, stubGenerator{})

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message": ""}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_input")
}

func TestHandleChatMalformedBody(t *testing.T) {
	srv := newTestServer(t, stubGenerator{})

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{not json`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleChatGeneratorFailureBeforeChunks(t *testing.T) {
	srv := newTestServer(t, stubGenerator{err: assert.AnError})

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message": "hi"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	// No chunk was forwarded, so headers were never flushed: plain 500.
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, stubGenerator{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestRequestIDEchoed(t *testing.T) {
	srv := newTestServer(t, stubGenerator{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "my-request-42")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "my-request-42", rec.Header().Get("X-Request-ID"))
}

func TestRequestIDGeneratedWhenInvalid(t *testing.T) {
	srv := newTestServer(t, stubGenerator{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "bad\x00id")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	got := rec.Header().Get("X-Request-ID")
	assert.NotEmpty(t, got)
	assert.NotEqual(t, "bad\x00id", got)
}

func TestUnknownRouteIs404(t *testing.T) {
	srv := newTestServer(t, stubGenerator{})

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFormatSSEMultiline(t *testing.T) {
	out := string(formatSSE("mnemo_contradiction", "line1\nline2"))
	assert.Equal(t, "event: mnemo_contradiction\ndata: line1\ndata: line2\n\n", out)
}
