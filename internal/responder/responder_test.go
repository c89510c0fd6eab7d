package responder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemo-ai/mnemo/internal/model"
	"github.com/mnemo-ai/mnemo/internal/retrieval"
)

func mem(tier model.Tier, conf float64, summary string, facts ...string) retrieval.Result {
	return retrieval.Result{Memory: model.Memory{
		Tier:       tier,
		Confidence: conf,
		Summary:    summary,
		Facts:      facts,
		ValidFrom:  time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
	}}
}

func TestFormatMemoryContext(t *testing.T) {
	memories := []retrieval.Result{
		mem(model.TierAssertedFact, 0.95, "User's name is Costa.", "The user's name is Costa."),
		mem(model.TierHypothesis, 0.45, "User might be from Greece."),
	}
	prefs := []model.Preference{
		{Entity: "rock music", Valence: model.ValencePositive},
		{Entity: "jazz", Valence: model.ValencePositive},
		{Entity: "country", Valence: model.ValenceNegative},
	}

	out := FormatMemoryContext(memories, prefs)
	assert.Contains(t, out, "[asserted_fact][0.9] User's name is Costa. (since 2026-07-01)")
	assert.Contains(t, out, "  Facts: The user's name is Costa.")
	assert.Contains(t, out, "[hypothesis][0.5] User might be from Greece.")
	assert.Contains(t, out, "Likes: rock music, jazz")
	assert.Contains(t, out, "Dislikes: country")
}

func TestFormatMemoryContextValidTo(t *testing.T) {
	m := mem(model.TierTemporaryContext, 0.4, "User is traveling this week.")
	to := time.Date(2026, 7, 8, 0, 0, 0, 0, time.UTC)
	m.Memory.ValidTo = &to

	out := FormatMemoryContext([]retrieval.Result{m}, nil)
	assert.Contains(t, out, "(was true 2026-07-01 to 2026-07-08)")
}

func TestFormatMemoryContextEmpty(t *testing.T) {
	assert.Equal(t, "(no prior memories)", FormatMemoryContext(nil, nil))
}

func TestFormatUserPrompt(t *testing.T) {
	out := FormatUserPrompt("Who am I?", nil, nil)
	assert.Contains(t, out, "MEMORY CONTEXT:\n")
	assert.Contains(t, out, "\n\nUSER: Who am I?")
}

func TestOpenAIGeneratorStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
				"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
				"data: [DONE]\n\n"))
	}))
	defer srv.Close()

	g := NewOpenAIGenerator("key", "test-model")
	g.baseURL = srv.URL

	var chunks []string
	full, err := g.Stream(context.Background(), "sys", "user", func(c string) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", full)
	assert.Equal(t, []string{"Hel", "lo"}, chunks)
}

func TestOpenAIGeneratorClientGoneStillAccumulates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(
			"data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n" +
				"data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n\n" +
				"data: [DONE]\n\n"))
	}))
	defer srv.Close()

	g := NewOpenAIGenerator("key", "test-model")
	g.baseURL = srv.URL

	full, err := g.Stream(context.Background(), "sys", "user", func(string) error {
		return context.Canceled // client disconnected mid-stream
	})
	require.NoError(t, err)
	assert.Equal(t, "ab", full, "full reply is still accumulated for extraction")
}

func TestOllamaGeneratorStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		_, _ = w.Write([]byte(
			`{"message":{"content":"Hi "},"done":false}` + "\n" +
				`{"message":{"content":"there"},"done":false}` + "\n" +
				`{"message":{"content":""},"done":true}` + "\n"))
	}))
	defer srv.Close()

	g := NewOllamaGenerator(srv.URL, "test-model")
	full, err := g.Stream(context.Background(), "sys", "user", func(string) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "Hi there", full)
}

func TestNoopGenerator(t *testing.T) {
	var got string
	full, err := NoopGenerator{}.Stream(context.Background(), "", "", func(c string) error {
		got = c
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, full, got)
	assert.NotEmpty(t, full)
}
