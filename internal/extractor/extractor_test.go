package extractor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemo-ai/mnemo/internal/model"
)

func TestSanitizeDefaults(t *testing.T) {
	p, err := Sanitize(`{"summary": "User lives in Athens."}`)
	require.NoError(t, err)
	assert.True(t, p.ShouldWrite, "non-empty summary defaults should_write to true")
	assert.Equal(t, model.TierObservedFact, p.Tier)
	assert.InDelta(t, 0.8, p.Confidence, 1e-9)
	assert.InDelta(t, 5, p.Importance, 1e-9)
}

func TestSanitizeEmptySummary(t *testing.T) {
	p, err := Sanitize(`{"summary": ""}`)
	require.NoError(t, err)
	assert.False(t, p.ShouldWrite)
}

func TestSanitizeCoercesObjectItems(t *testing.T) {
	raw := `{
		"summary": "s",
		"facts": ["plain", {"fact": "from object"}, {"text": "from text"}, {"other": 1}],
		"entities": [{"name": "Athens"}, "Greece"]
	}`
	p, err := Sanitize(raw)
	require.NoError(t, err)
	require.Len(t, p.Facts, 4)
	assert.Equal(t, "plain", p.Facts[0])
	assert.Equal(t, "from object", p.Facts[1])
	assert.Equal(t, "from text", p.Facts[2])
	assert.JSONEq(t, `{"other": 1}`, p.Facts[3])
	assert.Equal(t, []string{"Athens", "Greece"}, p.Entities)
}

func TestSanitizeDropsMalformedPreferences(t *testing.T) {
	raw := `{
		"summary": "s",
		"preferences": [
			{"entity": "jazz", "valence": "positive", "strength": 0.9},
			{"entity": "", "valence": "positive"},
			{"entity": "noise", "valence": "sideways"}
		]
	}`
	p, err := Sanitize(raw)
	require.NoError(t, err)
	require.Len(t, p.Preferences, 1)
	assert.Equal(t, "jazz", p.Preferences[0].Entity)
}

func TestSanitizeClampsRanges(t *testing.T) {
	raw := `{
		"summary": "s",
		"confidence": 1.7,
		"importance": 42,
		"structured_facts": [{"subject": "user", "predicate": "age", "object": "30", "confidence": -0.5, "temporal": "sometime"}]
	}`
	p, err := Sanitize(raw)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, p.Confidence, 1e-9)
	assert.InDelta(t, 10, p.Importance, 1e-9)
	require.Len(t, p.StructuredFacts, 1)
	assert.InDelta(t, 0, p.StructuredFacts[0].Confidence, 1e-9)
	assert.Equal(t, model.TemporalUnknown, p.StructuredFacts[0].Temporal)
}

func TestSanitizeInvalidTier(t *testing.T) {
	p, err := Sanitize(`{"summary": "s", "tier": "gospel"}`)
	require.NoError(t, err)
	assert.Equal(t, model.TierObservedFact, p.Tier)
}

func TestSanitizeStripsCodeFences(t *testing.T) {
	p, err := Sanitize("```json\n{\"summary\": \"fenced\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "fenced", p.Summary)
}

func TestSanitizeDates(t *testing.T) {
	p, err := Sanitize(`{"summary": "s", "valid_from": "2026-07-01", "valid_to": "not a date"}`)
	require.NoError(t, err)
	require.NotNil(t, p.ValidFrom)
	assert.Equal(t, "2026-07-01", *p.ValidFrom)
	assert.Nil(t, p.ValidTo)
}

// fakeClient returns scripted responses per call.
type fakeClient struct {
	responses []string
	errs      []error
	calls     int
	lastUser  string
}

func (f *fakeClient) CompleteJSON(_ context.Context, _, user string) (string, error) {
	i := f.calls
	f.calls++
	f.lastUser = user
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if i >= len(f.responses) {
		return "", err
	}
	return f.responses[i], err
}

func TestRunMemoryAgentRetriesOnce(t *testing.T) {
	client := &fakeClient{responses: []string{"not json at all", `{"summary": "second try"}`}}
	a := New(client)

	p, err := a.RunMemoryAgent(context.Background(), "hi", "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "second try", p.Summary)
	assert.Equal(t, 2, client.calls)
	assert.Contains(t, client.lastUser, "ONLY the JSON object")
}

func TestRunMemoryAgentSecondFailureIsErrParse(t *testing.T) {
	client := &fakeClient{responses: []string{"garbage", "still garbage"}}
	a := New(client)

	_, err := a.RunMemoryAgent(context.Background(), "hi", "hello", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrParse)
	assert.Equal(t, 2, client.calls)
}

func TestRunMemoryAgentTransportError(t *testing.T) {
	boom := errors.New("connection refused")
	client := &fakeClient{errs: []error{boom}}
	a := New(client)

	_, err := a.RunMemoryAgent(context.Background(), "hi", "hello", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrParse)
}

func TestBuildUserPromptIncludesMemories(t *testing.T) {
	client := &fakeClient{responses: []string{`{"summary": "ok"}`}}
	a := New(client)

	_, err := a.RunMemoryAgent(context.Background(), "who am I?", "You're Costa.", []RetrievedMemory{
		{ID: "abc", Summary: "User's name is Costa.", Tier: model.TierAssertedFact},
	})
	require.NoError(t, err)
	assert.Contains(t, client.lastUser, "id=abc")
	assert.Contains(t, client.lastUser, "User's name is Costa.")
	assert.Contains(t, client.lastUser, "USER: who am I?")
	assert.Contains(t, client.lastUser, "ASSISTANT: You're Costa.")
}

func TestNoopClient(t *testing.T) {
	raw, err := NoopClient{}.CompleteJSON(context.Background(), "", "")
	require.NoError(t, err)
	p, err := Sanitize(raw)
	require.NoError(t, err)
	assert.False(t, p.ShouldWrite)
}
