// Package extractor calls the external extraction model with the user
// text, the assistant's reply, and the retrieved memories, and turns the
// model's JSON into a sanitized memory proposal. Extractor output is
// untrusted: every field is coerced, defaulted, and clamped before it
// reaches the write pipeline.
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mnemo-ai/mnemo/internal/model"
)

// ErrParse is returned when the extractor's output is still not a valid
// memory proposal after the retry. Callers log it and write nothing; the
// turn's response is unaffected.
var ErrParse = errors.New("extractor: unparseable extractor output")

// Client is the chat-completion contract the adapter needs: one JSON-mode
// completion per call. Implementations live in client.go.
type Client interface {
	// CompleteJSON sends a system+user prompt pair and returns the raw
	// assistant message, requesting a JSON-object response at temperature
	// <= 0.1.
	CompleteJSON(ctx context.Context, system, user string) (string, error)
}

// systemPrompt defines the Memory Proposal schema for the extraction model.
const systemPrompt = `You are a memory extraction engine for a conversational assistant.
Given the user's message, the assistant's reply, and the memories that were
retrieved for this turn, decide what (if anything) should be remembered.

Respond with a single JSON object, no prose, matching this schema:
{
  "should_write": bool,
  "summary": "one short sentence stating the new belief",
  "tier": "asserted_fact" | "observed_fact" | "preference" | "hypothesis" | "temporary_context",
  "confidence": 0.0-1.0,
  "entities": ["mention", ...],
  "facts": ["natural-language fact", ...],
  "structured_facts": [{"subject": "", "predicate": "", "object": "", "confidence": 0.0-1.0, "temporal": "current"|"past"|"future"|"unknown"}],
  "preferences": [{"entity": "", "valence": "positive"|"negative"|"neutral", "strength": 0.0-1.0, "context": ""}],
  "entity_links": [{"mention": "", "canonical": "", "relationship": ""}],
  "valid_from": "ISO date, optional",
  "valid_to": "ISO date, optional",
  "related_to": ["memory-id", ...],
  "contradicts": [{"memory_id": "", "reason": "", "suggested_resolution": ""}],
  "importance": 1-10,
  "supersedes": ["memory-id", ...]
}

Set should_write=false when the turn contains nothing worth remembering.
Only reference memory ids that appear in the retrieved-memories list.`

// retryReminder is appended on the second attempt after a parse failure.
const retryReminder = "\n\nIMPORTANT: respond with ONLY the JSON object. No markdown, no code fences, no explanation."

// Adapter runs the deep-extraction call and sanitization.
type Adapter struct {
	client Client
}

// New creates an Adapter over a chat-completion client.
func New(client Client) *Adapter {
	return &Adapter{client: client}
}

// RetrievedMemory is the slice of a retrieved memory shown to the extractor.
type RetrievedMemory struct {
	ID      string
	Summary string
	Tier    model.Tier
}

func buildUserPrompt(userText, assistantReply string, retrieved []RetrievedMemory) string {
	var b strings.Builder
	b.WriteString("RETRIEVED MEMORIES:\n")
	if len(retrieved) == 0 {
		b.WriteString("(none)\n")
	}
	for _, m := range retrieved {
		fmt.Fprintf(&b, "- id=%s [%s] %s\n", m.ID, m.Tier, m.Summary)
	}
	b.WriteString("\nUSER: ")
	b.WriteString(userText)
	b.WriteString("\n\nASSISTANT: ")
	b.WriteString(assistantReply)
	return b.String()
}

// RunMemoryAgent calls the extractor and returns a sanitized proposal.
// A parse failure triggers exactly one retry with a stricter JSON-only
// reminder; a second failure returns ErrParse.
func (a *Adapter) RunMemoryAgent(ctx context.Context, userText, assistantReply string, retrieved []RetrievedMemory) (model.MemoryProposal, error) {
	user := buildUserPrompt(userText, assistantReply, retrieved)

	raw, err := a.client.CompleteJSON(ctx, systemPrompt, user)
	if err != nil {
		return model.MemoryProposal{}, fmt.Errorf("extractor: completion: %w", err)
	}
	proposal, perr := Sanitize(raw)
	if perr == nil {
		return proposal, nil
	}

	raw, err = a.client.CompleteJSON(ctx, systemPrompt, user+retryReminder)
	if err != nil {
		return model.MemoryProposal{}, fmt.Errorf("extractor: retry completion: %w", err)
	}
	proposal, perr = Sanitize(raw)
	if perr != nil {
		return model.MemoryProposal{}, fmt.Errorf("%w: %v", ErrParse, perr)
	}
	return proposal, nil
}

// rawProposal mirrors the wire schema with every field loosened to
// json.RawMessage or pointer so malformed items can be coerced or dropped
// instead of failing the whole payload.
type rawProposal struct {
	ShouldWrite     *bool                   `json:"should_write"`
	Summary         json.RawMessage         `json:"summary"`
	Tier            string                  `json:"tier"`
	Confidence      *float64                `json:"confidence"`
	Entities        []json.RawMessage       `json:"entities"`
	Facts           []json.RawMessage       `json:"facts"`
	StructuredFacts []rawFact               `json:"structured_facts"`
	Preferences     []rawPreference         `json:"preferences"`
	EntityLinks     []model.EntityLink      `json:"entity_links"`
	ValidFrom       *string                 `json:"valid_from"`
	ValidTo         *string                 `json:"valid_to"`
	RelatedTo       []string                `json:"related_to"`
	Contradicts     []model.ContradictsHint `json:"contradicts"`
	Importance      *float64                `json:"importance"`
	Supersedes      []string                `json:"supersedes"`
}

type rawFact struct {
	Subject    string   `json:"subject"`
	Predicate  string   `json:"predicate"`
	Object     string   `json:"object"`
	Confidence *float64 `json:"confidence"`
	Temporal   string   `json:"temporal"`
}

type rawPreference struct {
	Entity   string   `json:"entity"`
	Valence  string   `json:"valence"`
	Strength *float64 `json:"strength"`
	Context  string   `json:"context"`
}

var validTiers = map[model.Tier]bool{
	model.TierAssertedFact:     true,
	model.TierObservedFact:     true,
	model.TierPreference:       true,
	model.TierHypothesis:       true,
	model.TierTemporaryContext: true,
}

var validValences = map[model.Valence]bool{
	model.ValencePositive: true,
	model.ValenceNegative: true,
	model.ValenceNeutral:  true,
}

var validTemporal = map[model.Temporality]bool{
	model.TemporalCurrent: true,
	model.TemporalPast:    true,
	model.TemporalFuture:  true,
	model.TemporalUnknown: true,
}

// stripFences removes a leading/trailing markdown code fence, which smaller
// models emit even in JSON mode.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

// coerceString turns a raw JSON item into a string: plain strings pass
// through; objects yield their fact/text/content/name/entity field (the
// first of these present), else
// their JSON encoding; everything else its JSON encoding.
func coerceString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, key := range []string{"fact", "text", "content", "name", "entity"} {
			if v, ok := obj[key].(string); ok && v != "" {
				return v
			}
		}
	}
	return string(raw)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampImportance(v float64) float64 {
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}

// Sanitize parses the raw extractor output into a memory proposal: null
// importance -> 5, null confidence -> 0.8, coerce object fact/entity items
// to strings, drop malformed preferences, clamp numeric ranges, default
// tier to observed_fact, default should_write to "summary non-empty".
func Sanitize(raw string) (model.MemoryProposal, error) {
	cleaned := stripFences(raw)

	var rp rawProposal
	if err := json.Unmarshal([]byte(cleaned), &rp); err != nil {
		return model.MemoryProposal{}, fmt.Errorf("extractor: decode proposal: %w", err)
	}

	p := model.MemoryProposal{
		Summary:     strings.TrimSpace(coerceString(rp.Summary)),
		Tier:        model.Tier(rp.Tier),
		Confidence:  0.8,
		Importance:  5,
		EntityLinks: rp.EntityLinks,
		RelatedTo:   rp.RelatedTo,
		Contradicts: rp.Contradicts,
		Supersedes:  rp.Supersedes,
	}

	if !validTiers[p.Tier] {
		p.Tier = model.TierObservedFact
	}
	if rp.Confidence != nil {
		p.Confidence = clamp01(*rp.Confidence)
	}
	if rp.Importance != nil {
		p.Importance = clampImportance(*rp.Importance)
	}
	if rp.ShouldWrite != nil {
		p.ShouldWrite = *rp.ShouldWrite
	} else {
		p.ShouldWrite = p.Summary != ""
	}

	for _, e := range rp.Entities {
		if s := strings.TrimSpace(coerceString(e)); s != "" {
			p.Entities = append(p.Entities, s)
		}
	}
	for _, f := range rp.Facts {
		if s := strings.TrimSpace(coerceString(f)); s != "" {
			p.Facts = append(p.Facts, s)
		}
	}

	for _, f := range rp.StructuredFacts {
		if f.Subject == "" || f.Predicate == "" {
			continue
		}
		conf := 0.8
		if f.Confidence != nil {
			conf = clamp01(*f.Confidence)
		}
		temporal := model.Temporality(f.Temporal)
		if !validTemporal[temporal] {
			temporal = model.TemporalUnknown
		}
		p.StructuredFacts = append(p.StructuredFacts, model.StructuredFact{
			Subject:    f.Subject,
			Predicate:  f.Predicate,
			Object:     f.Object,
			Confidence: conf,
			Temporal:   temporal,
		})
	}

	for _, pref := range rp.Preferences {
		valence := model.Valence(pref.Valence)
		if pref.Entity == "" || !validValences[valence] {
			continue // malformed preference, dropped
		}
		strength := 0.5
		if pref.Strength != nil {
			strength = clamp01(*pref.Strength)
		}
		p.Preferences = append(p.Preferences, model.PreferenceProposal{
			Entity:   pref.Entity,
			Valence:  valence,
			Strength: strength,
			Context:  pref.Context,
		})
	}

	p.ValidFrom = sanitizeDate(rp.ValidFrom)
	p.ValidTo = sanitizeDate(rp.ValidTo)

	return p, nil
}

// sanitizeDate keeps only parseable ISO dates; anything else is dropped.
func sanitizeDate(raw *string) *string {
	if raw == nil || *raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if _, err := time.Parse(layout, *raw); err == nil {
			return raw
		}
	}
	return nil
}
