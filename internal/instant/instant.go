// Package instant is the regex-driven fast path: it extracts names and
// preferences from the raw user text with no LLM involved. Matches are
// turned into memory proposals and written through the store before the
// response stream starts.
package instant

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mnemo-ai/mnemo/internal/model"
)

// rejectedNames are capitalized words the name patterns must not treat as a
// name ("I'm Fine", "I'm Here").
var rejectedNames = map[string]bool{
	"here": true, "there": true, "fine": true, "good": true, "great": true, "okay": true,
}

// namePattern is one entry of the ordered name-capture family.
type namePattern struct {
	re *regexp.Regexp
}

// The capture stays case-sensitive ([A-Z][a-z]+) while the marker phrase is
// case-insensitive, so "my name is Costa" matches but "I'm fine" does not.
var nameTable = []namePattern{
	{regexp.MustCompile(`(?i:\bmy name is )([A-Z][a-z]+)`)},
	{regexp.MustCompile(`\bI am ([A-Z][a-z]+)`)},
	{regexp.MustCompile(`\bI'm ([A-Z][a-z]+)`)},
	{regexp.MustCompile(`(?i:\bcall me )([A-Z][a-z]+)`)},
	{regexp.MustCompile(`(?i:\bthis is )([A-Z][a-z]+)(?i: (?:speaking|here))`)},
}

// prefPattern is one entry of the ordered preference family: its regex, the
// valence of a match, and the preference strength.
type prefPattern struct {
	re       *regexp.Regexp
	valence  model.Valence
	strength float64
}

var prefTable = []prefPattern{
	{regexp.MustCompile(`(?i)\bi (?:really )?(?:love|adore) (.+)`), model.ValencePositive, 0.9},
	{regexp.MustCompile(`(?i)\bi (?:like|enjoy|prefer) (.+)`), model.ValencePositive, 0.7},
	{regexp.MustCompile(`(?i)\bi (?:really )?(?:hate|despise|can't stand) (.+)`), model.ValenceNegative, 0.9},
	{regexp.MustCompile(`(?i)\bi (?:don't like|dislike) (.+)`), model.ValenceNegative, 0.7},
	{regexp.MustCompile(`(?i)\bmy favorite(?: \w+)? (?:is|are) (.+)`), model.ValencePositive, 0.85},
}

// negClause finds a hate/dislike clause inside a longer utterance so that
// "I love X and hate Y" yields a second, negative preference.
var negClause = regexp.MustCompile(`(?i)\b(?:hate|despise|can't stand|don't like|dislike) (.+)`)

const (
	nameConfidence = 0.95
	nameImportance = 8
	prefConfidence = 0.85
	prefImportance = 6
)

// trimObject cuts a captured preference object to its first clause:
// truncate at " and ", strip trailing punctuation and whitespace.
func trimObject(s string) string {
	if idx := strings.Index(strings.ToLower(s), " and "); idx >= 0 {
		s = s[:idx]
	}
	for _, sep := range []string{",", ".", "!", "?", ";"} {
		if idx := strings.Index(s, sep); idx >= 0 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}

// ExtractName returns the user's name from text, or "" if no name pattern
// matches. Rejected words ("here", "fine", ...) never match.
func ExtractName(text string) string {
	for _, p := range nameTable {
		m := p.re.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		if rejectedNames[strings.ToLower(m[1])] {
			continue
		}
		return m[1]
	}
	return ""
}

// ExtractedPreference is one fast-path preference hit.
type ExtractedPreference struct {
	Entity   string
	Valence  model.Valence
	Strength float64
}

// ExtractPreferences returns the fast-path preference hits in text,
// first-match-wins on the ordered table, plus a second negative preference
// when the utterance also contains a hate/dislike clause after the primary
// match (so "I love rock music and hate country" yields both).
func ExtractPreferences(text string) []ExtractedPreference {
	var out []ExtractedPreference
	for _, p := range prefTable {
		m := p.re.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		entity := trimObject(m[1])
		if entity == "" {
			continue
		}
		out = append(out, ExtractedPreference{Entity: entity, Valence: p.valence, Strength: p.strength})

		if p.valence == model.ValencePositive {
			// The primary capture stops at " and "; check the remainder for a
			// negative clause.
			if nm := negClause.FindStringSubmatch(m[1]); len(nm) >= 2 {
				negEntity := trimObject(nm[1])
				if negEntity != "" && !strings.EqualFold(negEntity, entity) {
					out = append(out, ExtractedPreference{Entity: negEntity, Valence: model.ValenceNegative, Strength: 0.7})
				}
			}
		}
		break
	}
	return out
}

// Proposals turns the fast-path hits in text into memory proposals ready
// for the write pipeline: a name proposal (asserted_fact, 0.95, importance
// 8) and/or a preference proposal (preference, 0.85, importance 6) carrying
// every extracted preference.
func Proposals(text string) []model.MemoryProposal {
	var out []model.MemoryProposal

	if name := ExtractName(text); name != "" {
		out = append(out, model.MemoryProposal{
			ShouldWrite: true,
			Summary:     fmt.Sprintf("User's name is %s.", name),
			Tier:        model.TierAssertedFact,
			Confidence:  nameConfidence,
			Entities:    []string{name},
			Facts:       []string{fmt.Sprintf("The user's name is %s.", name)},
			StructuredFacts: []model.StructuredFact{
				{Subject: "user", Predicate: "name", Object: name, Confidence: nameConfidence, Temporal: model.TemporalCurrent},
			},
			Importance: nameImportance,
		})
	}

	prefs := ExtractPreferences(text)
	if len(prefs) > 0 {
		proposal := model.MemoryProposal{
			ShouldWrite: true,
			Tier:        model.TierPreference,
			Confidence:  prefConfidence,
			Importance:  prefImportance,
		}
		var parts []string
		for _, p := range prefs {
			verb := "likes"
			if p.Valence == model.ValenceNegative {
				verb = "dislikes"
			}
			parts = append(parts, fmt.Sprintf("%s %s", verb, p.Entity))
			proposal.Entities = append(proposal.Entities, p.Entity)
			proposal.Preferences = append(proposal.Preferences, model.PreferenceProposal{
				Entity:   p.Entity,
				Valence:  p.Valence,
				Strength: p.Strength,
			})
		}
		proposal.Summary = "User " + strings.Join(parts, " and ") + "."
		out = append(out, proposal)
	}

	return out
}
