// Package tiering maps raw utterances to belief tiers and enforces each
// tier's confidence bounds on any memory before it is persisted.
package tiering

import (
	"regexp"

	"github.com/mnemo-ai/mnemo/internal/model"
)

// family is one ordered pattern group: if any of its patterns match, the
// utterance is classified into Tier at Confidence, first-match-wins.
type family struct {
	name       string
	patterns   []*regexp.Regexp
	tier       model.Tier
	confidence float64
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// patternTable holds the ordered pattern families, centralized as data
// rather than scattered regexes.
var patternTable = []family{
	{
		name: "hedging",
		patterns: compileAll(
			`(?i)\bi think\b`, `(?i)\bmaybe\b`, `(?i)\bprobably\b`, `(?i)\bmight\b`,
			`(?i)\bnot sure\b`, `(?i)\bi guess\b`, `(?i)\bperhaps\b`, `(?i)\bseems like\b`,
		),
		tier:       model.TierHypothesis,
		confidence: 0.45,
	},
	{
		name: "temporal",
		patterns: compileAll(
			`(?i)\bright now\b`, `(?i)\bcurrently\b`, `(?i)\bat the moment\b`,
			`(?i)\btoday\b`, `(?i)\bthis week\b`, `(?i)\btemporarily\b`,
		),
		tier:       model.TierTemporaryContext,
		confidence: 0.40,
	},
	{
		name: "preference",
		patterns: compileAll(
			`(?i)\bi (really )?(like|love|enjoy|prefer)\b`,
			`(?i)\bi (hate|dislike|can't stand|can not stand)\b`,
			`(?i)\bmy favorite\b`,
			`(?i)\bi'?m (not )?a fan of\b`,
		),
		tier:       model.TierPreference,
		confidence: 0.80,
	},
	{
		name: "assertion",
		patterns: compileAll(
			`(?i)\bi am\b`, `(?i)\bmy name is\b`, `(?i)\bi have\b`,
			`(?i)\bi work (at|for|as)\b`, `(?i)\bi live in\b`,
			`(?i)\bi'?m from\b`, `(?i)\bi was born\b`,
		),
		tier:       model.TierAssertedFact,
		confidence: 0.92,
	},
}

// defaultTier and defaultConfidence apply when no pattern family matches.
const (
	defaultTier       = model.TierObservedFact
	defaultConfidence = 0.80
)

// Classify returns the (tier, confidence) for an utterance using the
// ordered pattern families, first-match-wins, falling back to
// observed_fact/0.80. Deterministic for identical input.
func Classify(text string) (model.Tier, float64) {
	for _, fam := range patternTable {
		for _, pat := range fam.patterns {
			if pat.MatchString(text) {
				return fam.tier, fam.confidence
			}
		}
	}
	return defaultTier, defaultConfidence
}

// Enforce clamps confidence into [floor, ceiling] for tier. Unknown tiers
// pass confidence through unchanged rather than panicking on a malformed
// extractor payload — callers validate tier membership before this point.
func Enforce(tier model.Tier, confidence float64) float64 {
	bounds, ok := model.Bounds[tier]
	if !ok {
		return confidence
	}
	return clamp(confidence, bounds.Floor, bounds.Ceiling)
}

func clamp(v, floor, ceiling float64) float64 {
	if v < floor {
		return floor
	}
	if v > ceiling {
		return ceiling
	}
	return v
}

// Priority returns the tier's conflict-resolution priority (higher wins),
// or 0 for an unknown tier.
func Priority(tier model.Tier) int {
	return model.Bounds[tier].Priority
}

// PromoteTo returns the tier to promote to, or "" if the tier is not
// promotable.
func PromoteTo(tier model.Tier) model.Tier {
	return model.Bounds[tier].PromoteTo
}

// DemoteTo returns the tier to demote to, or "" if the tier is not
// demotable.
func DemoteTo(tier model.Tier) model.Tier {
	return model.Bounds[tier].DemoteTo
}
