package mcpsurface

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/mnemo-ai/mnemo/internal/model"
	"github.com/mnemo-ai/mnemo/internal/retrieval"
)

func (s *Server) registerTools() {
	// mnemo_retrieve — hybrid retrieval over stored memories.
	s.mcpServer.AddTool(
		mcplib.NewTool("mnemo_retrieve",
			mcplib.WithDescription(`Retrieve the most relevant stored memories for a query.

WHEN TO USE: BEFORE answering anything that could depend on what is known
about the user — their name, preferences, circumstances, history.

Retrieval is hybrid: vector similarity over memory embeddings, full-text
relevance on summaries, current importance, and spreading activation
through memory relations. Each result carries its belief tier and
confidence; treat hypothesis/temporary_context entries as uncertain.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("Natural language query — the user's question or the topic at hand"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum memories to return"),
				mcplib.Min(1),
				mcplib.Max(50),
				mcplib.DefaultNumber(5),
			),
		),
		s.handleRetrieve,
	)

	// mnemo_store — write a memory through the full belief pipeline.
	s.mcpServer.AddTool(
		mcplib.NewTool("mnemo_store",
			mcplib.WithDescription(`Store a new memory about the user.

WHEN TO USE: After learning something worth remembering — a fact the user
stated, a preference they expressed, a correction to something previously
believed.

The write runs the full pipeline: tier confidence bounds are enforced,
contradictions with existing memories are detected and resolved (a
corrected fact supersedes the old one automatically), entities are
canonicalized, and relations to overlapping memories are discovered.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("summary",
				mcplib.Description(`One short sentence stating the belief, e.g. "User's name is Costa."`),
				mcplib.Required(),
			),
			mcplib.WithString("tier",
				mcplib.Description("Belief tier: asserted_fact (user stated it outright), observed_fact, preference, hypothesis (a guess), temporary_context (true for now)"),
				mcplib.Enum("asserted_fact", "observed_fact", "preference", "hypothesis", "temporary_context"),
			),
			mcplib.WithNumber("confidence",
				mcplib.Description("How certain you are (0.0-1.0); clamped to the tier's bounds"),
				mcplib.Min(0),
				mcplib.Max(1),
				mcplib.DefaultNumber(0.8),
			),
			mcplib.WithNumber("importance",
				mcplib.Description("How much this matters long-term (1-10)"),
				mcplib.Min(1),
				mcplib.Max(10),
				mcplib.DefaultNumber(5),
			),
			mcplib.WithArray("entities",
				mcplib.Description("Entity mentions in the memory (names, places, organizations)"),
				mcplib.WithStringItems(),
			),
			mcplib.WithArray("facts",
				mcplib.Description("Natural-language facts backing the summary"),
				mcplib.WithStringItems(),
			),
		),
		s.handleStore,
	)

	// mnemo_preferences — current likes/dislikes.
	s.mcpServer.AddTool(
		mcplib.NewTool("mnemo_preferences",
			mcplib.WithDescription(`List the user's current active preferences (likes and dislikes).

WHEN TO USE: Before making recommendations or suggestions, so they match
what the user has said they enjoy or avoid.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("entity",
				mcplib.Description("Optional: filter preferences by entity substring"),
			),
		),
		s.handlePreferences,
	)

	// mnemo_stats — store totals.
	s.mcpServer.AddTool(
		mcplib.NewTool("mnemo_stats",
			mcplib.WithDescription(`Memory store statistics: totals, active counts, tier distribution,
average importance, entity/preference/pending-contradiction counts.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleStats,
	)
}

func (s *Server) handleRetrieve(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}
	params := s.params
	params.K = request.GetInt("limit", params.K)

	results, err := s.retriever.Retrieve(ctx, query, params)
	if err != nil {
		return errorResult(fmt.Sprintf("retrieve failed: %v", err)), nil
	}

	compact := make([]map[string]any, len(results))
	for i, r := range results {
		compact[i] = compactMemory(r)
	}
	return jsonResult(map[string]any{
		"memories": compact,
		"total":    len(compact),
	})
}

func (s *Server) handleStore(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	summary := request.GetString("summary", "")
	if summary == "" {
		return errorResult("summary is required"), nil
	}

	proposal := model.MemoryProposal{
		ShouldWrite: true,
		Summary:     summary,
		Tier:        model.Tier(request.GetString("tier", string(model.TierObservedFact))),
		Confidence:  request.GetFloat("confidence", 0.8),
		Importance:  request.GetFloat("importance", 5),
		Entities:    request.GetStringSlice("entities", nil),
		Facts:       request.GetStringSlice("facts", nil),
	}

	res, err := s.store.InsertMemoryUnit(ctx, proposal)
	if err != nil {
		return errorResult(fmt.Sprintf("store failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"memory_id":         res.MemoryID,
		"superseded":        res.Superseded,
		"pending_conflicts": res.PendingConflicts,
	})
}

func (s *Server) handlePreferences(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	prefs, err := s.db.ListActivePreferences(ctx, request.GetString("entity", ""), "")
	if err != nil {
		return errorResult(fmt.Sprintf("preference lookup failed: %v", err)), nil
	}

	var likes, dislikes []string
	for _, p := range prefs {
		switch p.Valence {
		case model.ValencePositive:
			likes = append(likes, p.Entity)
		case model.ValenceNegative:
			dislikes = append(dislikes, p.Entity)
		}
	}
	return jsonResult(map[string]any{
		"likes":    likes,
		"dislikes": dislikes,
		"total":    len(prefs),
	})
}

func (s *Server) handleStats(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	stats, err := s.db.GetMemoryStats(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("stats failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"total_memories":         stats.TotalMemories,
		"active_memories":        stats.ActiveMemories,
		"by_tier":                stats.ByTier,
		"avg_importance":         stats.AvgImportance,
		"total_entities":         stats.TotalEntities,
		"total_preferences":      stats.TotalPreferences,
		"pending_contradictions": stats.PendingContradictions,
	})
}

func compactMemory(r retrieval.Result) map[string]any {
	m := r.Memory
	out := map[string]any{
		"id":         m.ID,
		"summary":    m.Summary,
		"tier":       m.Tier,
		"confidence": m.Confidence,
		"importance": m.CurrentImportance,
		"score":      r.CombinedScore,
	}
	if len(m.Facts) > 0 {
		out["facts"] = m.Facts
	}
	if len(r.ActivationSources) > 0 {
		out["activation_sources"] = r.ActivationSources
	}
	return out
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}
