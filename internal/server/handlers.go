package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mnemo-ai/mnemo/internal/contradiction"
	"github.com/mnemo-ai/mnemo/internal/decay"
	"github.com/mnemo-ai/mnemo/internal/model"
	"github.com/mnemo-ai/mnemo/internal/orchestrator"
	"github.com/mnemo-ai/mnemo/internal/storage"
)

const defaultListLimit = 200

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db           *storage.DB
	orchestrator *orchestrator.Orchestrator
	decaySvc     *decay.Service
	logger       *slog.Logger
	version      string
	maxBodyBytes int64
	startedAt    time.Time
}

// HandlersDeps wires a Handlers.
type HandlersDeps struct {
	DB           *storage.DB
	Orchestrator *orchestrator.Orchestrator
	DecaySvc     *decay.Service
	Logger       *slog.Logger
	Version      string
	MaxBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		db:           deps.DB,
		orchestrator: deps.Orchestrator,
		decaySvc:     deps.DecaySvc,
		logger:       deps.Logger,
		version:      deps.Version,
		maxBodyBytes: deps.MaxBodyBytes,
		startedAt:    time.Now(),
	}
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
}

// HandleChat handles POST /chat: runs one turn and streams the response as
// Server-Sent Events. Errors before headers flush return HTTP 500 JSON;
// errors after headers are sent as a single `error` event followed by
// stream close.
func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req, h.maxBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "message is required")
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.New().String()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, errCodeInternal, "streaming unsupported")
		return
	}

	headersSent := false
	sendEvent := func(payload any) error {
		if !headersSent {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			headersSent = true
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	_, err := h.orchestrator.Turn(r.Context(), req.ConversationID, req.Message, func(chunk string) error {
		return sendEvent(map[string]string{"chunk": chunk})
	})
	if err != nil {
		if !headersSent {
			switch {
			case errors.Is(err, orchestrator.ErrInput):
				writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "invalid message")
			default:
				h.writeInternalError(w, r, "turn failed", err)
			}
			return
		}
		h.logger.Error("chat turn failed mid-stream", "error", err,
			"request_id", RequestIDFromContext(r.Context()))
		_ = sendEvent(map[string]string{"error": "response generation failed"})
		return
	}

	_ = sendEvent(map[string]bool{"done": true})
}

// HandleListMemories handles GET /memories?inactive=true|false&tier=.
func (h *Handlers) HandleListMemories(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("inactive") == "true"
	limit := queryInt(r, "limit", defaultListLimit)

	var memories []model.Memory
	var err error
	if tier := r.URL.Query().Get("tier"); tier != "" {
		if _, ok := model.Bounds[model.Tier(tier)]; !ok {
			writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "invalid tier")
			return
		}
		memories, err = h.db.ListMemoriesByTier(r.Context(), model.Tier(tier), limit)
	} else {
		memories, err = h.db.ListMemories(r.Context(), !includeInactive, limit)
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to list memories", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"memories": memories,
		"total":    len(memories),
	})
}

// HandleStats handles GET /stats.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.db.GetMemoryStats(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to compute stats", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"total_memories":         stats.TotalMemories,
		"active_memories":        stats.ActiveMemories,
		"by_tier":                stats.ByTier,
		"avg_importance":         stats.AvgImportance,
		"total_entities":         stats.TotalEntities,
		"confirmed_entities":     stats.ConfirmedEntities,
		"total_preferences":      stats.TotalPreferences,
		"total_relations":        stats.TotalRelations,
		"pending_contradictions": stats.PendingContradictions,
	})
}

// HandleListPreferences handles GET /preferences?entity=&valence=.
func (h *Handlers) HandleListPreferences(w http.ResponseWriter, r *http.Request) {
	valence := model.Valence(r.URL.Query().Get("valence"))
	switch valence {
	case "", model.ValencePositive, model.ValenceNegative, model.ValenceNeutral:
	default:
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "invalid valence")
		return
	}
	prefs, err := h.db.ListActivePreferences(r.Context(), r.URL.Query().Get("entity"), valence)
	if err != nil {
		h.writeInternalError(w, r, "failed to list preferences", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"preferences": prefs,
		"total":       len(prefs),
	})
}

// HandleListEntities handles GET /entities.
func (h *Handlers) HandleListEntities(w http.ResponseWriter, r *http.Request) {
	entities, err := h.db.ListEntities(r.Context(), queryInt(r, "limit", defaultListLimit))
	if err != nil {
		h.writeInternalError(w, r, "failed to list entities", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"entities": entities,
		"total":    len(entities),
	})
}

// HandleEntityMemories handles GET /entities/{id}/memories.
func (h *Handlers) HandleEntityMemories(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, err.Error())
		return
	}
	entity, err := h.db.GetEntity(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, errCodeNotFound, "entity not found")
			return
		}
		h.writeInternalError(w, r, "failed to get entity", err)
		return
	}
	memories, err := h.db.GetMemoriesByIDs(r.Context(), entity.MemoryIDs)
	if err != nil {
		h.writeInternalError(w, r, "failed to load entity memories", err)
		return
	}
	out := make([]model.Memory, 0, len(memories))
	for _, id := range entity.MemoryIDs {
		if m, ok := memories[id]; ok {
			out = append(out, m)
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"entity":   entity,
		"memories": out,
	})
}

// HandleConfirmEntity handles POST /entities/{id}/confirm.
func (h *Handlers) HandleConfirmEntity(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, err.Error())
		return
	}
	if err := h.db.ConfirmEntity(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, errCodeNotFound, "entity not found")
			return
		}
		h.writeInternalError(w, r, "failed to confirm entity", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"confirmed": true})
}

type mergeEntitiesRequest struct {
	SourceID string `json:"source_id"`
}

// HandleMergeEntities handles POST /entities/{id}/merge: unions the
// source entity's aliases and memory ids into the target and deletes the
// source, atomically.
func (h *Handlers) HandleMergeEntities(w http.ResponseWriter, r *http.Request) {
	targetID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, err.Error())
		return
	}
	var req mergeEntitiesRequest
	if err := decodeJSON(r, &req, h.maxBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "invalid request body")
		return
	}
	sourceID, err := uuid.Parse(req.SourceID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "invalid source_id")
		return
	}
	if sourceID == targetID {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "source and target are the same entity")
		return
	}

	tx, err := h.db.Begin(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to merge entities", err)
		return
	}
	defer func() { _ = tx.Rollback(r.Context()) }()
	if err := storage.MergeEntitiesTx(r.Context(), tx, sourceID, targetID); err != nil {
		h.writeInternalError(w, r, "failed to merge entities", err)
		return
	}
	if err := tx.Commit(r.Context()); err != nil {
		h.writeInternalError(w, r, "failed to merge entities", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"merged": true, "target_id": targetID})
}

// HandleMemoryRelations handles GET /memories/{id}/relations.
func (h *Handlers) HandleMemoryRelations(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, err.Error())
		return
	}
	relations, err := h.db.GetRelationsForMemory(r.Context(), id)
	if err != nil {
		h.writeInternalError(w, r, "failed to list relations", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"relations": relations,
		"total":     len(relations),
	})
}

type upsertRelationRequest struct {
	TargetID      string  `json:"target_id"`
	RelationType  string  `json:"relation_type"`
	Weight        float64 `json:"weight"`
	Bidirectional bool    `json:"bidirectional"`
}

// HandleUpsertRelation handles POST /memories/{id}/relations: the
// operator-facing write counterpart to the auto-discovery heuristic.
func (h *Handlers) HandleUpsertRelation(w http.ResponseWriter, r *http.Request) {
	sourceID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, err.Error())
		return
	}
	var req upsertRelationRequest
	if err := decodeJSON(r, &req, h.maxBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "invalid request body")
		return
	}
	targetID, err := uuid.Parse(req.TargetID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "invalid target_id")
		return
	}
	if req.Weight < 0 || req.Weight > 1 {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "weight must be in [0,1]")
		return
	}
	if req.RelationType == "" {
		req.RelationType = "related_to"
	}

	tx, err := h.db.Begin(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to upsert relation", err)
		return
	}
	defer func() { _ = tx.Rollback(r.Context()) }()
	rel := model.Relation{
		SourceID:      sourceID,
		TargetID:      targetID,
		RelationType:  req.RelationType,
		Weight:        req.Weight,
		Bidirectional: req.Bidirectional,
		CreatedAt:     time.Now().UTC(),
	}
	if err := storage.UpsertRelationTx(r.Context(), tx, rel); err != nil {
		h.writeInternalError(w, r, "failed to upsert relation", err)
		return
	}
	if err := tx.Commit(r.Context()); err != nil {
		h.writeInternalError(w, r, "failed to upsert relation", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, rel)
}

// HandleListContradictions handles GET /contradictions (pending only).
func (h *Handlers) HandleListContradictions(w http.ResponseWriter, r *http.Request) {
	pending, err := h.db.ListPendingContradictions(r.Context(), queryInt(r, "limit", defaultListLimit))
	if err != nil {
		h.writeInternalError(w, r, "failed to list contradictions", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"contradictions": pending,
		"total":          len(pending),
	})
}

type resolveContradictionRequest struct {
	Resolution string `json:"resolution"`
	Note       string `json:"note"`
}

var manualResolutions = map[model.ResolutionKind]bool{
	model.ResolutionASupersedes:  true,
	model.ResolutionBSupersedes:  true,
	model.ResolutionCoexist:      true,
	model.ResolutionMerged:       true,
	model.ResolutionUserResolved: true,
}

// HandleResolveContradiction handles POST /contradictions/{id}/resolve.
func (h *Handlers) HandleResolveContradiction(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, err.Error())
		return
	}
	var req resolveContradictionRequest
	if err := decodeJSON(r, &req, h.maxBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "invalid request body")
		return
	}
	resolution := model.ResolutionKind(req.Resolution)
	if !manualResolutions[resolution] {
		writeError(w, r, http.StatusBadRequest, errCodeInvalidInput, "invalid resolution")
		return
	}

	if err := contradiction.ManualResolve(r.Context(), h.db, id, resolution, req.Note); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, errCodeNotFound, "contradiction not found")
			return
		}
		h.writeInternalError(w, r, "failed to resolve contradiction", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"resolved":   true,
		"resolution": resolution,
	})
}

// HandleRunDecay handles POST /decay/run: a manual sweep trigger.
func (h *Handlers) HandleRunDecay(w http.ResponseWriter, r *http.Request) {
	updated, err := h.decaySvc.RunSweep(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "decay sweep failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]int{"updated": updated})
}

// HandleHealthz handles GET /healthz (liveness: the process is up).
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.version,
		"uptime":  int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleReadyz handles GET /readyz (readiness: dependencies reachable).
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, errCodeInternal, "database unreachable")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

func pathUUID(r *http.Request, key string) (uuid.UUID, error) {
	raw := r.PathValue(key)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", key, raw)
	}
	return id, nil
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultVal
}
