// Package api exposes the context engine over HTTP and MCP. All profile
// reads and writes go through the engine facade; handlers never touch
// storage directly except for conversation ingestion.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/attune-app/attuned/internal/confirm"
	"github.com/attune-app/attuned/internal/engine"
	"github.com/attune-app/attuned/internal/profile"
	"github.com/attune-app/attuned/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// AppDeps holds the API's dependencies.
type AppDeps struct {
	Engine *engine.Engine
	Token  string
}

// NewAppHandler returns the management REST API.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Route("/profile/{userID}", func(r chi.Router) {
			r.Get("/", handleGetProfile(deps))
			r.Patch("/", handleUpdateField(deps))
			r.Delete("/", handleDeleteProfile(deps))
			r.Get("/summary", handleGetSummary(deps))

			r.Post("/values", handleAddValue(deps))
			r.Patch("/values/{id}", handleUpdateValue(deps))
			r.Delete("/values/{id}", handleDeleteValue(deps))

			r.Post("/goals", handleAddGoal(deps))
			r.Patch("/goals/{id}", handleUpdateGoal(deps))
			r.Patch("/goals/{id}/status", handleSetGoalStatus(deps))
			r.Delete("/goals/{id}", handleDeleteGoal(deps))

			r.Patch("/situation", handleUpdateSituation(deps))
			r.Patch("/discovery/{key}", handleSetDiscovery(deps))

			r.Put("/style/override", handleSetStyleOverride(deps))
			r.Delete("/style/override", handleClearStyleOverride(deps))

			r.Get("/insights", handleListInsights(deps))
			r.Post("/insights/dismiss-all", handleDismissAllInsights(deps))
			r.Post("/insights/{id}/confirm", handleConfirmInsight(deps))
			r.Post("/insights/{id}/dismiss", handleDismissInsight(deps))

			r.Get("/patterns", handleListPatterns(deps))
			r.Post("/patterns/{id}/dismiss", handleDismissPattern(deps))
		})

		r.Post("/conversations/{sessionID}/turns", handleAppendTurns(deps))
		r.Post("/import", handleImport(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// engineError maps facade failures to HTTP responses. Validation problems
// are the client's fault; anything else is reported with the facade's
// failure kind as a stable error type.
func engineError(w http.ResponseWriter, err error) {
	if errors.Is(err, confirm.ErrValidation) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
		return
	}

	status := http.StatusInternalServerError
	errType := "api_error"
	switch engine.KindOf(err) {
	case engine.KindFetchFailed:
		errType = string(engine.KindFetchFailed)
		status = http.StatusBadGateway
	case engine.KindSaveFailed:
		errType = string(engine.KindSaveFailed)
	case engine.KindInsightDismissFailed:
		errType = string(engine.KindInsightDismissFailed)
	case engine.KindStyleOverrideFailed:
		errType = string(engine.KindStyleOverrideFailed)
	}
	httpError(w, status, errType, "%v", err)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// --- Profile ---

func handleGetProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Engine.LoadProfile(r.Context(), chi.URLParam(r, "userID"))
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, p)
	}
}

// handleUpdateField writes one profile location addressed by a tagged
// field reference. Malformed refs are rejected while decoding.
func handleUpdateField(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Field profile.FieldRef `json:"field"`
			Text  string           `json:"text"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		p, err := deps.Engine.UpdateField(r.Context(), chi.URLParam(r, "userID"), req.Field, req.Text)
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, p)
	}
}

func handleGetSummary(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Engine.LoadProfile(r.Context(), chi.URLParam(r, "userID"))
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, map[string]string{"summary": p.Summary()})
	}
}

func handleDeleteProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Engine.DeleteUser(r.Context(), chi.URLParam(r, "userID")); err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

// --- Values ---

type contentRequest struct {
	Content string `json:"content"`
}

func handleAddValue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req contentRequest
		if !decodeBody(w, r, &req) {
			return
		}
		p, err := deps.Engine.AddValue(r.Context(), chi.URLParam(r, "userID"), req.Content)
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, p)
	}
}

func handleUpdateValue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req contentRequest
		if !decodeBody(w, r, &req) {
			return
		}
		p, err := deps.Engine.UpdateValue(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "id"), req.Content)
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, p)
	}
}

func handleDeleteValue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Engine.DeleteValue(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "id"))
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, p)
	}
}

// --- Goals ---

func handleAddGoal(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req contentRequest
		if !decodeBody(w, r, &req) {
			return
		}
		p, err := deps.Engine.AddGoal(r.Context(), chi.URLParam(r, "userID"), req.Content)
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, p)
	}
}

func handleUpdateGoal(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req contentRequest
		if !decodeBody(w, r, &req) {
			return
		}
		p, err := deps.Engine.UpdateGoal(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "id"), req.Content)
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, p)
	}
}

func handleSetGoalStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Status profile.GoalStatus `json:"status"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		p, err := deps.Engine.SetGoalStatus(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "id"), req.Status)
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, p)
	}
}

func handleDeleteGoal(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Engine.DeleteGoal(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "id"))
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, p)
	}
}

// --- Situation and discovery ---

func handleUpdateSituation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req profile.Situation
		if !decodeBody(w, r, &req) {
			return
		}
		p, err := deps.Engine.UpdateSituation(r.Context(), chi.URLParam(r, "userID"), req)
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, p)
	}
}

func handleSetDiscovery(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := profile.DiscoveryKey(chi.URLParam(r, "key"))
		if !profile.ValidDiscoveryKey(key) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown discovery field %q", key)
			return
		}
		var req struct {
			Text string `json:"text"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		p, err := deps.Engine.SetDiscoveryField(r.Context(), chi.URLParam(r, "userID"), key, req.Text)
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, p)
	}
}

// --- Coaching style ---

func handleSetStyleOverride(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Style string `json:"style"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		p, err := deps.Engine.SetStyleOverride(r.Context(), chi.URLParam(r, "userID"), req.Style)
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, p)
	}
}

func handleClearStyleOverride(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Engine.ClearStyleOverride(r.Context(), chi.URLParam(r, "userID"))
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, p)
	}
}

// --- Insights ---

func handleListInsights(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		insights, err := deps.Engine.PendingInsights(r.Context(), chi.URLParam(r, "userID"))
		if err != nil {
			engineError(w, err)
			return
		}
		if insights == nil {
			insights = []storage.PendingInsight{}
		}
		writeJSON(w, insights)
	}
}

func handleConfirmInsight(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Engine.ConfirmInsight(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "id"))
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, p)
	}
}

func handleDismissInsight(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Engine.DismissInsight(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "id"))
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, p)
	}
}

func handleDismissAllInsights(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Engine.DismissAllInsights(r.Context(), chi.URLParam(r, "userID")); err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "cleared"})
	}
}

// --- Patterns ---

func handleListPatterns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Engine.LoadProfile(r.Context(), chi.URLParam(r, "userID"))
		if err != nil {
			engineError(w, err)
			return
		}
		patterns := p.Coaching.InferredPatterns
		if patterns == nil {
			patterns = []profile.InferredPattern{}
		}
		writeJSON(w, patterns)
	}
}

func handleDismissPattern(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Engine.DismissPattern(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "id"))
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, p)
	}
}

// --- Conversation ingestion ---

type turnRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type appendTurnsRequest struct {
	UserID string        `json:"user_id"`
	Domain string        `json:"domain"`
	Turns  []turnRequest `json:"turns"`
}

func handleAppendTurns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req appendTurnsRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.UserID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}
		if len(req.Turns) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "turns is required and must not be empty")
			return
		}

		sessionID := chi.URLParam(r, "sessionID")
		now := time.Now().UTC()
		turns := make([]storage.Turn, 0, len(req.Turns))
		for _, t := range req.Turns {
			if t.Role != storage.RoleUser && t.Role != storage.RoleAssistant {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid role %q", t.Role)
				return
			}
			turns = append(turns, storage.Turn{
				ID:        uuid.NewString(),
				SessionID: sessionID,
				UserID:    req.UserID,
				Role:      t.Role,
				Content:   t.Content,
				CreatedAt: now,
			})
		}

		sess, err := deps.Engine.OnNewTurns(r.Context(), sessionID, req.UserID, req.Domain, turns)
		if err != nil {
			engineError(w, err)
			return
		}

		writeJSON(w, map[string]any{
			"session_id": sess.ID,
			"last_seq":   sess.LastSeq,
		})
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
