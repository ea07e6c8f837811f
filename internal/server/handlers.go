package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"conclave/internal/logging"
	"conclave/internal/pipeline"
	"conclave/internal/provider"

	"github.com/gorilla/websocket"
)

// maxRequestBodySize limits incoming request bodies (1MB).
const maxRequestBodySize = 1 << 20

// StartRunRequest is the body of POST /v1/runs.
type StartRunRequest struct {
	ConversationID string             `json:"conversation_id"`
	Message        string             `json:"message"`
	Mode           string             `json:"mode,omitempty"`
	History        []provider.Message `json:"history,omitempty"`
}

// StartRunResponse reports the run serving the request.
type StartRunResponse struct {
	RunID string `json:"run_id"`
	Role  string `json:"role"` // leader, follower
}

// Handlers holds the HTTP handler methods.
type Handlers struct {
	ctrl     *pipeline.Controller
	history  RunHistory
	usage    UsageReporter
	server   *Server
	upgrader websocket.Upgrader
}

// HandleStartRun handles POST /v1/runs.
func (h *Handlers) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	if err != nil {
		WriteError(w, fmt.Errorf("failed to read request body: %w", ErrInvalidInput))
		return
	}
	if len(body) > maxRequestBodySize {
		WriteError(w, fmt.Errorf("request body too large (max %d bytes): %w", maxRequestBodySize, ErrInvalidInput))
		return
	}

	var req StartRunRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteError(w, fmt.Errorf("invalid JSON: %w", ErrInvalidInput))
		return
	}
	if req.Message == "" {
		WriteError(w, fmt.Errorf("message is required: %w", ErrInvalidInput))
		return
	}
	var mode pipeline.Mode // empty: the policy default
	if req.Mode != "" {
		if mode, err = pipeline.ParseMode(req.Mode); err != nil {
			WriteError(w, fmt.Errorf("%v: %w", err, ErrInvalidInput))
			return
		}
	}

	handle, err := h.ctrl.StartRun(r.Context(), pipeline.Request{
		ConversationID: req.ConversationID,
		Message:        req.Message,
		Mode:           mode,
		History:        req.History,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	logging.ServerDebug("POST /v1/runs -> %s (%s)", handle.RunID(), handle.Role())
	writeJSON(w, http.StatusAccepted, StartRunResponse{RunID: handle.RunID(), Role: handle.Role().String()})
}

// HandleGetRun handles GET /v1/runs/{id}. Runs the controller has already
// forgotten are served from history.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := h.ctrl.Snapshot(id)
	if errors.Is(err, pipeline.ErrUnknownRun) && h.history != nil {
		run, err = h.history.GetRun(r.Context(), id)
	}
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// HandleListRuns handles GET /v1/runs?limit=N.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusOK, []pipeline.Run{})
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteError(w, fmt.Errorf("limit must be a positive integer: %w", ErrInvalidInput))
			return
		}
		limit = n
	}
	runs, err := h.history.ListRuns(r.Context(), limit)
	if err != nil {
		WriteError(w, err)
		return
	}
	if runs == nil {
		runs = []pipeline.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// HandleCancelRun handles DELETE /v1/runs/{id}.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.ctrl.CancelRun(id); err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "cancelling"})
}

// HandleResumeRun handles POST /v1/runs/{id}/resume.
func (h *Handlers) HandleResumeRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.ctrl.ResumeRun(id); err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "resumed"})
}

// HandleUsage handles GET /v1/usage.
func (h *Handlers) HandleUsage(w http.ResponseWriter, r *http.Request) {
	if h.usage == nil {
		writeJSON(w, http.StatusNotFound, ErrorDTO{Code: "usage_disabled", Message: "usage tracking is disabled"})
		return
	}
	writeJSON(w, http.StatusOK, h.usage.Stats())
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"coalesce": h.ctrl.CoalesceStats(),
	})
}
