package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/systemctl-mqtt/internal/bridge"
	"github.com/nerrad567/systemctl-mqtt/internal/history"
	"github.com/nerrad567/systemctl-mqtt/internal/systemd"
)

// ExecuteResponse is returned after an action ran.
type ExecuteResponse struct {
	Action string `json:"action"`
	Status string `json:"status"`
}

// handleListActions returns the action catalogue.
func (s *Server) handleListActions(w http.ResponseWriter, _ *http.Request) {
	actions := s.bridge.Actions()
	writeJSON(w, http.StatusOK, map[string]any{
		"actions": actions,
		"count":   len(actions),
	})
}

// handleExecuteAction runs the action named by the rest of the path and
// waits for it to finish.
func (s *Server) handleExecuteAction(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	if name == "" {
		writeBadRequest(w, "action name is required")
		return
	}

	err := s.bridge.ExecuteAction(r.Context(), name)
	switch {
	case err == nil:
		s.logger.Info("action executed via API", "action", name,
			"request_id", r.Context().Value(ctxKeyRequestID))
		writeJSON(w, http.StatusOK, ExecuteResponse{Action: name, Status: bridge.StatusCompleted})
	case errors.Is(err, bridge.ErrUnknownAction):
		writeNotFound(w, "unknown action: "+name)
	case errors.Is(err, bridge.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "bridge is stopping")
	case errors.Is(err, systemd.ErrUnauthorized), errors.Is(err, systemd.ErrAccessDenied):
		writeError(w, http.StatusForbidden, ErrCodeForbidden, err.Error())
	default:
		writeError(w, http.StatusBadGateway, ErrCodeActionFailed, err.Error())
	}
}

// handleListHistory returns recorded actions.
//
// Query parameters:
//   - action: filter by action name
//   - status: completed or failed
//   - source: mqtt or api
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "action history is disabled")
		return
	}

	q := r.URL.Query()
	filter := history.Filter{
		Action: q.Get("action"),
		Status: q.Get("status"),
		Source: q.Get("source"),
	}

	for key, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "invalid "+key+": "+v)
			return
		}
		*dst = n
	}

	result, err := s.history.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list action history", "error", err)
		writeInternalError(w, "failed to list action history")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
