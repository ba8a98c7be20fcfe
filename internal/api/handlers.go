package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"transferd/internal/engine"
	xerrors "transferd/internal/errors"
	"transferd/internal/progress"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatsResponse is served at /api/v1/stats
type StatsResponse struct {
	ServerID           string         `json:"server_id"`
	Uptime             string         `json:"uptime"`
	ActiveTransfers    int64          `json:"active_transfers"`
	CompletedTransfers int64          `json:"completed_transfers"`
	FailedTransfers    int64          `json:"failed_transfers"`
	BytesTransferred   int64          `json:"bytes_transferred"`
	CurrentSpeed       string         `json:"current_speed"`
	AverageSpeed       string         `json:"average_speed"`
	Inflight           map[string]int `json:"inflight"`
	LiveHandles        int            `json:"live_handles"`
}

// POST /api/v1/tasks
func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, xerrors.Validation("invalid request body: %v", err))
		return
	}

	id, err := s.service.CreateTask(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// GET /api/v1/tasks/{id}
func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.service.GetTaskStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// POST /api/v1/tasks/{id}/cancel
func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.service.CancelTask(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	t, err := s.service.GetTaskStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"server_id": s.serverID,
	})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	status := s.metrics.GetProgressTracker().GetStatus()
	resp := StatsResponse{
		ServerID:           s.serverID,
		Uptime:             time.Since(s.started).Round(time.Second).String(),
		ActiveTransfers:    status.ActiveTransfers,
		CompletedTransfers: status.CompletedTransfers,
		FailedTransfers:    status.FailedTransfers,
		BytesTransferred:   status.BytesTransferred,
		CurrentSpeed:       progress.FormatSpeed(status.CurrentSpeed),
		AverageSpeed:       progress.FormatSpeed(status.AverageSpeed),
		Inflight:           map[string]int{},
	}
	if s.pools != nil {
		for protocol, n := range s.pools.Inflight() {
			resp.Inflight[string(protocol)] = n
		}
	}
	if s.handles != nil {
		resp.LiveHandles = s.handles.LiveHandles()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]errorBody{
		"error": {Code: string(code), Message: err.Error()},
	})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
