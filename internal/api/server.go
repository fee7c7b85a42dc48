package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"DPIHub/internal/capture"
	"DPIHub/internal/dpi"
	"DPIHub/internal/model"
	"DPIHub/internal/sched"
	"DPIHub/internal/session"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// SnapshotWriter persists a session's traffic view to long-term storage.
type SnapshotWriter interface {
	WriteSnapshot(ctx context.Context, sessionID string, view *model.TrafficView) error
}

// Server holds the HTTP handlers' dependencies.
type Server struct {
	reg    *session.Registry
	ctrl   *capture.Controller
	agg    *dpi.Aggregator
	sched  *sched.Scheduler
	writer SnapshotWriter
	log    *zap.SugaredLogger
}

// NewServer wires the API surface. writer may be nil when snapshot storage
// is disabled.
func NewServer(reg *session.Registry, ctrl *capture.Controller, agg *dpi.Aggregator, s *sched.Scheduler, writer SnapshotWriter, log *zap.SugaredLogger) *Server {
	return &Server{reg: reg, ctrl: ctrl, agg: agg, sched: s, writer: writer, log: log}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/dpi/interfaces", s.listInterfaces).Methods("GET")
	api.HandleFunc("/dpi/capture/offline", s.startOffline).Methods("POST")
	api.HandleFunc("/dpi/capture/online", s.startOnline).Methods("POST")
	api.HandleFunc("/dpi/capture/stop", s.stopCapture).Methods("POST")
	api.HandleFunc("/dpi/capture/status", s.captureStatus).Methods("GET")
	api.HandleFunc("/dpi/sessions/{id}/traffic", s.sessionTraffic).Methods("GET")
	api.HandleFunc("/dpi/sessions/{id}/persist", s.persistSession).Methods("POST")
	api.HandleFunc("/dpi/sessions/{id}", s.getCaptureSession).Methods("GET")
	api.HandleFunc("/dpi/sessions/{id}", s.deleteCaptureSession).Methods("DELETE")

	api.HandleFunc("/sessions/stats", s.sessionStats).Methods("GET")
	api.HandleFunc("/sessions/{module}/{id}", s.getSession).Methods("GET")

	api.HandleFunc("/jobs/stats", s.jobStats).Methods("GET")
	api.HandleFunc("/jobs/{class}", s.enqueueJob).Methods("POST")
	api.HandleFunc("/jobs/{class}/{id}", s.jobStatus).Methods("GET")
	api.HandleFunc("/jobs/{class}/{id}", s.cancelJob).Methods("DELETE")
	return r
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses. ErrNotReady gets
// a retryable hint so pollers know to try again rather than give up.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotReady):
		status = http.StatusNotFound
		resp.Retryable = true
	case errors.Is(err, model.ErrNotFound),
		errors.Is(err, model.ErrInputNotFound),
		errors.Is(err, model.ErrInterfaceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrDuplicateSession),
		errors.Is(err, model.ErrLockHeld),
		errors.Is(err, sched.ErrActiveJob):
		status = http.StatusConflict
	case errors.Is(err, model.ErrInvalidPayload):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, model.ErrStopFailed):
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		s.log.Errorw("request failed", "error", err)
	}
	writeJSON(w, status, resp)
}
