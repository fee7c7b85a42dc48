package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"DPIHub/internal/capture"
	"DPIHub/internal/model"
	"DPIHub/internal/sched"

	"github.com/gorilla/mux"
)

func (s *Server) listInterfaces(w http.ResponseWriter, r *http.Request) {
	devs, err := capture.ListInterfaces()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"interfaces": devs})
}

type offlineCaptureRequest struct {
	PCAPFile  string `json:"pcapFile"`
	SessionID string `json:"sessionId"`
}

func (s *Server) startOffline(w http.ResponseWriter, r *http.Request) {
	var req offlineCaptureRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.PCAPFile == "" {
		s.writeError(w, fmt.Errorf("pcapFile is required: %w", model.ErrInvalidPayload))
		return
	}
	sess, _, err := s.ctrl.StartOffline(req.PCAPFile, req.SessionID, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

type onlineCaptureRequest struct {
	Interface string `json:"interface"`
	SessionID string `json:"sessionId"`
}

func (s *Server) startOnline(w http.ResponseWriter, r *http.Request) {
	var req onlineCaptureRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Interface == "" {
		s.writeError(w, fmt.Errorf("interface is required: %w", model.ErrInvalidPayload))
		return
	}
	sess, err := s.ctrl.StartOnline(req.Interface, req.SessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

func (s *Server) stopCapture(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Stop(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) captureStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) sessionTraffic(w http.ResponseWriter, r *http.Request) {
	view, err := s.agg.Poll(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) persistSession(w http.ResponseWriter, r *http.Request) {
	if s.writer == nil {
		s.writeError(w, fmt.Errorf("snapshot storage is disabled: %w", model.ErrNotFound))
		return
	}
	id := mux.Vars(r)["id"]
	view, err := s.agg.Poll(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.writer.WriteSnapshot(r.Context(), id, view); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "persisted"})
}

func (s *Server) getCaptureSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.reg.Get(model.ModuleCapture, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) deleteCaptureSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.reg.Delete(model.ModuleCapture, id) {
		s.writeError(w, fmt.Errorf("session %q: %w", id, model.ErrNotFound))
		return
	}
	s.agg.Forget(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) sessionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Stats())
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	module := model.ModuleType(vars["module"])
	known := false
	for _, m := range model.ModuleTypes {
		if m == module {
			known = true
			break
		}
	}
	if !known {
		s.writeError(w, fmt.Errorf("unknown module %q: %w", vars["module"], model.ErrNotFound))
		return
	}
	sess, err := s.reg.Get(module, vars["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) jobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.sched.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make(map[string]sched.Counts, len(stats)+1)
	var total sched.Counts
	for class, c := range stats {
		out[string(class)] = c
		total.Waiting += c.Waiting
		total.Delayed += c.Delayed
		total.Active += c.Active
		total.Completed += c.Completed
		total.Failed += c.Failed
	}
	out["total"] = total
	writeJSON(w, http.StatusOK, out)
}

// enqueueJob accepts the class payload as the request body, verbatim. The
// scheduler never inspects it; the class runner validates it when the job
// starts.
func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request) {
	class, err := sched.ParseClass(mux.Vars(r)["class"])
	if err != nil {
		s.writeError(w, fmt.Errorf("%v: %w", err, model.ErrNotFound))
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, fmt.Errorf("failed to read request body: %w", model.ErrInvalidPayload))
		return
	}
	if len(body) == 0 {
		body = []byte(`{}`)
	}
	if !json.Valid(body) {
		s.writeError(w, fmt.Errorf("request body is not valid JSON: %w", model.ErrInvalidPayload))
		return
	}
	priority := 0
	if p := r.URL.Query().Get("priority"); p != "" {
		priority, err = strconv.Atoi(p)
		if err != nil {
			s.writeError(w, fmt.Errorf("invalid priority %q: %w", p, model.ErrInvalidPayload))
			return
		}
	}
	handle, err := s.sched.Enqueue(r.Context(), class, body, priority)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, handle)
}

type jobStatusResponse struct {
	*sched.Job
	Position int `json:"position"`
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	class, err := sched.ParseClass(vars["class"])
	if err != nil {
		s.writeError(w, fmt.Errorf("%v: %w", err, model.ErrNotFound))
		return
	}
	job, pos, err := s.sched.Status(r.Context(), class, vars["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobStatusResponse{Job: job, Position: pos})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	class, err := sched.ParseClass(vars["class"])
	if err != nil {
		s.writeError(w, fmt.Errorf("%v: %w", err, model.ErrNotFound))
		return
	}
	if err := s.sched.Cancel(r.Context(), class, vars["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode request body: %v: %w", err, model.ErrInvalidPayload)
	}
	return nil
}
