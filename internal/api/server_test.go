package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"DPIHub/internal/capture"
	"DPIHub/internal/config"
	"DPIHub/internal/dpi"
	"DPIHub/internal/sched"
	"DPIHub/internal/session"

	"go.uber.org/zap"
)

type noopHandle struct{ done chan error }

func (h noopHandle) Done() <-chan error { return h.done }
func (h noopHandle) Kill() error        { close(h.done); return nil }

type noopSpawner struct{}

func (noopSpawner) Spawn(name string, args []string, logPath string) (capture.Handle, error) {
	return noopHandle{done: make(chan error)}, nil
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	log := zap.NewNop().Sugar()
	reg := session.NewRegistry(config.SessionsConfig{
		AccessTTL:     config.Duration(time.Hour),
		CompletedTTL:  config.Duration(2 * time.Hour),
		SweepInterval: config.Duration(30 * time.Minute),
	}, log)
	ctrl := capture.NewController(config.CaptureConfig{
		Tool:           "mmt-probe",
		ConfigPath:     "probe.conf",
		PCAPDir:        filepath.Join(dir, "pcaps"),
		ReportDir:      filepath.Join(dir, "reports"),
		LogDir:         filepath.Join(dir, "logs"),
		PCAPExtensions: []string{".pcap"},
	}, reg, noopSpawner{}, log)
	os.MkdirAll(filepath.Join(dir, "pcaps"), 0755)
	agg := dpi.NewAggregator(reg, log)

	schedCfg := config.SchedulerConfig{
		PollInterval:    config.Duration(time.Hour), // workers never fire in tests
		StalledInterval: config.Duration(30 * time.Second),
		MaxStalledCount: 1,
		CleanupInterval: config.Duration(time.Hour),
		RetentionHours:  24,
		Queues:          map[string]config.QueueConfig{},
	}
	for _, c := range sched.Classes {
		schedCfg.Queues[string(c)] = config.QueueConfig{Workers: 1, Attempts: 1, AvgDuration: config.Duration(30 * time.Second)}
	}
	sc := sched.New(schedCfg, nil, log)
	// The scheduler is never started here, so runners are inert.
	noop := sched.RunnerFunc(func(ctx context.Context, job *sched.Job, progress func(int)) ([]byte, error) {
		return nil, nil
	})
	for _, c := range sched.Classes {
		sc.Register(c, sched.NewMemoryStore(100, 50), noop)
	}
	return NewServer(reg, ctrl, agg, sc, nil, log), dir
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestStartOfflineEndpoint(t *testing.T) {
	s, dir := newTestServer(t)
	if err := os.WriteFile(filepath.Join(dir, "pcaps", "t.pcap"), []byte{1}, 0644); err != nil {
		t.Fatal(err)
	}

	rec := do(t, s, "POST", "/api/dpi/capture/offline", `{"pcapFile":"t.pcap","sessionId":"s1"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	// A second run while the first is active conflicts.
	rec = do(t, s, "POST", "/api/dpi/capture/offline", `{"pcapFile":"t.pcap","sessionId":"s2"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("concurrent start = %d, want 409", rec.Code)
	}
}

func TestStartOfflineMissingFileEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, "POST", "/api/dpi/capture/offline", `{"pcapFile":"nope.pcap"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestStartOfflineValidation(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, "POST", "/api/dpi/capture/offline", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty request = %d, want 400", rec.Code)
	}
	rec = do(t, s, "POST", "/api/dpi/capture/offline", `{broken`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("broken json = %d, want 400", rec.Code)
	}
}

func TestTrafficNotReadyIsRetryable(t *testing.T) {
	s, dir := newTestServer(t)
	if err := os.WriteFile(filepath.Join(dir, "pcaps", "t.pcap"), []byte{1}, 0644); err != nil {
		t.Fatal(err)
	}
	do(t, s, "POST", "/api/dpi/capture/offline", `{"pcapFile":"t.pcap","sessionId":"s1"}`)

	rec := do(t, s, "GET", "/api/dpi/sessions/s1/traffic", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var resp struct {
		Retryable bool `json:"retryable"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Retryable {
		t.Error("not-ready response should carry the retryable hint")
	}
}

func TestJobLifecycleEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, "POST", "/api/jobs/prediction", `{"modelId":"m1","featuresPath":"/f.csv"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("enqueue = %d, body %s", rec.Code, rec.Body)
	}
	var handle sched.Handle
	if err := json.Unmarshal(rec.Body.Bytes(), &handle); err != nil {
		t.Fatal(err)
	}
	// First in line on an idle queue: nothing ahead, so no wait.
	if handle.ID == "" || handle.EstimatedWaitSeconds != 0 {
		t.Errorf("handle = %+v", handle)
	}

	rec = do(t, s, "GET", "/api/jobs/prediction/"+handle.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status fetch = %d", rec.Code)
	}
	var status struct {
		State    string `json:"state"`
		Position int    `json:"position"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.State != "waiting" || status.Position != 0 {
		t.Errorf("job status = %+v", status)
	}

	rec = do(t, s, "DELETE", "/api/jobs/prediction/"+handle.ID, "")
	if rec.Code != http.StatusOK {
		t.Errorf("cancel = %d", rec.Code)
	}
	rec = do(t, s, "GET", "/api/jobs/prediction/"+handle.ID, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status after cancel = %d, want 404", rec.Code)
	}
}

func TestUnknownJobClass(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, "POST", "/api/jobs/espresso", `{}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestSessionStatsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, "GET", "/api/sessions/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var stats map[string]session.ModuleStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if _, ok := stats["capture"]; !ok {
		t.Errorf("stats missing capture module: %v", stats)
	}
}

func TestJobStatsIncludesWorkersAndTotals(t *testing.T) {
	s, _ := newTestServer(t)
	if _, err := s.sched.Enqueue(context.Background(), sched.ClassPrediction, []byte(`{}`), 0); err != nil {
		t.Fatal(err)
	}

	rec := do(t, s, "GET", "/api/jobs/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var stats map[string]sched.Counts
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	pred, ok := stats["prediction"]
	if !ok {
		t.Fatalf("stats missing prediction queue: %v", stats)
	}
	if pred.Workers == 0 {
		t.Error("prediction stats missing the worker count")
	}
	total, ok := stats["total"]
	if !ok {
		t.Fatalf("stats missing totals entry: %v", stats)
	}
	if total.Waiting != 1 {
		t.Errorf("total waiting = %d, want 1", total.Waiting)
	}
}

func TestGetSessionUnknownModule(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, "GET", "/api/sessions/telemetry/s1", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
