package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"DPIHub/internal/capture"
	"DPIHub/internal/config"
	"DPIHub/internal/model"
	"DPIHub/internal/sched"
	"DPIHub/internal/session"

	"go.uber.org/zap"
)

type instantHandle struct{ done chan error }

func (h instantHandle) Done() <-chan error { return h.done }
func (h instantHandle) Kill() error        { return nil }

// instantSpawner pretends every capture process succeeds immediately.
type instantSpawner struct{}

func (instantSpawner) Spawn(name string, args []string, logPath string) (capture.Handle, error) {
	h := instantHandle{done: make(chan error)}
	close(h.done)
	return h, nil
}

func newTestRunners(t *testing.T) (*Runners, *session.Registry, string) {
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
	}, reg, instantSpawner{}, log)
	os.MkdirAll(filepath.Join(dir, "pcaps"), 0755)

	scripts := filepath.Join(dir, "scripts")
	os.MkdirAll(scripts, 0755)
	script := NewScriptRunner(config.RuntimeConfig{PythonCmd: "sh", ScriptDir: scripts}, log)
	return New(ctrl, reg, script, log), reg, dir
}

func TestFeatureExtractionSingleFile(t *testing.T) {
	r, reg, dir := newTestRunners(t)
	if err := os.WriteFile(filepath.Join(dir, "pcaps", "t.pcap"), []byte{1}, 0644); err != nil {
		t.Fatal(err)
	}

	payload, _ := json.Marshal(FeatureExtractionPayload{PCAPFile: "t.pcap", SessionID: "fx-1"})
	out, err := r.featureExtraction(context.Background(), &sched.Job{Payload: payload}, func(int) {})
	if err != nil {
		t.Fatalf("featureExtraction failed: %v", err)
	}

	var result FeatureExtractionResult
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatal(err)
	}
	if result.SessionID != "fx-1" || result.OutputDir == "" {
		t.Errorf("result = %+v", result)
	}
	sess, err := reg.Get(model.ModuleCapture, "fx-1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.IsRunning {
		t.Error("capture session should be completed")
	}
}

func TestFeatureExtractionBadPayload(t *testing.T) {
	r, _, _ := newTestRunners(t)

	_, err := r.featureExtraction(context.Background(), &sched.Job{Payload: []byte(`{`)}, func(int) {})
	if !errors.Is(err, model.ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}

	payload, _ := json.Marshal(FeatureExtractionPayload{})
	_, err = r.featureExtraction(context.Background(), &sched.Job{Payload: payload}, func(int) {})
	if !errors.Is(err, model.ErrInvalidPayload) {
		t.Errorf("empty payload: expected ErrInvalidPayload, got %v", err)
	}
}

func TestFeatureExtractionMissingInput(t *testing.T) {
	r, _, _ := newTestRunners(t)
	payload, _ := json.Marshal(FeatureExtractionPayload{PCAPFile: "ghost.pcap"})
	_, err := r.featureExtraction(context.Background(), &sched.Job{Payload: payload}, func(int) {})
	if !errors.Is(err, model.ErrInputNotFound) {
		t.Errorf("expected ErrInputNotFound, got %v", err)
	}
}

func TestPredictionCreatesSession(t *testing.T) {
	r, reg, dir := newTestRunners(t)
	writeScript(t, filepath.Join(dir, "scripts"), "predict.py", `#!/bin/sh
echo "Progress: 50%"
echo '{"label":"benign"}'
`)

	payload, _ := json.Marshal(PredictionPayload{ModelID: "cnn-v2", FeaturesPath: "/data/f.csv", SessionID: "p-1"})
	out, err := r.prediction(context.Background(), &sched.Job{Payload: payload}, func(int) {})
	if err != nil {
		t.Fatalf("prediction failed: %v", err)
	}
	if string(out) != `{"label":"benign"}` {
		t.Errorf("output = %q", out)
	}

	sess, err := reg.Get(model.ModulePrediction, "p-1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.IsRunning {
		t.Error("prediction session should be completed")
	}
	st := sess.State.(*AnalysisState)
	if st.ModelID != "cnn-v2" || string(st.Output) != `{"label":"benign"}` {
		t.Errorf("session state = %+v", st)
	}
}

func TestPredictionFailureRecordedOnSession(t *testing.T) {
	r, reg, dir := newTestRunners(t)
	writeScript(t, filepath.Join(dir, "scripts"), "predict.py", `#!/bin/sh
echo "no such model" >&2
exit 1
`)

	payload, _ := json.Marshal(PredictionPayload{ModelID: "nope", FeaturesPath: "/data/f.csv", SessionID: "p-2"})
	if _, err := r.prediction(context.Background(), &sched.Job{Payload: payload}, func(int) {}); err == nil {
		t.Fatal("expected script failure")
	}

	sess, err := reg.Get(model.ModulePrediction, "p-2")
	if err != nil {
		t.Fatal(err)
	}
	if sess.IsRunning {
		t.Error("failed prediction session should still be completed")
	}
	if st := sess.State.(*AnalysisState); st.Error == "" {
		t.Error("session state is missing the failure reason")
	}
}

func TestPredictionRetryReusesSession(t *testing.T) {
	r, reg, dir := newTestRunners(t)
	writeScript(t, filepath.Join(dir, "scripts"), "predict.py", `#!/bin/sh
echo "transient backend error" >&2
exit 1
`)

	payload, _ := json.Marshal(PredictionPayload{ModelID: "cnn-v2", FeaturesPath: "/data/f.csv", SessionID: "p-3"})
	if _, err := r.prediction(context.Background(), &sched.Job{Payload: payload}, func(int) {}); err == nil {
		t.Fatal("expected first attempt to fail")
	}

	// The second attempt finds the session from the first one; it must
	// take it over rather than fail on the duplicate id.
	writeScript(t, filepath.Join(dir, "scripts"), "predict.py", `#!/bin/sh
echo '{"label":"benign"}'
`)
	out, err := r.prediction(context.Background(), &sched.Job{Payload: payload}, func(int) {})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if string(out) != `{"label":"benign"}` {
		t.Errorf("output = %q", out)
	}

	sess, err := reg.Get(model.ModulePrediction, "p-3")
	if err != nil {
		t.Fatal(err)
	}
	st := sess.State.(*AnalysisState)
	if st.Error != "" {
		t.Errorf("stale failure carried into the retried session: %q", st.Error)
	}
	if string(st.Output) != `{"label":"benign"}` {
		t.Errorf("session output = %q", st.Output)
	}
}

func TestExplanationDefaultsMethod(t *testing.T) {
	r, _, dir := newTestRunners(t)
	writeScript(t, filepath.Join(dir, "scripts"), "explain.py", `#!/bin/sh
echo "$@"
`)

	payload, _ := json.Marshal(XAIPayload{ModelID: "cnn-v2", FeaturesPath: "/data/f.csv", SampleIndex: 3})
	out, err := r.explanation(context.Background(), &sched.Job{Payload: payload}, func(int) {})
	if err != nil {
		t.Fatal(err)
	}
	want := "--model cnn-v2 --features /data/f.csv --sample 3 --method shap"
	if string(out) != want {
		t.Errorf("explain args = %q, want %q", out, want)
	}
}

func TestTrainingRequiresFields(t *testing.T) {
	r, _, _ := newTestRunners(t)
	payload, _ := json.Marshal(TrainingPayload{ModelID: "m"})
	_, err := r.training(context.Background(), &sched.Job{Payload: payload}, func(int) {})
	if !errors.Is(err, model.ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestRegisterAll(t *testing.T) {
	r, _, _ := newTestRunners(t)
	cfg := config.SchedulerConfig{
		PollInterval:    config.Duration(50 * time.Millisecond),
		StalledInterval: config.Duration(30 * time.Second),
		MaxStalledCount: 1,
		CleanupInterval: config.Duration(time.Hour),
		RetentionHours:  24,
		Queues:          map[string]config.QueueConfig{},
	}
	for _, c := range sched.Classes {
		cfg.Queues[string(c)] = config.QueueConfig{Workers: 1, Attempts: 1, AvgDuration: config.Duration(time.Second)}
	}
	s := sched.New(cfg, nil, zap.NewNop().Sugar())
	err := r.RegisterAll(s, func(class sched.Class) (sched.Store, error) {
		return sched.NewMemoryStore(10, 10), nil
	})
	if err != nil {
		t.Fatalf("RegisterAll failed: %v", err)
	}
	for _, c := range sched.Classes {
		if _, err := s.Enqueue(context.Background(), c, []byte(`{}`), 0); err != nil {
			t.Errorf("class %s not registered: %v", c, err)
		}
	}
}
