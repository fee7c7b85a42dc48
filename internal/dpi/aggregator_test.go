package dpi

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"DPIHub/internal/config"
	"DPIHub/internal/model"
	"DPIHub/internal/session"

	"go.uber.org/zap"
)

func newTestAggregator(t *testing.T) (*Aggregator, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry(config.SessionsConfig{
		AccessTTL:     config.Duration(time.Hour),
		CompletedTTL:  config.Duration(2 * time.Hour),
		SweepInterval: config.Duration(30 * time.Minute),
	}, zap.NewNop().Sugar())
	return NewAggregator(reg, zap.NewNop().Sugar()), reg
}

func createCaptureSession(t *testing.T, reg *session.Registry, id string, mode model.Mode, outputDir string) {
	t.Helper()
	_, err := reg.Create(model.ModuleCapture, id, mode, &model.CaptureState{OutputDir: outputDir})
	if err != nil {
		t.Fatal(err)
	}
}

func TestPollUnknownSession(t *testing.T) {
	a, _ := newTestAggregator(t)
	if _, err := a.Poll("ghost"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPollNotReady(t *testing.T) {
	a, reg := newTestAggregator(t)
	dir := t.TempDir()

	// Report directory does not exist yet.
	createCaptureSession(t, reg, "s1", model.ModeOffline, filepath.Join(dir, "missing"))
	if _, err := a.Poll("s1"); !errors.Is(err, model.ErrNotReady) {
		t.Errorf("missing dir: expected ErrNotReady, got %v", err)
	}

	// Directory exists but has no reports.
	out := filepath.Join(dir, "report-s2")
	os.MkdirAll(out, 0755)
	createCaptureSession(t, reg, "s2", model.ModeOffline, out)
	if _, err := a.Poll("s2"); !errors.Is(err, model.ErrNotReady) {
		t.Errorf("no files: expected ErrNotReady, got %v", err)
	}

	// Report exists but is empty.
	if err := os.WriteFile(filepath.Join(out, "s2.csv"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Poll("s2"); !errors.Is(err, model.ErrNotReady) {
		t.Errorf("empty file: expected ErrNotReady, got %v", err)
	}
}

func TestPollOfflineIncremental(t *testing.T) {
	a, reg := newTestAggregator(t)
	out := t.TempDir()
	createCaptureSession(t, reg, "s1", model.ModeOffline, out)
	report := filepath.Join(out, "s1.csv")

	write := func(lines ...string) {
		t.Helper()
		f, err := os.OpenFile(report, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		if _, err := f.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
			t.Fatal(err)
		}
	}

	write(ipv4Line("1.000000", "f1", "100", "10.0.0.1", "10.0.0.2"))
	view, err := a.Poll("s1")
	if err != nil {
		t.Fatalf("first poll failed: %v", err)
	}
	if view.Statistics.TotalPackets != 1 || view.Statistics.TotalBytes != 100 {
		t.Errorf("first poll stats = %+v", view.Statistics)
	}

	// The tool appends more events; the next poll picks them up.
	write(
		ipv4Line("2.000000", "f1", "200", "10.0.0.1", "10.0.0.2"),
		tcpLine("2.000000", "51000", "80", "150", "f1"),
	)
	view, err = a.Poll("s1")
	if err != nil {
		t.Fatalf("second poll failed: %v", err)
	}
	if view.Statistics.TotalPackets != 3 || view.Statistics.TotalBytes != 450 {
		t.Errorf("second poll stats = %+v", view.Statistics)
	}
	if len(view.Conversations) != 1 || view.Conversations[0].Protocol != "HTTP" {
		t.Errorf("conversations = %+v", view.Conversations)
	}

	// The session record carries the cumulative DPI state.
	sess, err := reg.Get(model.ModuleCapture, "s1")
	if err != nil {
		t.Fatal(err)
	}
	dpiState := sess.State.(*model.CaptureState).DPI
	if dpiState == nil || dpiState.LastProcessedLine == 0 {
		t.Fatalf("session DPI state not updated: %+v", dpiState)
	}
	if dpiState.Statistics.TotalPackets != 3 {
		t.Errorf("session stats = %+v", dpiState.Statistics)
	}
}

func TestPollOfflineRecoversPartiallyFlushedLine(t *testing.T) {
	a, reg := newTestAggregator(t)
	out := t.TempDir()
	createCaptureSession(t, reg, "s1", model.ModeOffline, out)
	report := filepath.Join(out, "s1.csv")

	full := ipv4Line("1.000000", "f1", "100", "10.0.0.1", "10.0.0.2")
	second := ipv4Line("2.000000", "f1", "200", "10.0.0.1", "10.0.0.2")

	// The tool flushes mid-line: the second event is truncated.
	if err := os.WriteFile(report, []byte(full+"\n"+second[:25]), 0644); err != nil {
		t.Fatal(err)
	}
	view, err := a.Poll("s1")
	if err != nil {
		t.Fatal(err)
	}
	if view.Statistics.TotalPackets != 1 || view.Statistics.TotalBytes != 100 {
		t.Errorf("stats with truncated line = %+v", view.Statistics)
	}

	// The next flush completes the line; it must not be lost.
	if err := os.WriteFile(report, []byte(full+"\n"+second+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	view, err = a.Poll("s1")
	if err != nil {
		t.Fatal(err)
	}
	if view.Statistics.TotalPackets != 2 || view.Statistics.TotalBytes != 300 {
		t.Errorf("stats after completed flush = %+v", view.Statistics)
	}
}

func TestPollStableWhenNoNewData(t *testing.T) {
	a, reg := newTestAggregator(t)
	out := t.TempDir()
	createCaptureSession(t, reg, "s1", model.ModeOffline, out)
	content := ipv4Line("1.000000", "f1", "100", "a", "b") + "\n"
	if err := os.WriteFile(filepath.Join(out, "s1.csv"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	first, err := a.Poll("s1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.Poll("s1")
	if err != nil {
		t.Fatal(err)
	}
	if *first.Statistics != *second.Statistics {
		t.Errorf("stats drifted without new data: %+v vs %+v", first.Statistics, second.Statistics)
	}
}

func TestPollSkipsSecurityReports(t *testing.T) {
	a, reg := newTestAggregator(t)
	out := t.TempDir()
	createCaptureSession(t, reg, "s1", model.ModeOffline, out)

	security := "1000,1,\"eth0\",9.000000,\"ipv4-event\",f9,x,x,x,x,x,999,\"bad\",\"bad\"\n"
	if err := os.WriteFile(filepath.Join(out, "security-report-1.csv"), []byte(security), 0644); err != nil {
		t.Fatal(err)
	}
	traffic := ipv4Line("1.000000", "f1", "100", "a", "b") + "\n"
	if err := os.WriteFile(filepath.Join(out, "s1.csv"), []byte(traffic), 0644); err != nil {
		t.Fatal(err)
	}

	view, err := a.Poll("s1")
	if err != nil {
		t.Fatal(err)
	}
	if view.Statistics.TotalPackets != 1 || view.Statistics.TotalBytes != 100 {
		t.Errorf("security report leaked into stats: %+v", view.Statistics)
	}
}

func TestPollOnlineLeavesNewestSampleAlone(t *testing.T) {
	a, reg := newTestAggregator(t)
	out := t.TempDir()
	createCaptureSession(t, reg, "live", model.ModeOnline, out)

	writeSample := func(name, line string, age time.Duration) {
		t.Helper()
		path := filepath.Join(out, name)
		if err := os.WriteFile(path, []byte(line+"\n"), 0644); err != nil {
			t.Fatal(err)
		}
		ts := time.Now().Add(-age)
		if err := os.Chtimes(path, ts, ts); err != nil {
			t.Fatal(err)
		}
	}

	// A single sample file is the only source of data, so its complete
	// lines are read even though the tool may still be appending.
	writeSample("sample-1.csv", ipv4Line("1.000000", "f1", "100", "a", "b"), 2*time.Second)
	view, err := a.Poll("live")
	if err != nil {
		t.Fatalf("single sample: %v", err)
	}
	if view.Statistics.TotalPackets != 1 || view.Statistics.TotalBytes != 100 {
		t.Errorf("single sample stats = %+v", view.Statistics)
	}

	// Once a newer file exists, the newest is left alone and the older
	// one's lines are not read twice.
	writeSample("sample-2.csv", ipv4Line("2.000000", "f1", "200", "a", "b"), time.Second)
	if view, err = a.Poll("live"); err != nil || view.Statistics.TotalPackets != 1 {
		t.Fatalf("stats after second sample = %+v, %v", view.Statistics, err)
	}

	// Rotating in a third file releases the second.
	writeSample("sample-3.csv", ipv4Line("3.000000", "f1", "400", "a", "b"), 0)
	view, err = a.Poll("live")
	if err != nil {
		t.Fatal(err)
	}
	if view.Statistics.TotalPackets != 2 || view.Statistics.TotalBytes != 300 {
		t.Errorf("after rotation stats = %+v", view.Statistics)
	}
}

func TestPollOnlineSingleSampleSkipsPartialLine(t *testing.T) {
	a, reg := newTestAggregator(t)
	out := t.TempDir()
	createCaptureSession(t, reg, "live", model.ModeOnline, out)
	sample := filepath.Join(out, "sample-1.csv")

	full := ipv4Line("1.000000", "f1", "100", "a", "b")
	second := ipv4Line("2.000000", "f1", "200", "a", "b")
	// One complete line plus the first half of the next, mid-flush.
	content := full + "\n" + second[:20]
	if err := os.WriteFile(sample, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	view, err := a.Poll("live")
	if err != nil {
		t.Fatal(err)
	}
	if view.Statistics.TotalPackets != 1 {
		t.Errorf("partial line counted: %+v", view.Statistics)
	}

	// The flush completes; the once-partial line must be picked up whole.
	if err := os.WriteFile(sample, []byte(full+"\n"+second+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	view, err = a.Poll("live")
	if err != nil {
		t.Fatal(err)
	}
	if view.Statistics.TotalPackets != 2 || view.Statistics.TotalBytes != 300 {
		t.Errorf("stats after completed flush = %+v", view.Statistics)
	}
}

func TestAnalyzeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.csv")
	content := strings.Join([]string{
		ipv4Line("1.000000", "f1", "100", "10.0.0.1", "10.0.0.2"),
		tcpLine("1.000000", "51000", "443", "80", "f1"),
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	view, err := AnalyzeFile(path)
	if err != nil {
		t.Fatalf("AnalyzeFile failed: %v", err)
	}
	if view.Statistics.TotalPackets != 2 {
		t.Errorf("stats = %+v", view.Statistics)
	}

	if _, err := AnalyzeFile(filepath.Join(dir, "nope.csv")); !errors.Is(err, model.ErrInputNotFound) {
		t.Errorf("expected ErrInputNotFound, got %v", err)
	}
}
