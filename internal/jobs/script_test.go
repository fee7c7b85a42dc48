package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"DPIHub/internal/config"
	"DPIHub/internal/model"

	"go.uber.org/zap"
)

// newShellRunner points the runner at /bin/sh so tests can use tiny shell
// scripts in place of the Python analysis code.
func newShellRunner(t *testing.T) (*ScriptRunner, string) {
	t.Helper()
	dir := t.TempDir()
	r := NewScriptRunner(config.RuntimeConfig{PythonCmd: "sh", ScriptDir: dir}, zap.NewNop().Sugar())
	return r, dir
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0755); err != nil {
		t.Fatal(err)
	}
}

func TestParseProgress(t *testing.T) {
	cases := []struct {
		line string
		pct  int
		ok   bool
	}{
		{"Progress: 42%", 42, true},
		{"Progress: 100", 100, true},
		{"  Progress: 7%  ", 7, true},
		{"Progress: 150%", 0, false},
		{"Progress: -1", 0, false},
		{"progress: 42%", 0, false},
		{"loading model", 0, false},
	}
	for _, tc := range cases {
		pct, ok := parseProgress(tc.line)
		if pct != tc.pct || ok != tc.ok {
			t.Errorf("parseProgress(%q) = %d, %v; want %d, %v", tc.line, pct, ok, tc.pct, tc.ok)
		}
	}
}

func TestScriptRunnerOutputAndProgress(t *testing.T) {
	r, dir := newShellRunner(t)
	writeScript(t, dir, "job.sh", `#!/bin/sh
echo "Progress: 25%"
echo "Progress: 75%"
echo '{"label":"malicious","score":0.91}'
`)

	var seen []int
	out, err := r.Run(context.Background(), "job.sh", nil, func(pct int) { seen = append(seen, pct) })
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if string(out) != `{"label":"malicious","score":0.91}` {
		t.Errorf("output = %q", out)
	}
	if len(seen) != 2 || seen[0] != 25 || seen[1] != 75 {
		t.Errorf("progress updates = %v, want [25 75]", seen)
	}
}

func TestScriptRunnerFailureKeepsStderr(t *testing.T) {
	r, dir := newShellRunner(t)
	writeScript(t, dir, "bad.sh", `#!/bin/sh
echo "model not converged" >&2
exit 3
`)

	_, err := r.Run(context.Background(), "bad.sh", nil, nil)
	var procErr *model.ExternalProcessError
	if !errors.As(err, &procErr) {
		t.Fatalf("expected ExternalProcessError, got %v", err)
	}
	if procErr.ExitCode != 3 || procErr.Stderr != "model not converged" {
		t.Errorf("process error = %+v", procErr)
	}
}

func TestScriptRunnerHonorsContext(t *testing.T) {
	r, dir := newShellRunner(t)
	writeScript(t, dir, "slow.sh", `#!/bin/sh
sleep 30
`)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.Run(ctx, "slow.sh", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestScriptRunnerPassesArgs(t *testing.T) {
	r, dir := newShellRunner(t)
	writeScript(t, dir, "echoargs.sh", `#!/bin/sh
echo "$@"
`)

	out, err := r.Run(context.Background(), "echoargs.sh", []string{"--model", "cnn-v2"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "--model cnn-v2" {
		t.Errorf("script saw args %q", out)
	}
}
