package jobs

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"DPIHub/internal/config"
	"DPIHub/internal/model"

	"go.uber.org/zap"
)

// progressPrefix is the marker the analysis scripts print on stdout to
// report completion percentage, one line per update.
const progressPrefix = "Progress:"

// ScriptRunner executes the Python analysis scripts. Stdout is scanned for
// progress markers; everything else is kept as the script's output. Stderr
// is buffered and attached to the failure when the script exits non-zero.
type ScriptRunner struct {
	pythonCmd string
	scriptDir string
	log       *zap.SugaredLogger
}

// NewScriptRunner builds a runner for the configured script directory.
func NewScriptRunner(cfg config.RuntimeConfig, log *zap.SugaredLogger) *ScriptRunner {
	return &ScriptRunner{pythonCmd: cfg.PythonCmd, scriptDir: cfg.ScriptDir, log: log}
}

// Run executes one script until it exits or ctx fires. It returns the
// script's non-progress stdout.
func (r *ScriptRunner) Run(ctx context.Context, script string, args []string, progress func(pct int)) ([]byte, error) {
	scriptPath := filepath.Join(r.scriptDir, script)
	cmdArgs := append([]string{scriptPath}, args...)
	cmd := exec.CommandContext(ctx, r.pythonCmd, cmdArgs...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach to %s: %w", script, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", script, err)
	}
	r.log.Debugw("script started", "script", script, "args", args)

	var out bytes.Buffer
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if pct, ok := parseProgress(line); ok {
			if progress != nil {
				progress(pct)
			}
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &model.ExternalProcessError{
				Command:  script,
				ExitCode: exitErr.ExitCode(),
				Stderr:   strings.TrimSpace(stderr.String()),
			}
		}
		return nil, fmt.Errorf("%s failed: %w", script, err)
	}
	return bytes.TrimSpace(out.Bytes()), nil
}

func parseProgress(line string) (int, bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(line), progressPrefix)
	if !found {
		return 0, false
	}
	rest = strings.TrimSuffix(strings.TrimSpace(rest), "%")
	pct, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil || pct < 0 || pct > 100 {
		return 0, false
	}
	return pct, true
}
