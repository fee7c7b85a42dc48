package capture

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Handle tracks one spawned capture-tool process.
type Handle interface {
	// Done is closed after the process exits; it yields the exit error, if any.
	Done() <-chan error
	// Kill forcefully terminates the process.
	Kill() error
}

// Spawner launches the external capture tool. It exists so the controller
// can be exercised without a real binary on the machine.
type Spawner interface {
	Spawn(name string, args []string, logPath string) (Handle, error)
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan error
}

func (h *execHandle) Done() <-chan error { return h.done }

func (h *execHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

// execSpawner runs the tool with stdout and stderr appended to a per-session
// log file, the way the capture tool's own reports expect.
type execSpawner struct{}

// NewExecSpawner returns the production Spawner backed by os/exec.
func NewExecSpawner() Spawner {
	return execSpawner{}
}

func (execSpawner) Spawn(name string, args []string, logPath string) (Handle, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	cmd := exec.Command(name, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	h := &execHandle{cmd: cmd, done: make(chan error, 1)}
	go func() {
		err := cmd.Wait()
		logFile.Close()
		if err != nil {
			h.done <- err
		}
		close(h.done)
	}()
	return h, nil
}
