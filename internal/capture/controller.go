package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"DPIHub/internal/config"
	"DPIHub/internal/metrics"
	"DPIHub/internal/model"
	"DPIHub/internal/session"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const stopGracePeriod = 5 * time.Second

// Controller drives the external DPI capture tool: it launches offline and
// live analyses, tracks the single foreground run, and reflects every run
// into the session registry.
type Controller struct {
	cfg     config.CaptureConfig
	reg     *session.Registry
	spawner Spawner
	log     *zap.SugaredLogger

	listIfaces func() ([]NetworkInterface, error)

	mu      sync.Mutex
	current model.CaptureRun
	handle  Handle
}

// NewController wires the controller to the registry and a spawner.
func NewController(cfg config.CaptureConfig, reg *session.Registry, spawner Spawner, log *zap.SugaredLogger) *Controller {
	return &Controller{
		cfg:        cfg,
		reg:        reg,
		spawner:    spawner,
		log:        log,
		listIfaces: ListInterfaces,
	}
}

// StartOffline analyzes one pcap file. The returned channel is closed when
// the tool exits; it yields the process error, if any. Queued batch work
// passes bypassLock to run alongside an interactive capture.
func (c *Controller) StartOffline(pcapFile, sessionID string, bypassLock bool) (model.Session, <-chan error, error) {
	pcapPath := pcapFile
	if !filepath.IsAbs(pcapPath) {
		pcapPath = filepath.Join(c.cfg.PCAPDir, pcapFile)
	}
	if _, err := os.Stat(pcapPath); err != nil {
		if os.IsNotExist(err) {
			return model.Session{}, nil, fmt.Errorf("pcap file %q: %w", pcapFile, model.ErrInputNotFound)
		}
		return model.Session{}, nil, fmt.Errorf("failed to stat pcap file %q: %w", pcapFile, err)
	}

	sid := sessionID
	if sid == "" {
		sid = uuid.NewString()
	}
	outputDir := filepath.Join(c.cfg.ReportDir, "report-"+sid)
	logPath := filepath.Join(c.cfg.LogDir, sid+".log")

	sess, err := c.reg.Create(model.ModuleCapture, sid, model.ModeOffline, &model.CaptureState{
		PCAPFile:  pcapPath,
		OutputDir: outputDir,
		LogPath:   logPath,
	})
	if err != nil {
		return model.Session{}, nil, err
	}

	args := c.toolArgs(outputDir, sid+".csv", "-t", pcapPath, false)
	done, err := c.startRun(sid, model.ModeOffline, outputDir, logPath, c.cfg.Tool, args, bypassLock)
	if err != nil {
		c.reg.Delete(model.ModuleCapture, sid)
		return model.Session{}, nil, err
	}
	return sess, done, nil
}

// StartOfflineBatch analyzes every pcap file under one session, serially.
// Files that cannot be analyzed are recorded on the session instead of
// aborting the batch; the run only fails when no file succeeds.
func (c *Controller) StartOfflineBatch(datasetDir string, files []string, sessionID string, bypassLock bool) (model.Session, <-chan error, error) {
	if len(files) == 0 {
		return model.Session{}, nil, fmt.Errorf("dataset %q has no capture files: %w", datasetDir, model.ErrInputNotFound)
	}

	sid := sessionID
	if sid == "" {
		sid = uuid.NewString()
	}
	outputDir := filepath.Join(c.cfg.ReportDir, "report-"+sid)
	logPath := filepath.Join(c.cfg.LogDir, sid+".log")

	sess, err := c.reg.Create(model.ModuleCapture, sid, model.ModeOffline, &model.CaptureState{
		DatasetDir: datasetDir,
		OutputDir:  outputDir,
		LogPath:    logPath,
	})
	if err != nil {
		return model.Session{}, nil, err
	}
	if !bypassLock {
		if err := c.acquire(sid, model.ModeOffline, outputDir, logPath); err != nil {
			c.reg.Delete(model.ModuleCapture, sid)
			return model.Session{}, nil, err
		}
	}

	out := make(chan error, 1)
	go func() {
		defer close(out)
		succeeded := 0
		for i, file := range files {
			if err := c.runBatchFile(datasetDir, file, sid, outputDir, logPath, i); err != nil {
				c.log.Warnw("batch capture file failed", "sessionId", sid, "file", file, "error", err)
				c.recordFailedFile(sid, file)
				continue
			}
			succeeded++
		}
		if !bypassLock {
			c.release(sid)
		}
		c.reg.Complete(model.ModuleCapture, sid)
		metrics.CaptureRuns.WithLabelValues(string(model.ModeOffline)).Inc()
		if succeeded == 0 {
			out <- fmt.Errorf("all %d files in dataset %q failed", len(files), datasetDir)
		}
	}()
	return sess, out, nil
}

func (c *Controller) runBatchFile(datasetDir, file, sid, outputDir, logPath string, index int) error {
	path := file
	if !filepath.IsAbs(path) {
		path = filepath.Join(datasetDir, file)
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("capture file %q: %w", file, model.ErrInputNotFound)
		}
		return fmt.Errorf("failed to stat capture file %q: %w", file, err)
	}
	args := c.toolArgs(outputDir, fmt.Sprintf("%s-%04d.csv", sid, index), "-t", path, false)
	h, err := c.spawner.Spawn(c.cfg.Tool, args, logPath)
	if err != nil {
		return err
	}
	return <-h.Done()
}

// StartOnline begins live capture on a network interface. At most one online
// capture session may run at a time.
func (c *Controller) StartOnline(iface, sessionID string) (model.Session, error) {
	devs, err := c.listIfaces()
	if err != nil {
		return model.Session{}, err
	}
	known := false
	for _, d := range devs {
		if d.Name == iface {
			known = true
			break
		}
	}
	if !known {
		return model.Session{}, fmt.Errorf("network interface %q: %w", iface, model.ErrInterfaceNotFound)
	}

	sid := sessionID
	if sid == "" {
		sid = uuid.NewString()
	}
	outputDir := filepath.Join(c.cfg.ReportDir, "report-"+sid)
	logPath := filepath.Join(c.cfg.LogDir, sid+".log")

	sess, err := c.reg.Create(model.ModuleCapture, sid, model.ModeOnline, &model.CaptureState{
		Interface: iface,
		OutputDir: outputDir,
		LogPath:   logPath,
	})
	if err != nil {
		return model.Session{}, err
	}

	name := c.cfg.Tool
	args := c.toolArgs(outputDir, sid+".csv", "-i", iface, true)
	if c.cfg.PrivilegeCmd != "" {
		args = append([]string{name}, args...)
		name = c.cfg.PrivilegeCmd
	}
	if _, err := c.startRun(sid, model.ModeOnline, outputDir, logPath, name, args, false); err != nil {
		c.reg.Delete(model.ModuleCapture, sid)
		return model.Session{}, err
	}
	return sess, nil
}

// Stop kills the foreground capture run and waits briefly for it to exit.
// Stopping while nothing is running is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.current.Running || c.handle == nil {
		c.mu.Unlock()
		c.log.Debug("stop requested with no capture run in progress")
		return nil
	}
	h := c.handle
	sid := c.current.SessionID
	c.mu.Unlock()

	if err := h.Kill(); err != nil {
		return fmt.Errorf("failed to kill capture process for session %s: %w", sid, model.ErrStopFailed)
	}
	select {
	case <-h.Done():
		return nil
	case <-time.After(stopGracePeriod):
		return fmt.Errorf("capture process for session %s did not exit: %w", sid, model.ErrStopFailed)
	}
}

// Status reports the foreground run, which is the most recent one when idle.
func (c *Controller) Status() model.CaptureRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// ListPCAPFiles returns the capture files in a dataset directory, filtered
// by the configured extensions, in name order.
func (c *Controller) ListPCAPFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("dataset directory %q: %w", dir, model.ErrInputNotFound)
		}
		return nil, fmt.Errorf("failed to read dataset directory %q: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		for _, want := range c.cfg.PCAPExtensions {
			if ext == want {
				files = append(files, e.Name())
				break
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

func (c *Controller) toolArgs(outputDir, outputFile, inputFlag, inputValue string, online bool) []string {
	args := []string{"-c", c.cfg.ConfigPath, inputFlag, inputValue}
	if online {
		args = append(args, "-X", "input.mode=ONLINE", "-X", "file-output.sample-file=true")
	}
	args = append(args,
		"-X", "file-output.output-dir="+outputDir,
		"-X", "file-output.output-file="+outputFile,
	)
	return args
}

func (c *Controller) startRun(sid string, mode model.Mode, outputDir, logPath, name string, args []string, bypassLock bool) (<-chan error, error) {
	if !bypassLock {
		if err := c.acquire(sid, mode, outputDir, logPath); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		if !bypassLock {
			c.release(sid)
		}
		return nil, fmt.Errorf("failed to create report directory: %w", err)
	}

	h, err := c.spawner.Spawn(name, args, logPath)
	if err != nil {
		if !bypassLock {
			c.release(sid)
		}
		return nil, err
	}
	if !bypassLock {
		c.mu.Lock()
		c.handle = h
		c.mu.Unlock()
	}

	c.log.Infow("capture started", "sessionId", sid, "mode", mode, "tool", name)
	out := make(chan error, 1)
	go func() {
		defer close(out)
		runErr := <-h.Done()
		if !bypassLock {
			c.release(sid)
		}
		c.reg.Complete(model.ModuleCapture, sid)
		metrics.CaptureRuns.WithLabelValues(string(mode)).Inc()
		if runErr != nil {
			c.log.Warnw("capture exited with error", "sessionId", sid, "error", runErr)
			out <- runErr
			return
		}
		c.log.Infow("capture finished", "sessionId", sid)
	}()
	return out, nil
}

func (c *Controller) acquire(sid string, mode model.Mode, outputDir, logPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current.Running {
		return fmt.Errorf("capture session %s still running: %w", c.current.SessionID, model.ErrLockHeld)
	}
	c.current = model.CaptureRun{
		Running:   true,
		SessionID: sid,
		Mode:      mode,
		StartedAt: time.Now(),
		OutputDir: outputDir,
		LogPath:   logPath,
	}
	return nil
}

func (c *Controller) release(sid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current.SessionID == sid {
		c.current.Running = false
		c.handle = nil
	}
}

func (c *Controller) recordFailedFile(sid, file string) {
	c.reg.Update(model.ModuleCapture, sid, func(s *model.Session) {
		if st, ok := s.State.(*model.CaptureState); ok {
			st.FailedFiles = append(st.FailedFiles, file)
		}
	})
}
