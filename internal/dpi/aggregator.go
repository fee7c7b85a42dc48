package dpi

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"DPIHub/internal/metrics"
	"DPIHub/internal/model"
	"DPIHub/internal/session"

	"go.uber.org/zap"
)

// securityReportMarker tags the tool's security report files, which use a
// different layout and are not traffic reports.
const securityReportMarker = "security-report"

type sessionState struct {
	mu sync.Mutex
	ps *parseState
}

// Aggregator turns the capture tool's CSV reports into protocol
// hierarchies, conversations, and time series, incrementally per session.
type Aggregator struct {
	reg *session.Registry
	log *zap.SugaredLogger
	now func() time.Time

	mu     sync.Mutex
	states map[string]*sessionState
}

// NewAggregator creates an aggregator bound to the session registry.
func NewAggregator(reg *session.Registry, log *zap.SugaredLogger) *Aggregator {
	return &Aggregator{
		reg:    reg,
		log:    log,
		now:    time.Now,
		states: make(map[string]*sessionState),
	}
}

// Poll ingests any new report data for a capture session and returns the
// up-to-date traffic view. Concurrent polls on the same session are
// serialized; polls on different sessions are not.
func (a *Aggregator) Poll(sessionID string) (*model.TrafficView, error) {
	ss := a.sessionState(sessionID)
	ss.mu.Lock()
	defer ss.mu.Unlock()

	sess, err := a.reg.Get(model.ModuleCapture, sessionID)
	if err != nil {
		a.forget(sessionID)
		return nil, err
	}
	capState, ok := sess.State.(*model.CaptureState)
	if !ok {
		return nil, fmt.Errorf("session %s has no capture output: %w", sessionID, model.ErrNotReady)
	}

	if err := a.ingest(ss, capState, sess.Mode); err != nil {
		return nil, err
	}
	st := ss.ps
	if !st.hasData {
		return nil, fmt.Errorf("no report data for session %s yet: %w", sessionID, model.ErrNotReady)
	}

	view := st.view(sess.Mode, a.now())
	a.reg.Update(model.ModuleCapture, sessionID, func(s *model.Session) {
		if cs, ok := s.State.(*model.CaptureState); ok {
			cs.DPI = st.dpiState(view.Statistics)
		}
	})
	return view, nil
}

// ingest reads whatever new report content exists and folds it in.
func (a *Aggregator) ingest(ss *sessionState, capState *model.CaptureState, mode model.Mode) error {
	if mode == model.ModeOnline {
		return a.ingestOnline(ss.ps, capState.OutputDir)
	}
	// Offline reports are replayed from line 0 into a fresh state on every
	// poll: the tool flushes mid-line, so a line seen truncated now may be
	// whole on the next poll. Resuming past it would lose the event.
	fresh := newParseState()
	if err := a.ingestOffline(fresh, capState.OutputDir); err != nil {
		return err
	}
	if delta := fresh.lastLine - ss.ps.lastLine; delta > 0 {
		metrics.EventsParsed.Add(float64(delta))
	}
	ss.ps = fresh
	return nil
}

// ingestOffline parses the session's report files in full.
func (a *Aggregator) ingestOffline(st *parseState, outputDir string) error {
	files, err := reportFiles(outputDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no report files in %s: %w", outputDir, model.ErrNotReady)
	}

	var content strings.Builder
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("failed to read report %s: %w", f, err)
		}
		content.Write(data)
	}
	if content.Len() == 0 {
		return fmt.Errorf("report files in %s are empty: %w", outputDir, model.ErrNotReady)
	}

	lines := strings.Split(content.String(), "\n")
	st.lastLine = len(lines)
	st.parseEvents(lines)
	return nil
}

// ingestOnline consumes completed sample files. The newest file is normally
// left alone because the tool may still be writing it; when it is the only
// source of data, its complete lines are read incrementally instead, so a
// short capture on a quiet interface still produces results.
func (a *Aggregator) ingestOnline(st *parseState, outputDir string) error {
	files, err := reportFiles(outputDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		if !st.hasData {
			return fmt.Errorf("no sample files in %s: %w", outputDir, model.ErrNotReady)
		}
		return nil
	}
	// Newest last; everything but the newest is safe to read fully.
	sort.Slice(files, func(i, j int) bool {
		return modTimeOf(files[i]).Before(modTimeOf(files[j]))
	})

	for _, f := range files[:len(files)-1] {
		if st.processed[f] {
			continue
		}
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("failed to read sample file %s: %w", f, err)
		}
		st.processed[f] = true
		if len(data) == 0 {
			continue
		}
		lines := strings.Split(string(data), "\n")
		// Skip whatever was already taken while this was the newest file.
		start := st.consumed[f]
		if start > len(lines) {
			start = len(lines)
		}
		st.lastLine += len(lines) - start
		st.parseEvents(lines[start:])
		metrics.EventsParsed.Add(float64(len(lines) - start))
	}

	if !st.hasData || len(files) == 1 {
		return a.tailNewest(st, files[len(files)-1])
	}
	return nil
}

// tailNewest reads the still-growing newest sample file up to its last
// complete line, remembering the offset so nothing is read twice once the
// file rotates.
func (a *Aggregator) tailNewest(st *parseState, f string) error {
	if st.processed[f] {
		return nil
	}
	data, err := os.ReadFile(f)
	if err != nil {
		return fmt.Errorf("failed to read sample file %s: %w", f, err)
	}
	lines := strings.Split(string(data), "\n")
	// A missing trailing newline means the last line is still being
	// written; leave it for the next poll.
	if last := lines[len(lines)-1]; last != "" {
		lines = lines[:len(lines)-1]
	}
	start := st.consumed[f]
	if start >= len(lines) {
		return nil
	}
	st.consumed[f] = len(lines)
	st.lastLine += len(lines) - start
	st.parseEvents(lines[start:])
	metrics.EventsParsed.Add(float64(len(lines) - start))
	return nil
}

// AnalyzeFile parses one report file standalone, outside any session. It
// backs the command-line analyzer.
func AnalyzeFile(path string) (*model.TrafficView, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("report %s: %w", path, model.ErrInputNotFound)
		}
		return nil, fmt.Errorf("failed to read report %s: %w", path, err)
	}
	st := newParseState()
	st.parseEvents(strings.Split(string(data), "\n"))
	if !st.hasData {
		return nil, fmt.Errorf("report %s holds no traffic events: %w", path, model.ErrNotReady)
	}
	return st.view(model.ModeOffline, time.Now()), nil
}

// Forget drops the cached state for a session, freeing its memory after
// the session is deleted.
func (a *Aggregator) Forget(sessionID string) {
	a.forget(sessionID)
}

func (a *Aggregator) forget(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.states, sessionID)
}

func (a *Aggregator) sessionState(sessionID string) *sessionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	ss, ok := a.states[sessionID]
	if !ok {
		ss = &sessionState{ps: newParseState()}
		a.states[sessionID] = ss
	}
	return ss
}

// reportFiles lists the traffic report CSVs in a report directory,
// excluding the tool's security reports.
func reportFiles(outputDir string) ([]string, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("report directory %s does not exist: %w", outputDir, model.ErrNotReady)
		}
		return nil, fmt.Errorf("failed to read report directory %s: %w", outputDir, err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".csv" || strings.Contains(name, securityReportMarker) {
			continue
		}
		files = append(files, filepath.Join(outputDir, name))
	}
	sort.Strings(files)
	return files, nil
}

func modTimeOf(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
