package session

import (
	"fmt"
	"sync"
	"time"

	"DPIHub/internal/config"
	"DPIHub/internal/metrics"
	"DPIHub/internal/model"

	"go.uber.org/zap"
)

// ModuleStats summarizes one module's sessions for health reporting.
type ModuleStats struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Online    int `json:"online"`
	Offline   int `json:"offline"`
}

// Registry is the multi-tenant session store, keyed by (module, session id).
// It owns the online-session invariant: at most one session per module may
// be online and running at any time.
type Registry struct {
	mu       sync.RWMutex
	sessions map[model.ModuleType]map[string]*model.Session
	online   map[model.ModuleType]string

	accessTTL     time.Duration
	completedTTL  time.Duration
	sweepInterval time.Duration

	log  *zap.SugaredLogger
	now  func() time.Time
	done chan struct{}
	wg   sync.WaitGroup
}

// NewRegistry creates an empty registry with the configured expiry rules.
func NewRegistry(cfg config.SessionsConfig, log *zap.SugaredLogger) *Registry {
	r := &Registry{
		sessions:      make(map[model.ModuleType]map[string]*model.Session),
		online:        make(map[model.ModuleType]string),
		accessTTL:     cfg.AccessTTL.Std(),
		completedTTL:  cfg.CompletedTTL.Std(),
		sweepInterval: cfg.SweepInterval.Std(),
		log:           log,
		now:           time.Now,
		done:          make(chan struct{}),
	}
	for _, m := range model.ModuleTypes {
		r.sessions[m] = make(map[string]*model.Session)
	}
	return r
}

// Create registers a new running session. It fails with ErrDuplicateSession
// when the id is taken, and with ErrLockHeld when an online running session
// already exists for the module.
func (r *Registry) Create(module model.ModuleType, id string, mode model.Mode, state any) (model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byID := r.bucket(module)
	if _, exists := byID[id]; exists {
		return model.Session{}, fmt.Errorf("session %q for module %s: %w", id, module, model.ErrDuplicateSession)
	}
	if mode == model.ModeOnline {
		if curID, ok := r.online[module]; ok {
			if cur, found := byID[curID]; found && cur.IsRunning {
				return model.Session{}, fmt.Errorf("online session %q already active for module %s: %w", curID, module, model.ErrLockHeld)
			}
		}
	}

	now := r.now()
	s := &model.Session{
		ID:             id,
		Module:         module,
		Mode:           mode,
		IsRunning:      true,
		CreatedAt:      now,
		LastAccessedAt: now,
		State:          state,
	}
	byID[id] = s
	if mode == model.ModeOnline {
		r.online[module] = id
	}
	r.log.Infow("session created", "module", module, "sessionId", id, "mode", mode)
	return *s, nil
}

// Get returns a snapshot copy of a session and bumps its access time.
func (r *Registry) Get(module model.ModuleType, id string) (model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.bucket(module)[id]
	if !ok {
		return model.Session{}, fmt.Errorf("session %q for module %s: %w", id, module, model.ErrNotFound)
	}
	s.LastAccessedAt = r.now()
	return *s, nil
}

// GetOnline returns the current online session for a module.
func (r *Registry) GetOnline(module model.ModuleType) (model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.online[module]
	if !ok {
		return model.Session{}, fmt.Errorf("no online session for module %s: %w", module, model.ErrNotFound)
	}
	s, ok := r.bucket(module)[id]
	if !ok {
		return model.Session{}, fmt.Errorf("no online session for module %s: %w", module, model.ErrNotFound)
	}
	s.LastAccessedAt = r.now()
	return *s, nil
}

// Update applies fn to the live session entry as one atomic step, so
// overlapping polls on the same session cannot lose updates.
func (r *Registry) Update(module model.ModuleType, id string, fn func(*model.Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.bucket(module)[id]
	if !ok {
		return fmt.Errorf("session %q for module %s: %w", id, module, model.ErrNotFound)
	}
	fn(s)
	s.LastAccessedAt = r.now()
	return nil
}

// Complete marks a session finished and releases the online slot if held.
func (r *Registry) Complete(module model.ModuleType, id string) (model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.bucket(module)[id]
	if !ok {
		return model.Session{}, fmt.Errorf("session %q for module %s: %w", id, module, model.ErrNotFound)
	}
	s.IsRunning = false
	s.CompletedAt = r.now()
	if r.online[module] == id {
		delete(r.online, module)
	}
	r.log.Infow("session completed", "module", module, "sessionId", id)
	return *s, nil
}

// Delete removes a session, reporting whether it existed.
func (r *Registry) Delete(module model.ModuleType, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(module, id)
}

func (r *Registry) deleteLocked(module model.ModuleType, id string) bool {
	byID := r.bucket(module)
	if _, ok := byID[id]; !ok {
		return false
	}
	if r.online[module] == id {
		delete(r.online, module)
	}
	delete(byID, id)
	return true
}

// All returns snapshot copies of every session for a module.
func (r *Registry) All(module model.ModuleType) []model.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byID := r.bucket(module)
	out := make([]model.Session, 0, len(byID))
	for _, s := range byID {
		out = append(out, *s)
	}
	return out
}

// Running returns snapshot copies of the running sessions for a module.
func (r *Registry) Running(module model.ModuleType) []model.Session {
	var out []model.Session
	for _, s := range r.All(module) {
		if s.IsRunning {
			out = append(out, s)
		}
	}
	return out
}

// Count returns how many sessions exist, optionally filtered by mode.
func (r *Registry) Count(module model.ModuleType, mode model.Mode) int {
	n := 0
	for _, s := range r.All(module) {
		if mode == "" || s.Mode == mode {
			n++
		}
	}
	return n
}

// LatestStatus reports the most recent running session, or failing that the
// most recent session of any state. It replaces the old process-wide
// "current status" variables.
func (r *Registry) LatestStatus(module model.ModuleType) (model.Session, bool) {
	all := r.All(module)
	var latest model.Session
	var found, foundRunning bool
	for _, s := range all {
		if s.IsRunning {
			if !foundRunning || s.CreatedAt.After(latest.CreatedAt) {
				latest = s
				foundRunning = true
			}
		}
	}
	if foundRunning {
		return latest, true
	}
	for _, s := range all {
		if !found || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
			found = true
		}
	}
	return latest, found
}

// Stats summarizes every module's sessions.
func (r *Registry) Stats() map[model.ModuleType]ModuleStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[model.ModuleType]ModuleStats, len(r.sessions))
	for module, byID := range r.sessions {
		var st ModuleStats
		for _, s := range byID {
			st.Total++
			if s.IsRunning {
				st.Running++
			} else {
				st.Completed++
			}
			if s.Mode == model.ModeOnline {
				st.Online++
			} else {
				st.Offline++
			}
		}
		out[module] = st
	}
	return out
}

// Start launches the background expiry sweeper.
func (r *Registry) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.SweepExpired(r.now())
			case <-r.done:
				return
			}
		}
	}()
}

// Stop terminates the sweeper.
func (r *Registry) Stop() {
	close(r.done)
	r.wg.Wait()
}

// SweepExpired removes aged-out sessions and returns how many were removed.
// Capture sessions expire by inactivity; fire-and-forget sessions
// (prediction/explain/attack) only after completion.
func (r *Registry) SweepExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for module, byID := range r.sessions {
		for id, s := range byID {
			expired := false
			if module == model.ModuleCapture {
				expired = now.Sub(s.LastAccessedAt) > r.accessTTL
			} else if !s.IsRunning && !s.CompletedAt.IsZero() {
				expired = now.Sub(s.CompletedAt) > r.completedTTL
			}
			if expired {
				r.deleteLocked(module, id)
				metrics.SessionsSwept.WithLabelValues(string(module)).Inc()
				r.log.Infow("swept expired session", "module", module, "sessionId", id)
				removed++
			}
		}
	}
	return removed
}

func (r *Registry) bucket(module model.ModuleType) map[string]*model.Session {
	byID, ok := r.sessions[module]
	if !ok {
		byID = make(map[string]*model.Session)
		r.sessions[module] = byID
	}
	return byID
}
