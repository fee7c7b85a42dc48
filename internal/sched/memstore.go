package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"DPIHub/internal/model"
)

// MemoryStore is the in-process Store. It is the default backend and the
// one the test suite runs against.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	// rank orders the waiting set: lower ranks dequeue first within a
	// priority level. Stalled requeues get negative ranks to jump the line.
	rank      map[string]int64
	waiting   []string
	delayed   map[string]struct{}
	active    map[string]struct{}
	completed []string
	failed    []string

	nextRank  int64
	frontRank int64

	keepCompleted int
	keepFailed    int
	now           func() time.Time
}

// NewMemoryStore creates an empty store with the given retention limits on
// finished jobs.
func NewMemoryStore(keepCompleted, keepFailed int) *MemoryStore {
	return &MemoryStore{
		jobs:          make(map[string]*Job),
		rank:          make(map[string]int64),
		delayed:       make(map[string]struct{}),
		active:        make(map[string]struct{}),
		keepCompleted: keepCompleted,
		keepFailed:    keepFailed,
		now:           time.Now,
	}
}

func (m *MemoryStore) Enqueue(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already queued", job.ID)
	}
	j := *job
	j.State = StateWaiting
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = m.now()
	}
	m.jobs[j.ID] = &j
	m.nextRank++
	m.rank[j.ID] = m.nextRank
	m.waiting = append(m.waiting, j.ID)
	return nil
}

func (m *MemoryStore) Dequeue(ctx context.Context) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promoteDueLocked()

	best := -1
	for i, id := range m.waiting {
		if best == -1 || m.beforeLocked(id, m.waiting[best]) {
			best = i
		}
	}
	if best == -1 {
		return nil, nil
	}
	id := m.waiting[best]
	m.waiting = append(m.waiting[:best], m.waiting[best+1:]...)
	j := m.jobs[id]
	j.State = StateActive
	j.Attempt++
	j.StartedAt = m.now()
	j.HeartbeatAt = j.StartedAt
	m.active[id] = struct{}{}
	cp := *j
	return &cp, nil
}

// beforeLocked reports whether job a dequeues ahead of job b.
func (m *MemoryStore) beforeLocked(a, b string) bool {
	ja, jb := m.jobs[a], m.jobs[b]
	if ja.Priority != jb.Priority {
		return ja.Priority < jb.Priority
	}
	return m.rank[a] < m.rank[b]
}

func (m *MemoryStore) promoteDueLocked() {
	now := m.now()
	for id := range m.delayed {
		if j := m.jobs[id]; !j.NotBefore.After(now) {
			delete(m.delayed, id)
			j.State = StateWaiting
			m.waiting = append(m.waiting, id)
		}
	}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) Requeue(ctx context.Context, id string, notBefore time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	delete(m.active, id)
	j.NotBefore = notBefore
	j.Progress = 0
	m.nextRank++
	m.rank[id] = m.nextRank
	if notBefore.After(m.now()) {
		j.State = StateDelayed
		m.delayed[id] = struct{}{}
	} else {
		j.State = StateWaiting
		m.waiting = append(m.waiting, id)
	}
	return nil
}

func (m *MemoryStore) RequeueStalled(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	delete(m.active, id)
	j.State = StateWaiting
	j.Stalls++
	j.Attempt-- // a stalled run does not burn a retry attempt
	j.Progress = 0
	m.frontRank--
	m.rank[id] = m.frontRank
	m.waiting = append(m.waiting, id)
	return nil
}

func (m *MemoryStore) Complete(ctx context.Context, id string, result []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	delete(m.active, id)
	j.State = StateCompleted
	j.Progress = 100
	j.Result = result
	j.FinishedAt = m.now()
	m.completed = append(m.completed, id)
	m.trimLocked(&m.completed, m.keepCompleted)
	return nil
}

func (m *MemoryStore) Fail(ctx context.Context, id string, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	delete(m.active, id)
	delete(m.delayed, id)
	j.State = StateFailed
	j.Error = msg
	j.FinishedAt = m.now()
	m.failed = append(m.failed, id)
	m.trimLocked(&m.failed, m.keepFailed)
	return nil
}

func (m *MemoryStore) trimLocked(order *[]string, keep int) {
	if keep <= 0 {
		return
	}
	for len(*order) > keep {
		oldest := (*order)[0]
		*order = (*order)[1:]
		delete(m.jobs, oldest)
		delete(m.rank, oldest)
	}
}

func (m *MemoryStore) SetProgress(ctx context.Context, id string, pct int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	j.Progress = pct
	return nil
}

func (m *MemoryStore) Heartbeat(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	j.HeartbeatAt = at
	return nil
}

func (m *MemoryStore) RemoveWaiting(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	switch j.State {
	case StateWaiting:
		for i, wid := range m.waiting {
			if wid == id {
				m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
				break
			}
		}
	case StateDelayed:
		delete(m.delayed, id)
	default:
		return false, nil
	}
	delete(m.jobs, id)
	delete(m.rank, id)
	return true, nil
}

func (m *MemoryStore) Position(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return -1, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	if j.State != StateWaiting {
		return -1, nil
	}
	pos := 0
	for _, other := range m.waiting {
		if other != id && m.beforeLocked(other, id) {
			pos++
		}
	}
	return pos, nil
}

func (m *MemoryStore) Counts(ctx context.Context) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c Counts
	for _, j := range m.jobs {
		switch j.State {
		case StateWaiting:
			c.Waiting++
		case StateDelayed:
			c.Delayed++
		case StateActive:
			c.Active++
		case StateCompleted:
			c.Completed++
		case StateFailed:
			c.Failed++
		}
	}
	return c, nil
}

func (m *MemoryStore) StalledJobs(ctx context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id := range m.active {
		if m.jobs[id].HeartbeatAt.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *MemoryStore) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	removed += m.cleanupListLocked(&m.completed, cutoff)
	removed += m.cleanupListLocked(&m.failed, cutoff)
	return removed, nil
}

func (m *MemoryStore) cleanupListLocked(order *[]string, cutoff time.Time) int {
	kept := (*order)[:0]
	removed := 0
	for _, id := range *order {
		if j, ok := m.jobs[id]; ok && j.FinishedAt.Before(cutoff) {
			delete(m.jobs, id)
			delete(m.rank, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	*order = kept
	return removed
}

func (m *MemoryStore) Close() error { return nil }
