package sched

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"DPIHub/internal/config"
	"DPIHub/internal/metrics"
	"DPIHub/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrActiveJob is returned when a cancel request arrives after a worker has
// already claimed the job.
var ErrActiveJob = errors.New("job is already being processed")

// Runner executes one job class. The progress callback accepts 0-100.
type Runner interface {
	Run(ctx context.Context, job *Job, progress func(pct int)) ([]byte, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, job *Job, progress func(pct int)) ([]byte, error)

func (f RunnerFunc) Run(ctx context.Context, job *Job, progress func(pct int)) ([]byte, error) {
	return f(ctx, job, progress)
}

// Notifier receives job lifecycle events. It is satisfied by the NATS
// publisher; a nil Notifier disables eventing.
type Notifier interface {
	Publish(kind string, payload any) error
}

// Handle is returned on enqueue: the job id plus its place in line and a
// rough wait estimate derived from the queue's average job duration.
type Handle struct {
	ID                   string `json:"jobId"`
	Class                Class  `json:"class"`
	Position             int    `json:"position"`
	EstimatedWaitSeconds int    `json:"estimatedWaitSeconds"`
}

// JobEvent is the payload published on job lifecycle transitions.
type JobEvent struct {
	JobID   string `json:"jobId"`
	Class   Class  `json:"class"`
	Attempt int    `json:"attempt,omitempty"`
	Error   string `json:"error,omitempty"`
}

type queue struct {
	class  Class
	cfg    config.QueueConfig
	store  Store
	runner Runner
}

// Scheduler owns every job queue: worker pools, retries with exponential
// backoff, stalled-job recovery, and retention cleanup.
type Scheduler struct {
	cfg      config.SchedulerConfig
	notifier Notifier
	log      *zap.SugaredLogger

	mu     sync.RWMutex
	queues map[Class]*queue

	now  func() time.Time
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a scheduler with no queues registered yet.
func New(cfg config.SchedulerConfig, notifier Notifier, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		notifier: notifier,
		log:      log,
		queues:   make(map[Class]*queue),
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Register binds a store and runner to a job class. Must be called before
// Start.
func (s *Scheduler) Register(class Class, store Store, runner Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[class] = &queue{
		class:  class,
		cfg:    s.cfg.Queues[string(class)],
		store:  store,
		runner: runner,
	}
}

// Start launches the worker pools and the stalled-job and cleanup loops.
func (s *Scheduler) Start() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, q := range s.queues {
		for i := 0; i < q.cfg.Workers; i++ {
			s.wg.Add(1)
			go s.worker(q)
		}
	}
	s.wg.Add(2)
	go s.stalledLoop()
	go s.cleanupLoop()
	s.log.Infow("scheduler started", "queues", len(s.queues))
}

// Stop terminates the loops and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	close(s.done)
	s.wg.Wait()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, q := range s.queues {
		if err := q.store.Close(); err != nil {
			s.log.Warnw("failed to close job store", "class", q.class, "error", err)
		}
	}
}

// Enqueue queues a job and reports its position and estimated wait.
func (s *Scheduler) Enqueue(ctx context.Context, class Class, payload []byte, priority int) (Handle, error) {
	q, err := s.queue(class)
	if err != nil {
		return Handle{}, err
	}
	job := &Job{
		ID:          uuid.NewString(),
		Class:       class,
		Payload:     payload,
		Priority:    priority,
		MaxAttempts: q.cfg.Attempts,
		EnqueuedAt:  s.now(),
	}
	if err := q.store.Enqueue(ctx, job); err != nil {
		return Handle{}, fmt.Errorf("failed to enqueue %s job: %w", class, err)
	}
	metrics.JobsEnqueued.WithLabelValues(string(class)).Inc()
	s.notify("job.enqueued", JobEvent{JobID: job.ID, Class: class})

	pos, err := q.store.Position(ctx, job.ID)
	if err != nil || pos < 0 {
		pos = 0
	}
	return Handle{
		ID:                   job.ID,
		Class:                class,
		Position:             pos,
		EstimatedWaitSeconds: estimateWait(pos, q.cfg),
	}, nil
}

// estimateWait approximates queue latency: jobs ahead of this one divided
// across the worker pool, times the class's average duration.
func estimateWait(position int, qc config.QueueConfig) int {
	rounds := math.Ceil(float64(position) / float64(qc.Workers))
	return int(rounds * qc.AvgDuration.Std().Seconds())
}

// Status returns a job snapshot plus its live queue position (-1 once it
// has started).
func (s *Scheduler) Status(ctx context.Context, class Class, id string) (*Job, int, error) {
	q, err := s.queue(class)
	if err != nil {
		return nil, -1, err
	}
	job, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, -1, err
	}
	pos := -1
	if job.State == StateWaiting {
		if p, err := q.store.Position(ctx, id); err == nil {
			pos = p
		}
	}
	return job, pos, nil
}

// Cancel removes a job that has not started. Active jobs cannot be
// cancelled.
func (s *Scheduler) Cancel(ctx context.Context, class Class, id string) error {
	q, err := s.queue(class)
	if err != nil {
		return err
	}
	removed, err := q.store.RemoveWaiting(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		job, err := q.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if job.Finished() {
			return fmt.Errorf("job %s already %s: %w", id, job.State, ErrActiveJob)
		}
		return fmt.Errorf("job %s: %w", id, ErrActiveJob)
	}
	s.log.Infow("job cancelled", "class", class, "jobId", id)
	return nil
}

// Stats tallies every queue.
func (s *Scheduler) Stats(ctx context.Context) (map[Class]Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Class]Counts, len(s.queues))
	for class, q := range s.queues {
		c, err := q.store.Counts(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s jobs: %w", class, err)
		}
		c.Workers = q.cfg.Workers
		out[class] = c
	}
	return out, nil
}

// Cleanup removes finished jobs past the retention window across all queues.
func (s *Scheduler) Cleanup(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-time.Duration(s.cfg.RetentionHours) * time.Hour)
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for class, q := range s.queues {
		n, err := q.store.Cleanup(ctx, cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to clean up %s jobs: %w", class, err)
		}
		total += n
	}
	return total, nil
}

func (s *Scheduler) queue(class Class) (*queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[class]
	if !ok {
		return nil, fmt.Errorf("job class %q not registered: %w", class, model.ErrNotFound)
	}
	return q, nil
}

func (s *Scheduler) worker(q *queue) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		for {
			job, err := q.store.Dequeue(context.Background())
			if err != nil {
				s.log.Warnw("dequeue failed", "class", q.class, "error", err)
				break
			}
			if job == nil {
				break
			}
			s.execute(q, job)
			select {
			case <-s.done:
				return
			default:
			}
		}
	}
}

func (s *Scheduler) execute(q *queue, job *Job) {
	metrics.JobsActive.WithLabelValues(string(q.class)).Inc()
	defer metrics.JobsActive.WithLabelValues(string(q.class)).Dec()

	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.Timeout.Std())
	defer cancel()

	hbStop := make(chan struct{})
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		interval := s.cfg.StalledInterval.Std() / 2
		if interval < time.Second {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbStop:
				return
			case <-ticker.C:
				q.store.Heartbeat(context.Background(), job.ID, s.now())
			}
		}
	}()

	s.log.Infow("job started", "class", q.class, "jobId", job.ID, "attempt", job.Attempt)
	result, runErr := q.runner.Run(ctx, job, func(pct int) {
		q.store.SetProgress(context.Background(), job.ID, pct)
	})
	close(hbStop)
	hbWG.Wait()

	if runErr == nil {
		if err := q.store.Complete(context.Background(), job.ID, result); err != nil {
			s.log.Errorw("failed to record job completion", "class", q.class, "jobId", job.ID, "error", err)
		}
		metrics.JobsFinished.WithLabelValues(string(q.class), "completed").Inc()
		s.notify("job.completed", JobEvent{JobID: job.ID, Class: q.class, Attempt: job.Attempt})
		s.log.Infow("job completed", "class", q.class, "jobId", job.ID)
		return
	}

	if errors.Is(runErr, context.DeadlineExceeded) {
		runErr = fmt.Errorf("job exceeded %s timeout: %w", q.cfg.Timeout.Std(), model.ErrTimeout)
	}

	if model.IsRetryable(runErr) && job.Attempt < job.MaxAttempts {
		delay := RetryDelay(q.cfg.BackoffBase.Std(), job.Attempt)
		if err := q.store.Requeue(context.Background(), job.ID, s.now().Add(delay)); err != nil {
			s.log.Errorw("failed to requeue job", "class", q.class, "jobId", job.ID, "error", err)
		}
		metrics.JobsRetried.WithLabelValues(string(q.class)).Inc()
		s.notify("job.retried", JobEvent{JobID: job.ID, Class: q.class, Attempt: job.Attempt, Error: runErr.Error()})
		s.log.Warnw("job failed, retrying", "class", q.class, "jobId", job.ID,
			"attempt", job.Attempt, "delay", delay, "error", runErr)
		return
	}

	if err := q.store.Fail(context.Background(), job.ID, runErr.Error()); err != nil {
		s.log.Errorw("failed to record job failure", "class", q.class, "jobId", job.ID, "error", err)
	}
	metrics.JobsFinished.WithLabelValues(string(q.class), "failed").Inc()
	s.notify("job.failed", JobEvent{JobID: job.ID, Class: q.class, Attempt: job.Attempt, Error: runErr.Error()})
	s.log.Errorw("job failed permanently", "class", q.class, "jobId", job.ID, "error", runErr)
}

// stalledLoop recovers jobs whose worker died: each is requeued at the
// front of the line, up to the configured stall limit, then failed.
func (s *Scheduler) stalledLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.StalledInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.recoverStalled()
		}
	}
}

func (s *Scheduler) recoverStalled() {
	ctx := context.Background()
	cutoff := s.now().Add(-s.cfg.StalledInterval.Std())
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, q := range s.queues {
		ids, err := q.store.StalledJobs(ctx, cutoff)
		if err != nil {
			s.log.Warnw("stalled scan failed", "class", q.class, "error", err)
			continue
		}
		for _, id := range ids {
			job, err := q.store.Get(ctx, id)
			if err != nil {
				q.store.RequeueStalled(ctx, id)
				continue
			}
			if job.Stalls >= s.cfg.MaxStalledCount {
				q.store.Fail(ctx, id, "job stalled more than allowable limit")
				metrics.JobsFinished.WithLabelValues(string(q.class), "failed").Inc()
				s.notify("job.failed", JobEvent{JobID: id, Class: q.class, Error: "stalled"})
				s.log.Errorw("stalled job failed", "class", q.class, "jobId", id)
				continue
			}
			if err := q.store.RequeueStalled(ctx, id); err != nil {
				s.log.Warnw("failed to requeue stalled job", "class", q.class, "jobId", id, "error", err)
				continue
			}
			s.notify("job.stalled", JobEvent{JobID: id, Class: q.class})
			s.log.Warnw("stalled job requeued", "class", q.class, "jobId", id)
		}
	}
}

func (s *Scheduler) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CleanupInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if n, err := s.Cleanup(context.Background()); err != nil {
				s.log.Warnw("job cleanup failed", "error", err)
			} else if n > 0 {
				s.log.Infow("cleaned up finished jobs", "removed", n)
			}
		}
	}
}

func (s *Scheduler) notify(kind string, ev JobEvent) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(kind, ev); err != nil {
		s.log.Warnw("failed to publish job event", "kind", kind, "error", err)
	}
}
