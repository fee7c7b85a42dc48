package sched

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"DPIHub/internal/model"

	"github.com/redis/go-redis/v9"
)

// priorityBand spaces priority levels apart in the waiting zset so that
// insertion order breaks ties within a level.
const priorityBand = 1e12

// RedisStore is the durable Store. Queued jobs survive a process restart;
// jobs that were active at crash time are recovered by the stalled-job
// monitor once their heartbeat ages out.
type RedisStore struct {
	rdb    *redis.Client
	prefix string

	keepCompleted int
	keepFailed    int
	now           func() time.Time
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr string, class Class, keepCompleted, keepFailed int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisStore{
		rdb:           rdb,
		prefix:        "dpihub:jobs:" + string(class) + ":",
		keepCompleted: keepCompleted,
		keepFailed:    keepFailed,
		now:           time.Now,
	}, nil
}

func (r *RedisStore) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += p
	}
	return k
}

func (r *RedisStore) loadJob(ctx context.Context, id string) (*Job, error) {
	raw, err := r.rdb.Get(ctx, r.key("job:", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	var j Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("corrupt job record %s: %w", id, err)
	}
	return &j, nil
}

func (r *RedisStore) saveJob(ctx context.Context, j *Job) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.key("job:", j.ID), raw, 0).Err()
}

func (r *RedisStore) Enqueue(ctx context.Context, job *Job) error {
	j := *job
	j.State = StateWaiting
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = r.now()
	}
	if err := r.saveJob(ctx, &j); err != nil {
		return err
	}
	return r.pushWaiting(ctx, &j, false)
}

func (r *RedisStore) pushWaiting(ctx context.Context, j *Job, front bool) error {
	seqKey := r.key("seq")
	if front {
		seqKey = r.key("frontseq")
	}
	seq, err := r.rdb.Incr(ctx, seqKey).Result()
	if err != nil {
		return err
	}
	score := float64(j.Priority) * priorityBand
	if front {
		score -= float64(seq)
	} else {
		score += float64(seq)
	}
	return r.rdb.ZAdd(ctx, r.key("waiting"), redis.Z{Score: score, Member: j.ID}).Err()
}

func (r *RedisStore) Dequeue(ctx context.Context) (*Job, error) {
	if err := r.promoteDue(ctx); err != nil {
		return nil, err
	}
	popped, err := r.rdb.ZPopMin(ctx, r.key("waiting"), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop waiting job: %w", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}
	id := popped[0].Member.(string)
	j, err := r.loadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	j.State = StateActive
	j.Attempt++
	j.StartedAt = r.now()
	j.HeartbeatAt = j.StartedAt
	if err := r.saveJob(ctx, j); err != nil {
		return nil, err
	}
	if err := r.rdb.SAdd(ctx, r.key("active"), id).Err(); err != nil {
		return nil, err
	}
	return j, nil
}

func (r *RedisStore) promoteDue(ctx context.Context) error {
	nowMs := strconv.FormatInt(r.now().UnixMilli(), 10)
	due, err := r.rdb.ZRangeByScore(ctx, r.key("delayed"), &redis.ZRangeBy{Min: "-inf", Max: nowMs}).Result()
	if err != nil {
		return fmt.Errorf("failed to scan delayed jobs: %w", err)
	}
	for _, id := range due {
		removed, err := r.rdb.ZRem(ctx, r.key("delayed"), id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // another worker promoted it first
		}
		j, err := r.loadJob(ctx, id)
		if err != nil {
			continue
		}
		j.State = StateWaiting
		if err := r.saveJob(ctx, j); err != nil {
			return err
		}
		if err := r.pushWaiting(ctx, j, false); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	return r.loadJob(ctx, id)
}

func (r *RedisStore) Requeue(ctx context.Context, id string, notBefore time.Time) error {
	j, err := r.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if err := r.rdb.SRem(ctx, r.key("active"), id).Err(); err != nil {
		return err
	}
	j.NotBefore = notBefore
	j.Progress = 0
	if notBefore.After(r.now()) {
		j.State = StateDelayed
		if err := r.saveJob(ctx, j); err != nil {
			return err
		}
		return r.rdb.ZAdd(ctx, r.key("delayed"), redis.Z{
			Score:  float64(notBefore.UnixMilli()),
			Member: id,
		}).Err()
	}
	j.State = StateWaiting
	if err := r.saveJob(ctx, j); err != nil {
		return err
	}
	return r.pushWaiting(ctx, j, false)
}

func (r *RedisStore) RequeueStalled(ctx context.Context, id string) error {
	j, err := r.loadJob(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		// record vanished underneath us: drop the dangling active entry
		return r.rdb.SRem(ctx, r.key("active"), id).Err()
	}
	if err != nil {
		return err
	}
	if err := r.rdb.SRem(ctx, r.key("active"), id).Err(); err != nil {
		return err
	}
	j.State = StateWaiting
	j.Stalls++
	j.Attempt--
	j.Progress = 0
	if err := r.saveJob(ctx, j); err != nil {
		return err
	}
	return r.pushWaiting(ctx, j, true)
}

func (r *RedisStore) Complete(ctx context.Context, id string, result []byte) error {
	j, err := r.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if err := r.rdb.SRem(ctx, r.key("active"), id).Err(); err != nil {
		return err
	}
	j.State = StateCompleted
	j.Progress = 100
	j.Result = result
	j.FinishedAt = r.now()
	if err := r.saveJob(ctx, j); err != nil {
		return err
	}
	return r.pushFinished(ctx, r.key("completed"), id, r.keepCompleted)
}

func (r *RedisStore) Fail(ctx context.Context, id string, msg string) error {
	j, err := r.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if err := r.rdb.SRem(ctx, r.key("active"), id).Err(); err != nil {
		return err
	}
	r.rdb.ZRem(ctx, r.key("delayed"), id)
	j.State = StateFailed
	j.Error = msg
	j.FinishedAt = r.now()
	if err := r.saveJob(ctx, j); err != nil {
		return err
	}
	return r.pushFinished(ctx, r.key("failed"), id, r.keepFailed)
}

// pushFinished records a terminal job and evicts the oldest beyond keep.
func (r *RedisStore) pushFinished(ctx context.Context, listKey, id string, keep int) error {
	if err := r.rdb.LPush(ctx, listKey, id).Err(); err != nil {
		return err
	}
	if keep <= 0 {
		return nil
	}
	evicted, err := r.rdb.LRange(ctx, listKey, int64(keep), -1).Result()
	if err != nil {
		return err
	}
	for _, old := range evicted {
		r.rdb.Del(ctx, r.key("job:", old))
	}
	return r.rdb.LTrim(ctx, listKey, 0, int64(keep)-1).Err()
}

func (r *RedisStore) SetProgress(ctx context.Context, id string, pct int) error {
	j, err := r.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	j.Progress = pct
	return r.saveJob(ctx, j)
}

func (r *RedisStore) Heartbeat(ctx context.Context, id string, at time.Time) error {
	j, err := r.loadJob(ctx, id)
	if err != nil {
		return err
	}
	j.HeartbeatAt = at
	return r.saveJob(ctx, j)
}

func (r *RedisStore) RemoveWaiting(ctx context.Context, id string) (bool, error) {
	j, err := r.loadJob(ctx, id)
	if err != nil {
		return false, err
	}
	var removed int64
	switch j.State {
	case StateWaiting:
		removed, err = r.rdb.ZRem(ctx, r.key("waiting"), id).Result()
	case StateDelayed:
		removed, err = r.rdb.ZRem(ctx, r.key("delayed"), id).Result()
	default:
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if removed == 0 {
		return false, nil
	}
	return true, r.rdb.Del(ctx, r.key("job:", id)).Err()
}

func (r *RedisStore) Position(ctx context.Context, id string) (int, error) {
	rank, err := r.rdb.ZRank(ctx, r.key("waiting"), id).Result()
	if errors.Is(err, redis.Nil) {
		if _, err := r.loadJob(ctx, id); err != nil {
			return -1, err
		}
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	return int(rank), nil
}

func (r *RedisStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	waiting, err := r.rdb.ZCard(ctx, r.key("waiting")).Result()
	if err != nil {
		return c, err
	}
	delayed, err := r.rdb.ZCard(ctx, r.key("delayed")).Result()
	if err != nil {
		return c, err
	}
	active, err := r.rdb.SCard(ctx, r.key("active")).Result()
	if err != nil {
		return c, err
	}
	completed, err := r.rdb.LLen(ctx, r.key("completed")).Result()
	if err != nil {
		return c, err
	}
	failed, err := r.rdb.LLen(ctx, r.key("failed")).Result()
	if err != nil {
		return c, err
	}
	c.Waiting = int(waiting)
	c.Delayed = int(delayed)
	c.Active = int(active)
	c.Completed = int(completed)
	c.Failed = int(failed)
	return c, nil
}

func (r *RedisStore) StalledJobs(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, r.key("active")).Result()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, id := range ids {
		j, err := r.loadJob(ctx, id)
		if err != nil {
			// record vanished: treat as stalled so the monitor clears it
			out = append(out, id)
			continue
		}
		if j.HeartbeatAt.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *RedisStore) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	for _, listKey := range []string{r.key("completed"), r.key("failed")} {
		ids, err := r.rdb.LRange(ctx, listKey, 0, -1).Result()
		if err != nil {
			return removed, err
		}
		for _, id := range ids {
			j, err := r.loadJob(ctx, id)
			if err != nil || j.FinishedAt.Before(cutoff) {
				r.rdb.LRem(ctx, listKey, 0, id)
				r.rdb.Del(ctx, r.key("job:", id))
				removed++
			}
		}
	}
	return removed, nil
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
