package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrDuplicateJob is returned when a task with the same ID was already
// admitted within the dedup window.
var ErrDuplicateJob = errors.New("task already enqueued")

// Task is the queue payload for one job execution. Attempt counts
// provider-level retries and survives rescheduling.
type Task struct {
	ID         string    `json:"id"`
	JobID      uuid.UUID `json:"job_id"`
	OwnerID    uuid.UUID `json:"owner_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// TaskID builds the deterministic queue ID for a job, which is what makes
// admission idempotent: re-submitting the same job collides on this ID.
func TaskID(jobID uuid.UUID, stepID string) string {
	if stepID != "" {
		return fmt.Sprintf("task-%s-%s", jobID, stepID)
	}
	return fmt.Sprintf("task-%s", jobID)
}

// Counts is a point-in-time snapshot of queue depth.
type Counts struct {
	Ready      int64
	Delayed    int64
	Processing int64
}

// Queue is an at-least-once delivery job queue. Claimed tasks that are
// neither acked nor requeued before their visibility deadline are
// re-delivered to another worker.
type Queue interface {
	// Enqueue admits a task for immediate execution. Returns
	// ErrDuplicateJob when the task ID was already admitted.
	Enqueue(ctx context.Context, task *Task) error

	// Delay admits a task that becomes ready at runAt.
	Delay(ctx context.Context, task *Task, runAt time.Time) error

	// Claim blocks up to the given duration for a ready task. Returns
	// (nil, nil) when the wait times out.
	Claim(ctx context.Context, block time.Duration) (*Task, error)

	// Ack marks a claimed task done and drops it from the queue.
	Ack(ctx context.Context, taskID string) error

	// Requeue releases a claimed task back to the delayed set with an
	// updated payload, without consuming the dedup slot.
	Requeue(ctx context.Context, task *Task, runAt time.Time) error

	// Remove deletes a task that has not been claimed yet. Reports
	// whether anything was removed; claimed tasks cannot be removed.
	Remove(ctx context.Context, taskID string) (bool, error)

	Counts(ctx context.Context) (Counts, error)
	PromoteDue(ctx context.Context) (int, error)
	ReapExpired(ctx context.Context) (int, error)
}

// promoteScript moves due tasks from the delayed set to the ready list.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #due
`)

// reapScript re-delivers claimed tasks whose visibility deadline passed,
// then stamps a provisional deadline on any processing entry that has no
// claim (a worker died between claiming and registering).
var reapScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LREM', KEYS[2], 0, id)
  redis.call('LPUSH', KEYS[3], id)
end
local orphans = redis.call('LRANGE', KEYS[2], 0, -1)
for _, id in ipairs(orphans) do
  if redis.call('ZSCORE', KEYS[1], id) == false then
    redis.call('ZADD', KEYS[1], ARGV[2], id)
  end
end
return #expired
`)

// ackScript drops a claimed task entirely.
var ackScript = redis.NewScript(`
redis.call('LREM', KEYS[1], 0, ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

// requeueScript releases a claim and parks the task in the delayed set.
var requeueScript = redis.NewScript(`
redis.call('LREM', KEYS[1], 0, ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
return 1
`)

// removeScript deletes a task only while it is still waiting (ready or
// delayed). A claimed task is owned by its worker and stays put.
var removeScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
removed = removed + redis.call('LREM', KEYS[2], 0, ARGV[1])
if removed > 0 then
  redis.call('HDEL', KEYS[3], ARGV[1])
  redis.call('DEL', KEYS[4])
  return 1
end
return 0
`)

// RedisQueue implements Queue on plain Redis structures: a ready list, a
// delayed zset scored by run-at time, a claims zset scored by visibility
// deadline, and a payload hash.
type RedisQueue struct {
	client        *redis.Client
	name          string
	dedupTTL      time.Duration
	visibilityTTL time.Duration
}

func NewRedisQueue(client *redis.Client, name string, dedupTTL, visibilityTTL time.Duration) *RedisQueue {
	if dedupTTL <= 0 {
		dedupTTL = 24 * time.Hour
	}
	if visibilityTTL <= 0 {
		visibilityTTL = 15 * time.Minute
	}
	return &RedisQueue{client: client, name: name, dedupTTL: dedupTTL, visibilityTTL: visibilityTTL}
}

func (q *RedisQueue) readyKey() string      { return "queue:" + q.name + ":ready" }
func (q *RedisQueue) processingKey() string { return "queue:" + q.name + ":processing" }
func (q *RedisQueue) delayedKey() string    { return "queue:" + q.name + ":delayed" }
func (q *RedisQueue) claimsKey() string     { return "queue:" + q.name + ":claims" }
func (q *RedisQueue) tasksKey() string      { return "queue:" + q.name + ":tasks" }
func (q *RedisQueue) dedupKey(id string) string {
	return "queue:" + q.name + ":dedup:" + id
}

func (q *RedisQueue) admit(ctx context.Context, task *Task) ([]byte, error) {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	ok, err := q.client.SetNX(ctx, q.dedupKey(task.ID), 1, q.dedupTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("set dedup key: %w", err)
	}
	if !ok {
		return nil, ErrDuplicateJob
	}

	if err := q.client.HSet(ctx, q.tasksKey(), task.ID, payload).Err(); err != nil {
		return nil, fmt.Errorf("store task payload: %w", err)
	}
	return payload, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, task *Task) error {
	if _, err := q.admit(ctx, task); err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.readyKey(), task.ID).Err(); err != nil {
		return fmt.Errorf("push task to ready list: %w", err)
	}
	return nil
}

func (q *RedisQueue) Delay(ctx context.Context, task *Task, runAt time.Time) error {
	if _, err := q.admit(ctx, task); err != nil {
		return err
	}
	err := q.client.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: task.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("add task to delayed set: %w", err)
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context, block time.Duration) (*Task, error) {
	id, err := q.client.BLMove(ctx, q.readyKey(), q.processingKey(), "RIGHT", "LEFT", block).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}

	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	if err := q.client.ZAdd(ctx, q.claimsKey(), redis.Z{Score: float64(deadline), Member: id}).Err(); err != nil {
		return nil, fmt.Errorf("register claim: %w", err)
	}

	payload, err := q.client.HGet(ctx, q.tasksKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		// Payload was removed while the ID sat in the ready list.
		if ackErr := q.Ack(ctx, id); ackErr != nil {
			return nil, ackErr
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load task payload: %w", err)
	}

	var task Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return nil, fmt.Errorf("decode task payload: %w", err)
	}
	return &task, nil
}

func (q *RedisQueue) Ack(ctx context.Context, taskID string) error {
	err := ackScript.Run(ctx, q.client,
		[]string{q.processingKey(), q.claimsKey(), q.tasksKey()}, taskID).Err()
	if err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	return nil
}

func (q *RedisQueue) Requeue(ctx context.Context, task *Task, runAt time.Time) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	err = requeueScript.Run(ctx, q.client,
		[]string{q.processingKey(), q.claimsKey(), q.tasksKey(), q.delayedKey()},
		task.ID, payload, runAt.UnixMilli()).Err()
	if err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	return nil
}

func (q *RedisQueue) Remove(ctx context.Context, taskID string) (bool, error) {
	removed, err := removeScript.Run(ctx, q.client,
		[]string{q.delayedKey(), q.readyKey(), q.tasksKey(), q.dedupKey(taskID)},
		taskID).Int()
	if err != nil {
		return false, fmt.Errorf("remove task: %w", err)
	}
	return removed == 1, nil
}

func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	processing := pipe.LLen(ctx, q.processingKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("queue counts: %w", err)
	}
	return Counts{
		Ready:      ready.Val(),
		Delayed:    delayed.Val(),
		Processing: processing.Val(),
	}, nil
}

func (q *RedisQueue) PromoteDue(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey(), q.readyKey()},
		time.Now().UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("promote due tasks: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) ReapExpired(ctx context.Context) (int, error) {
	now := time.Now()
	n, err := reapScript.Run(ctx, q.client,
		[]string{q.claimsKey(), q.processingKey(), q.readyKey()},
		now.UnixMilli(), now.Add(q.visibilityTTL).UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("reap expired claims: %w", err)
	}
	return n, nil
}
