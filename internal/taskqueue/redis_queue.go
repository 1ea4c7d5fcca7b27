package taskqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on a Redis sorted set.
//
// Key: <prefix>tasks. Members are JSON-encoded tasks scored by
// NotBefore in Unix nanoseconds. A consumer owns a task once its ZREM
// succeeds, so competing consumers never receive the same task.
type RedisQueue struct {
	client       *redis.Client
	key          string
	pollInterval time.Duration
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "stepflow:").
func NewRedisQueue(client *redis.Client, prefix string, pollInterval time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = "stepflow:"
	}
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}
	return &RedisQueue{
		client:       client,
		key:          prefix + "tasks",
		pollInterval: pollInterval,
	}
}

type redisTask struct {
	ID         string    `json:"id"`
	Type       TaskType  `json:"type"`
	InstanceID string    `json:"instanceId"`
	StepNumber int       `json:"stepNumber,omitempty"`
	Escalated  bool      `json:"escalated,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	NotBefore  time.Time `json:"notBefore"`
	Attempts   int       `json:"attempts,omitempty"`
}

// Enqueue adds the task with its NotBefore as score (ZADD).
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	t = normalize(t)
	data, err := json.Marshal(redisTask(t))
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(t.NotBefore.UnixNano()),
		Member: data,
	}).Err()
}

// Dequeue polls for the earliest due task until one is claimed or ctx is
// cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := time.NewTimer(q.pollInterval)
	tmr.Stop()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		task, err := q.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if task != nil {
			return task, nil
		}

		tmr.Reset(q.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}

func (q *RedisQueue) claim(ctx context.Context) (*Task, error) {
	due, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixNano(), 10),
		Count: 8,
	}).Result()
	if err != nil {
		return nil, err
	}

	for _, member := range due {
		removed, err := q.client.ZRem(ctx, q.key, member).Result()
		if err != nil {
			return nil, err
		}
		if removed == 0 {
			// Claimed by another consumer.
			continue
		}
		var rt redisTask
		if err := json.Unmarshal([]byte(member), &rt); err != nil {
			slog.Default().Warn("task_decode_failed", slog.String("queue", q.key), slog.Any("error", err))
			continue
		}
		t := Task(rt)
		return &t, nil
	}
	return nil, nil
}

// Len returns the number of queued tasks (ZCARD).
func (q *RedisQueue) Len() int {
	n, err := q.client.ZCard(context.Background(), q.key).Result()
	if err != nil {
		slog.Default().Warn("task_queue_len_failed", slog.Any("error", err))
		return 0
	}
	return int(n)
}
