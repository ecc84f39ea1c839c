package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/pyneda/minion/internal/metrics"
)

const (
	keyTask    = "minion:task:"
	keyQueue   = "minion:queue:"
	keyResult  = "minion:result:"
	keyRevoked = "minion:revoked:"
	keyLease   = "minion:lease:"

	cancelChannel = "minion:cancel"

	taskRetention   = 24 * time.Hour
	resultRetention = time.Hour

	// claimInterval bounds every blocking pop so claim loops notice
	// context cancellation.
	claimInterval = 5 * time.Second
)

var (
	// ErrNoTask is returned by Dequeue when the claim window elapsed empty.
	ErrNoTask = errors.New("no task available")
)

// Task is one unit of work on the bus. Handles are assigned client-side so a
// submitter can persist the handle before the task becomes visible to any
// worker.
type Task struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Queue   string          `json:"queue,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Created time.Time       `json:"created_at"`
}

// NewTask builds a task with a fresh handle and a marshaled payload.
func NewTask(name string, payload interface{}) (*Task, error) {
	task := &Task{
		ID:      uuid.NewString(),
		Name:    name,
		Created: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload for %s: %w", name, err)
		}
		task.Payload = data
	}
	return task, nil
}

// Bind unmarshals the task payload into v.
func (t *Task) Bind(v interface{}) error {
	return json.Unmarshal(t.Payload, v)
}

// Result is the completion record of a task, delivered once through the
// task's result mailbox.
type Result struct {
	TaskID  string `json:"task_id"`
	State   string `json:"state,omitempty"`
	Revoked bool   `json:"revoked,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Err materializes the Error field.
func (r Result) Err() error {
	if r.Error == "" {
		return nil
	}
	return errors.New(r.Error)
}

// Bus is the redis-backed task transport: FIFO queues, per-task result
// mailboxes, revocation flags and a cancel broadcast channel.
type Bus struct {
	client *redis.Client
}

// New connects to redis and verifies the connection.
func New(addr, password string, db int) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Bus{client: client}, nil
}

// FromConfig connects using the redis.* configuration tree.
func FromConfig() (*Bus, error) {
	return New(
		viper.GetString("redis.address"),
		viper.GetString("redis.password"),
		viper.GetInt("redis.db"),
	)
}

func (b *Bus) Close() error {
	return b.client.Close()
}

// Client returns the underlying redis client for health checks.
func (b *Bus) Client() *redis.Client {
	return b.client
}

// Enqueue stores the task document and pushes its handle onto the queue.
func (b *Bus) Enqueue(ctx context.Context, queue string, task *Task) error {
	task.Queue = queue
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}

	pipe := b.client.Pipeline()
	pipe.Set(ctx, keyTask+task.ID, data, taskRetention)
	pipe.LPush(ctx, keyQueue+queue, task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", task.ID, err)
	}
	metrics.TaskEnqueued(queue)
	return nil
}

// Dequeue claims the oldest task from the queue, blocking for at most one
// claim window. ErrNoTask means the window elapsed empty.
func (b *Bus) Dequeue(ctx context.Context, queue string) (*Task, error) {
	vals, err := b.client.BRPop(ctx, claimInterval, keyQueue+queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoTask
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue from %s: %w", queue, err)
	}

	taskID := vals[1]
	data, err := b.client.Get(ctx, keyTask+taskID).Result()
	if errors.Is(err, redis.Nil) {
		// Task document expired while queued.
		return nil, ErrNoTask
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", taskID, err)
	}

	var task Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task %s: %w", taskID, err)
	}
	return &task, nil
}

// Finish delivers the task's result to its mailbox.
func (b *Bus) Finish(ctx context.Context, task *Task, result Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result for task %s: %w", task.ID, err)
	}

	pipe := b.client.Pipeline()
	pipe.LPush(ctx, keyResult+task.ID, data)
	pipe.Expire(ctx, keyResult+task.ID, resultRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to deliver result for task %s: %w", task.ID, err)
	}
	metrics.TaskCompleted(task.Queue)
	return nil
}

// Wait blocks until the task's result arrives or the context ends.
func (b *Bus) Wait(ctx context.Context, taskID string) (Result, error) {
	key := keyResult + taskID
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		vals, err := b.client.BRPop(ctx, claimInterval, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("failed to wait for task %s: %w", taskID, err)
		}

		var result Result
		if err := json.Unmarshal([]byte(vals[1]), &result); err != nil {
			return Result{}, fmt.Errorf("failed to unmarshal result for task %s: %w", taskID, err)
		}
		return result, nil
	}
}

// Revoke flags the task and broadcasts a cancel to whichever worker may be
// executing it. Safe to call for queued, running or already-finished tasks.
func (b *Bus) Revoke(ctx context.Context, taskID string) error {
	pipe := b.client.Pipeline()
	pipe.Set(ctx, keyRevoked+taskID, "1", taskRetention)
	pipe.Publish(ctx, cancelChannel, taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to revoke task %s: %w", taskID, err)
	}
	return nil
}

// Revoked reports whether the task has been revoked.
func (b *Bus) Revoked(ctx context.Context, taskID string) (bool, error) {
	n, err := b.client.Exists(ctx, keyRevoked+taskID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation of task %s: %w", taskID, err)
	}
	return n > 0, nil
}

// SubscribeCancels returns a subscription to the cancel broadcast channel.
func (b *Bus) SubscribeCancels(ctx context.Context) *redis.PubSub {
	return b.client.Subscribe(ctx, cancelChannel)
}

// Depths reports the number of waiting tasks per queue.
func (b *Bus) Depths(ctx context.Context, queues ...string) (map[string]int64, error) {
	out := make(map[string]int64, len(queues))
	for _, queue := range queues {
		n, err := b.client.LLen(ctx, keyQueue+queue).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to measure queue %s: %w", queue, err)
		}
		out[queue] = n
	}
	return out, nil
}
