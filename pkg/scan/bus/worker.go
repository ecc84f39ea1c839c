package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// Handler executes one named task. The returned state becomes the task's
// result value; a non-nil error marks the result failed.
type Handler func(ctx context.Context, task *Task) (string, error)

// Worker claims tasks from one queue, one at a time, and runs the registered
// handler. A revocation broadcast cancels the matching task's context while
// it runs; tasks revoked before they are claimed are acknowledged without
// running.
type Worker struct {
	bus      *Bus
	queue    string
	handlers map[string]Handler

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func NewWorker(b *Bus, queue string, handlers map[string]Handler) *Worker {
	return &Worker{
		bus:      b,
		queue:    queue,
		handlers: handlers,
		active:   make(map[string]context.CancelFunc),
	}
}

// Run consumes the queue until the context ends.
func (w *Worker) Run(ctx context.Context) {
	log.Info().Str("queue", w.queue).Msg("Worker started")

	// Confirm the cancel subscription before claiming anything, so a revoke
	// for a task this worker holds cannot be missed.
	pubsub := w.bus.SubscribeCancels(ctx)
	if _, err := pubsub.Receive(ctx); err != nil {
		log.Error().Err(err).Str("queue", w.queue).Msg("Cancel subscription failed")
	}
	var wg conc.WaitGroup
	wg.Go(func() { w.watchCancels(pubsub.Channel()) })
	defer wg.Wait()
	defer pubsub.Close()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("queue", w.queue).Msg("Worker stopped")
			return
		default:
		}

		task, err := w.bus.Dequeue(ctx, w.queue)
		if errors.Is(err, ErrNoTask) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Error().Err(err).Str("queue", w.queue).Msg("Dequeue failed")
			time.Sleep(time.Second)
			continue
		}

		w.execute(ctx, task)
	}
}

func (w *Worker) execute(ctx context.Context, task *Task) {
	logger := log.With().Str("task", task.ID).Str("name", task.Name).Str("queue", w.queue).Logger()

	revoked, err := w.bus.Revoked(ctx, task.ID)
	if err != nil {
		logger.Error().Err(err).Msg("Revocation check failed")
	}
	if revoked {
		logger.Debug().Msg("Task was revoked before it ran")
		w.finish(ctx, task, Result{TaskID: task.ID, Revoked: true})
		return
	}

	handler, ok := w.handlers[task.Name]
	if !ok {
		logger.Error().Msg("No handler registered for task")
		w.finish(ctx, task, Result{TaskID: task.ID, Error: fmt.Sprintf("unknown task %s", task.Name)})
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.active[task.ID] = cancel
	w.mu.Unlock()

	state, err := handler(taskCtx, task)

	w.mu.Lock()
	delete(w.active, task.ID)
	w.mu.Unlock()
	cancel()

	result := Result{TaskID: task.ID, State: state}
	if err != nil {
		logger.Error().Err(err).Msg("Task failed")
		result.Error = err.Error()
	}
	if revoked, _ := w.bus.Revoked(ctx, task.ID); revoked {
		result.Revoked = true
	}
	w.finish(ctx, task, result)
}

// finish delivers the result even when the worker is shutting down.
func (w *Worker) finish(ctx context.Context, task *Task, result Result) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := w.bus.Finish(ctx, task, result); err != nil {
		log.Error().Err(err).Str("task", task.ID).Msg("Failed to deliver task result")
	}
}

func (w *Worker) watchCancels(ch <-chan *redis.Message) {
	for msg := range ch {
		w.mu.Lock()
		cancel, ok := w.active[msg.Payload]
		w.mu.Unlock()
		if ok {
			log.Debug().Str("task", msg.Payload).Msg("Cancelling running task")
			cancel()
		}
	}
}
