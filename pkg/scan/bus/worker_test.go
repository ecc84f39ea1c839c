package bus

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func waitForResult(t *testing.T, b *Bus, taskID string) Result {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := b.Wait(ctx, taskID)
	if err != nil {
		t.Fatalf("wait for %s: %v", taskID, err)
	}
	return result
}

func TestWorkerExecutesTask(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handlers := map[string]Handler{
		"work": func(ctx context.Context, task *Task) (string, error) {
			return "done", nil
		},
	}

	task, err := NewTask("work", nil)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	if err := b.Enqueue(ctx, "scan", task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	worker := NewWorker(b, "scan", handlers)
	go worker.Run(ctx)

	result := waitForResult(t, b, task.ID)
	if result.State != "done" || result.Err() != nil || result.Revoked {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestWorkerReportsHandlerError(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handlers := map[string]Handler{
		"work": func(ctx context.Context, task *Task) (string, error) {
			return "FAILED", context.DeadlineExceeded
		},
	}

	task, err := NewTask("work", nil)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	if err := b.Enqueue(ctx, "scan", task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	go NewWorker(b, "scan", handlers).Run(ctx)

	result := waitForResult(t, b, task.ID)
	if result.State != "FAILED" || result.Err() == nil {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestWorkerUnknownTask(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task, err := NewTask("nope", nil)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	if err := b.Enqueue(ctx, "scan", task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	go NewWorker(b, "scan", map[string]Handler{}).Run(ctx)

	result := waitForResult(t, b, task.ID)
	if result.Err() == nil || !strings.Contains(result.Error, "unknown task") {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestWorkerAcksTaskRevokedBeforeRun(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ran atomic.Bool
	handlers := map[string]Handler{
		"work": func(ctx context.Context, task *Task) (string, error) {
			ran.Store(true)
			return "done", nil
		},
	}

	task, err := NewTask("work", nil)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	if err := b.Enqueue(ctx, "scan", task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := b.Revoke(ctx, task.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	go NewWorker(b, "scan", handlers).Run(ctx)

	result := waitForResult(t, b, task.ID)
	if !result.Revoked {
		t.Fatalf("expected a revoked result, got %+v", result)
	}
	if ran.Load() {
		t.Fatal("handler must not run for a task revoked before claim")
	}
}

func TestWorkerCancelsRunningTaskOnRevoke(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	handlers := map[string]Handler{
		"work": func(ctx context.Context, task *Task) (string, error) {
			close(started)
			<-ctx.Done()
			return "STOPPED", nil
		},
	}

	task, err := NewTask("work", nil)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	if err := b.Enqueue(ctx, "scan", task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	go NewWorker(b, "scan", handlers).Run(ctx)

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("handler never started")
	}

	if err := b.Revoke(ctx, task.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	result := waitForResult(t, b, task.ID)
	if result.State != "STOPPED" || !result.Revoked {
		t.Fatalf("unexpected result: %+v", result)
	}
}
