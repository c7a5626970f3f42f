// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const testPollTimeout = 50 * time.Millisecond

// waitForState polls the store until the task is in the given state.
func waitForState(t *testing.T, q *Queue, id string, state State) *TaskRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := q.GetTask(context.Background(), id)
		if err == nil && rec.State == state {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach state %s", id, state)
	return nil
}

func TestManagerDefaults(t *testing.T) {
	q := NewQueue(NewInMemoryStore())
	m := NewManager(q)
	if m.q != q {
		t.Fatalf("want Queue %p, got %p", q, m.q)
	}
	if want, got := defaultConcurrency, m.concurrency; want != got {
		t.Errorf("want %v, got %v", want, got)
	}
	if want, got := defaultPollTimeout, m.pollTimeout; want != got {
		t.Errorf("want %v, got %v", want, got)
	}
	if m.name == "" {
		t.Error("want worker name, got empty string")
	}
	if m.recover {
		t.Error("want recover on start to be disabled")
	}
}

func TestManagerOptions(t *testing.T) {
	q := NewQueue(NewInMemoryStore())
	m := NewManager(q,
		SetConcurrency(0),
		SetPollTimeout(time.Minute),
		SetWorkerName("codegen"),
		SetRecoverOnStart(true),
	)
	if want, got := 1, m.concurrency; want != got {
		t.Errorf("want %v, got %v", want, got)
	}
	if want, got := time.Minute, m.pollTimeout; want != got {
		t.Errorf("want %v, got %v", want, got)
	}
	if want, got := "codegen", m.name; want != got {
		t.Errorf("want %q, got %q", want, got)
	}
	if !m.recover {
		t.Error("want recover on start to be enabled")
	}
}

func TestManagerStartAndStop(t *testing.T) {
	var (
		mu          sync.Mutex
		start, stop time.Time
	)
	testWorkerStarted = func() {
		mu.Lock()
		start = time.Now()
		mu.Unlock()
	}
	testWorkerStopped = func() {
		mu.Lock()
		stop = time.Now()
		mu.Unlock()
	}
	defer func() {
		testWorkerStarted = nop
		testWorkerStopped = nop
	}()

	m := NewManager(NewQueue(NewInMemoryStore()), SetPollTimeout(testPollTimeout), SetConcurrency(1))
	err := m.Start()
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err == nil {
		t.Fatal("expected error when starting twice")
	}
	time.Sleep(200 * time.Millisecond)
	err = m.Close()
	if err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if start.IsZero() {
		t.Error("expected worker to be started")
	}
	if stop.IsZero() {
		t.Error("expected worker to be stopped")
	}
	if !stop.After(start) {
		t.Error("expected worker to be stopped after being started")
	}

	// Closing a stopped manager is a no-op
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestManagerRegisterDuplicate(t *testing.T) {
	m := NewManager(NewQueue(NewInMemoryStore()))
	p := func(ctx context.Context, task *TaskRecord) (interface{}, error) {
		return nil, nil
	}
	if err := m.Register("codegen", p); err != nil {
		t.Fatal(err)
	}
	if err := m.Register("codegen", p); err == nil {
		t.Fatalf("expected error, got %v", err)
	}
}

func TestManagerProcessorSuccess(t *testing.T) {
	q := NewQueue(NewInMemoryStore())
	m := NewManager(q, SetPollTimeout(testPollTimeout), SetConcurrency(3), SetWorkerName("test"))
	err := m.Register("codegen", func(ctx context.Context, task *TaskRecord) (interface{}, error) {
		if s, _ := task.Payload["file"].(string); s != "main.go" {
			return nil, fmt.Errorf("payload == %v", task.Payload)
		}
		if task.State != StateProcessing {
			return nil, fmt.Errorf("state == %s", task.State)
		}
		return "generated", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	_, err = q.Enqueue(context.Background(), "t1", "codegen", map[string]interface{}{"file": "main.go"}, PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}

	rec := waitForState(t, q, "t1", StateCompleted)
	if want, got := "generated", rec.Payload["result"]; want != got {
		t.Errorf("want %v, got %v", want, got)
	}
	if rec.CompletedAt == nil {
		t.Error("want CompletedAt to be set")
	}
	if want, got := 0, rec.RetryCount; want != got {
		t.Errorf("want %d, got %d", want, got)
	}
}

func TestManagerProcessorRetry(t *testing.T) {
	q := NewQueue(NewInMemoryStore())
	m := NewManager(q, SetPollTimeout(testPollTimeout), SetConcurrency(1))
	var calls int32
	err := m.Register("codegen", func(ctx context.Context, task *TaskRecord) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New("flaky")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if _, err := q.Enqueue(context.Background(), "t1", "codegen", nil, PriorityNormal); err != nil {
		t.Fatal(err)
	}

	rec := waitForState(t, q, "t1", StateCompleted)
	if want, got := 2, rec.RetryCount; want != got {
		t.Errorf("want %d, got %d", want, got)
	}
	if want, got := int32(3), atomic.LoadInt32(&calls); want != got {
		t.Errorf("want %d, got %d", want, got)
	}
}

func TestManagerProcessorDeadLetter(t *testing.T) {
	q := NewQueue(NewInMemoryStore(), SetMaxRetries(2))
	m := NewManager(q, SetPollTimeout(testPollTimeout), SetConcurrency(2))
	var calls int32
	err := m.Register("codegen", func(ctx context.Context, task *TaskRecord) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("always failing")
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if _, err := q.Enqueue(context.Background(), "t1", "codegen", nil, PriorityNormal); err != nil {
		t.Fatal(err)
	}

	rec := waitForState(t, q, "t1", StateDeadLetter)
	if want, got := 3, rec.RetryCount; want != got {
		t.Errorf("want %d, got %d", want, got)
	}
	if want, got := "always failing", rec.Error; want != got {
		t.Errorf("want %q, got %q", want, got)
	}
	if want, got := int32(3), atomic.LoadInt32(&calls); want != got {
		t.Errorf("want %d, got %d", want, got)
	}
}

func TestManagerProcessorPermanentError(t *testing.T) {
	q := NewQueue(NewInMemoryStore(), SetMaxRetries(5))
	m := NewManager(q, SetPollTimeout(testPollTimeout), SetConcurrency(1))
	err := m.Register("codegen", func(ctx context.Context, task *TaskRecord) (interface{}, error) {
		return nil, Permanent(errors.New("invalid payload"))
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if _, err := q.Enqueue(context.Background(), "t1", "codegen", nil, PriorityNormal); err != nil {
		t.Fatal(err)
	}

	rec := waitForState(t, q, "t1", StateDeadLetter)
	if want, got := 1, rec.RetryCount; want != got {
		t.Errorf("want %d, got %d", want, got)
	}
	if want, got := "invalid payload", rec.Error; want != got {
		t.Errorf("want %q, got %q", want, got)
	}
}

func TestManagerUnknownTaskType(t *testing.T) {
	q := NewQueue(NewInMemoryStore(), SetDeadLetter(false))
	m := NewManager(q, SetPollTimeout(testPollTimeout), SetConcurrency(1))
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if _, err := q.Enqueue(context.Background(), "t1", "unknown", nil, PriorityNormal); err != nil {
		t.Fatal(err)
	}

	rec := waitForState(t, q, "t1", StateFailed)
	if want, got := `no processor for task type "unknown"`, rec.Error; want != got {
		t.Errorf("want %q, got %q", want, got)
	}
}

func TestManagerProcessorPanic(t *testing.T) {
	q := NewQueue(NewInMemoryStore(), SetMaxRetries(0))
	m := NewManager(q, SetPollTimeout(testPollTimeout), SetConcurrency(1))
	err := m.Register("codegen", func(ctx context.Context, task *TaskRecord) (interface{}, error) {
		panic("kaboom")
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if _, err := q.Enqueue(context.Background(), "t1", "codegen", nil, PriorityNormal); err != nil {
		t.Fatal(err)
	}

	rec := waitForState(t, q, "t1", StateDeadLetter)
	if want, got := "processor panic: kaboom", rec.Error; want != got {
		t.Errorf("want %q, got %q", want, got)
	}
}

func TestManagerPriorityOrder(t *testing.T) {
	q := NewQueue(NewInMemoryStore())
	var (
		mu    sync.Mutex
		order []string
	)
	m := NewManager(q, SetPollTimeout(testPollTimeout), SetConcurrency(1))
	err := m.Register("codegen", func(ctx context.Context, task *TaskRecord) (interface{}, error) {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// Enqueue before starting, so the worker sees all tasks at once
	for _, in := range []struct {
		id string
		p  Priority
	}{
		{"low", PriorityLow},
		{"critical", PriorityCritical},
		{"normal", PriorityNormal},
		{"high", PriorityHigh},
	} {
		if _, err := q.Enqueue(context.Background(), in.id, "codegen", nil, in.p); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	waitForState(t, q, "low", StateCompleted)

	mu.Lock()
	defer mu.Unlock()
	if want, got := "[critical high normal low]", fmt.Sprint(order); want != got {
		t.Errorf("want %s, got %s", want, got)
	}
}

func TestManagerRecoverOnStart(t *testing.T) {
	q := NewQueue(NewInMemoryStore())
	if _, err := q.Enqueue(context.Background(), "t1", "codegen", nil, PriorityNormal); err != nil {
		t.Fatal(err)
	}
	// Simulate a worker that crashed after claiming the task
	if rec, err := q.Dequeue(context.Background(), "crashed", time.Second); err != nil || rec == nil {
		t.Fatalf("want task, got %v (err=%v)", rec, err)
	}

	m := NewManager(q, SetPollTimeout(testPollTimeout), SetConcurrency(1), SetRecoverOnStart(true))
	err := m.Register("codegen", func(ctx context.Context, task *TaskRecord) (interface{}, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	rec := waitForState(t, q, "t1", StateCompleted)
	if rec.WorkerID == "crashed" {
		t.Errorf("want task to be reprocessed by another worker, got %q", rec.WorkerID)
	}
}

func TestManagerCloseWithTimeout(t *testing.T) {
	q := NewQueue(NewInMemoryStore())
	m := NewManager(q, SetPollTimeout(testPollTimeout), SetConcurrency(1))
	running := make(chan struct{})
	err := m.Register("codegen", func(ctx context.Context, task *TaskRecord) (interface{}, error) {
		close(running)
		<-ctx.Done()
		return nil, Permanent(ctx.Err())
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(context.Background(), "t1", "codegen", nil, PriorityNormal); err != nil {
		t.Fatal(err)
	}

	select {
	case <-running:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for processor")
	}

	err = m.CloseWithTimeout(100 * time.Millisecond)
	if err == nil || err.Error() != "timeout" {
		t.Fatalf("want timeout error, got %v", err)
	}

	// The result of the canceled processor is still recorded
	rec := waitForState(t, q, "t1", StateDeadLetter)
	if want, got := context.Canceled.Error(), rec.Error; want != got {
		t.Errorf("want %q, got %q", want, got)
	}
}
