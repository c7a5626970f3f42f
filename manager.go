// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	defaultPollTimeout = 2 * time.Second
	defaultConcurrency = 5
)

func nop() {}

var (
	testWorkerStarted = nop // testing hook
	testWorkerStopped = nop // testing hook
)

// Manager runs a pool of workers that dequeue tasks from a Queue and pass
// them to the Processor registered for their task type. Any number of
// managers, in any number of processes, may work on the same queue.
type Manager struct {
	mu          sync.Mutex
	started     bool
	logger      log.Logger
	tm          map[string]Processor // key: task type
	q           *Queue
	name        string
	pollTimeout time.Duration
	concurrency int
	recover     bool
	stopPolling context.CancelFunc
	stopTasks   context.CancelFunc
	workersWg   sync.WaitGroup
}

// NewManager creates a new manager working on q.
//
// Configure the manager with Set methods.
// Example:
//
//	m := taskqueue.NewManager(q, taskqueue.SetConcurrency(10))
func NewManager(q *Queue, options ...ManagerOption) *Manager {
	host, _ := os.Hostname()
	m := &Manager{
		tm:          make(map[string]Processor),
		logger:      q.logger,
		q:           q,
		name:        fmt.Sprintf("%s-%d", host, os.Getpid()),
		pollTimeout: defaultPollTimeout,
		concurrency: defaultConcurrency,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// ManagerOption is an options provider to be used when creating a
// new manager.
type ManagerOption func(*Manager)

// SetManagerLogger specifies the logger of the manager. It defaults to
// the logger of the queue.
func SetManagerLogger(logger log.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// SetPollTimeout specifies how long a worker waits in Dequeue before
// polling again.
func SetPollTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.pollTimeout = d
		}
	}
}

// SetConcurrency specifies the number of workers working in parallel.
// Concurrency must be greater or equal to 1 and is 5 by default.
func SetConcurrency(n int) ManagerOption {
	return func(m *Manager) {
		if n < 1 {
			n = 1
		}
		m.concurrency = n
	}
}

// SetWorkerName specifies the prefix of the worker ids of this manager.
// It defaults to hostname and process id.
func SetWorkerName(name string) ManagerOption {
	return func(m *Manager) {
		if name != "" {
			m.name = name
		}
	}
}

// SetRecoverOnStart moves all processing tasks back into the pending set
// when the manager starts. Only enable this if the manager is the only
// one working on the queue, otherwise tasks of live workers are requeued.
func SetRecoverOnStart(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.recover = enabled
	}
}

// Register registers a task type and the associated processor.
func (m *Manager) Register(taskType string, p Processor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, found := m.tm[taskType]; found {
		return fmt.Errorf("task type %q already registered", taskType)
	}
	m.tm[taskType] = p
	return nil
}

// Start runs the workers. Use Close to stop them.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("manager already started")
	}

	if m.recover {
		// Move stalled tasks from a previous run back into pending
		if _, err := m.q.RequeueProcessing(context.Background()); err != nil {
			return err
		}
	}

	pollCtx, stopPolling := context.WithCancel(context.Background())
	taskCtx, stopTasks := context.WithCancel(context.Background())
	m.stopPolling = stopPolling
	m.stopTasks = stopTasks
	for i := 0; i < m.concurrency; i++ {
		m.workersWg.Add(1)
		w := &worker{
			m:  m,
			id: fmt.Sprintf("%s-%d", m.name, i),
		}
		go w.run(pollCtx, taskCtx)
	}
	m.started = true

	m.q.Store().Publish(context.Background(), &WatchEvent{Type: ManagerStart})
	level.Info(m.logger).Log("msg", "manager started", "workers", m.concurrency)
	return nil
}

// Close stops the manager and waits until all running tasks are
// completed. Use CloseWithTimeout to limit the wait.
func (m *Manager) Close() error {
	return m.CloseWithTimeout(-1 * time.Second)
}

// CloseWithTimeout stops dequeuing new tasks and waits up to timeout for
// running tasks to finish. After the timeout, the context passed to
// running processors is canceled. Use a negative timeout to wait
// indefinitely.
func (m *Manager) CloseWithTimeout(timeout time.Duration) (err error) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	m.mu.Unlock()

	// Stop accepting new tasks
	m.stopPolling()
	defer m.stopTasks()

	complete := make(chan struct{})
	go func() {
		m.workersWg.Wait()
		close(complete)
	}()

	if timeout < 0 {
		<-complete
	} else {
		select {
		case <-complete:
		case <-time.After(timeout):
			// Time out waiting for active tasks
			m.stopTasks()
			<-complete
			err = errors.New("timeout")
		}
	}

	m.q.Store().Publish(context.Background(), &WatchEvent{Type: ManagerStop})
	level.Info(m.logger).Log("msg", "manager stopped")
	return
}

// -- worker --

// worker dequeues tasks and runs them via the Processor of their type.
type worker struct {
	m  *Manager
	id string
}

func (w *worker) run(pollCtx, taskCtx context.Context) {
	defer w.m.workersWg.Done()
	testWorkerStarted()
	defer testWorkerStopped()

	for {
		if pollCtx.Err() != nil {
			return
		}
		rec, err := w.m.q.Dequeue(pollCtx, w.id, w.m.pollTimeout)
		if err != nil {
			if pollCtx.Err() != nil {
				return
			}
			level.Error(w.m.logger).Log("msg", "dequeue failed", "worker_id", w.id, "err", err)
			select {
			case <-pollCtx.Done():
				return
			case <-time.After(w.m.pollTimeout):
			}
			continue
		}
		if rec == nil {
			continue
		}
		if err := w.process(taskCtx, rec); err != nil {
			// This is a hard error: retry and dead-lettering are covered by process
			level.Error(w.m.logger).Log("msg", "processing task failed", "task_id", rec.ID, "worker_id", w.id, "err", err)
		}
	}
}

func (w *worker) process(ctx context.Context, rec *TaskRecord) error {
	// Results are recorded even if the manager is shutting down.
	done := context.WithoutCancel(ctx)

	w.m.mu.Lock()
	p, found := w.m.tm[rec.Type]
	w.m.mu.Unlock()
	if !found {
		return w.m.q.FailTask(done, rec.ID, fmt.Sprintf("no processor for task type %q", rec.Type), false)
	}

	result, err := w.call(ctx, p, rec)
	if err != nil {
		return w.m.q.FailTask(done, rec.ID, err.Error(), !IsPermanent(err))
	}
	return w.m.q.CompleteTask(done, rec.ID, result)
}

// call runs the processor and turns a panic into an error.
func (w *worker) call(ctx context.Context, p Processor, rec *TaskRecord) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return p(ctx, rec)
}
