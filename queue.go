// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
)

const (
	defaultTaskTTL = 24 * time.Hour
)

// Queue is a priority queue of tasks on top of a shared Store. Any number
// of Queue instances, in any number of processes, may use the same store
// and namespace concurrently.
type Queue struct {
	st     Store
	logger log.Logger
	ttl    time.Duration
	policy RetryPolicy
	now    func() time.Time
	newID  func() string

	mu       sync.Mutex
	counters counters
}

// NewQueue creates a new queue on top of the given store.
//
// Configure the queue with Set methods.
// Example:
//
//	q := taskqueue.NewQueue(store, taskqueue.SetTaskTTL(time.Hour), taskqueue.SetMaxRetries(5))
func NewQueue(st Store, options ...QueueOption) *Queue {
	q := &Queue{
		st:     st,
		logger: log.NewNopLogger(),
		ttl:    defaultTaskTTL,
		policy: DefaultRetryPolicy(),
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range options {
		opt(q)
	}
	return q
}

// QueueOption is an options provider to be used when creating a new queue.
type QueueOption func(*Queue)

// SetLogger specifies the logger to use when reporting.
func SetLogger(logger log.Logger) QueueOption {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// SetMaxRetries specifies the default number of retries of new tasks.
func SetMaxRetries(n int) QueueOption {
	return func(q *Queue) {
		if n < 0 {
			n = 0
		}
		q.policy.MaxRetries = n
	}
}

// SetTaskTTL specifies how long task records live in the store. The TTL
// is refreshed on every state change.
func SetTaskTTL(ttl time.Duration) QueueOption {
	return func(q *Queue) {
		if ttl > 0 {
			q.ttl = ttl
		}
	}
}

// SetDeadLetter enables or disables the dead-letter set. When disabled,
// exhausted tasks end up in the failed set.
func SetDeadLetter(enabled bool) QueueOption {
	return func(q *Queue) {
		q.policy.DeadLetter = enabled
	}
}

// SetClock replaces the clock used for timestamps and scores.
func SetClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// SetIDGenerator replaces the generator of task ids used when Enqueue is
// called without an id.
func SetIDGenerator(fn func() string) QueueOption {
	return func(q *Queue) {
		if fn != nil {
			q.newID = fn
		}
	}
}

// Store returns the backing store of the queue.
func (q *Queue) Store() Store {
	return q.st
}

// EnqueueOption configures a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	maxRetries *int
}

// WithMaxRetries overrides the default number of retries for one task.
func WithMaxRetries(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		if n < 0 {
			n = 0
		}
		o.maxRetries = &n
	}
}

// Enqueue stores a new pending task. If id is empty, a new one is
// generated. Higher priorities are dequeued first, tasks of equal
// priority in the order they were enqueued.
func (q *Queue) Enqueue(ctx context.Context, id, taskType string, payload map[string]interface{}, priority Priority, opts ...EnqueueOption) (*TaskRecord, error) {
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, int(priority))
	}
	if strings.TrimSpace(taskType) == "" {
		return nil, ErrEmptyTaskType
	}
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	if id == "" {
		id = q.newID()
	}
	if payload == nil {
		payload = make(map[string]interface{})
	}

	rec := &TaskRecord{
		ID:         id,
		Type:       taskType,
		Payload:    payload,
		Priority:   priority,
		State:      StatePending,
		MaxRetries: q.policy.MaxRetries,
		CreatedAt:  q.now(),
	}
	if o.maxRetries != nil {
		rec.MaxRetries = *o.maxRetries
	}

	if err := q.st.Add(ctx, rec, score(priority, rec.CreatedAt), q.ttl); err != nil {
		return nil, err
	}
	q.count(func(c *counters) { c.enqueued++ })
	level.Debug(q.logger).Log("msg", "task enqueued", "task_id", id, "task_type", taskType, "priority", priority)
	q.publish(ctx, TaskEnqueue, rec)
	return rec, nil
}

// Dequeue claims the next pending task for workerID, waiting up to
// timeout for one to become available. It returns nil if none became
// available in time.
//
// Ids whose record expired while waiting in the pending set are skipped.
func (q *Queue) Dequeue(ctx context.Context, workerID string, timeout time.Duration) (*TaskRecord, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		id, err := q.st.Pop(ctx, remaining)
		if err != nil {
			return nil, err
		}
		if id == "" {
			return nil, nil
		}
		// The id is out of the pending set now; finish the claim even if
		// ctx is canceled in the meantime.
		rec, err := q.claim(context.WithoutCancel(ctx), id, workerID)
		if errors.Is(err, ErrTaskNotFound) {
			level.Debug(q.logger).Log("msg", "skipping expired task", "task_id", id, "worker_id", workerID)
			continue
		}
		if err != nil {
			level.Error(q.logger).Log("msg", "popped task could not be claimed", "task_id", id, "worker_id", workerID, "err", err)
			return nil, err
		}
		if rec == nil {
			continue
		}
		q.count(func(c *counters) { c.dequeued++ })
		level.Debug(q.logger).Log("msg", "task claimed", "task_id", id, "worker_id", workerID)
		q.publish(ctx, TaskStart, rec)
		return rec, nil
	}
}

// claim marks a popped task as processing by workerID. The record is
// written before the claim is reported to the caller. A nil record means
// the id was popped but does not refer to a pending task.
func (q *Queue) claim(ctx context.Context, id, workerID string) (*TaskRecord, error) {
	rec, err := q.st.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State != StatePending {
		level.Warn(q.logger).Log("msg", "popped task is not pending", "task_id", id, "state", rec.State)
		return nil, nil
	}
	now := q.now()
	rec.State = StateProcessing
	rec.StartedAt = &now
	rec.WorkerID = workerID
	err = q.st.Move(ctx, rec, []State{StatePending}, 0, q.ttl)
	if errors.Is(err, ErrStateConflict) {
		level.Warn(q.logger).Log("msg", "popped task changed state before it was claimed", "task_id", id, "worker_id", workerID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// CompleteTask marks a task as completed. A non-nil result is stored in
// the payload under "result". Completing an unknown, expired or already
// finished task is logged and otherwise ignored.
func (q *Queue) CompleteTask(ctx context.Context, id string, result interface{}) error {
	rec, err := q.load(ctx, id, "complete")
	if err != nil || rec == nil {
		return err
	}

	now := q.now()
	rec.State = StateCompleted
	rec.CompletedAt = &now
	if result != nil {
		if rec.Payload == nil {
			rec.Payload = make(map[string]interface{})
		}
		rec.Payload["result"] = result
	}
	err = q.st.Move(ctx, rec, []State{StatePending, StateProcessing}, 0, q.ttl)
	if errors.Is(err, ErrTaskNotFound) {
		level.Warn(q.logger).Log("msg", "task expired before completion", "task_id", id)
		return nil
	}
	if errors.Is(err, ErrStateConflict) {
		level.Warn(q.logger).Log("msg", "task finished concurrently", "op", "complete", "task_id", id)
		return nil
	}
	if err != nil {
		return err
	}
	q.count(func(c *counters) { c.completed++ })
	level.Debug(q.logger).Log("msg", "task completed", "task_id", id)
	q.publish(ctx, TaskCompletion, rec)
	return nil
}

// FailTask records a failure of a task. If retry is true and the task has
// retries left, it goes back to pending with an exponential backoff of
// 2^retry_count seconds applied to its score. Otherwise it is moved to
// the dead-letter set, or the failed set if dead-lettering is disabled.
// Failing an unknown, expired or already finished task is logged and
// otherwise ignored.
func (q *Queue) FailTask(ctx context.Context, id, errMsg string, retry bool) error {
	rec, err := q.load(ctx, id, "fail")
	if err != nil || rec == nil {
		return err
	}

	now := q.now()
	rec.RetryCount++
	rec.Error = errMsg

	var sc float64
	switch next := q.policy.Next(rec, retry); next {
	case StatePending:
		rec.State = StatePending
		rec.StartedAt = nil
		rec.WorkerID = ""
		sc = score(rec.Priority, now.Add(Backoff(rec.RetryCount)))
	default:
		rec.State = next
	}

	err = q.st.Move(ctx, rec, []State{StatePending, StateProcessing}, sc, q.ttl)
	if errors.Is(err, ErrTaskNotFound) {
		level.Warn(q.logger).Log("msg", "task expired before failure was recorded", "task_id", id)
		return nil
	}
	if errors.Is(err, ErrStateConflict) {
		level.Warn(q.logger).Log("msg", "task finished concurrently", "op", "fail", "task_id", id)
		return nil
	}
	if err != nil {
		return err
	}

	if rec.State == StatePending {
		q.count(func(c *counters) { c.retried++ })
		level.Info(q.logger).Log("msg", "task scheduled for retry", "task_id", id, "retry_count", rec.RetryCount, "max_retries", rec.MaxRetries, "backoff", Backoff(rec.RetryCount), "err", errMsg)
		q.publish(ctx, TaskRetry, rec)
		return nil
	}
	q.count(func(c *counters) { c.failed++ })
	level.Warn(q.logger).Log("msg", "task failed permanently", "task_id", id, "state", rec.State, "retry_count", rec.RetryCount, "err", errMsg)
	q.publish(ctx, TaskFailure, rec)
	return nil
}

// load returns the record of a task about to be completed or failed. It
// returns nil without error if the task is gone or already finished.
func (q *Queue) load(ctx context.Context, id, op string) (*TaskRecord, error) {
	rec, err := q.st.Get(ctx, id)
	if errors.Is(err, ErrTaskNotFound) {
		level.Warn(q.logger).Log("msg", "task not found", "op", op, "task_id", id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.State.Terminal() {
		level.Warn(q.logger).Log("msg", "task already finished", "op", op, "task_id", id, "state", rec.State)
		return nil, nil
	}
	return rec, nil
}

// RetryDeadLetterTask moves a dead-lettered task back into the pending
// set with its retry count reset. Tasks never leave the dead-letter set
// on their own.
func (q *Queue) RetryDeadLetterTask(ctx context.Context, id string) error {
	rec, err := q.st.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.State != StateDeadLetter {
		return fmt.Errorf("%w: %s is %s", ErrNotDeadLetter, id, rec.State)
	}

	rec.State = StatePending
	rec.RetryCount = 0
	rec.Error = ""
	rec.StartedAt = nil
	rec.CompletedAt = nil
	rec.WorkerID = ""
	err = q.st.Move(ctx, rec, []State{StateDeadLetter}, score(rec.Priority, q.now()), q.ttl)
	if errors.Is(err, ErrStateConflict) {
		return fmt.Errorf("%w: %s was requeued concurrently", ErrNotDeadLetter, id)
	}
	if err != nil {
		return err
	}
	level.Info(q.logger).Log("msg", "dead-lettered task requeued", "task_id", id)
	q.publish(ctx, TaskRequeue, rec)
	return nil
}

// RequeueProcessing moves every task in the processing set back into the
// pending set and returns how many were moved. It exists for operators to
// recover tasks of crashed workers: there are no leases or heartbeats, so
// it must only be called when no worker is running against the namespace.
// Processing ids whose record has expired are dropped.
func (q *Queue) RequeueProcessing(ctx context.Context) (int, error) {
	ids, err := q.st.Members(ctx, StateProcessing, 0)
	if err != nil {
		return 0, err
	}
	var n int
	for _, id := range ids {
		rec, err := q.st.Get(ctx, id)
		if errors.Is(err, ErrTaskNotFound) {
			if err := q.st.Delete(ctx, id, StateProcessing); err != nil {
				return n, err
			}
			continue
		}
		if err != nil {
			return n, err
		}
		rec.State = StatePending
		rec.StartedAt = nil
		rec.WorkerID = ""
		err = q.st.Move(ctx, rec, []State{StateProcessing}, score(rec.Priority, q.now()), q.ttl)
		if errors.Is(err, ErrTaskNotFound) || errors.Is(err, ErrStateConflict) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
		q.publish(ctx, TaskRequeue, rec)
	}
	if n > 0 {
		level.Info(q.logger).Log("msg", "requeued processing tasks", "count", n)
	}
	return n, nil
}

// GetTask returns the record of a task. It returns ErrTaskNotFound if the
// task has expired or never existed.
func (q *Queue) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	return q.st.Get(ctx, id)
}

// ListTasks returns up to limit tasks in the given state. Pending tasks
// are returned in dequeue order. Expired tasks are skipped and do not count
// towards limit. A limit <= 0 returns all tasks.
func (q *Queue) ListTasks(ctx context.Context, state State, limit int) ([]*TaskRecord, error) {
	ids, err := q.st.Members(ctx, state, 0)
	if err != nil {
		return nil, err
	}
	tasks := make([]*TaskRecord, 0)
	for _, id := range ids {
		if limit > 0 && len(tasks) >= limit {
			break
		}
		rec, err := q.st.Get(ctx, id)
		if errors.Is(err, ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, rec)
	}
	return tasks, nil
}

// ClearCompleted deletes completed tasks that finished more than
// olderThan ago and returns how many were deleted. Completed ids whose
// record has already expired are removed as well. Tasks in other states
// are never touched.
func (q *Queue) ClearCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	ids, err := q.st.Members(ctx, StateCompleted, 0)
	if err != nil {
		return 0, err
	}
	threshold := q.now().Add(-olderThan)
	var n int
	for _, id := range ids {
		rec, err := q.st.Get(ctx, id)
		if errors.Is(err, ErrTaskNotFound) {
			if err := q.st.Delete(ctx, id, StateCompleted); err != nil {
				return n, err
			}
			continue
		}
		if err != nil {
			return n, err
		}
		if rec.State != StateCompleted || rec.CompletedAt == nil {
			continue
		}
		if rec.CompletedAt.Before(threshold) {
			if err := q.st.Delete(ctx, id, StateCompleted); err != nil {
				return n, err
			}
			n++
		}
	}
	level.Debug(q.logger).Log("msg", "cleared completed tasks", "count", n, "older_than", olderThan)
	return n, nil
}

func (q *Queue) publish(ctx context.Context, typ string, rec *TaskRecord) {
	if err := q.st.Publish(ctx, &WatchEvent{Type: typ, Task: rec}); err != nil {
		level.Warn(q.logger).Log("msg", "publishing event failed", "event", typ, "err", err)
	}
}
