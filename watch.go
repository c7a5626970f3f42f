// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log/level"
)

const (
	// ManagerStart event type is triggered on manager startup.
	ManagerStart = "MANAGER_START"
	// ManagerStop event type is triggered on manager shutdown.
	ManagerStop = "MANAGER_STOP"
	// QueueStats event type returns queue statistics periodically.
	QueueStats = "QUEUE_STATS"
	// TaskEnqueue event type is triggered when a new task is enqueued.
	TaskEnqueue = "TASK_ENQUEUE"
	// TaskStart event type is triggered when a worker claims a task.
	TaskStart = "TASK_START"
	// TaskRetry event type is triggered when a failed task is scheduled
	// for another attempt.
	TaskRetry = "TASK_RETRY"
	// TaskCompletion event type is triggered when a task completed successfully.
	TaskCompletion = "TASK_COMPLETION"
	// TaskFailure event type is triggered when a task has failed for good,
	// i.e. it was dead-lettered or moved to the failed set.
	TaskFailure = "TASK_FAILURE"
	// TaskRequeue event type is triggered when an operator moves a task
	// back into the pending set.
	TaskRequeue = "TASK_REQUEUE"
)

const watchBufferSize = 64

// WatchEvent is sent to consumers watching a queue.
type WatchEvent struct {
	Type  string      `json:"type"`            // event type
	Task  *TaskRecord `json:"task,omitempty"`  // task details
	Stats *Statistics `json:"stats,omitempty"` // statistics
}

// Watch enables consumers to watch events of all queue instances sharing
// the store namespace. Statistics of this instance are sent every
// interval; a non-positive interval disables them. The returned channel
// is closed after ctx is canceled.
func (q *Queue) Watch(ctx context.Context, interval time.Duration) <-chan *WatchEvent {
	// Events from the store and periodic statistics are produced on two
	// channels and merged into one.
	events := make(chan *WatchEvent, watchBufferSize)
	go func() {
		defer close(events)
		if err := q.st.Subscribe(ctx, events); err != nil {
			level.Warn(q.logger).Log("msg", "watch subscription ended", "err", err)
		}
	}()

	statsev := make(chan *WatchEvent)
	go func() {
		defer close(statsev)
		if interval <= 0 {
			<-ctx.Done()
			return
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				st, err := q.GetStatistics(ctx)
				if err != nil {
					// No stats
					break
				}
				select {
				case statsev <- &WatchEvent{Type: QueueStats, Stats: st}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return mergeWatchEvents(ctx.Done(), events, statsev)
}

// mergeWatchEvents merges one or more input channels of WatchEvents together
// and returns them as a single channel.
// See https://blog.golang.org/pipelines for details on the implementation.
func mergeWatchEvents(done <-chan struct{}, cs ...<-chan *WatchEvent) <-chan *WatchEvent {
	var wg sync.WaitGroup
	out := make(chan *WatchEvent)

	// Copy values from c to out until c is closed or done is closed.
	output := func(c <-chan *WatchEvent) {
		defer wg.Done()
		for n := range c {
			select {
			case out <- n:
			case <-done:
			}
		}
	}
	wg.Add(len(cs))
	for _, c := range cs {
		go output(c)
	}

	// Close out once all the output goroutines are done.
	// This must start after the wg.Add call.
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
