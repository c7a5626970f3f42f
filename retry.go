// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import "time"

// PriorityWeight is the score distance, in milliseconds, between two
// adjacent priorities. It is far larger than any TTL, so priority always
// dominates the time component of a score. Scores stay below 2^53 and are
// therefore exact.
const PriorityWeight = 1e13

// maxBackoffExponent caps the backoff at 2^30 seconds.
const maxBackoffExponent = 30

// score returns the ordering score of a task with priority p that becomes
// eligible at the given time. Lower scores are dequeued first. Stores
// break ties between equal scores in insertion order.
func score(p Priority, at time.Time) float64 {
	return float64(MaxPriority-p)*PriorityWeight + float64(at.UnixMilli())
}

// Backoff returns the redelivery delay after the given number of failures:
// 2^retryCount seconds.
//
// The delay is encoded into the score of the pending entry only. It orders
// the task behind everything eligible earlier, but a worker polling an
// otherwise empty queue still receives it immediately.
func Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > maxBackoffExponent {
		retryCount = maxBackoffExponent
	}
	return time.Duration(int64(1)<<uint(retryCount)) * time.Second
}

// RetryPolicy decides what happens to a task after a failure.
type RetryPolicy struct {
	// MaxRetries is the default number of retries of new tasks.
	MaxRetries int
	// DeadLetter routes exhausted tasks to the dead-letter set instead of
	// the failed set.
	DeadLetter bool
}

// DefaultRetryPolicy allows 3 retries and dead-letters exhausted tasks.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		DeadLetter: true,
	}
}

// Next returns the state a task moves to after a failure. rec.RetryCount
// must already include the failure. A task is redelivered while it has
// failed at most MaxRetries times, so a task with MaxRetries=3 runs at
// most four times.
func (p RetryPolicy) Next(rec *TaskRecord, retry bool) State {
	if retry && rec.RetryCount <= rec.MaxRetries {
		return StatePending
	}
	return p.terminal()
}

func (p RetryPolicy) terminal() State {
	if p.DeadLetter {
		return StateDeadLetter
	}
	return StateFailed
}
