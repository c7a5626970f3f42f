// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import "context"

// QueueSize is the number of tasks per state.
type QueueSize struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	DeadLetter int `json:"dead_letter"`
}

// Statistics extends QueueSize with counters of this queue instance.
// Counters start at zero when the process starts.
type Statistics struct {
	QueueSize
	TotalEnqueued  int     `json:"total_enqueued"`
	TotalDequeued  int     `json:"total_dequeued"`
	TotalRetried   int     `json:"total_retried"`
	TotalCompleted int     `json:"total_completed"`
	TotalFailed    int     `json:"total_failed"` // failed or dead-lettered
	SuccessRate    float64 `json:"success_rate"`
}

type counters struct {
	enqueued  int
	dequeued  int
	retried   int
	completed int
	failed    int
}

// GetQueueSize returns the number of tasks per state. It only reads
// collection cardinalities and never loads task records.
func (q *Queue) GetQueueSize(ctx context.Context) (*QueueSize, error) {
	var (
		size QueueSize
		err  error
	)
	for _, f := range []struct {
		state State
		dst   *int
	}{
		{StatePending, &size.Pending},
		{StateProcessing, &size.Processing},
		{StateCompleted, &size.Completed},
		{StateFailed, &size.Failed},
		{StateDeadLetter, &size.DeadLetter},
	} {
		*f.dst, err = q.st.Size(ctx, f.state)
		if err != nil {
			return nil, err
		}
	}
	return &size, nil
}

// GetStatistics returns queue sizes together with the counters of this
// queue instance.
func (q *Queue) GetStatistics(ctx context.Context) (*Statistics, error) {
	size, err := q.GetQueueSize(ctx)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	c := q.counters
	q.mu.Unlock()

	enqueued := c.enqueued
	if enqueued < 1 {
		enqueued = 1
	}
	return &Statistics{
		QueueSize:      *size,
		TotalEnqueued:  c.enqueued,
		TotalDequeued:  c.dequeued,
		TotalRetried:   c.retried,
		TotalCompleted: c.completed,
		TotalFailed:    c.failed,
		SuccessRate:    float64(c.completed) / float64(enqueued),
	}, nil
}

func (q *Queue) count(fn func(c *counters)) {
	q.mu.Lock()
	fn(&q.counters)
	q.mu.Unlock()
}
