// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import "errors"

var (
	// ErrConnection is returned when the backing store cannot be reached.
	ErrConnection = errors.New("taskqueue: backing store unreachable")
	// ErrInvalidPriority is returned by Enqueue for out-of-range priorities.
	ErrInvalidPriority = errors.New("taskqueue: invalid priority")
	// ErrEmptyTaskType is returned by Enqueue when no task type is given.
	ErrEmptyTaskType = errors.New("taskqueue: task type must not be empty")
	// ErrTaskNotFound is returned when no record exists for a task id,
	// either because it expired or because it never existed.
	ErrTaskNotFound = errors.New("taskqueue: task not found")
	// ErrTaskExists is returned by Enqueue when the id is still in use.
	ErrTaskExists = errors.New("taskqueue: task already exists")
	// ErrNotDeadLetter is returned by RetryDeadLetterTask for tasks that
	// are not in the dead-letter state.
	ErrNotDeadLetter = errors.New("taskqueue: task is not dead-lettered")
	// ErrStateConflict is returned by Store.Move when the stored record is
	// no longer in one of the expected source states.
	ErrStateConflict = errors.New("taskqueue: task changed state concurrently")
)
