// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"context"
	"time"
)

// Store is the shared backing store of a queue. All coordination between
// workers happens through the atomicity guarantees of its methods.
//
// Pending tasks live in an ordered set where lower scores are popped first
// and equal scores in insertion order. All other states are unordered sets. Task records are stored with a TTL.
type Store interface {
	// Add stores a new record with the given TTL and inserts its id into
	// the pending set with score. It returns ErrTaskExists if a record with
	// the same id is still alive.
	Add(ctx context.Context, rec *TaskRecord, score float64, ttl time.Duration) error

	// Pop atomically removes and returns the id with the lowest score
	// from the pending set, waiting up to timeout for one to appear.
	// An empty id is returned on timeout.
	Pop(ctx context.Context, timeout time.Duration) (string, error)

	// Get loads a record. It returns ErrTaskNotFound if it has expired
	// or never existed.
	Get(ctx context.Context, id string) (*TaskRecord, error)

	// Move overwrites an existing record and refreshes its TTL, removes
	// the id from every collection in from, and adds it to the collection
	// of rec.State. The score is only used when rec.State is StatePending.
	// It returns ErrTaskNotFound if the record no longer exists; Move
	// never resurrects an expired record. It returns ErrStateConflict and
	// changes nothing if the stored record is in none of the states in
	// from.
	Move(ctx context.Context, rec *TaskRecord, from []State, score float64, ttl time.Duration) error

	// Delete removes the record and its membership in the collection of
	// state.
	Delete(ctx context.Context, id string, state State) error

	// Size returns the number of ids in the collection of state.
	Size(ctx context.Context, state State) (int, error)

	// Members returns up to limit ids of the collection of state. Pending
	// ids are returned in dequeue order. A limit <= 0 returns all ids.
	Members(ctx context.Context, state State, limit int) ([]string, error)

	// Publish publishes an event to all subscribers of the namespace.
	Publish(ctx context.Context, e *WatchEvent) error

	// Subscribe sends events to recv until ctx is canceled.
	Subscribe(ctx context.Context, recv chan<- *WatchEvent) error

	// Close releases resources held by the store.
	Close() error
}
