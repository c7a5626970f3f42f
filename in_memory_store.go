// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

var _ Store = (*InMemoryStore)(nil)

// InMemoryStore is a simple in-memory storage backend.
// It is used in tests and by single-process setups; it cannot coordinate
// workers in different processes.
//
// Expiry is driven by an internal clock that can be moved forward with
// FastForward.
type InMemoryStore struct {
	mu      sync.Mutex
	offset  time.Duration
	records map[string]memRecord
	pending map[string]pendingEntry
	seq     uint64
	sets    map[State]map[string]struct{}
	wakeup  chan struct{} // closed and replaced on every insert into pending
	subs    map[chan<- *WatchEvent]context.Context
}

type memRecord struct {
	data    []byte
	state   State
	expires time.Time
}

// pendingEntry orders pending ids by score, then by insertion.
type pendingEntry struct {
	score float64
	seq   uint64
}

func (e pendingEntry) less(o pendingEntry) bool {
	if e.score != o.score {
		return e.score < o.score
	}
	return e.seq < o.seq
}

func NewInMemoryStore() *InMemoryStore {
	st := &InMemoryStore{
		records: make(map[string]memRecord),
		pending: make(map[string]pendingEntry),
		sets:    make(map[State]map[string]struct{}),
		wakeup:  make(chan struct{}),
		subs:    make(map[chan<- *WatchEvent]context.Context),
	}
	for _, state := range States {
		if state != StatePending {
			st.sets[state] = make(map[string]struct{})
		}
	}
	return st
}

// FastForward moves the clock used for expiry forward by d.
func (r *InMemoryStore) FastForward(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offset += d
}

func (r *InMemoryStore) now() time.Time {
	return time.Now().Add(r.offset)
}

// lookup returns the live record for id. Expired records are removed.
// r.mu must be held.
func (r *InMemoryStore) lookup(id string) ([]byte, bool) {
	rec, found := r.records[id]
	if !found {
		return nil, false
	}
	if !r.now().Before(rec.expires) {
		delete(r.records, id)
		return nil, false
	}
	return rec.data, true
}

// push inserts id into pending and wakes up all goroutines blocked in
// Pop. r.mu must be held.
func (r *InMemoryStore) push(id string, score float64) {
	r.seq++
	r.pending[id] = pendingEntry{score: score, seq: r.seq}
	r.notify()
}

// notify wakes up all goroutines blocked in Pop. r.mu must be held.
func (r *InMemoryStore) notify() {
	close(r.wakeup)
	r.wakeup = make(chan struct{})
}

func (r *InMemoryStore) Add(ctx context.Context, rec *TaskRecord, score float64, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.lookup(rec.ID); found {
		return ErrTaskExists
	}
	r.records[rec.ID] = memRecord{data: data, state: rec.State, expires: r.now().Add(ttl)}
	for _, set := range r.sets {
		delete(set, rec.ID)
	}
	r.push(rec.ID, score)
	return nil
}

// popMin removes the id with the lowest score. Ties are broken by
// insertion order. r.mu must be held.
func (r *InMemoryStore) popMin() (string, bool) {
	var (
		minID string
		best  pendingEntry
		found bool
	)
	for id, e := range r.pending {
		if !found || e.less(best) {
			minID, best, found = id, e, true
		}
	}
	if found {
		delete(r.pending, minID)
	}
	return minID, found
}

func (r *InMemoryStore) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		r.mu.Lock()
		id, found := r.popMin()
		wakeup := r.wakeup
		r.mu.Unlock()
		if found {
			return id, nil
		}
		select {
		case <-wakeup:
		case <-t.C:
			return "", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (r *InMemoryStore) Get(ctx context.Context, id string) (*TaskRecord, error) {
	r.mu.Lock()
	data, found := r.lookup(id)
	r.mu.Unlock()
	if !found {
		return nil, ErrTaskNotFound
	}
	var rec TaskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *InMemoryStore) Move(ctx context.Context, rec *TaskRecord, from []State, score float64, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.lookup(rec.ID); !found {
		return ErrTaskNotFound
	}
	if !containsState(from, r.records[rec.ID].state) {
		return ErrStateConflict
	}
	r.records[rec.ID] = memRecord{data: data, state: rec.State, expires: r.now().Add(ttl)}
	for _, state := range from {
		r.remove(state, rec.ID)
	}
	if rec.State == StatePending {
		r.push(rec.ID, score)
	} else {
		r.sets[rec.State][rec.ID] = struct{}{}
	}
	return nil
}

func containsState(states []State, state State) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

// remove deletes id from the collection of state. r.mu must be held.
func (r *InMemoryStore) remove(state State, id string) {
	if state == StatePending {
		delete(r.pending, id)
		return
	}
	delete(r.sets[state], id)
}

func (r *InMemoryStore) Delete(ctx context.Context, id string, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(state, id)
	delete(r.records, id)
	return nil
}

func (r *InMemoryStore) Size(ctx context.Context, state State) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state == StatePending {
		return len(r.pending), nil
	}
	return len(r.sets[state]), nil
}

func (r *InMemoryStore) Members(ctx context.Context, state State, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	if state == StatePending {
		for id := range r.pending {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			return r.pending[ids[i]].less(r.pending[ids[j]])
		})
	} else {
		for id := range r.sets[state] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *InMemoryStore) Publish(ctx context.Context, e *WatchEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for recv, subctx := range r.subs {
		select {
		case recv <- e:
		case <-subctx.Done():
		default:
			// Slow subscribers miss events, as with Redis pub/sub.
		}
	}
	return nil
}

func (r *InMemoryStore) Subscribe(ctx context.Context, recv chan<- *WatchEvent) error {
	r.mu.Lock()
	r.subs[recv] = ctx
	r.mu.Unlock()

	<-ctx.Done()

	r.mu.Lock()
	delete(r.subs, recv)
	r.mu.Unlock()
	return nil
}

func (r *InMemoryStore) Close() error {
	return nil
}
