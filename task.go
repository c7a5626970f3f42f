// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"fmt"
	"strings"
	"time"
)

// Priority of a task. Higher values are dequeued first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

const (
	// MinPriority is the lowest valid priority.
	MinPriority = PriorityLow
	// MaxPriority is the highest valid priority.
	MaxPriority = PriorityCritical
)

// Valid returns true if p is within [MinPriority, MaxPriority].
func (p Priority) Valid() bool {
	return p >= MinPriority && p <= MaxPriority
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority parses a priority by name ("low", "normal", "high",
// "critical") or by its numeric value.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "0":
		return PriorityLow, nil
	case "normal", "1":
		return PriorityNormal, nil
	case "high", "2":
		return PriorityHigh, nil
	case "critical", "3":
		return PriorityCritical, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
}

// State is the lifecycle state of a task.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateDeadLetter State = "dead_letter"
)

// States lists all states in lifecycle order.
var States = []State{
	StatePending,
	StateProcessing,
	StateCompleted,
	StateFailed,
	StateDeadLetter,
}

// Terminal returns true for states a task never leaves on its own.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateDeadLetter
}

// ParseState parses the string representation of a state.
func ParseState(s string) (State, error) {
	for _, st := range States {
		if string(st) == strings.ToLower(strings.TrimSpace(s)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("taskqueue: unknown state %q", s)
}

// TaskRecord is the stored representation of a single task.
//
// Only the queue mutates State, WorkerID and the timestamps. Consumers
// contribute a result (merged into Payload) or an error message.
type TaskRecord struct {
	ID          string                 `json:"task_id"`
	Type        string                 `json:"task_type"`
	Payload     map[string]interface{} `json:"payload"`
	Priority    Priority               `json:"priority"`
	State       State                  `json:"state"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	WorkerID    string                 `json:"worker_id,omitempty"`
	Error       string                 `json:"error,omitempty"`
}
