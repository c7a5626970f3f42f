// Package config loads queue, store, worker and logging settings from
// defaults, an optional config file and TASKQUEUE_-prefixed environment
// variables, and validates them.
package config
