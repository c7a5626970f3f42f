// Package taskqueue is a priority task queue shared by independent worker
// processes through a common backing store.
//
// Producers add tasks with Queue.Enqueue. Every task has a type, a payload
// and a priority from PriorityLow to PriorityCritical. Workers call
// Queue.Dequeue in a loop; it blocks until a task is available and claims
// it atomically, so no task is handed to two workers. After running it,
// workers report the outcome with CompleteTask or FailTask. A Manager
// implements such a worker loop with a pool of goroutines and a Processor
// per task type.
//
// The Store holds three kinds of data, and Redis is the reference
// implementation. Each task record is a JSON document with a TTL. Pending
// tasks are a sorted set whose scores encode both priority and enqueue
// time in milliseconds, so higher priorities come first and tasks of
// equal priority are served in FIFO order. Ties within a millisecond are
// broken by a sequence number the store assigns on insert. Processing, completed, failed and dead-lettered
// tasks are plain sets, which makes GetQueueSize a handful of cardinality
// lookups.
//
// A failed task is retried until it has failed more than its MaxRetries
// times. Retries go back into the pending set with a score delayed by
// 2^retry_count seconds. This delay only affects ordering: a retried task
// waits behind tasks that became eligible earlier, but an idle worker may
// receive it before the delay has passed. Exhausted tasks are moved to the
// dead-letter set, or the failed set if dead-lettering is disabled. They
// stay there until an operator calls RetryDeadLetterTask.
//
// State changes are compare-and-set on the stored state, so a worker
// that loses a race against another one, for example a claim against a
// concurrent CompleteTask, never overwrites a finished task.
//
// Delivery is at-least-once. There are no leases: a task claimed by a
// worker that crashes stays in the processing set until an operator calls
// RequeueProcessing.
package taskqueue
