// Package domain contains the core entities of the task queue: tasks, their
// dead-letter snapshots and audit records, together with the error taxonomy
// executors report through and the retry backoff schedule. It is independent
// of any storage or transport concern.
package domain
