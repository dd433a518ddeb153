// Package task runs the worker side of the queue. A Runner claims tasks from
// the store under a lease, keeps the lease alive with a heartbeat while the
// registered Executor for the task's job kind runs, and settles the outcome
// as completed, retried with backoff, or failed into the dead-letter table.
// Alongside the claim slots it runs the recovery Sweeper, which reclaims
// expired leases, and the audit Pruner.
package task
