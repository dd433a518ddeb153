// Package store defines the persistence contract of the task queue and the
// small amount of shared database plumbing (DBTX, transactions, sentinel
// errors) its implementations rely on. The contract is expressed in terms of
// whole queue operations, each of which an implementation must perform
// atomically.
package store
