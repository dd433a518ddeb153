package postgres

import "hash/fnv"

const kindLockNamespace = "taskq:kind:"

// kindLockKey derives the advisory lock key that serializes claims of one job
// kind across all workers sharing the database.
func kindLockKey(jobKind string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(kindLockNamespace + jobKind))
	return int64(h.Sum64())
}
