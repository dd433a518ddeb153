// Package testdb provides database plumbing for integration tests.
//
// A test obtains a migrated Postgres connection with GetTestDBWithT. The
// database comes from DATABASE_URL (or TASKQ_TEST_DATABASE_URL) when set.
// Otherwise, with TASKQ_TESTCONTAINERS=1, a disposable Postgres container is
// started once per test binary. Without either, the test is skipped.
//
// Queue operations run their own transactions, so tests isolate themselves
// by using unique episode ids and job kinds rather than rolled-back
// transactions. WithTx remains available for tests that only issue raw SQL.
package testdb
