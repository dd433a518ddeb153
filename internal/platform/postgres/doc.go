// Package postgres implements the queue store on PostgreSQL.
//
// Coordination between workers relies entirely on the database: claims take
// a transaction-scoped advisory lock per job kind and select rows with
// FOR UPDATE SKIP LOCKED, and every lease-gated mutation re-checks the lease
// token and expiry against now(). Schema migrations live in the migrations
// subpackage.
package postgres
