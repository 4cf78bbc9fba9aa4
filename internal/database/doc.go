/*
Package database manages the GORM connection pool behind the credit
ledger: pool sizing, periodic liveness probes, structured pool
statistics and transaction retry with exponential backoff.

PoolManager wraps the GORM handle and its sql.DB, applies the
PoolConfig limits, and exposes Ping, Stats and Close for the readiness
endpoint and the metrics reporter. WithTransactionRetry retries
deadlocks, serialization failures and broken connections.
*/
package database
