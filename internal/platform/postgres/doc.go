// Package postgres contains the PostgreSQL implementations of the
// store interfaces. Stores take a store.DBTX so they run equally well
// against a connection pool or inside a transaction.
package postgres
