// Package store provides abstractions and implementations for data persistence.
//
// It defines the DBTX interface shared by *sql.DB and *sql.Tx, common store
// errors, and the RunInTransaction helper used wherever a multi-statement
// operation needs transactional isolation (most notably the workflow
// result merge).
package store
