// Package storage provides the relational persistence layer for workgate.
//
// This package includes:
//   - GormStorage: a GORM-based implementation of core.Storage supporting
//     PostgreSQL in production and SQLite for local runs and tests
//   - Connection pool tuning through PoolOption values
//
// Every claim, completion and failure is a single conditional UPDATE guarded
// by the unit's observed status and claim token, so concurrent callers never
// both win the same transition.
package storage
