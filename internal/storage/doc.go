// Package storage persists occasions and their delivery history.
//
// Drivers:
//   - "sqlite": single-file SQLite database (modernc.org/sqlite, pure Go)
//   - "file": JSON snapshot of occasions plus an append-only JSONL history
//   - "memory": process-local, for dry runs and tests
//
// History is append-only: entries are never updated or deleted, and deleting
// an occasion keeps its history.
package storage
