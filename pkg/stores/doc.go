// Package stores provides persistence for tengil. FileStateStore keeps the
// last desired and scanned state plus checkpoints in an atomically replaced
// JSON file and guards runs with an advisory lock. HistoryStore keeps run
// history, action results, drift items and an audit log in SQLite with WAL
// mode and embedded migrations.
package stores
