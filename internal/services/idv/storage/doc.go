// Package storage defines persistence contracts for identity verification.
//
// Capture sessions, encrypted uploads and the resolution outbox live behind
// these interfaces. The SQLite implementation in storage/sqlite also backs
// the throttle ledger so every counter update and session write share one
// database.
package storage
