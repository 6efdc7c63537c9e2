// Package journal records connection state transitions to PostgreSQL.
//
// Rows are append-only and batched with pgx.Batch. Received stream events are
// never written here; the journal only covers connection lifecycle so that
// long sessions can be analysed after the fact.
package journal
