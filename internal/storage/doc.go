// Package storage is the sqlite persistence layer.
//
// It holds:
//   - Campaigns and their running counters
//   - Per-recipient delivery records
//   - The subscriber directory (bots + subscribers) the resolver queries
//
// The database opens with a single connection, so counter increments and the
// status compare-and-set are serialized single UPDATE statements. No lost
// updates under concurrent dispatch workers.
package storage
