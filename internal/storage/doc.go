// Package storage opens the single SQLite database backing the sync engine.
//
// One file holds queue-item rows, cache-item rows, and a key/value metadata
// table. The queue and cache packages own their table semantics; this package
// only manages the connection, pragmas, and schema versioning.
package storage
