// Package contacts turns a flat list of call records into per-contact
// rollups for display.
//
// Group is a pure function: it performs no I/O, keeps no state, and
// returns identical output for identical input. Aggregates are rebuilt
// wholesale on every call; there is no incremental update.
//
// Every input record belongs to exactly one Contact. Records without a
// customer number are collected under the Unknown contact rather than
// dropped.
//
// Records with a missing or unparsable start time follow the
// calls.Timestamp ordering rule: they are older than every dated record.
package contacts
