// Package storage persists pipeline state: post records, content
// fingerprints, experiments and the operator audit trail.
//
// Drivers:
//   - "memory": process-local, nothing survives a restart
//   - "file": JSON Lines journal compacted into a snapshot
//   - "sqlite": SQLite database file (modernc.org/sqlite, WAL)
//
// Fingerprints can alternatively live in Redis (see RedisFingerprints) when
// several instances must share one duplicate window.
package storage
