// Package metastore is the durable record of one row per image: identity,
// fingerprint, ingest status and the metadata the query planner filters
// on. It is backed by SQLite through the pure-Go modernc.org driver, so
// the core stays CGO-free.
//
// The fingerprint uniqueness invariant lives here: a partial unique index
// over non-failed rows makes a second upload of identical bytes resolve to
// the existing record instead of creating a duplicate.
package metastore
