// Package storage persists crawl jobs, run records, settings and the last seen
// postings per job.
//
// It currently supports:
//   - SQLite (sqlx over modernc.org/sqlite, schema in migrations.sql)
//   - an in-memory backend with the same semantics
package storage
