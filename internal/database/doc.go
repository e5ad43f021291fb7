// Package database opens the shared SQL connection used by the store, the SQL
// queue backend and the SQL graph sink, and applies the schema migrations.
//
// SQLite (modernc.org/sqlite) is the single-host default. PostgreSQL is
// reached through a pgx pool exposed as *sql.DB. Queries are written with `?`
// placeholders and rebound for PostgreSQL. SQLite busy errors are retried with
// a short exponential backoff.
package database
