// Package stores persists build records for the graph builder. It
// includes a SQLite store with WAL mode, embedded schema migrations and
// CRUD operations for builds with their instructions, reclaim sets and
// warnings.
package stores
