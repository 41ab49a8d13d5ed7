// Package storage persists transaction rows, subscriptions and their spawned
// children, in SQLite (default) or PostgreSQL.
//
// Schema changes live under migrations/<dialect> and are applied on Open.
package storage
