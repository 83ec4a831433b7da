// Package storage persists notification delivery records and the dispatcher
// dedup state so they survive restarts.
//
// Drivers: "file" (JSON Lines + snapshot), "sqlite" (modernc.org/sqlite) and
// "redis" (go-redis). An empty driver or "none" disables storage.
package storage
