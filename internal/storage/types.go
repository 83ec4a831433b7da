package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines delivery log plus a dedup snapshot/journal
//   - "sqlite": SQLite database file
//   - "redis": Redis list + keys with TTL
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	Addr     string // redis
	Password string
	DB       int
	Prefix   string // redis key prefix, default "trellis:"
}

// Delivery records one delivery attempt of a notification on a channel.
// Keep it compact and schema-stable.
type Delivery struct {
	At             time.Time `json:"at"`
	NotificationID string    `json:"notification_id"`
	Channel        string    `json:"channel"`
	Route          string    `json:"route,omitempty"`
	Attempt        int       `json:"attempt"`
	OK             bool      `json:"ok"`
	Error          string    `json:"error,omitempty"`
	TookMS         int64     `json:"took_ms"`
}
