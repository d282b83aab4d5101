package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines journal plus a marks snapshot
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Outcome is one flow run by a worker.
type Outcome struct {
	At      time.Time `json:"at"`
	Cycle   string    `json:"cycle"`
	Device  string    `json:"device"`
	Account string    `json:"account,omitempty"`
	Action  string    `json:"action"`
	OK      bool      `json:"ok"`
	Error   string    `json:"error,omitempty"`
	TookMS  int64     `json:"took_ms"`
}
