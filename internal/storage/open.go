package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "guildbot/pkg/logx"
)

// Store is the journal API used by workers and transports.
type Store interface {
	AppendOutcome(ctx context.Context, o Outcome) error
	// RecentOutcomes returns up to limit outcomes for device, newest first.
	// An empty device matches all devices.
	RecentOutcomes(ctx context.Context, device string, limit int) ([]Outcome, error)
	PutMark(ctx context.Context, key string, until time.Time) error
	GetMark(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// MarkActive reports whether key has an unexpired mark. A nil store never
// has marks.
func MarkActive(ctx context.Context, s Store, key string, now time.Time) bool {
	if s == nil {
		return false
	}
	until, ok, err := s.GetMark(ctx, key)
	return err == nil && ok && now.Before(until)
}
