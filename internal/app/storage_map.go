package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"guildbot/internal/accounts"
	"guildbot/internal/config"
	"guildbot/internal/eligibility"
	"guildbot/internal/storage"
	logx "guildbot/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// Stores are the persistence handles shared by the daemon and the CLI.
type Stores struct {
	// Files always backs the bless documents, and the account tables unless
	// a database directory is configured.
	Files     *accounts.FileStore
	Directory accounts.Directory
	// Journal is nil when storage is disabled.
	Journal storage.Store

	closers []func() error
}

// OpenStores opens the account directory, the bless store and the journal.
func OpenStores(ctx context.Context, cfg *config.Config, log logx.Logger) (*Stores, error) {
	return openStores(ctx, cfg, afero.NewOsFs(), log)
}

func openStores(ctx context.Context, cfg *config.Config, fsys afero.Fs, log logx.Logger) (*Stores, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Stores{Files: accounts.NewFileStore(fsys, cfg.Devices.DataRoot)}
	s.Directory = s.Files

	if d := cfg.Directory; d != nil && strings.EqualFold(strings.TrimSpace(d.Driver), "postgres") {
		pg, err := accounts.OpenPGDirectory(ctx, d.DSN)
		if err != nil {
			return nil, fmt.Errorf("open account directory: %w", err)
		}
		s.Directory = pg
		s.closers = append(s.closers, pg.Close)
		log.Info("account directory: postgres")
	}

	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		s.Journal = st
		s.closers = append(s.closers, st.Close)
		log.Info("journal enabled", logx.String("driver", sc.Driver))
	}
	return s, nil
}

func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// FeatureFlags snapshots the feature section of cfg.
func FeatureFlags(cfg *config.Config) eligibility.FeatureFlags {
	if cfg == nil {
		return eligibility.FeatureFlags{}
	}
	f := cfg.Features
	return eligibility.FeatureFlags{
		Build:                 f.Build,
		Expedition:            f.Expedition,
		Bless:                 f.Bless,
		AutoLeave:             f.AutoLeave,
		AllowExtraBlessLogins: f.AllowExtraBlessLogins,
		Drain:                 f.Drain,
	}
}

// DeviceIDs lists configured devices as port strings.
func DeviceIDs(cfg *config.Config) []string {
	if cfg == nil {
		return nil
	}
	out := make([]string, 0, len(cfg.Devices.Ports))
	for _, p := range cfg.Devices.Ports {
		out = append(out, strconv.Itoa(p))
	}
	return out
}
