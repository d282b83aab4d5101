package config

import (
	"reflect"
	"sort"
	"strings"

	logx "guildbot/pkg/logx"
)

// SummarizeConfigChange returns a sorted list of changed sections and
// safe structured attrs for logging. Secrets (tokens, DSNs) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.forward_enabled", newCfg.Logging.Forward.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Devices, newCfg.Devices) {
		changed = append(changed, "devices")
		attrs = append(attrs,
			logx.Int("devices.count", len(newCfg.Devices.Ports)),
			logx.String("devices.data_root", newCfg.Devices.DataRoot),
		)
	}

	if oldCfg.Game != newCfg.Game {
		changed = append(changed, "game")
		attrs = append(attrs, logx.String("game.package", newCfg.Game.Package))
	}

	// Features take effect at the next worker cycle.
	if oldCfg.Features != newCfg.Features {
		changed = append(changed, "features")
		f := newCfg.Features
		attrs = append(attrs,
			logx.Bool("features.build", f.Build),
			logx.Bool("features.expedition", f.Expedition),
			logx.Bool("features.bless", f.Bless),
			logx.Bool("features.auto_leave", f.AutoLeave),
			logx.Bool("features.drain", f.Drain),
		)
	}

	if oldCfg.Worker != newCfg.Worker {
		changed = append(changed, "worker")
	}
	if oldCfg.Vision != newCfg.Vision {
		changed = append(changed, "vision")
		attrs = append(attrs, logx.Float64("vision.threshold", newCfg.Vision.Threshold))
	}
	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("schedule.autostart", strings.TrimSpace(newCfg.Schedule.Autostart)),
			logx.String("schedule.bless_prune", strings.TrimSpace(newCfg.Schedule.BlessPrune)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		driver := ""
		if newCfg.Storage != nil {
			driver = strings.TrimSpace(newCfg.Storage.Driver)
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}

	if !reflect.DeepEqual(oldCfg.Directory, newCfg.Directory) {
		changed = append(changed, "directory")
		driver := ""
		if newCfg.Directory != nil {
			driver = strings.TrimSpace(newCfg.Directory.Driver)
		}
		attrs = append(attrs, logx.String("directory.driver", driver))
	}

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		owners := 0
		if newCfg.Telegram != nil {
			owners = len(newCfg.Telegram.OwnerUserIDs)
		}
		attrs = append(attrs, logx.Int("telegram.owner_count", owners))
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		addr := ""
		if newCfg.HTTP != nil {
			addr = newCfg.HTTP.Addr
		}
		attrs = append(attrs, logx.String("http.addr", addr))
	}

	sort.Strings(changed)
	return changed, attrs
}
