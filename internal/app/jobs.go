package app

import (
	"context"
	"errors"
	"strconv"
	"time"

	"guildbot/internal/accounts"
	"guildbot/internal/config"
	"guildbot/internal/control"
	"guildbot/internal/cooldown"
	logx "guildbot/pkg/logx"
)

const (
	jobAutostart  = "devices.autostart"
	jobBlessPrune = "bless.prune"
)

// autostart starts a worker on every listed port. Devices already running
// or without enabled accounts are skipped.
func autostart(ctx context.Context, surface *control.Surface, ports []int, log logx.Logger) error {
	var errs []error
	for _, p := range ports {
		dev := strconv.Itoa(p)
		started, err := surface.StartWorker(ctx, dev)
		switch {
		case errors.Is(err, control.ErrNoAccounts):
			log.Info("autostart skipped: no enabled accounts", logx.String("device", dev))
		case err != nil:
			errs = append(errs, err)
		case started:
			log.Info("autostarted worker", logx.String("device", dev))
		}
	}
	return errors.Join(errs...)
}

// PruneBless drops bless history older than today on every device and
// reports how many documents changed.
func PruneBless(ctx context.Context, store accounts.BlessStore, devices []string, now time.Time) (int, error) {
	today := cooldown.Date(now)
	changed := 0
	var errs []error
	for _, dev := range devices {
		cfg, err := store.LoadBless(ctx, dev)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !cfg.Prune(today) {
			continue
		}
		if err := store.SaveBless(ctx, dev, cfg); err != nil {
			errs = append(errs, err)
			continue
		}
		changed++
	}
	return changed, errors.Join(errs...)
}

// applySchedule (re)registers the cron jobs from cfg.
func (a *App) applySchedule(cfg *config.Config) {
	sc := cfg.Schedule
	a.sched.SetTimezone(sc.Timezone)

	if sc.Autostart != "" && len(sc.AutostartPorts) > 0 {
		ports := append([]int(nil), sc.AutostartPorts...)
		err := a.sched.Add(jobAutostart, sc.Autostart, func(ctx context.Context) error {
			return autostart(ctx, a.surface, ports, a.log)
		})
		if err != nil {
			a.log.Warn("autostart schedule rejected", logx.Err(err))
		}
	} else {
		a.sched.Remove(jobAutostart)
	}

	if sc.BlessPrune != "" {
		err := a.sched.Add(jobBlessPrune, sc.BlessPrune, func(ctx context.Context) error {
			n, err := PruneBless(ctx, a.stores.Files, DeviceIDs(a.cfgm.Get()), time.Now().In(a.sched.Location()))
			if n > 0 {
				a.log.Info("bless history pruned", logx.Int("devices", n))
			}
			return err
		})
		if err != nil {
			a.log.Warn("bless prune schedule rejected", logx.Err(err))
		}
	} else {
		a.sched.Remove(jobBlessPrune)
	}
}
