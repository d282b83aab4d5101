package app

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/afero"

	"guildbot/internal/config"
	"guildbot/internal/device"
	"guildbot/internal/flows"
	"guildbot/internal/vision"
	"guildbot/internal/worker"
	logx "guildbot/pkg/logx"
)

func workerSettings(cfg *config.Config, dev string) (worker.Settings, error) {
	w := cfg.Worker
	set := worker.Settings{
		Device:       dev,
		GamePackage:  cfg.Game.Package,
		GameActivity: cfg.Game.Activity,
		LogoutRounds: w.LogoutRounds,
	}
	if err := config.ParseDurations(w.WorkerDurations(
		&set.PollInterval, &set.IdleSleep, &set.ErrorBackoff, &set.AppReadyTimeout, &set.BetweenAccounts,
	)...); err != nil {
		return worker.Settings{}, err
	}
	return set, nil
}

// newWorker builds a worker wired to real adb and vision for one device,
// from the config current at start time.
func (a *App) newWorker(dev string) (*worker.Worker, error) {
	cfg := a.cfgm.Get()
	port, err := strconv.Atoi(dev)
	if err != nil {
		return nil, fmt.Errorf("device id %q is not a port: %w", dev, err)
	}
	set, err := workerSettings(cfg, dev)
	if err != nil {
		return nil, err
	}
	cmdTimeout, err := config.ParseDurationOrDefault("devices.command_timeout", cfg.Devices.CommandTimeout, 8*time.Second)
	if err != nil {
		return nil, err
	}

	log := a.log.With(logx.String("device", dev))
	adb := device.NewADB(device.ADBConfig{
		Path:      cfg.Devices.ADBPath,
		Serial:    device.Serial(cfg.Devices.Host, port),
		Timeout:   cmdTimeout,
		InputRate: float64(cfg.Devices.InputRatePerSec),
	})
	state := device.ComponentProbe{
		Source:      adb,
		LoginMarker: cfg.Game.LoginActivity,
		GameMarker:  cfg.Game.GameActivity,
	}

	matcher := vision.NewMatcher(afero.NewOsFs(), cfg.Vision.TemplatesDir)
	ids := make([]string, 0, 40)
	for _, m := range flows.AllMarkers() {
		ids = append(ids, m.ID)
	}
	if err := matcher.Preload(ids...); err != nil {
		log.Warn("some templates failed to load", logx.Err(err))
	}
	eye := vision.Engine{Matcher: matcher, OCR: vision.NewTesseract(cfg.Vision.TesseractPath, cfg.Vision.Lang)}

	runner := flows.New(adb, eye, state, flows.Config{
		Threshold: cfg.Vision.Threshold,
		OCRLang:   cfg.Vision.Lang,
	}, log)

	return worker.New(set, worker.Deps{
		Device:     adb,
		Flows:      runner,
		Directory:  a.stores.Directory,
		BlessStore: a.stores.Files,
		Features:   a.features,
		Journal:    a.stores.Journal,
		Bus:        a.bus,
		Log:        a.log,
	}), nil
}
