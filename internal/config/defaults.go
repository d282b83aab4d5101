package config

import (
	"errors"
	"fmt"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
)

const (
	DefaultGamePackage   = "com.phsgdbz.vn"
	DefaultGameActivity  = "com.phsgdbz.vn/org.cocos2dx.javascript.GameTwActivity"
	DefaultLoginActivity = "com.bbt.android.sdk.login.HWLoginActivity"
	DefaultInGameMarker  = "org.cocos2dx.javascript.GameTwActivity"
	DefaultThreshold     = 0.86
)

// ApplyDefaults fills zero values in place and expands "~" in paths.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}

	d := &cfg.Devices
	if strings.TrimSpace(d.ADBPath) == "" {
		d.ADBPath = "adb"
	}
	if strings.TrimSpace(d.Host) == "" {
		d.Host = "127.0.0.1"
	}
	if strings.TrimSpace(d.DataRoot) == "" {
		d.DataRoot = "./data"
	}
	if d.InputRatePerSec <= 0 {
		d.InputRatePerSec = 8
	}
	d.ADBPath = expand(d.ADBPath)
	d.DataRoot = expand(d.DataRoot)

	g := &cfg.Game
	if g.Package == "" {
		g.Package = DefaultGamePackage
	}
	if g.Activity == "" {
		g.Activity = DefaultGameActivity
	}
	if g.LoginActivity == "" {
		g.LoginActivity = DefaultLoginActivity
	}
	if g.GameActivity == "" {
		g.GameActivity = DefaultInGameMarker
	}

	if cfg.Worker.LogoutRounds <= 0 {
		cfg.Worker.LogoutRounds = 7
	}

	v := &cfg.Vision
	if v.TemplatesDir == "" {
		v.TemplatesDir = "./images"
	}
	v.TemplatesDir = expand(v.TemplatesDir)
	if v.Threshold <= 0 {
		v.Threshold = DefaultThreshold
	}
	if v.TesseractPath == "" {
		v.TesseractPath = "tesseract"
	}
	if v.Lang == "" {
		v.Lang = "vie+eng"
	}

	if cfg.Storage != nil {
		cfg.Storage.Path = expand(cfg.Storage.Path)
	}
	if cfg.Logging.File.Path != "" {
		cfg.Logging.File.Path = expand(cfg.Logging.File.Path)
	}
}

func expand(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return p
	}
	out, err := homedir.Expand(p)
	if err != nil {
		return p
	}
	return out
}

// Validate reports every problem it finds, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	fields := append([]DurationField{{Path: "devices.command_timeout", Raw: cfg.Devices.CommandTimeout}},
		cfg.Worker.WorkerDurations(nil, nil, nil, nil, nil)...)
	if err := ParseDurations(fields...); err != nil {
		errs = append(errs, err)
	}

	if cfg.Vision.Threshold <= 0 || cfg.Vision.Threshold > 1 {
		errs = append(errs, fmt.Errorf("vision.threshold: must be in (0,1], got %v", cfg.Vision.Threshold))
	}

	seen := map[int]bool{}
	for _, p := range cfg.Devices.Ports {
		if p <= 0 || p > 65535 {
			errs = append(errs, fmt.Errorf("devices.ports: invalid port %d", p))
		}
		if seen[p] {
			errs = append(errs, fmt.Errorf("devices.ports: duplicate port %d", p))
		}
		seen[p] = true
	}
	for _, p := range cfg.Schedule.AutostartPorts {
		if !seen[p] {
			errs = append(errs, fmt.Errorf("schedule.autostart_ports: port %d not in devices.ports", p))
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if d := cfg.Directory; d != nil {
		switch strings.ToLower(strings.TrimSpace(d.Driver)) {
		case "", "file":
		case "postgres":
			if strings.TrimSpace(d.DSN) == "" {
				errs = append(errs, errors.New("directory.dsn: required for postgres"))
			}
		default:
			errs = append(errs, fmt.Errorf("directory.driver: unknown driver %q", d.Driver))
		}
	}
	if t := cfg.Telegram; t != nil {
		if _, err := ParseDurationField("telegram.poll_timeout", t.PollTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
