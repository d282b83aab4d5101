package config

import (
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverrides are applied on top of the parsed file so secrets can stay out of it.
type envOverrides struct {
	LogLevel      string `env:"GUILDBOT_LOG_LEVEL"`
	ADBPath       string `env:"GUILDBOT_ADB_PATH"`
	DataRoot      string `env:"GUILDBOT_DATA_ROOT"`
	TelegramToken string `env:"GUILDBOT_TELEGRAM_TOKEN"`
	DirectoryDSN  string `env:"GUILDBOT_DIRECTORY_DSN"`
	HTTPAddr      string `env:"GUILDBOT_HTTP_ADDR"`
	HTTPToken     string `env:"GUILDBOT_HTTP_TOKEN"`
}

// applyEnv overlays GUILDBOT_* variables. A nil environ reads the process env.
func applyEnv(cfg *Config, environ map[string]string) error {
	var o envOverrides
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return err
	}

	if s := strings.TrimSpace(o.LogLevel); s != "" {
		cfg.Logging.Level = s
	}
	if s := strings.TrimSpace(o.ADBPath); s != "" {
		cfg.Devices.ADBPath = s
	}
	if s := strings.TrimSpace(o.DataRoot); s != "" {
		cfg.Devices.DataRoot = s
	}
	if s := strings.TrimSpace(o.TelegramToken); s != "" {
		if cfg.Telegram == nil {
			cfg.Telegram = &TelegramConfig{}
		}
		cfg.Telegram.Token = s
	}
	if s := strings.TrimSpace(o.DirectoryDSN); s != "" {
		if cfg.Directory == nil {
			cfg.Directory = &DirectoryConfig{Driver: "postgres"}
		}
		cfg.Directory.DSN = s
	}
	if s := strings.TrimSpace(o.HTTPAddr); s != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &HTTPConfig{}
		}
		cfg.HTTP.Addr = s
	}
	if s := strings.TrimSpace(o.HTTPToken); s != "" && cfg.HTTP != nil {
		cfg.HTTP.Token = s
	}
	return nil
}
