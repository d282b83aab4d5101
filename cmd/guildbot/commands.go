package main

import (
	"context"
	"fmt"
	"strconv"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"guildbot/internal/app"
	"guildbot/internal/config"
	logx "guildbot/pkg/logx"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "guildbot",
		Short: "Scheduled in-game chores across a fleet of Android emulators.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVarP(&o.configPath, "config", "c", "./config.json", "path to the config file (json, yaml or toml)")
	cmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "warn", "console log level for one-shot commands")

	cmd.AddCommand(
		newRunCmd(o),
		newPlanCmd(o),
		newAccountsCmd(o),
		newBlessCmd(o),
	)
	return cmd
}

func (o *rootOptions) path() (string, error) {
	p, err := homedir.Expand(o.configPath)
	if err != nil {
		return "", fmt.Errorf("config path: %w", err)
	}
	return p, nil
}

func (o *rootOptions) load() (*config.Config, error) {
	p, err := o.path()
	if err != nil {
		return nil, err
	}
	return config.NewConfigManager(p).Load()
}

// openStores loads the config and opens its stores for a one-shot command.
func (o *rootOptions) openStores(ctx context.Context) (*config.Config, *app.Stores, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	stores, err := app.OpenStores(ctx, cfg, logx.NewConsole(o.logLevel))
	if err != nil {
		return nil, nil, err
	}
	return cfg, stores, nil
}

// devicesArg returns args, or every configured device when args is empty.
// Explicit devices must be configured ports.
func devicesArg(cfg *config.Config, args []string) ([]string, error) {
	all := app.DeviceIDs(cfg)
	if len(args) == 0 {
		return all, nil
	}
	known := map[string]bool{}
	for _, d := range all {
		known[d] = true
	}
	for _, a := range args {
		if _, err := strconv.Atoi(a); err != nil || !known[a] {
			return nil, fmt.Errorf("unknown device %q (configured: %v)", a, all)
		}
	}
	return args, nil
}
