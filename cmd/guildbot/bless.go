package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"guildbot/internal/app"
)

func newBlessCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bless",
		Short: "Maintain the per-device bless documents.",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "prune [device...]",
		Short: "Drop bless history for every day but today.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, stores, err := o.openStores(cmd.Context())
			if err != nil {
				return err
			}
			defer stores.Close()
			devices, err := devicesArg(cfg, args)
			if err != nil {
				return err
			}
			now := time.Now()
			if tz := cfg.Schedule.Timezone; tz != "" {
				if loc, err := time.LoadLocation(tz); err == nil {
					now = now.In(loc)
				}
			}
			n, err := app.PruneBless(cmd.Context(), stores.Files, devices, now)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "pruned %d of %d devices\n", n, len(devices))
			return err
		},
	})
	return cmd
}
