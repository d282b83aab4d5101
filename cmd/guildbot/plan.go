package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"guildbot/internal/app"
	"guildbot/internal/control"
	"guildbot/internal/eligibility"
)

func newPlanCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan [device...]",
		Short: "Show which accounts are due and for what, without touching any device.",
		Example: `
guildbot plan
guildbot plan 5555 5557
`,
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

			surface := control.New(control.Options{
				Directory:  stores.Directory,
				BlessStore: stores.Files,
				Features:   func() eligibility.FeatureFlags { return app.FeatureFlags(cfg) },
			})
			out := cmd.OutOrStdout()
			for _, dev := range devices {
				wl, err := surface.Plan(cmd.Context(), dev)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(out, planTable(dev, wl, time.Now()))
			}
			return nil
		},
	}
}

func planTable(device string, wl eligibility.Worklist, now time.Time) *uitable.Table {
	bold := color.New(color.Bold).SprintFunc()
	due := color.New(color.FgHiGreen).SprintFunc()
	faint := color.New(color.Faint).SprintFunc()

	tbl := uitable.New()
	tbl.Separator = "  "
	tbl.AddRow(bold(device), faint(fmt.Sprintf("%d/%d due, %d bless targets due (%d assigned), at %s",
		len(wl.Items), wl.Scanned, wl.DueTargets, wl.Assigned, now.Format("15:04"))))
	if len(wl.Items) == 0 {
		tbl.AddRow("", faint("nothing due"))
		return tbl
	}
	tbl.AddRow(bold("ACCOUNT"), bold("SERVER"), bold("ACTIONS"))
	for _, it := range wl.Items {
		tbl.AddRow(it.Record.Identity, it.Record.Server, due(strings.Join(it.Actions(), ", ")))
	}
	return tbl
}
