package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"guildbot/internal/accounts"
)

type accountAdder interface {
	Add(ctx context.Context, device string, rec accounts.Record) error
}

func newAccountsCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Inspect and edit the per-device account tables.",
	}
	cmd.AddCommand(newAccountsListCmd(o), newAccountsAddCmd(o), newAccountsSetCmd(o), newAccountsMigrateCmd(o))
	return cmd
}

func newAccountsListCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list [device...]",
		Short: "List accounts with their timestamps. Secrets are never printed.",
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

			bold := color.New(color.Bold).SprintFunc()
			off := color.New(color.Faint).SprintFunc()
			tbl := uitable.New()
			tbl.Separator = "  "
			tbl.AddRow(bold("DEVICE"), bold("ACCOUNT"), bold("SERVER"), bold("ON"), bold("BUILD"), bold("LEAVE"), bold("EXPEDITION"), bold("BLESS"))
			for _, dev := range devices {
				recs, err := stores.Directory.List(cmd.Context(), dev)
				if err != nil {
					return err
				}
				for _, r := range recs {
					on := "yes"
					id := r.Identity
					if !r.Enabled {
						on, id = off("no"), off(id)
					}
					tbl.AddRow(dev, id, r.Server, on, r.LastBuildDate, r.LastLeave, r.LastExpedition, r.BlessCounter)
				}
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), tbl)
			return nil
		},
	}
}

func newAccountsAddCmd(o *rootOptions) *cobra.Command {
	var disabled bool
	cmd := &cobra.Command{
		Use:   "add <device> <identity> <secret> <server>",
		Short: "Append an account to a device table.",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, stores, err := o.openStores(cmd.Context())
			if err != nil {
				return err
			}
			defer stores.Close()
			if _, err := devicesArg(cfg, args[:1]); err != nil {
				return err
			}
			adder, ok := stores.Directory.(accountAdder)
			if !ok {
				return errors.New("account directory is read-only")
			}
			rec := accounts.Record{Identity: args[1], Secret: args[2], Server: args[3], Enabled: !disabled}
			if err := adder.Add(cmd.Context(), args[0], rec); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "added %s to %s\n", rec.Identity, args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&disabled, "disabled", false, "add the account with status 0")
	return cmd
}

func newAccountsSetCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <device> <identity> <field> <value>",
		Short: "Overwrite one field of an account, e.g. status 0 to soft-disable it.",
		Example: `
guildbot accounts set 5555 a@x.io status 0
guildbot accounts set 5555 a@x.io last_build_date ""
`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, stores, err := o.openStores(cmd.Context())
			if err != nil {
				return err
			}
			defer stores.Close()
			if _, err := devicesArg(cfg, args[:1]); err != nil {
				return err
			}
			dev, identity := args[0], args[1]
			field, err := accounts.ParseField(args[2])
			if err != nil {
				return err
			}
			recs, err := stores.Directory.List(cmd.Context(), dev)
			if err != nil {
				return err
			}
			rec, ok := accounts.Find(recs, identity)
			if !ok {
				return fmt.Errorf("%s: no account %q", dev, identity)
			}
			old := rec.Get(field)
			if field == accounts.FieldSecret {
				old = "***"
			}
			if _, err := stores.Directory.SetField(cmd.Context(), dev, rec.Identity, field, args[3]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s %q -> %q\n", dev, rec.Identity, field, old, args[3])
			return nil
		},
	}
}

func newAccountsMigrateCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [device...]",
		Short: "Rewrite narrower account rows at the current column width.",
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
			for _, dev := range devices {
				n, err := stores.Files.Migrate(cmd.Context(), dev)
				if err != nil {
					return fmt.Errorf("%s: %w", dev, err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows upgraded\n", dev, n)
			}
			return nil
		},
	}
}
