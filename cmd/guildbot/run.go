package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"guildbot/internal/app"
	"guildbot/pkg/systemd"
)

func newRunCmd(o *rootOptions) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler daemon until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			path, err := o.path()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.NewApp(path)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}
			_, _ = systemd.Ready()
			go func() { _ = systemd.Watchdog(ctx) }()

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}
			_, _ = systemd.Stopping()

			stopCtx, stop := context.WithTimeout(context.Background(), stopTimeout)
			defer stop()
			_ = a.Stop(stopCtx, reason)

			if reason == app.StopFatalError {
				if err := a.Err(); err != nil {
					return err
				}
				return errors.New("stopped after a fatal error")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 30*time.Second, "upper bound for graceful shutdown")
	return cmd
}
