package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mboxkit/mboxkit/internal/monitor"
	"github.com/mboxkit/mboxkit/internal/restore"
)

type statusOptions struct {
	batch    string
	watch    bool
	interval time.Duration
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	opts := statusOptions{}

	cmd := &cobra.Command{
		Use:   "status [request-identity]",
		Short: "Show the state of restore requests",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && opts.batch == "" {
				return fmt.Errorf("pass a request identity or --batch")
			}

			app, err := newAppContext(flags)
			if err != nil {
				return err
			}

			ctx := context.Background()
			if err := app.connect(ctx); err != nil {
				return err
			}
			defer app.disconnect(ctx)

			if len(args) == 0 {
				return listBatchStatus(ctx, cmd, app, opts.batch)
			}
			if opts.watch {
				return watchStatus(ctx, cmd, app, args[0], opts.interval)
			}

			status, err := app.restore.GetStatus(ctx, args[0])
			if err != nil {
				return err
			}
			printRequestStatus(cmd, status)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.batch, "batch", "", "List all restore requests in this batch")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "Keep polling until the request reaches a terminal state")
	cmd.Flags().DurationVar(&opts.interval, "interval", 0, "Poll interval for --watch (defaults to the configured value)")

	return cmd
}

func listBatchStatus(ctx context.Context, cmd *cobra.Command, app *appContext, batch string) error {
	requests, err := app.restore.ListRequests(ctx, batch)
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no restore requests found")
		return nil
	}
	for _, status := range requests {
		printRequestStatus(cmd, status)
	}
	return nil
}

// watchStatus drives the monitor's poller against the remote request and
// prints every progress update until the request stops moving.
func watchStatus(ctx context.Context, cmd *cobra.Command, app *appContext, identity string, interval time.Duration) error {
	if interval <= 0 {
		interval = app.cfg.Monitor.PollInterval.Std()
	}

	app.monitor.Register(identity, identity)
	app.monitor.Subscribe(identity, func(p monitor.Progress) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %.1f%% (elapsed %s, remaining ~%s)\n",
			p.Identity, p.Status, p.PercentComplete,
			p.Elapsed.Round(time.Second), p.EstimatedRemaining.Round(time.Second))
	})

	done := app.monitor.StartRestorePoller(ctx, identity, func(ctx context.Context) (restore.RequestStatus, error) {
		return app.restore.GetStatus(ctx, identity)
	}, interval)

	select {
	case <-done:
	case <-ctx.Done():
		app.monitor.Stop(identity)
		return ctx.Err()
	}

	progress, ok := app.monitor.Get(identity)
	if !ok {
		return nil
	}
	if !progress.Status.IsSuccessful() {
		return fmt.Errorf("restore request %s finished in state %s", identity, progress.Status)
	}
	return nil
}
