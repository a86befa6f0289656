package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mboxkit/mboxkit/internal/model"
	"github.com/mboxkit/mboxkit/internal/restore"
)

type restoreOptions struct {
	target         string
	folder         string
	conflict       string
	batchName      string
	allowLegacyDN  bool
	skipValidation bool
	wait           bool
}

func newRestoreCmd(flags *rootFlags) *cobra.Command {
	opts := restoreOptions{}

	cmd := &cobra.Command{
		Use:   "restore <source-identity>",
		Short: "Restore an inactive mailbox's content into an active mailbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.target == "" {
				return fmt.Errorf("--target is required")
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

			result, err := app.restore.Create(ctx, restore.Request{
				SourceIdentity:        args[0],
				TargetIdentity:        opts.target,
				TargetRootFolder:      opts.folder,
				ConflictResolution:    opts.conflict,
				AllowLegacyDNMismatch: opts.allowLegacyDN,
				BatchName:             opts.batchName,
				SkipValidation:        opts.skipValidation,
			})
			if err != nil {
				return err
			}

			printRestoreResult(cmd, result)
			if result.Outcome == model.OutcomeFailed {
				return fmt.Errorf("restore failed: %s", result.ErrorText)
			}

			if opts.wait && result.RequestIdentity != "" {
				status, err := app.restore.WaitForCompletion(ctx, result.RequestIdentity,
					app.cfg.Monitor.PollInterval.Std(), func(s restore.RequestStatus) {
						printRequestStatus(cmd, s)
					})
				if err != nil {
					return err
				}
				if !status.State.IsSuccessful() {
					return fmt.Errorf("restore finished in state %s", status.State)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.target, "target", "", "Identity of the active mailbox receiving the content")
	cmd.Flags().StringVar(&opts.folder, "folder", "", "Target root folder (defaults to Restored-<date>)")
	cmd.Flags().StringVar(&opts.conflict, "conflict", "", "Conflict resolution option (defaults to KeepAll)")
	cmd.Flags().StringVar(&opts.batchName, "batch-name", "", "Batch name tag for the restore request")
	cmd.Flags().BoolVar(&opts.allowLegacyDN, "allow-legacydn", false, "Allow a LegacyExchangeDN mismatch")
	cmd.Flags().BoolVar(&opts.skipValidation, "skip-validation", false, "Skip the pre-restore validation gate")
	cmd.Flags().BoolVar(&opts.wait, "wait", false, "Block until the restore request reaches a terminal state")

	return cmd
}

func printRestoreResult(cmd *cobra.Command, result restore.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "outcome: %s\n", result.Outcome)
	if result.RequestName != "" {
		fmt.Fprintf(out, "request: %s\n", result.RequestName)
	}
	if result.RequestIdentity != "" {
		fmt.Fprintf(out, "identity: %s\n", result.RequestIdentity)
	}
	if result.Validation != nil {
		for _, issue := range result.Validation.Issues {
			fmt.Fprintf(out, "[%s] %s: %s\n", issue.Severity, issue.Code, issue.Message)
		}
	}
}

func printRequestStatus(cmd *cobra.Command, status restore.RequestStatus) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %.1f%% (%d items, %d bad)\n",
		status.Name, status.State, status.PercentComplete,
		status.ItemsTransferred, status.BadItems)
}
