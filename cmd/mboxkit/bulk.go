package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mboxkit/mboxkit/internal/bulk"
	"github.com/mboxkit/mboxkit/internal/model"
	"github.com/mboxkit/mboxkit/internal/monitor"
	"github.com/mboxkit/mboxkit/internal/recovery"
	"github.com/mboxkit/mboxkit/internal/restore"
)

type bulkOptions struct {
	file           string
	batchSize      int
	stopOnError    bool
	retryFailed    bool
	skipValidation bool
	domain         string
	targetDomain   string
}

func newBulkCmd(flags *rootFlags) *cobra.Command {
	opts := bulkOptions{}

	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Run an operation across many mailboxes",
	}

	cmd.PersistentFlags().StringVarP(&opts.file, "file", "f", "", "File with one mailbox identity per line")
	cmd.PersistentFlags().IntVar(&opts.batchSize, "batch-size", 0, "Items per batch (overrides the configured value)")
	cmd.PersistentFlags().BoolVar(&opts.stopOnError, "stop-on-error", false, "Abort the run on the first failure")
	cmd.PersistentFlags().BoolVar(&opts.retryFailed, "retry-failed", false, "Retry failed items after the main pass")

	cmd.AddCommand(newBulkRecoverCmd(flags, &opts))
	cmd.AddCommand(newBulkRestoreCmd(flags, &opts))
	cmd.AddCommand(newBulkValidateCmd(flags, &opts))
	return cmd
}

func newBulkRecoverCmd(flags *rootFlags, opts *bulkOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover [identities...]",
		Short: "Recover many inactive mailboxes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBulk(cmd, flags, opts, bulk.OperationRecovery, args,
				func(app *appContext) bulk.OperationFunc {
					return func(ctx context.Context, item *bulk.Item) (model.Outcome, error) {
						suggestion, err := app.recovery.SuggestTargetDetails(ctx, item.Identity, opts.domain)
						if err != nil {
							return model.OutcomeFailed, err
						}
						item.TargetIdentity = suggestion.UPN
						result, err := app.recovery.Recover(ctx, recovery.Request{
							SourceIdentity: item.Identity,
							TargetUPN:      suggestion.UPN,
							TargetSMTP:     suggestion.SMTP,
							DisplayName:    suggestion.DisplayName,
							SkipValidation: opts.skipValidation,
						})
						if err != nil {
							return model.OutcomeFailed, err
						}
						if result.Outcome == model.OutcomeFailed {
							item.Error = result.ErrorText
						}
						return result.Outcome, nil
					}
				})
		},
	}
	cmd.Flags().StringVar(&opts.domain, "domain", "", "Domain used when deriving target UPNs")
	cmd.Flags().BoolVar(&opts.skipValidation, "skip-validation", false, "Skip per-mailbox validation")
	return cmd
}

func newBulkRestoreCmd(flags *rootFlags, opts *bulkOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore [identities...]",
		Short: "Restore many inactive mailboxes into their active counterparts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.targetDomain == "" {
				return fmt.Errorf("--target-domain is required")
			}
			return runBulk(cmd, flags, opts, bulk.OperationRestore, args,
				func(app *appContext) bulk.OperationFunc {
					return func(ctx context.Context, item *bulk.Item) (model.Outcome, error) {
						item.TargetIdentity = targetForIdentity(item.Identity, opts.targetDomain)
						result, err := app.restore.Create(ctx, restore.Request{
							SourceIdentity: item.Identity,
							TargetIdentity: item.TargetIdentity,
							SkipValidation: opts.skipValidation,
						})
						if err != nil {
							return model.OutcomeFailed, err
						}
						if result.Outcome == model.OutcomeFailed {
							item.Error = result.ErrorText
						}
						return result.Outcome, nil
					}
				})
		},
	}
	cmd.Flags().StringVar(&opts.targetDomain, "target-domain", "", "Domain of the active mailboxes receiving the content")
	cmd.Flags().BoolVar(&opts.skipValidation, "skip-validation", false, "Skip per-mailbox validation")
	return cmd
}

func newBulkValidateCmd(flags *rootFlags, opts *bulkOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [identities...]",
		Short: "Validate many mailboxes without changing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBulk(cmd, flags, opts, bulk.OperationValidate, args,
				func(app *appContext) bulk.OperationFunc {
					return func(ctx context.Context, item *bulk.Item) (model.Outcome, error) {
						verdict, err := app.validator.ValidateRecovery(ctx, item.Identity, "", "")
						if err != nil {
							return model.OutcomeFailed, err
						}
						if !verdict.CanProceed() {
							item.Error = verdict.BlockerText()
							return model.OutcomeFailed, nil
						}
						return model.OutcomeSucceeded, nil
					}
				})
		},
	}
}

func runBulk(cmd *cobra.Command, flags *rootFlags, opts *bulkOptions, opType bulk.OperationType,
	args []string, makeFn func(*appContext) bulk.OperationFunc) error {
	identities, err := collectIdentities(args, opts.file)
	if err != nil {
		return err
	}
	if len(identities) == 0 {
		return fmt.Errorf("no mailbox identities given (pass them as arguments or via --file)")
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

	cfg := app.bulkConfig()
	if opts.batchSize > 0 {
		cfg.BatchSize = opts.batchSize
	}
	if opts.stopOnError {
		cfg.StopOnError = true
	}
	if opts.retryFailed {
		cfg.RetryFailed = true
	}

	out := cmd.OutOrStdout()
	registered := false
	result := app.bulk.Run(ctx, opType, identities, cfg, makeFn(app), func(update bulk.ProgressUpdate) {
		if !registered {
			app.monitor.Register(update.OperationID, string(opType))
			registered = true
		}
		status := monitor.StatusRunning
		pct := float64(update.Processed) / float64(update.Total) * 100
		app.monitor.UpdateProgress(update.OperationID, monitor.Update{
			Status:          &status,
			PercentComplete: &pct,
			Message:         &update.Current,
		})
		fmt.Fprintf(out, "[%d/%d] %s (completed %d, failed %d, skipped %d)\n",
			update.Processed, update.Total, update.Current,
			update.Completed, update.Failed, update.Skipped)
	})
	if registered {
		final := monitor.StatusCompleted
		switch {
		case result.Cancelled:
			final = monitor.StatusCancelled
		case result.FailedItems > 0:
			final = monitor.StatusCompletedWithWarning
		}
		app.monitor.UpdateProgress(result.OperationID, monitor.Update{Status: &final})
	}

	printBulkSummary(cmd, result)
	if result.FailedItems > 0 {
		return fmt.Errorf("%d of %d items failed", result.FailedItems, result.TotalItems)
	}
	return nil
}

func printBulkSummary(cmd *cobra.Command, result *bulk.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\noperation %s: %d total, %d completed, %d failed, %d skipped\n",
		result.OperationID, result.TotalItems, result.CompletedItems,
		result.FailedItems, result.SkippedItems)
	for _, item := range result.Items {
		if item.Status == bulk.ItemFailed {
			fmt.Fprintf(out, "  failed: %s: %s\n", item.Identity, item.Error)
		}
	}
	if result.Cancelled {
		fmt.Fprintln(out, "run was cancelled before all items were processed")
	}
}

// collectIdentities merges positional arguments with the optional identity
// file. Blank lines and #-comments in the file are ignored.
func collectIdentities(args []string, file string) ([]string, error) {
	identities := append([]string(nil), args...)
	if file == "" {
		return identities, nil
	}

	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		identities = append(identities, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}
	return identities, nil
}

func targetForIdentity(identity, domain string) string {
	local := identity
	if at := strings.IndexByte(identity, '@'); at > 0 {
		local = identity[:at]
	}
	return local + "@" + domain
}
