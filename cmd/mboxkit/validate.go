package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mboxkit/mboxkit/internal/validation"
)

type validateOptions struct {
	targetUPN  string
	targetSMTP string
	restoreTo  string
}

func newValidateCmd(flags *rootFlags) *cobra.Command {
	opts := validateOptions{}

	cmd := &cobra.Command{
		Use:   "validate <identity>",
		Short: "Check whether an inactive mailbox can be recovered or restored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newAppContext(flags)
			if err != nil {
				return err
			}

			ctx := context.Background()
			if err := app.connect(ctx); err != nil {
				return err
			}
			defer app.disconnect(ctx)

			var result validation.Result
			if opts.restoreTo != "" {
				result, err = app.validator.ValidateRestore(ctx, args[0], opts.restoreTo)
			} else {
				result, err = app.validator.ValidateRecovery(ctx, args[0], opts.targetUPN, opts.targetSMTP)
			}
			if err != nil {
				return err
			}

			printValidation(cmd, result)
			if !result.CanProceed() {
				return fmt.Errorf("validation blocked: %s", result.BlockerText())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.targetUPN, "target-upn", "", "Proposed UPN for the recovered mailbox (enables conflict checks)")
	cmd.Flags().StringVar(&opts.targetSMTP, "target-smtp", "", "Proposed SMTP address (defaults to target UPN)")
	cmd.Flags().StringVar(&opts.restoreTo, "restore-to", "", "Validate restoring into this active mailbox instead of recovery")

	return cmd
}

func printValidation(cmd *cobra.Command, result validation.Result) {
	out := cmd.OutOrStdout()
	if len(result.Issues) == 0 {
		fmt.Fprintf(out, "%s: no findings, safe to proceed\n", result.Identity)
		return
	}
	for _, issue := range result.Issues {
		fmt.Fprintf(out, "[%s] %s: %s\n", issue.Severity, issue.Code, issue.Message)
	}
	if result.CanProceed() {
		fmt.Fprintln(out, "verdict: can proceed")
	} else {
		fmt.Fprintln(out, "verdict: blocked")
	}
}
