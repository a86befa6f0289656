package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mboxkit/mboxkit/internal/model"
	"github.com/mboxkit/mboxkit/internal/recovery"
)

type recoverOptions struct {
	upn            string
	smtp           string
	displayName    string
	firstName      string
	lastName       string
	password       string
	resetPassword  bool
	skipValidation bool
	wait           time.Duration
	suggestDomain  string
	suggestOnly    bool
}

func newRecoverCmd(flags *rootFlags) *cobra.Command {
	opts := recoverOptions{}

	cmd := &cobra.Command{
		Use:   "recover <source-identity>",
		Short: "Recover an inactive mailbox into a new active mailbox",
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

			if opts.suggestOnly {
				return runSuggest(ctx, cmd, app, args[0], opts.suggestDomain)
			}
			if opts.upn == "" {
				suggestion, err := app.recovery.SuggestTargetDetails(ctx, args[0], opts.suggestDomain)
				if err != nil {
					return fmt.Errorf("no --upn given and suggestion failed: %w", err)
				}
				opts.upn = suggestion.UPN
				if opts.displayName == "" {
					opts.displayName = suggestion.DisplayName
				}
			}

			result, err := app.recovery.Recover(ctx, recovery.Request{
				SourceIdentity: args[0],
				TargetUPN:      opts.upn,
				TargetSMTP:     opts.smtp,
				DisplayName:    opts.displayName,
				FirstName:      opts.firstName,
				LastName:       opts.lastName,
				Password:       opts.password,
				ResetPassword:  opts.resetPassword,
				SkipValidation: opts.skipValidation,
			})
			if err != nil {
				return err
			}

			printRecoveryResult(cmd, result)
			if result.Outcome == model.OutcomeFailed {
				return fmt.Errorf("recovery failed: %s", result.ErrorText)
			}

			if opts.wait > 0 {
				status, err := app.recovery.WaitForProvisioning(ctx, opts.upn, opts.wait, 10*time.Second)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "provisioned: %s (%s)\n", opts.upn, status.RecipientType)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.upn, "upn", "", "UPN for the recovered mailbox (derived from the source when omitted)")
	cmd.Flags().StringVar(&opts.smtp, "smtp", "", "Primary SMTP address (defaults to the UPN)")
	cmd.Flags().StringVar(&opts.displayName, "display-name", "", "Display name (defaults to the UPN local part)")
	cmd.Flags().StringVar(&opts.firstName, "first-name", "", "First name")
	cmd.Flags().StringVar(&opts.lastName, "last-name", "", "Last name")
	cmd.Flags().StringVar(&opts.password, "password", "", "Initial password (generated when omitted)")
	cmd.Flags().BoolVar(&opts.resetPassword, "reset-password", false, "Force a password change at next logon")
	cmd.Flags().BoolVar(&opts.skipValidation, "skip-validation", false, "Skip the pre-recovery validation gate")
	cmd.Flags().DurationVar(&opts.wait, "wait", 0, "Wait up to this long for the mailbox to provision")
	cmd.Flags().StringVar(&opts.suggestDomain, "domain", "", "Domain used when deriving the target UPN from the source")
	cmd.Flags().BoolVar(&opts.suggestOnly, "suggest", false, "Only print the derived target identity, do not recover")

	return cmd
}

func runSuggest(ctx context.Context, cmd *cobra.Command, app *appContext, identity, domain string) error {
	suggestion, err := app.recovery.SuggestTargetDetails(ctx, identity, domain)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "upn: %s\nsmtp: %s\ndisplay_name: %s\n",
		suggestion.UPN, suggestion.SMTP, suggestion.DisplayName)
	return nil
}

func printRecoveryResult(cmd *cobra.Command, result recovery.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "outcome: %s\n", result.Outcome)
	if result.NewUPN != "" {
		fmt.Fprintf(out, "mailbox: %s\n", result.NewUPN)
	}
	if result.NewMailboxGUID != "" {
		fmt.Fprintf(out, "guid: %s\n", result.NewMailboxGUID)
	}
	if result.GeneratedPassword != "" {
		fmt.Fprintf(out, "initial password: %s\n", result.GeneratedPassword)
	}
	if result.Validation != nil {
		for _, issue := range result.Validation.Issues {
			fmt.Fprintf(out, "[%s] %s: %s\n", issue.Severity, issue.Code, issue.Message)
		}
	}
}
