package main

import (
	"os"

	"github.com/spf13/cobra"
)

type rootFlags struct {
	verbose      bool
	configPath   string
	organization string
	token        string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "mboxkit",
		Short:         "mboxkit recovers and restores Exchange Online inactive mailboxes",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable verbose logging")
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&flags.organization, "organization", "", "Tenant organization (overrides config)")
	cmd.PersistentFlags().StringVar(&flags.token, "token", os.Getenv("MBOXKIT_ACCESS_TOKEN"), "Access token for Connect-ExchangeOnline (defaults to MBOXKIT_ACCESS_TOKEN)")

	cmd.AddCommand(newValidateCmd(flags))
	cmd.AddCommand(newRecoverCmd(flags))
	cmd.AddCommand(newRestoreCmd(flags))
	cmd.AddCommand(newBulkCmd(flags))
	cmd.AddCommand(newStatusCmd(flags))
	cmd.AddCommand(newVersionCmd())

	return cmd
}
