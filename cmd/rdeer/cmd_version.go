package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"rdeer/internal/appversion"
)

// newVersionCmd creates the "rdeer version" subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build and protocol versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "rdeer %s\nprotocol %s\n", appversion.String(), appversion.Protocol())
			return nil
		},
	}
}
