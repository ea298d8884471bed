package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"rdeer/pkg/client"
)

// newListCmd creates the "rdeer list" subcommand.
func newListCmd(opts *clientOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List indexes known to the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			infos, err := opts.client().List(ctx)
			if err != nil {
				return err
			}
			return printIndexes(cmd.OutOrStdout(), infos, format)
		},
	}

	cmd.Flags().StringVarP(&format, "output", "o", formatTable, "output format: table, json or yaml")
	return cmd
}

// newStartCmd creates the "rdeer start" subcommand.
func newStartCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start <index>",
		Short: "Launch the worker for an index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			info, err := opts.client().Start(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Index %q %s on port %d.\n", info.Name, info.Status, info.Port)
			return nil
		},
	}
}

// messageCmd builds a subcommand that sends one index-bearing request and
// prints the server's message.
func messageCmd(opts *clientOptions, use, short string, call func(*client.Client, context.Context, string) (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <index>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			msg, err := call(opts.client(), ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

// newStopCmd creates the "rdeer stop" subcommand.
func newStopCmd(opts *clientOptions) *cobra.Command {
	return messageCmd(opts, "stop", "Gracefully stop the worker for an index", (*client.Client).Stop)
}

// newKillCmd creates the "rdeer kill" subcommand.
func newKillCmd(opts *clientOptions) *cobra.Command {
	return messageCmd(opts, "kill", "Terminate the worker for an index", (*client.Client).Kill)
}

// newCheckCmd creates the "rdeer check" subcommand.
func newCheckCmd(opts *clientOptions) *cobra.Command {
	return messageCmd(opts, "check", "Verify that an index answers on its control socket", (*client.Client).Check)
}

// newStatusCmd creates the "rdeer status" subcommand.
func newStatusCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <index>",
		Short: "Print the status of an index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			st, err := opts.client().Status(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), st)
			return nil
		},
	}
}
