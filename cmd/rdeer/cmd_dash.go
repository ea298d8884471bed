package main

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

// newDashCmd creates the "rdeer dash" subcommand.
func newDashCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dash",
		Short: "Live view of every index on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !isTerminal(cmd.OutOrStdout()) {
				return fmt.Errorf("dash needs an interactive terminal; use 'rdeer list' instead")
			}
			p := tea.NewProgram(newModel(opts.client(), opts.server), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("run dashboard: %w", err)
			}
			return nil
		},
	}
}
