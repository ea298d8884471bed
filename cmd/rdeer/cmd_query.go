package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"rdeer/pkg/protocol"
)

// queryConfig holds configuration for the query command.
type queryConfig struct {
	query     string
	threshold string
	format    string
	output    string
}

// newQueryCmd creates the "rdeer query" subcommand.
func newQueryCmd(opts *clientOptions) *cobra.Command {
	var cfg queryConfig

	cmd := &cobra.Command{
		Use:   "query <index>",
		Short: "Query a running index with FASTA sequences",
		Long:  "Sends the FASTA file given by -q (or stdin with -q -) to a running index\nand writes the engine's result to stdout or -o.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fasta, err := readQuery(cmd.InOrStdin(), cfg.query)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			result, err := opts.client().Query(ctx, args[0], fasta, cfg.threshold, cfg.format)
			if err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), cfg.output, result)
		},
	}

	cmd.Flags().StringVarP(&cfg.query, "query", "q", "", "FASTA file to query, or - for stdin")
	cmd.Flags().StringVarP(&cfg.threshold, "threshold", "t", "", "minimum share of k-mers that must match")
	cmd.Flags().StringVarP(&cfg.format, "format", "f", protocol.DefaultFormat, "result format reported by the engine")
	cmd.Flags().StringVarP(&cfg.output, "output", "o", "", "write the result to a file instead of stdout")
	_ = cmd.MarkFlagRequired("query")

	return cmd
}

// readQuery loads the FASTA payload from path, or from stdin for "-".
func readQuery(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		//nolint:gosec // path is the operator's -q flag
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read query %s: %w", path, err)
	}
	if !strings.HasPrefix(strings.TrimSpace(string(data)), ">") {
		return "", errors.New("query is not in FASTA format (expected a '>' header)")
	}
	return string(data), nil
}

// writeResult writes result to path, or to w when path is empty.
func writeResult(w io.Writer, path, result string) error {
	if path == "" {
		_, err := io.WriteString(w, result)
		return err
	}
	if err := os.WriteFile(path, []byte(result), 0o644); err != nil { //nolint:gosec // result file is meant to be readable
		return fmt.Errorf("write result %s: %w", path, err)
	}
	return nil
}
