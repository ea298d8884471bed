package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"rdeer/pkg/protocol"
)

// Output formats accepted by -o.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

// isTerminal reports whether w is an interactive terminal. Styled output is
// only written to terminals.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// printIndexes writes infos in the requested format.
func printIndexes(w io.Writer, infos []protocol.IndexInfo, format string) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(infos); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	case formatTable, "":
		_, err := io.WriteString(w, renderIndexTable(infos, isTerminal(w)))
		return err
	}
	return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
}

// renderIndexTable lays out infos as aligned columns, colored by status when
// styled is set.
func renderIndexTable(infos []protocol.IndexInfo, styled bool) string {
	if len(infos) == 0 {
		return "no indexes found\n"
	}

	nameWidth := len("INDEX")
	for _, info := range infos {
		nameWidth = max(nameWidth, len(info.Name))
	}
	const statusWidth = len("available")

	theme := DefaultTheme()
	var sb strings.Builder

	header := fmt.Sprintf("%-*s  %-*s  %s", nameWidth, "INDEX", statusWidth, "STATUS", "PORT")
	if styled {
		header = lipgloss.NewStyle().Bold(true).Foreground(theme.Primary).Render(header)
	}
	sb.WriteString(header)
	sb.WriteString("\n")

	for _, info := range infos {
		port := "-"
		if info.Port > 0 {
			port = strconv.Itoa(info.Port)
		}
		status := fmt.Sprintf("%-*s", statusWidth, info.Status)
		if styled {
			status = lipgloss.NewStyle().Foreground(theme.StatusColor(info.Status)).Render(status)
		}
		fmt.Fprintf(&sb, "%-*s  %s  %s\n", nameWidth, info.Name, status, port)
	}
	return sb.String()
}
