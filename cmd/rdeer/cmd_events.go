package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"rdeer/pkg/config"
	"rdeer/pkg/eventlog"
)

// eventsConfig holds configuration for the events command.
type eventsConfig struct {
	db        string
	index     string
	eventType string
	limit     int
}

// newEventsCmd creates the "rdeer events" subcommand. It reads the local
// event database directly, so it runs on the server host.
func newEventsCmd() *cobra.Command {
	var cfg eventsConfig

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent index transitions and requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := cfg.db
			if path == "" {
				loaded, err := config.Load("", nil)
				if err != nil {
					return err
				}
				path = loaded.EventsDB
			}

			reader, err := eventlog.NewReader(path)
			if err != nil {
				return fmt.Errorf("open event log: %w", err)
			}
			defer reader.Close()

			events, err := reader.Query(cmd.Context(), eventlog.QueryOpts{
				Index:     cfg.index,
				EventType: cfg.eventType,
				Limit:     cfg.limit,
			})
			if err != nil {
				return err
			}
			printEvents(cmd.OutOrStdout(), events)
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.db, "events-db", "", "event database (default from config, ~/.rdeer/events.db)")
	cmd.Flags().StringVar(&cfg.index, "index", "", "only show events for this index")
	cmd.Flags().StringVar(&cfg.eventType, "type", "", "only show events of this type (transition, request, discovered, removed)")
	cmd.Flags().IntVarP(&cfg.limit, "limit", "n", 20, "number of recent events to show")

	return cmd
}

// printEvents writes events oldest first, one line each.
func printEvents(w io.Writer, events []eventlog.Event) {
	if len(events) == 0 {
		fmt.Fprintln(w, "no events found")
		return
	}
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		port := "-"
		if e.Port > 0 {
			port = strconv.Itoa(e.Port)
		}
		fmt.Fprintf(w, "%-14s %-10s %-20s %-9s %-6s %s",
			humanize.Time(e.CreatedAt), e.Type, e.Index, e.Status, port, e.Source)
		if e.Payload != "" && e.Payload != "{}" {
			fmt.Fprintf(w, " %s", e.Payload)
		}
		fmt.Fprintln(w)
	}
}
