package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/streamsale/internal/events"
	"github.com/roach88/streamsale/internal/ir"
	"github.com/roach88/streamsale/internal/store"
)

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	Database string
	Item     string
	Kind     string
	After    int64
	Limit    int
}

// EventsResult holds the event log dump.
type EventsResult struct {
	Events []events.Event `json:"events"`
	Stats  EventStats     `json:"stats"`
}

// EventStats summarizes a dump.
type EventStats struct {
	Total  int                 `json:"total"`
	ByKind map[events.Kind]int `json:"by_kind"`
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Dump the persisted event log",
		Long: `Dump events from a streamsale database in seq order.

Filters combine: --item restricts to one item, --kind to one event kind,
--after skips events with seq <= N, --limit caps the count.

Examples:
  streamsale events --db ./streamsale.db
  streamsale events --db ./streamsale.db --kind purchase.settled
  streamsale events --db ./streamsale.db --after 100 --limit 20 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Item, "item", "", "filter to one item id")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "filter to one event kind")
	cmd.Flags().Int64Var(&opts.After, "after", 0, "only events with seq greater than this")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of events (0 = all)")

	return cmd
}

func runEvents(opts *EventsOptions, cmd *cobra.Command) error {
	// Open creates missing files; a dump of a path that does not exist is a mistake.
	if _, err := os.Stat(opts.Database); err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	evs, err := st.ReadEvents(cmd.Context(), store.EventFilter{
		Item:     ir.ItemID(opts.Item),
		Kind:     events.Kind(opts.Kind),
		AfterSeq: opts.After,
		Limit:    opts.Limit,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read events", err)
	}

	result := EventsResult{
		Events: evs,
		Stats:  EventStats{Total: len(evs), ByKind: map[events.Kind]int{}},
	}
	for _, ev := range evs {
		result.Stats.ByKind[ev.Kind]++
	}

	if opts.Format == "json" {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(CLIResponse{Status: "ok", Data: result})
	}
	return outputEventsText(cmd, result)
}

func outputEventsText(cmd *cobra.Command, result EventsResult) error {
	w := cmd.OutOrStdout()
	if len(result.Events) == 0 {
		fmt.Fprintln(w, "No events found.")
		return nil
	}

	for _, ev := range result.Events {
		line := fmt.Sprintf("[%d] %s", ev.Seq, ev.Kind)
		if ev.Item != "" {
			line += " item=" + shortID(string(ev.Item))
		}
		if attrs := formatAttrs(ev.Attrs); attrs != "" {
			line += " " + attrs
		}
		fmt.Fprintln(w, line)
	}

	kinds := make([]string, 0, len(result.Stats.ByKind))
	for k := range result.Stats.ByKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = fmt.Sprintf("%s=%d", k, result.Stats.ByKind[events.Kind(k)])
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d event(s): %s\n", result.Stats.Total, strings.Join(parts, " "))
	return nil
}

// formatAttrs renders attrs as sorted key=value pairs.
func formatAttrs(attrs map[string]any) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, attrs[k])
	}
	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
