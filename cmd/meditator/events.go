package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/steveyegge/meditator/internal/events"
	"github.com/steveyegge/meditator/internal/storage/sqlite"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the audit log",
	Long: `Display recent audit events and optionally follow live updates.

Events include:
- Interrupts processed, queued, rejected, or resolved by fallback
- Generation state changes and prompt restarts
- Trigger firings and tool executions
- Websocket clients connecting and leaving`,
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		limit, _ := cmd.Flags().GetInt("limit")
		component, _ := cmd.Flags().GetString("component")
		eventType, _ := cmd.Flags().GetString("type")
		severity, _ := cmd.Flags().GetString("severity")
		stats, _ := cmd.Flags().GetBool("stats")

		store, err := sqlite.New(cfg.EventsPath(), nil)
		if err != nil {
			return err
		}
		defer store.Close()

		filter := events.EventFilter{
			Component: component,
			Type:      events.EventType(eventType),
			Severity:  events.EventSeverity(severity),
			Limit:     limit,
		}
		ctx := context.Background()
		if stats {
			return showEventCounts(ctx, store)
		}
		if follow {
			return followEvents(ctx, store, filter)
		}
		return showEvents(ctx, store, filter)
	},
}

func showEvents(ctx context.Context, store events.EventStore, filter events.EventFilter) error {
	evs, err := store.GetEvents(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to fetch events: %w", err)
	}
	if len(evs) == 0 {
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Printf("\n%s No events found\n\n", yellow("✨"))
		return nil
	}
	// newest last
	for i := len(evs) - 1; i >= 0; i-- {
		displayEvent(os.Stdout, evs[i])
	}
	return nil
}

func followEvents(ctx context.Context, store events.EventStore, filter events.EventFilter) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cyan := color.New(color.FgCyan).SprintFunc()
	fmt.Printf("\n%s Following live updates (Ctrl+C to stop)...\n\n", cyan("👁️"))

	evs, err := store.GetEvents(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to fetch events: %w", err)
	}
	for i := len(evs) - 1; i >= 0; i-- {
		displayEvent(os.Stdout, evs[i])
	}

	var last time.Time
	if len(evs) > 0 {
		last = evs[0].Timestamp
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n\nStopped following")
			return nil
		case <-ticker.C:
			next := filter
			next.AfterTime = last
			next.Limit = 100
			fresh, err := store.GetEvents(ctx, next)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				fmt.Fprintf(os.Stderr, "\nError fetching new events: %v\n", err)
				continue
			}
			for i := len(fresh) - 1; i >= 0; i-- {
				displayEvent(os.Stdout, fresh[i])
				if fresh[i].Timestamp.After(last) {
					last = fresh[i].Timestamp
				}
			}
		}
	}
}

func showEventCounts(ctx context.Context, store *sqlite.Storage) error {
	counts, err := store.GetEventCounts(ctx)
	if err != nil {
		return err
	}
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Printf("%s %d\n", cyan("Total events:"), counts.TotalEvents)
	for _, group := range []struct {
		title  string
		counts map[string]int
	}{
		{"By component", counts.EventsByComponent},
		{"By severity", counts.EventsBySeverity},
		{"By type", counts.EventsByType},
	} {
		fmt.Printf("\n%s\n", cyan(group.title))
		for _, k := range sortedKeys(group.counts) {
			fmt.Printf("  %-24s %d\n", k, group.counts[k])
		}
	}
	return nil
}

func init() {
	eventsCmd.Flags().BoolP("follow", "f", false, "Follow mode - watch for live updates (Ctrl+C to stop)")
	eventsCmd.Flags().IntP("limit", "n", 20, "Number of recent events to show")
	eventsCmd.Flags().String("component", "", "Filter by component")
	eventsCmd.Flags().String("type", "", "Filter by event type")
	eventsCmd.Flags().String("severity", "", "Filter by severity (info, warning, error)")
	eventsCmd.Flags().Bool("stats", false, "Show event counts instead of events")
	rootCmd.AddCommand(eventsCmd)
}
