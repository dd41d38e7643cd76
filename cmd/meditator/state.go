package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/steveyegge/meditator/internal/statestore"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect the chained state of each generator",
}

var stateListCmd = &cobra.Command{
	Use:   "list [generator]",
	Short: "List generators, or the state files of one generator",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			names, err := statestore.ListGenerators(cfg.StateDir)
			if err != nil {
				return err
			}
			if len(names) == 0 {
				yellow := color.New(color.FgYellow).SprintFunc()
				fmt.Printf("%s No generators in %s (try 'meditator setup')\n", yellow("✨"), cfg.StateDir)
				return nil
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		}

		store, err := openStore(args[0])
		if err != nil {
			return err
		}
		files, err := store.ListStateFiles()
		if err != nil {
			return err
		}
		printStateFiles(os.Stdout, files)
		return nil
	},
}

var stateShowCmd = &cobra.Command{
	Use:   "show <generator>",
	Short: "Print the reconstructed current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(args[0])
		if err != nil {
			return err
		}
		content, err := store.LoadState()
		if err != nil {
			return err
		}
		if content == "" {
			fmt.Fprintf(os.Stderr, "No state for %s\n", args[0])
			return nil
		}
		fmt.Println(content)
		return nil
	},
}

var stateHistoryCmd = &cobra.Command{
	Use:   "history <generator>",
	Short: "Walk the checkpoint chain back to the nearest full state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		showContent, _ := cmd.Flags().GetBool("content")
		store, err := openStore(args[0])
		if err != nil {
			return err
		}
		entries, err := store.StateHistory()
		if err != nil {
			return err
		}
		printHistory(os.Stdout, entries, showContent)
		return nil
	},
}

var stateSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize every generator",
	RunE: func(cmd *cobra.Command, args []string) error {
		summaries, err := statestore.Summary(cfg.StateDir, nil)
		if err != nil {
			return err
		}
		printSummary(os.Stdout, summaries, time.Now())
		return nil
	},
}

func openStore(generator string) (*statestore.Store, error) {
	return statestore.New(&statestore.Config{Root: cfg.StateDir, Generator: generator})
}

func kind(full bool) string {
	if full {
		return "full"
	}
	return "partial"
}

func printStateFiles(w io.Writer, files []statestore.StateFileInfo) {
	for _, f := range files {
		fmt.Fprintf(w, "%-8s %s  %s\n", kind(f.IsFullState), f.Timestamp, f.Filename)
	}
}

func printHistory(w io.Writer, entries []statestore.HistoryEntry, showContent bool) {
	cyan := color.New(color.FgCyan).SprintFunc()
	for i, e := range entries {
		fmt.Fprintf(w, "%d. %s [%s] %s\n", i+1, cyan(e.Filename), kind(e.IsFull), e.CreatedAt)
		if e.PreviousFile != "" {
			fmt.Fprintf(w, "   previous: %s\n", e.PreviousFile)
		}
		if showContent {
			fmt.Fprintf(w, "\n%s\n\n", e.Content)
		}
	}
}

func printSummary(w io.Writer, summaries []statestore.GeneratorSummary, now time.Time) {
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No generators")
		return
	}
	green := color.New(color.FgGreen).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\n", green(s.Generator))
		current := s.CurrentStateFile
		if current == "" {
			current = "(none)"
		}
		fmt.Fprintf(w, "  current: %s [%s]\n", current, kind(s.IsFull))
		age := "unknown"
		if d := s.Age(now); d > 0 {
			age = d.Round(time.Second).String() + " ago"
		}
		fmt.Fprintf(w, "  updated: %s %s\n", s.LastUpdated, gray("("+age+")"))
		fmt.Fprintf(w, "  files:   %s, %d partial since last full\n", s.FormatCount(), s.PartialCount)
	}
}

func init() {
	stateHistoryCmd.Flags().Bool("content", false, "Print each entry's content")
	stateCmd.AddCommand(stateListCmd, stateShowCmd, stateHistoryCmd, stateSummaryCmd)
	rootCmd.AddCommand(stateCmd)
}
