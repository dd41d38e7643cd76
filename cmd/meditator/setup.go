package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/steveyegge/meditator/internal/statestore"
)

var setupCmd = &cobra.Command{
	Use:   "setup [generator...]",
	Short: "Create the initial state of the core generators",
	Long: `Create an initialized full state and metadata document for each
generator. Without arguments the core generators (token-monitor and
time-based) are created. Existing generators are left alone.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		created, err := statestore.Setup(cfg.StateDir, args, logger)
		if err != nil {
			return err
		}

		green := color.New(color.FgGreen).SprintFunc()
		if len(created) == 0 {
			fmt.Printf("%s State already initialized in %s\n", green("✓"), cfg.StateDir)
			return nil
		}
		for _, gen := range created {
			fmt.Printf("%s Initialized %s\n", green("✓"), gen)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(setupCmd)
}
