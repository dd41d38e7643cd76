package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/steveyegge/meditator/internal/console"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive shell for a running meditator",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newControlClient()
		if err != nil {
			return err
		}
		c, err := console.New(&console.Config{
			Client:      client,
			HistoryFile: filepath.Join(cfg.StateDir, ".console_history"),
		})
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return c.Run(ctx)
	},
}
