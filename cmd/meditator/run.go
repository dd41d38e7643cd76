package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/steveyegge/meditator/internal/app"
	"github.com/steveyegge/meditator/internal/config"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start streaming and serve the control surfaces",
	Long: `Start generation and keep it running until Ctrl+C.

The runner will:
1. Claim the state directory with a run lock
2. Mount the pipeline, generation controller, knowledge base and triggers
3. Serve the websocket, metrics and state endpoints over HTTP
4. Listen for control commands on the unix socket
5. Stream thought from the initial prompt, handling every interrupt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if p, _ := cmd.Flags().GetString("prompt"); p != "" {
			cfg.Prompt = p
		}
		if p, _ := cmd.Flags().GetString("provider"); p != "" {
			cfg.Model.Provider = p
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}
		if noServer, _ := cmd.Flags().GetBool("no-server"); noServer {
			cfg.Server.Enabled = false
		}
		resume, _ := cmd.Flags().GetBool("resume")
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		a, err := app.New(cfg, logger, app.Options{Version: version, Resume: resume})
		if err != nil {
			return fmt.Errorf("failed to create runner: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		printBanner(cfg)
		if err := a.Run(ctx); err != nil {
			return err
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("\n%s Meditator stopped\n", green("✓"))
		return nil
	},
}

func printBanner(cfg *config.Config) {
	green := color.New(color.FgGreen).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	fmt.Printf("%s Meditator started (version %s)\n", green("✓"), cyan(version))
	fmt.Printf("  Provider: %s\n", cfg.Model.Provider)
	fmt.Printf("  State: %s\n", cfg.StateDir)
	if cfg.Server.Enabled {
		fmt.Printf("  HTTP: %s (websocket at /ws)\n", cfg.Server.Addr)
	} else {
		fmt.Printf("  HTTP: disabled\n")
	}
	if cfg.Control.Enabled {
		fmt.Printf("  Control socket: %s\n", cfg.SocketPath())
	}
	fmt.Printf("  Press Ctrl+C to stop\n\n")
}

func init() {
	runCmd.Flags().StringP("prompt", "p", "", "Initial prompt (overrides the configuration)")
	runCmd.Flags().String("provider", "", "Model provider: anthropic, openrouter or offline")
	runCmd.Flags().String("addr", "", "HTTP listen address")
	runCmd.Flags().Bool("no-server", false, "Do not serve HTTP")
	runCmd.Flags().Bool("resume", false, "Restart from the last persisted prompt")
	rootCmd.AddCommand(runCmd)
}
