// Command meditator runs an interruptible stream of model thought and
// inspects the state it leaves behind.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/steveyegge/meditator/internal/config"
	"github.com/steveyegge/meditator/internal/logging"
	"go.uber.org/zap"
)

var version = "0.1.0"

var (
	configPath string
	stateDir   string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "meditator",
	Short: "Interruptible streaming thought with chained state",
	Long: `meditator streams the thoughts of a language model and lets timers,
token monitors, tools and people interrupt it. Every interrupt goes through
an analysis and planning pipeline that decides whether to resume, restart or
drop the stream, and all state is kept as chained markdown checkpoints.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath, cmd.Flags().Changed("config"))
		if err != nil {
			return err
		}
		if stateDir != "" {
			cfg.StateDir = stateDir
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Configuration file")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "State directory (overrides the configuration)")
	rootCmd.Version = version
}

// newLogger builds the logger described by the loaded configuration.
func newLogger() (*zap.Logger, error) {
	logger, _, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
