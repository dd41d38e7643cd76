package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/steveyegge/meditator/internal/statestore"
	"github.com/steveyegge/meditator/internal/triggers"
	"gopkg.in/yaml.v3"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage token monitor rules",
}

var rulesSetCmd = &cobra.Command{
	Use:   "set <monitor> <rules.yaml>",
	Short: "Replace the rules of a token monitor",
	Long: `Replace the rules of a token monitor with the rules in a YAML file.
A running monitor picks up the change without a restart.

Example file:

  - name: fire
    type: keyword
    keywords: [fire, smoke]
    description: Something is burning
  - name: shouting
    type: regex
    pattern: "[A-Z]{10,}"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := readRules(args[1])
		if err != nil {
			return err
		}
		logger, err := newLogger()
		if err != nil {
			return err
		}
		if err := triggers.SetupTokenMonitorRules(cfg.StateDir, args[0], rules, logger); err != nil {
			return err
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s %d rules set for %s\n", green("✓"), len(rules), triggers.MonitorGenerator(args[0]))
		return nil
	},
}

var rulesListCmd = &cobra.Command{
	Use:   "list <monitor>",
	Short: "Show the rules of a token monitor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := statestore.New(&statestore.Config{Root: cfg.StateDir, Generator: triggers.MonitorGenerator(args[0])})
		if err != nil {
			return err
		}
		meta, err := store.LoadMeta()
		if err != nil {
			return err
		}
		rules := triggers.RulesFromMeta(meta, nil)
		if len(rules) == 0 {
			fmt.Println("No rules")
			return nil
		}
		out, err := yaml.Marshal(rules)
		if err != nil {
			return fmt.Errorf("failed to format rules: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

func readRules(path string) ([]triggers.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}
	var rules []triggers.Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("%s contains no rules", path)
	}
	return rules, nil
}

func init() {
	rulesCmd.AddCommand(rulesSetCmd, rulesListCmd)
	rootCmd.AddCommand(rulesCmd)
}
