package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/steveyegge/meditator/internal/control"
	"github.com/steveyegge/meditator/internal/storage"
)

var socketFlag string

// findSocket returns the control socket of the runner owning the state
// directory: an explicit flag, the socket advertised in the run lock, or the
// configured default.
func findSocket() (string, error) {
	if socketFlag != "" {
		return socketFlag, nil
	}
	if lock, err := storage.ReadRunLock(cfg.StateDir); err == nil && lock.Socket != "" {
		if !lock.Alive() {
			return "", fmt.Errorf("runner PID %d is gone (stale lock in %s)", lock.PID, cfg.StateDir)
		}
		return lock.Socket, nil
	}
	path := cfg.SocketPath()
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("no running meditator found (no control socket at %s)", path)
	}
	return path, nil
}

func newControlClient() (*control.Client, error) {
	path, err := findSocket()
	if err != nil {
		return nil, fmt.Errorf("%w\nHint: is the runner up? Start it with 'meditator run'", err)
	}
	return control.NewClient(path), nil
}

// report prints a control response, turning failures into errors.
func report(resp *control.Response, err error, done string) error {
	if err != nil {
		return err
	}
	if !resp.Success {
		red := color.New(color.FgRed).SprintFunc()
		fmt.Printf("%s %s\n", red("✗"), resp.Message)
		return fmt.Errorf("%s", resp.Error)
	}
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s %s\n", green("✓"), done)
	if resp.Message != "" && resp.Message != done {
		fmt.Printf("  %s\n", resp.Message)
	}
	return nil
}

func controlCommand(use, short string, args cobra.PositionalArgs, send func(c *control.Client, args []string) (*control.Response, error), done string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient()
			if err != nil {
				return err
			}
			resp, err := send(client, args)
			return report(resp, err, done)
		},
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the running meditator",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		client, err := newControlClient()
		if err != nil {
			return err
		}
		resp, err := client.Status()
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("status failed: %s", resp.Error)
		}
		if asJSON {
			out, _ := json.MarshalIndent(resp.Data, "", "  ")
			fmt.Println(string(out))
			return nil
		}
		printStatus(resp.Data)
		return nil
	},
}

func printStatus(data map[string]interface{}) {
	stateColor := color.New(color.FgCyan, color.Bold)
	switch data["state"] {
	case "ERROR", "UNAVAILABLE":
		stateColor = color.New(color.FgRed, color.Bold)
	case "INTERRUPTED":
		stateColor = color.New(color.FgYellow, color.Bold)
	}
	fmt.Printf("State:    %s\n", stateColor.Sprint(data["state"]))
	fmt.Printf("Provider: %v\n", data["provider"])
	if up, ok := data["uptime"]; ok {
		fmt.Printf("Uptime:   %v\n", up)
	}
	fmt.Printf("Chunks:   %v\n", data["chunks"])
	fmt.Printf("Clients:  %v\n", data["clients"])
	if p, ok := data["pipeline"].(map[string]interface{}); ok {
		fmt.Printf("Pipeline: busy=%v pending=%v processed=%v\n", p["busy"], p["pending"], p["processed"])
	}
	if last, ok := data["lastInterrupt"].(map[string]interface{}); ok {
		fmt.Printf("Last interrupt: %v -> %v\n", last["reason"], last["strategy"])
	}
	if prompt, ok := data["prompt"].(string); ok && prompt != "" {
		gray := color.New(color.FgHiBlack).SprintFunc()
		fmt.Printf("Prompt:   %s\n", gray(truncateString(strings.ReplaceAll(prompt, "\n", " "), 70)))
	}
}

func init() {
	interruptCmd := controlCommand("interrupt [reason]", "Interrupt the stream", cobra.ArbitraryArgs,
		func(c *control.Client, args []string) (*control.Response, error) {
			return c.Interrupt(strings.Join(args, " "))
		}, "Interrupt requested")
	resumeCmd := controlCommand("resume", "Resume an interrupted stream", cobra.NoArgs,
		func(c *control.Client, _ []string) (*control.Response, error) { return c.Resume() }, "Resume requested")
	terminateCmd := controlCommand("terminate", "Drop the stream", cobra.NoArgs,
		func(c *control.Client, _ []string) (*control.Response, error) { return c.Terminate() }, "Terminate requested")
	promptCmd := controlCommand("prompt <text>", "Restart generation with a new prompt", cobra.MinimumNArgs(1),
		func(c *control.Client, args []string) (*control.Response, error) {
			return c.Prompt(strings.Join(args, " "))
		}, "Prompt sent")
	inputCmd := controlCommand("input <message>", "Send user input to the stream", cobra.MinimumNArgs(1),
		func(c *control.Client, args []string) (*control.Response, error) {
			return c.Input(strings.Join(args, " "))
		}, "Input sent")

	statusCmd.Flags().Bool("json", false, "Print the raw status document")
	for _, c := range []*cobra.Command{interruptCmd, resumeCmd, terminateCmd, promptCmd, inputCmd, statusCmd, consoleCmd} {
		c.Flags().StringVar(&socketFlag, "socket", "", "Control socket (default: discovered from the state directory)")
		rootCmd.AddCommand(c)
	}
}
