// Package console is the interactive shell that drives a running meditator
// through its control socket.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/steveyegge/meditator/internal/control"
)

// Commander is the subset of control.Client the console drives.
type Commander interface {
	Interrupt(reason string) (*control.Response, error)
	Resume() (*control.Response, error)
	Terminate() (*control.Response, error)
	Prompt(prompt string) (*control.Response, error)
	Input(message string) (*control.Response, error)
	Status() (*control.Response, error)
}

var _ Commander = (*control.Client)(nil)

// errExit ends the loop.
var errExit = errors.New("exit")

// CommandHandler handles one console command.
type CommandHandler func(args string) error

// Config configures a Console.
type Config struct {
	Client Commander
	// HistoryFile persists readline history. Empty keeps it in memory.
	HistoryFile string
	Out         io.Writer
}

// Console is the interactive shell.
type Console struct {
	client      Commander
	historyFile string
	out         io.Writer
	commands    map[string]CommandHandler
}

// New creates a Console.
func New(cfg *Config) (*Console, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("control client is required")
	}
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	c := &Console{
		client:      cfg.Client,
		historyFile: cfg.HistoryFile,
		out:         out,
		commands:    make(map[string]CommandHandler),
	}
	c.registerCommands()
	return c, nil
}

// Run reads commands until EOF, exit, or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	cyan := color.New(color.FgCyan).SprintFunc()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            cyan("meditator> "),
		HistoryFile:       c.historyFile,
		AutoComplete:      c.completer(),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdout:            c.out,
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	go func() {
		<-ctx.Done()
		_ = rl.Close()
	}()

	c.printWelcome()
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				fmt.Fprintln(c.out, "\nGoodbye!")
				return nil
			}
			return err
		}
		if err := c.ProcessInput(line); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			red := color.New(color.FgRed).SprintFunc()
			fmt.Fprintf(c.out, "%s %v\n", red("Error:"), err)
		}
	}
}

// ProcessInput runs one line. Lines that are not commands are sent to the
// stream as user input.
func (c *Console) ProcessInput(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	name, args, _ := strings.Cut(line, " ")
	if handler, ok := c.commands[name]; ok {
		return handler(strings.TrimSpace(args))
	}
	return c.send(c.client.Input(line))
}

func (c *Console) registerCommands() {
	c.commands["help"] = c.cmdHelp
	c.commands["?"] = c.cmdHelp
	c.commands["exit"] = c.cmdExit
	c.commands["quit"] = c.cmdExit
	c.commands["status"] = c.cmdStatus
	c.commands["interrupt"] = func(args string) error { return c.send(c.client.Interrupt(args)) }
	c.commands["resume"] = func(string) error { return c.send(c.client.Resume()) }
	c.commands["terminate"] = func(string) error { return c.send(c.client.Terminate()) }
	c.commands["prompt"] = func(args string) error {
		if args == "" {
			return fmt.Errorf("usage: prompt <text>")
		}
		return c.send(c.client.Prompt(args))
	}
}

func (c *Console) completer() *readline.PrefixCompleter {
	names := make([]string, 0, len(c.commands))
	for name := range c.commands {
		if name != "?" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	items := make([]readline.PrefixCompleterInterface, len(names))
	for i, n := range names {
		items[i] = readline.PcItem(n)
	}
	return readline.NewPrefixCompleter(items...)
}

// send reports a control response.
func (c *Console) send(resp *control.Response, err error) error {
	if err != nil {
		return err
	}
	if !resp.Success {
		return errors.New(resp.Error)
	}
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(c.out, "%s %s\n", green("✓"), resp.Message)
	return nil
}

func (c *Console) cmdStatus(string) error {
	resp, err := c.client.Status()
	if err != nil {
		return err
	}
	if !resp.Success {
		return errors.New(resp.Error)
	}
	data, err := json.MarshalIndent(resp.Data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format status: %w", err)
	}
	fmt.Fprintln(c.out, string(data))
	return nil
}

func (c *Console) printWelcome() {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Fprintf(c.out, "\n%s\n", cyan("meditator console"))
	fmt.Fprintln(c.out, "Type to talk to the stream, 'help' for commands, 'exit' to quit")
	fmt.Fprintln(c.out)
}

func (c *Console) cmdHelp(string) error {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(c.out, "\n%s\n\n", cyan("Available Commands:"))

	commands := []struct{ name, desc string }{
		{"status", "Show generation and pipeline status"},
		{"interrupt [reason]", "Interrupt the stream"},
		{"resume", "Resume an interrupted stream"},
		{"terminate", "Drop the stream"},
		{"prompt <text>", "Restart generation with a new prompt"},
		{"help, ?", "Show this help message"},
		{"exit, quit", "Leave the console"},
	}
	for _, cmd := range commands {
		fmt.Fprintf(c.out, "  %-20s %s\n", green(cmd.name), cmd.desc)
	}
	fmt.Fprintln(c.out, "\nAnything else is sent to the stream as user input.")
	fmt.Fprintln(c.out)
	return nil
}

func (c *Console) cmdExit(string) error {
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(c.out, "\n%s Goodbye!\n", green("✓"))
	return errExit
}
