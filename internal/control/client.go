package control

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client sends control commands to a running meditator
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a new control client
func NewClient(socketPath string) *Client {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Client{
		socketPath: socketPath,
		timeout:    10 * time.Second,
	}
}

// SetTimeout sets the client timeout for commands
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// SendCommand sends a command and waits for the response. A response with
// Success false is returned as-is, not as an error.
func (c *Client) SendCommand(cmd Command) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to meditator (is it running?): %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now()
	}
	if err := json.NewEncoder(conn).Encode(cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &resp, nil
}

// Interrupt asks the pipeline to process a user command interrupt.
func (c *Client) Interrupt(reason string) (*Response, error) {
	return c.SendCommand(Command{Type: CmdInterrupt, Reason: reason})
}

// Resume continues an interrupted stream.
func (c *Client) Resume() (*Response, error) {
	return c.SendCommand(Command{Type: CmdResume})
}

// Terminate drops the current stream.
func (c *Client) Terminate() (*Response, error) {
	return c.SendCommand(Command{Type: CmdTerminate})
}

// Prompt restarts generation with prompt.
func (c *Client) Prompt(prompt string) (*Response, error) {
	return c.SendCommand(Command{Type: CmdPrompt, Text: prompt})
}

// Input sends user input as an interrupt.
func (c *Client) Input(message string) (*Response, error) {
	return c.SendCommand(Command{Type: CmdInput, Text: message})
}

// Status requests the current generation status
func (c *Client) Status() (*Response, error) {
	return c.SendCommand(Command{Type: CmdStatus})
}
