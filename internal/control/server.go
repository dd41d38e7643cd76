// Package control exposes a unix socket through which a running meditator
// accepts commands from the CLI and the console.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Command types.
const (
	CmdInterrupt = "interrupt"
	CmdResume    = "resume"
	CmdTerminate = "terminate"
	CmdPrompt    = "prompt"
	CmdInput     = "input"
	CmdStatus    = "status"
)

// DefaultSocketPath is used when no socket path is configured.
const DefaultSocketPath = "interrupt-state/meditator.sock"

// Command represents a control command sent to a running meditator.
type Command struct {
	Type string `json:"type"`
	// Text is the prompt for "prompt" and the message for "input".
	Text string `json:"text,omitempty"`
	// Reason explains an "interrupt".
	Reason    string                 `json:"reason,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Response represents a response to a control command
type Response struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Handler executes a command and returns response data.
type Handler func(ctx context.Context, cmd Command) (map[string]interface{}, error)

// Server manages the control socket
type Server struct {
	socketPath string
	logger     *zap.Logger
	mu         sync.RWMutex
	listener   *net.UnixListener
	running    bool
	stopCh     chan struct{}
	doneCh     chan struct{}
	conns      sync.WaitGroup

	onCommand Handler
}

// NewServer creates a control server for socketPath, removing a stale
// socket left by a crashed instance.
func NewServer(socketPath string, onCommand Handler, logger *zap.Logger) (*Server, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}

	return &Server{
		socketPath: socketPath,
		logger:     logger.Named("control"),
		onCommand:  onCommand,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Start begins listening for control commands
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("control server already running")
	}

	addr, err := net.ResolveUnixAddr("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to resolve control socket: %w", err)
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("failed to create control socket: %w", err)
	}

	s.listener = listener
	s.running = true
	s.logger.Info("control server listening", zap.String("socket", s.socketPath))

	go s.acceptLoop(ctx)
	return nil
}

// Run starts the server and stops it when ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-s.doneCh:
	}
	return s.Stop()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer close(s.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		// The deadline lets the loop notice cancellation.
		if err := s.listener.SetDeadline(time.Now().Add(time.Second)); err != nil {
			s.logger.Warn("failed to set accept deadline", zap.Error(err))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-s.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept error", zap.Error(err))
			continue
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection processes a single control connection
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		s.logger.Warn("failed to set read deadline", zap.Error(err))
		return
	}

	var cmd Command
	if err := json.NewDecoder(conn).Decode(&cmd); err != nil {
		s.sendError(conn, fmt.Sprintf("failed to decode command: %v", err))
		return
	}
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now()
	}
	s.logger.Debug("command received", zap.String("type", cmd.Type))

	var resp Response
	if s.onCommand == nil {
		resp = Response{
			Message: "No command handler registered",
			Error:   "server misconfiguration",
		}
	} else if data, err := s.onCommand(ctx, cmd); err != nil {
		resp = Response{
			Message: fmt.Sprintf("Command failed: %v", err),
			Error:   err.Error(),
		}
	} else {
		resp = Response{
			Success: true,
			Message: fmt.Sprintf("Command '%s' completed successfully", cmd.Type),
			Data:    data,
		}
	}

	if err := s.sendResponse(conn, resp); err != nil {
		s.logger.Warn("failed to send response", zap.Error(err))
	}
}

func (s *Server) sendError(conn net.Conn, message string) {
	_ = s.sendResponse(conn, Response{Message: message, Error: message})
}

func (s *Server) sendResponse(conn net.Conn, resp Response) error {
	return json.NewEncoder(conn).Encode(resp)
}

// Stop closes the socket and waits for open connections.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("error closing listener", zap.Error(err))
	}

	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		s.logger.Warn("timeout waiting for control server shutdown")
	}
	s.conns.Wait()

	if err := os.RemoveAll(s.socketPath); err != nil {
		s.logger.Warn("failed to remove socket file", zap.Error(err))
	}
	s.logger.Info("control server stopped")
	return nil
}

// IsRunning returns whether the server is currently running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// SocketPath returns the path to the control socket
func (s *Server) SocketPath() string {
	return s.socketPath
}
