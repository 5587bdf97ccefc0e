package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

// ErrSocketInUse is returned by Start when another process already answers
// on the socket path.
var ErrSocketInUse = errors.New("socket in use by a running daemon")

// liveCheckTimeout bounds the dial used to tell a live socket from a stale file
const liveCheckTimeout = 500 * time.Millisecond

// HandlerFunc answers one request. The context is cancelled when the
// connection deadline passes or the server stops.
type HandlerFunc func(ctx context.Context, req *Request) *Response

// Server answers framed requests on a unix socket. Each accepted connection
// carries one request and one response.
type Server struct {
	socketPath  string
	logger      *slog.Logger
	connTimeout time.Duration

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	ln     net.Listener
	conns  sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer returns a server for socketPath. Handlers are registered with
// Handle before Start.
func NewServer(socketPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:  socketPath,
		logger:      logger.With("component", "ipc"),
		connTimeout: 30 * time.Second,
		handlers:    map[string]HandlerFunc{},
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetConnTimeout sets the deadline for reading a request and writing its
// response on one connection.
func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

// SocketPath returns the path the server listens on
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Handle registers the handler for command, replacing any earlier one.
func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	s.handlers[command] = handler
	s.mu.Unlock()
}

// Start binds the socket and begins accepting connections in the
// background. A leftover socket file is removed only when nothing answers
// on it; otherwise Start fails with ErrSocketInUse.
func (s *Server) Start() error {
	if err := s.claimPath(); err != nil {
		return err
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.ln = ln
	s.conns.Add(1)
	go s.serve()
	return nil
}

// claimPath clears a stale socket file left by a crashed daemon.
func (s *Server) claimPath() error {
	if _, err := os.Lstat(s.socketPath); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	conn, err := net.DialTimeout("unix", s.socketPath, liveCheckTimeout)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("%s: %w", s.socketPath, ErrSocketInUse)
	}
	s.logger.Debug("removing stale socket", "path", s.socketPath, "dial_error", err)
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

// Stop closes the listener, waits for in-flight requests and removes the
// socket file. It is a no-op for a server that never started.
func (s *Server) Stop() error {
	s.cancel()
	if s.ln == nil {
		return nil
	}
	_ = s.ln.Close()
	s.conns.Wait()
	_ = os.Remove(s.socketPath)
	return nil
}

func (s *Server) serve() {
	defer s.conns.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	deadline := time.Now().Add(s.connTimeout)
	_ = conn.SetDeadline(deadline)

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logger.Warn("reading request", "error", err)
		return
	}

	ctx, cancel := context.WithDeadline(s.ctx, deadline)
	defer cancel()
	if err := WriteFrame(conn, s.dispatch(ctx, &req)); err != nil {
		s.logger.Warn("writing response", "command", req.Command, "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}
	return handler(ctx, req)
}
