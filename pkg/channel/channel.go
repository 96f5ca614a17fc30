// Package channel owns the local rendezvous point a supervised process
// writes its event stream into: a uniquely named unix socket that accepts
// one producer connection at a time and forwards raw bytes, in arrival
// order, to a Handler.
package channel

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// ReadChunkSize is the size of a single read from the producer connection.
const ReadChunkSize = 32 * 1024

// ErrChannelUnavailable matches every failure to create an endpoint.
var ErrChannelUnavailable = errors.New("event channel unavailable")

// UnavailableError reports why an endpoint could not be created.
type UnavailableError struct {
	Path string
	Err  error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("event channel unavailable at %s: %v", e.Path, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrChannelUnavailable }

// Handler receives the byte stream of each accepted connection.
type Handler interface {
	// HandleConnect is called when a connection is accepted, before any
	// of its data.
	HandleConnect()
	// HandleChunk is called for every read, in order. The slice is only
	// valid for the duration of the call.
	HandleChunk(chunk []byte)
	// HandleDisconnect is called once per connection when it ends. err is
	// nil for an orderly close by either side.
	HandleDisconnect(err error)
}

// Server is one allocated endpoint.
type Server struct {
	path     string
	listener net.Listener
	logger   *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// Allocate creates a fresh endpoint under dir (os.TempDir() when empty)
// and starts listening on it. The socket is only accessible to the
// current user.
func Allocate(dir string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		dir = os.TempDir()
	}

	var suffix [8]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return nil, &UnavailableError{Path: dir, Err: fmt.Errorf("generate socket name: %w", err)}
	}
	path := filepath.Join(dir, "playtrace-"+hex.EncodeToString(suffix[:])+".sock")

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, &UnavailableError{Path: path, Err: fmt.Errorf("create socket directory: %w", err)}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, &UnavailableError{Path: path, Err: fmt.Errorf("remove stale socket: %w", err)}
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, &UnavailableError{Path: path, Err: err}
	}
	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		os.Remove(path)
		return nil, &UnavailableError{Path: path, Err: fmt.Errorf("set socket permissions: %w", err)}
	}

	logger.Debug("event channel listening", "socket", path)
	return &Server{path: path, listener: listener, logger: logger}, nil
}

// Endpoint returns the socket path to hand to the producer.
func (s *Server) Endpoint() string { return s.path }

// Serve accepts connections one at a time and streams each into h until
// the connection ends, then goes back to accepting. It returns nil once
// ctx is done or the server is closed.
func (s *Server) Serve(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept event connection: %w", err)
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		s.logger.Debug("producer connected", "socket", s.path)
		h.HandleConnect()
		s.stream(conn, h)
		s.untrack(conn)
	}
}

func (s *Server) stream(conn net.Conn, h Handler) {
	defer conn.Close()
	buf := make([]byte, ReadChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			h.HandleChunk(buf[:n])
		}
		if err == nil {
			continue
		}
		if isExpectedCloseError(err) {
			s.logger.Debug("producer disconnected", "socket", s.path)
			h.HandleDisconnect(nil)
		} else {
			s.logger.Warn("event connection failed", "socket", s.path, "error", err)
			h.HandleDisconnect(err)
		}
		return
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conn = conn
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops listening, drops the live connection if any and removes
// the socket file. It is safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	err := s.listener.Close()
	if conn != nil {
		conn.Close()
	}
	if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close event channel: %w", err)
	}
	return nil
}

// isExpectedCloseError reports whether err is a normal end of stream:
// EOF, a closed connection, a broken pipe or a reset by the peer.
func isExpectedCloseError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
