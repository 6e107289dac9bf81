package companion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// Listen creates the companion unix socket, replacing a stale one, and
// restricts it to the owner.
func Listen(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return ln, nil
}

// Server accepts connections and runs one Executor exchange on each, each
// in its own goroutine. A stuck client only blocks its own connection.
type Server struct {
	exec   *Executor
	logger *slog.Logger

	mu       sync.Mutex
	ln       net.Listener
	conns    sync.WaitGroup
	closing  atomic.Bool
	served   atomic.Int64
	failures atomic.Int64
}

// NewServer creates a Server for exec.
func NewServer(exec *Executor, logger *slog.Logger) *Server {
	return &Server{
		exec:   exec,
		logger: logger.With(slog.String("component", "server")),
	}
}

// Serve accepts on ln until Shutdown. It returns nil after Shutdown and the
// accept error otherwise.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("companion listening", slog.String("address", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closing.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("accept error", slog.String("error", err.Error()))
				continue
			}
			return err
		}
		s.conns.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.conns.Done()
	defer conn.Close()

	if err := s.exec.ServeConn(conn); err != nil {
		s.failures.Add(1)
		s.logger.Warn("exchange aborted", slog.String("error", err.Error()))
		return
	}
	s.served.Add(1)
}

// Stats returns how many exchanges completed and how many were aborted.
func (s *Server) Stats() (served, aborted int64) {
	return s.served.Load(), s.failures.Load()
}

// Shutdown stops accepting and waits for open exchanges or ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
