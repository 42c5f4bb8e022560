package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shineum/m365-mailer/internal/provider"
)

// shutdownTimeout is the maximum time to wait for in-flight sessions
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// DefaultMaxMessageSize is used when ServerConfig.MaxMessageSize is not set.
const DefaultMaxMessageSize = 25 << 20

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is the server hostname used in greetings and EHLO responses.
	Hostname string

	// Provider delivers each accepted message.
	Provider provider.Provider

	// TLSConfig enables STARTTLS when non-nil.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword configure SMTP AUTH.
	// If either is empty, authentication is not required.
	AuthUsername string
	AuthPassword string

	// MaxMessageSize is the largest DATA payload accepted, in bytes.
	MaxMessageSize int64

	// SpoolDir is where attachments are staged before delivery.
	// Empty means the system temp directory.
	SpoolDir string
}

// Server accepts SMTP connections and hands each received message to the
// configured Provider.
type Server struct {
	config ServerConfig
	auth   *Authenticator

	mu       sync.Mutex
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}

	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
	}
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then waits up to
// shutdownTimeout for in-flight sessions.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"provider", s.config.Provider.Name(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
		"max_message_size", s.config.MaxMessageSize,
	)

	go func() {
		<-ctx.Done()
		slog.Info("shutting down SMTP server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.waitForSessions()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			slog.Error("accept error", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			NewSession(conn, s.auth, &s.config).Handle(ctx)
		}()
	}
}

func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all SMTP sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or "" if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
