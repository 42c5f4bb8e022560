// Package web serves the admin HTTP API.
package web

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/shineum/m365-mailer/internal/admin"
)

const (
	nonceHeader     = "X-M365-Nonce"
	shutdownTimeout = 10 * time.Second

	loginAttempts = 5
	loginWindow   = time.Minute
)

// Config holds the admin API settings.
type Config struct {
	Listen       string
	Username     string
	PasswordHash string

	// JWTSecret signs sessions and nonces. A random secret is generated when
	// empty, so sessions do not survive a restart.
	JWTSecret string

	// TLS enables HTTPS when non-nil.
	TLS *tls.Config
}

// Server is the admin API.
type Server struct {
	cfg      Config
	svc      *admin.Service
	app      *fiber.App
	sessions *sessions
	nonces   *Nonces
}

// New builds the admin API around svc.
func New(cfg Config, svc *admin.Service) (*Server, error) {
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		slog.Warn("admin jwt_secret not set, using a random secret; sessions end on restart")
	}

	s := &Server{
		cfg:      cfg,
		svc:      svc,
		sessions: &sessions{secret: secret, now: time.Now},
		nonces:   NewNonces(secret),
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "m365-mailer",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})
	s.routes()
	return s, nil
}

// App exposes the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) routes() {
	s.app.Use(recover.New())
	s.app.Use(helmet.New(helmet.Config{
		XFrameOptions:         "DENY",
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'none'",
	}))

	s.app.Get("/health", s.handleHealth)
	s.app.Post("/admin/login", rateLimiter(loginAttempts, loginWindow), s.handleLogin)
	s.app.Post("/admin/logout", s.handleLogout)

	g := s.app.Group("/admin", s.requireAdmin)
	g.Get("/status", s.handleStatus)
	g.Get("/logs", s.handleLogs)
	g.Get("/nonce/:action", s.handleNonce)
	g.Get("/consent", s.handleConsent)
	g.Post("/credentials", s.requireNonce(ActionSaveAuth), s.handleSaveCredentials)
	g.Post("/sender", s.requireNonce(ActionValidateSender), s.handleValidateSender)
	g.Post("/test-email", s.requireNonce(ActionTestEmail), s.handleTestEmail)
	g.Post("/logs/clear", s.requireNonce(ActionClearLogs), s.handleClearLogs)
}

// Serve listens on the configured address until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	if s.cfg.TLS != nil {
		ln = tls.NewListener(ln, s.cfg.TLS)
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down admin API")
		if err := s.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			slog.Warn("admin API shutdown", "error", err)
		}
	}()

	slog.Info("admin API listening", "addr", ln.Addr().String(), "tls_enabled", s.cfg.TLS != nil)
	if err := s.app.Listener(ln); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// response is the JSON envelope of every admin endpoint.
type response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func succeed(c *fiber.Ctx, msg string) error {
	return c.JSON(response{Success: true, Message: msg})
}

func fail(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(response{Message: msg})
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	} else {
		slog.Error("admin API error", "path", c.Path(), "error", err)
	}
	return fail(c, code, err.Error())
}
