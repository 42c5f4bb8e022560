package web

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	sessionCookie = "m365_admin"
	sessionTTL    = 12 * time.Hour
	tokenIssuer   = "m365-mailer"

	subjectKey = "admin_subject"
)

var errInvalidSession = errors.New("invalid or expired session")

// sessions issues and verifies HS256 admin session tokens.
type sessions struct {
	secret []byte
	now    func() time.Time
}

func (s *sessions) issue(subject string) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(sessionTTL)
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

func (s *sessions) verify(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || claims.Subject == "" {
		return "", errInvalidSession
	}
	return claims.Subject, nil
}

type loginRequest struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid request body.")
	}

	userOK := subtle.ConstantTimeCompare([]byte(strings.TrimSpace(req.Username)), []byte(s.cfg.Username)) == 1
	passErr := bcrypt.CompareHashAndPassword([]byte(s.cfg.PasswordHash), []byte(req.Password))
	if !userOK || passErr != nil {
		slog.Info("admin login failed", "ip", c.IP())
		return fail(c, fiber.StatusUnauthorized, "Invalid username or password.")
	}

	token, expires, err := s.sessions.issue(s.cfg.Username)
	if err != nil {
		slog.Error("failed to sign admin session", "error", err)
		return fail(c, fiber.StatusInternalServerError, "Failed to create session.")
	}

	c.Cookie(&fiber.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		Secure:   s.cfg.TLS != nil,
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	slog.Info("admin logged in", "ip", c.IP())
	return c.JSON(response{Success: true, Message: "Logged in.", Data: fiber.Map{
		"token":      token,
		"expires_at": expires,
	}})
}

func (s *Server) handleLogout(c *fiber.Ctx) error {
	c.ClearCookie(sessionCookie)
	return succeed(c, "Logged out.")
}

// requireAdmin accepts a session from the cookie or an Authorization
// bearer header and stores its subject in the request locals.
func (s *Server) requireAdmin(c *fiber.Ctx) error {
	raw := c.Cookies(sessionCookie)
	if auth := c.Get(fiber.HeaderAuthorization); strings.HasPrefix(auth, "Bearer ") {
		raw = strings.TrimPrefix(auth, "Bearer ")
	}
	if raw == "" {
		return fail(c, fiber.StatusUnauthorized, "Not logged in.")
	}

	subject, err := s.sessions.verify(raw)
	if err != nil {
		return fail(c, fiber.StatusUnauthorized, "Invalid or expired session.")
	}
	c.Locals(subjectKey, subject)
	return c.Next()
}

// requireNonce rejects requests without a valid nonce for action, taken
// from the X-M365-Nonce header or the "nonce" body field.
func (s *Server) requireNonce(action string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		nonce := c.Get(nonceHeader)
		if nonce == "" {
			var body struct {
				Nonce string `json:"nonce" form:"nonce"`
			}
			if err := c.BodyParser(&body); err == nil {
				nonce = body.Nonce
			}
		}
		subject, _ := c.Locals(subjectKey).(string)
		if !s.nonces.Verify(action, subject, nonce) {
			return fail(c, fiber.StatusForbidden, "Security check failed. Reload and try again.")
		}
		return c.Next()
	}
}
