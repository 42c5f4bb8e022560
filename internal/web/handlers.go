package web

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/shineum/m365-mailer/internal/admin"
	"github.com/shineum/m365-mailer/internal/provider"
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	st, err := s.svc.Status()
	if err != nil {
		return err
	}
	return c.JSON(response{Success: true, Data: st})
}

func (s *Server) handleLogs(c *fiber.Ctx) error {
	entries, err := s.svc.Logs()
	if err != nil {
		return err
	}
	return c.JSON(response{Success: true, Data: entries})
}

func (s *Server) handleNonce(c *fiber.Ctx) error {
	action := c.Params("action")
	if !nonceActions[action] {
		return fail(c, fiber.StatusNotFound, "Unknown action.")
	}
	subject, _ := c.Locals(subjectKey).(string)
	return c.JSON(response{Success: true, Data: fiber.Map{
		"action": action,
		"nonce":  s.nonces.Issue(action, subject),
	}})
}

func (s *Server) handleSaveCredentials(c *fiber.Ctx) error {
	var in admin.CredentialsInput
	if err := c.BodyParser(&in); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid request body.")
	}

	if err := s.svc.SaveAndAuthenticate(c.UserContext(), in); err != nil {
		return sendFailure(c, err, "Authentication failed.")
	}
	return succeed(c, "Successfully authenticated with Microsoft 365.")
}

func (s *Server) handleValidateSender(c *fiber.Ctx) error {
	var in struct {
		Sender string `json:"sender" form:"sender"`
	}
	if err := c.BodyParser(&in); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid request body.")
	}

	err := s.svc.ValidateSender(c.UserContext(), in.Sender)
	if errors.Is(err, admin.ErrInvalidEmail) {
		return fail(c, fiber.StatusBadRequest, "Invalid sender email address.")
	}
	if err != nil {
		return sendFailure(c, err, "Sender validation failed.")
	}
	return succeed(c, "Sender email validated successfully.")
}

func (s *Server) handleTestEmail(c *fiber.Ctx) error {
	var in struct {
		Email string `json:"email" form:"email"`
	}
	if err := c.BodyParser(&in); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid request body.")
	}

	err := s.svc.SendTestEmail(c.UserContext(), in.Email)
	switch {
	case errors.Is(err, admin.ErrInvalidEmail):
		return fail(c, fiber.StatusBadRequest, "Invalid recipient email address.")
	case errors.Is(err, admin.ErrSenderNotConfigured):
		return fail(c, fiber.StatusBadRequest, "Sender email is not configured or validated.")
	case err != nil:
		return sendFailure(c, err, "Failed to send test email.")
	}
	return succeed(c, "Test email sent successfully.")
}

func (s *Server) handleClearLogs(c *fiber.Ctx) error {
	if err := s.svc.ClearLogs(); err != nil {
		return err
	}
	return succeed(c, "Logs cleared.")
}

// handleConsent is the redirect target of the Microsoft admin consent flow.
func (s *Server) handleConsent(c *fiber.Ctx) error {
	if c.Query("admin_consent") != "True" {
		msg := c.Query("error_description", "Admin consent was not granted.")
		return fail(c, fiber.StatusBadRequest, msg)
	}
	if err := s.svc.GrantConsent(); err != nil {
		return err
	}
	return succeed(c, "Microsoft Graph admin consent granted.")
}

// sendFailure answers a failed admin action with the same text the event
// log recorded for it.
func sendFailure(c *fiber.Ctx, err error, fallback string) error {
	status := fiber.StatusBadGateway
	switch {
	case errors.Is(err, admin.ErrAuthUnsupported):
		status = fiber.StatusConflict
	case errors.Is(err, provider.ErrConfigIncomplete), errors.Is(err, provider.ErrSenderUnset):
		status = fiber.StatusBadRequest
	case !isProviderError(err):
		slog.Error("admin action failed", "path", c.Path(), "error", err)
		return fail(c, fiber.StatusInternalServerError, fallback)
	}

	msg := provider.Message(err)
	if msg == "" {
		msg = fallback
	}
	return fail(c, status, msg)
}

func isProviderError(err error) bool {
	var pe *provider.Error
	return errors.As(err, &pe)
}
