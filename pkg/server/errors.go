package server

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/voicebridge/pkg/peer"
	"github.com/teslashibe/voicebridge/pkg/realtime"
	"github.com/teslashibe/voicebridge/pkg/session"
)

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	var fe *fiber.Error
	var me *session.ModelError
	var ne *realtime.NegotiationError
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.As(err, &me):
		return fiber.StatusBadGateway
	case errors.Is(err, session.ErrInvalidRequest), errors.Is(err, peer.ErrInvalidRole):
		return fiber.StatusBadRequest
	case errors.As(err, &ne):
		// A peer's offer could not be answered.
		return fiber.StatusBadRequest
	case errors.Is(err, peer.ErrRoleConflict), errors.Is(err, peer.ErrTooManyPeers), errors.Is(err, session.ErrNotActive):
		return fiber.StatusConflict
	case errors.Is(err, session.ErrNotFound), errors.Is(err, peer.ErrUnknownPeer):
		return fiber.StatusNotFound
	case errors.Is(err, session.ErrTooManySessions), errors.Is(err, session.ErrClosed):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// errorHandler renders every error as {"error": "..."}.
func errorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := StatusFor(err)
		if code >= fiber.StatusInternalServerError {
			logger.Error("request failed", "method", c.Method(), "path", c.Path(), "status", code, "error", err)
		} else {
			logger.Debug("request rejected", "method", c.Method(), "path", c.Path(), "status", code, "error", err)
		}
		return c.Status(code).JSON(fiber.Map{"error": err.Error()})
	}
}
