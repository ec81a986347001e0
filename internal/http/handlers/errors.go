package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/pitodo/backend/internal/http/dto"
	"github.com/pitodo/backend/internal/middleware"
	"github.com/pitodo/backend/internal/services"
	"go.uber.org/zap"
)

var errorStatus = []struct {
	err    error
	status int
}{
	{services.ErrIdentityNotFound, fiber.StatusNotFound},
	{services.ErrNotAuthorized, fiber.StatusForbidden},
	{services.ErrInsufficientBalance, fiber.StatusConflict},
	{services.ErrConcurrentUpdate, fiber.StatusConflict},
	{services.ErrInvalidAmount, fiber.StatusBadRequest},
	{services.ErrWalletProvisionFailed, fiber.StatusServiceUnavailable},
	{services.ErrLedgerWriteFailed, fiber.StatusInternalServerError},
	{services.ErrInvalidCredentials, fiber.StatusUnauthorized},
	{services.ErrEmailTaken, fiber.StatusConflict},
	{services.ErrPiUnavailable, fiber.StatusBadGateway},
}

// statusFor maps a service error onto an HTTP status. Unknown errors are 500.
func statusFor(err error) (int, error) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return e.status, e.err
		}
	}
	return fiber.StatusInternalServerError, nil
}

func respondError(c *fiber.Ctx, log *zap.Logger, msg string, err error) error {
	status, known := statusFor(err)
	resp := dto.ErrorResponse{RequestID: middleware.GetRequestID(c)}
	if known != nil {
		resp.Error = known.Error()
		log.Debug(msg, zap.Int("status", status), zap.Error(err))
	} else {
		resp.Error = "internal server error"
		log.Error(msg, zap.String("request_id", resp.RequestID), zap.Error(err))
	}
	return c.Status(status).JSON(resp)
}

func badRequest(c *fiber.Ctx, msg string, details ...string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
		Error:     msg,
		Details:   details,
		RequestID: middleware.GetRequestID(c),
	})
}

// parseBody decodes and validates a JSON body. When ok is false the 400
// response has already been written and err is the result of writing it.
func parseBody(c *fiber.Ctx, req any) (ok bool, err error) {
	if err := c.BodyParser(req); err != nil {
		return false, badRequest(c, "invalid request body")
	}
	if err := dto.Validate(req); err != nil {
		return false, badRequest(c, "validation failed", dto.FormatValidationError(err)...)
	}
	return true, nil
}
