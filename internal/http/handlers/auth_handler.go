package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/pitodo/backend/internal/http/dto"
	"github.com/pitodo/backend/internal/services"
	"go.uber.org/zap"
)

type AuthHandler struct {
	authService AuthService
	log         *zap.Logger
}

func NewAuthHandler(authService AuthService, log *zap.Logger) *AuthHandler {
	return &AuthHandler{authService: authService, log: log}
}

// PiAuth exchanges a Pi platform access token for a session.
// POST /auth/pi
func (h *AuthHandler) PiAuth(c *fiber.Ctx) error {
	var req dto.PiAuthRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}

	session, err := h.authService.LoginPi(c.Context(), req.AccessToken)
	if err != nil {
		return respondError(c, h.log, "pi auth failed", err)
	}
	return c.JSON(authResponse(session))
}

// POST /auth/email/register
func (h *AuthHandler) EmailRegister(c *fiber.Ctx) error {
	var req dto.EmailRegisterRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}

	session, err := h.authService.RegisterEmail(c.Context(), req.Email, req.Password, req.Username)
	if err != nil {
		return respondError(c, h.log, "email register failed", err)
	}
	return c.Status(fiber.StatusCreated).JSON(authResponse(session))
}

// POST /auth/email/login
func (h *AuthHandler) EmailLogin(c *fiber.Ctx) error {
	var req dto.EmailLoginRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}

	session, err := h.authService.LoginEmail(c.Context(), req.Email, req.Password)
	if err != nil {
		return respondError(c, h.log, "email login failed", err)
	}
	return c.JSON(authResponse(session))
}

func authResponse(s *services.Session) dto.AuthResponse {
	return dto.AuthResponse{Token: s.Token, User: s.User, Wallet: s.Wallet}
}
