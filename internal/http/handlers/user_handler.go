package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/pitodo/backend/internal/http/dto"
	"github.com/pitodo/backend/internal/middleware"
	"go.uber.org/zap"
)

type UserHandler struct {
	authService AuthService
	log         *zap.Logger
}

func NewUserHandler(authService AuthService, log *zap.Logger) *UserHandler {
	return &UserHandler{authService: authService, log: log}
}

func (h *UserHandler) GetMe(c *fiber.Ctx) error {
	user, err := h.authService.Me(c.Context(), middleware.GetMasterID(c))
	if err != nil {
		return respondError(c, h.log, "failed to load user", err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: user})
}

func (h *UserHandler) Ping(c *fiber.Ctx) error {
	h.authService.Ping(c.Context(), middleware.GetMasterID(c))
	return c.JSON(dto.SuccessResponse{OK: true})
}
