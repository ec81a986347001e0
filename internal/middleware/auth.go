package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/pitodo/backend/internal/auth"
	"github.com/pitodo/backend/internal/config"
	"github.com/pitodo/backend/internal/rbac"
	"github.com/pitodo/backend/internal/services"
	"go.uber.org/zap"
)

const (
	CtxMasterID = "master_id"
	CtxProvider = "auth_provider"
)

// Authorizer decides whether a master user holds a permission.
type Authorizer interface {
	Authorize(ctx context.Context, masterID uuid.UUID, permission string) error
}

func AuthMiddleware(cfg *config.Config, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing authorization header"})
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenStr == authHeader {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid authorization format"})
		}

		claims, err := auth.ParseJWT(cfg.JWTSecret, tokenStr)
		if err != nil {
			log.Debug("jwt parse error", zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or expired token"})
		}

		c.Locals(CtxMasterID, claims.MasterID)
		c.Locals(CtxProvider, claims.Provider)

		return c.Next()
	}
}

func GetMasterID(c *fiber.Ctx) uuid.UUID {
	id, _ := c.Locals(CtxMasterID).(uuid.UUID)
	return id
}

// AdminMiddleware lets the request through only if the caller holds permission.
func AdminMiddleware(authz Authorizer, permission string, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		masterID := GetMasterID(c)
		if masterID == uuid.Nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "authentication required"})
		}
		if err := authz.Authorize(c.Context(), masterID, permission); err != nil {
			if !errors.Is(err, services.ErrNotAuthorized) {
				log.Error("authorization check failed", zap.String("master_id", masterID.String()), zap.Error(err))
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
			}
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "admin access required"})
		}
		if rbac.IsFinancialOperation(permission) {
			log.Info("financial operation authorized",
				zap.String("master_id", masterID.String()),
				zap.String("permission", permission),
				zap.String("request_id", GetRequestID(c)),
			)
		}
		return c.Next()
	}
}
