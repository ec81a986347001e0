package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/pitodo/backend/internal/http/dto"
	"github.com/pitodo/backend/internal/identity"
	"github.com/pitodo/backend/internal/middleware"
	"github.com/pitodo/backend/internal/models"
	"github.com/pitodo/backend/internal/services"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type AdminHandler struct {
	balanceService BalanceService
	log            *zap.Logger
}

func NewAdminHandler(balanceService BalanceService, log *zap.Logger) *AdminHandler {
	return &AdminHandler{balanceService: balanceService, log: log}
}

// AdjustBalance grants or revokes PITD on a target identified by uuid,
// "pi:<uid>", email or username.
// POST /admin/pitd/adjust
func (h *AdminHandler) AdjustBalance(c *fiber.Ctx) error {
	var req dto.AdjustBalanceRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}

	target, err := identity.Parse(req.Target)
	if err != nil {
		return badRequest(c, "invalid target", err.Error())
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return badRequest(c, "invalid amount")
	}

	actor := middleware.GetMasterID(c)
	res, err := h.balanceService.GrantOrRevoke(c.Context(), services.AdjustRequest{
		Actor:     identity.UserID(actor),
		Target:    target,
		Amount:    amount,
		Direction: services.Direction(req.Direction),
		Reason:    req.Reason,
	})
	if err != nil {
		return respondError(c, h.log, "balance adjustment failed", err)
	}

	h.log.Info("pitd balance adjusted",
		zap.String("actor", actor.String()),
		zap.String("target", res.MasterID.String()),
		zap.String("direction", req.Direction),
		zap.String("amount", amount.String()),
	)
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.AdjustBalanceResponse{
		NewBalance: models.FormatAmount(res.NewBalance()),
		Wallet:     res.Wallet.View(res.MasterID),
		Entry:      dto.NewLedgerEntry(res.Entry),
	}})
}

// GET /admin/pitd/wallets/:identifier
func (h *AdminHandler) GetWallet(c *fiber.Ctx) error {
	id, err := identity.Parse(c.Params("identifier"))
	if err != nil {
		return badRequest(c, "invalid identifier", err.Error())
	}
	view, err := h.balanceService.QueryWallet(c.Context(), id)
	if err != nil {
		return respondError(c, h.log, "failed to query wallet", err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: view})
}
