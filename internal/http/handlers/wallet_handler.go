package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/pitodo/backend/internal/http/dto"
	"github.com/pitodo/backend/internal/identity"
	"github.com/pitodo/backend/internal/middleware"
	"github.com/pitodo/backend/internal/services"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type WalletHandler struct {
	balanceService BalanceService
	log            *zap.Logger
}

func NewWalletHandler(balanceService BalanceService, log *zap.Logger) *WalletHandler {
	return &WalletHandler{balanceService: balanceService, log: log}
}

// GetWallet returns the caller's wallet, creating it on first access.
// GET /me/wallet
func (h *WalletHandler) GetWallet(c *fiber.Ctx) error {
	self := identity.UserID(middleware.GetMasterID(c))
	view, err := h.balanceService.QueryWallet(c.Context(), self)
	if err != nil {
		return respondError(c, h.log, "failed to query wallet", err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: view})
}

// GET /me/wallet/transactions?limit=&offset=
func (h *WalletHandler) Transactions(c *fiber.Ctx) error {
	self := identity.UserID(middleware.GetMasterID(c))
	entries, err := h.balanceService.History(c.Context(), self, c.QueryInt("limit", 50), c.QueryInt("offset", 0))
	if err != nil {
		return respondError(c, h.log, "failed to list transactions", err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.NewLedgerEntries(entries)})
}

// Transfer moves PITD from the caller to another user.
// POST /me/wallet/transfer
func (h *WalletHandler) Transfer(c *fiber.Ctx) error {
	var req dto.TransferRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}

	to, err := identity.Parse(req.To)
	if err != nil {
		return badRequest(c, "invalid recipient", err.Error())
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return badRequest(c, "invalid amount")
	}

	self := identity.UserID(middleware.GetMasterID(c))
	res, err := h.balanceService.Transfer(c.Context(), services.TransferRequest{
		Actor:  self,
		From:   self,
		To:     to,
		Amount: amount,
		Note:   req.Note,
	})
	if err != nil {
		return respondError(c, h.log, "transfer failed", err)
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.TransferResponse{
		TransferID: res.TransferID,
		Wallet:     res.From.Wallet.View(res.From.MasterID),
		Entry:      dto.NewLedgerEntry(res.From.Entry),
	}})
}
