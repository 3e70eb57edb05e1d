package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/pagemint/credits/internal/credits"
)

// RegisterCreditRoutes wires the ledger endpoints.
func RegisterCreditRoutes(r fiber.Router, h *credits.Handler) {
	r.Get("/catalog/plans", h.Plans)
	r.Get("/catalog/services", h.Services)

	accounts := r.Group("/accounts/:accountId")
	accounts.Get("/balance", h.Balance)
	accounts.Get("/transactions", h.Transactions)
	accounts.Post("/purchases", h.Purchase)
	accounts.Post("/spend", h.Spend)
	accounts.Post("/refunds", h.Refund)
	accounts.Post("/bonuses", h.Bonus)
	accounts.Post("/transfers", h.Transfer)
	accounts.Post("/reserve", h.Reserve)
	accounts.Post("/release", h.Release)
}
