package credits

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/pagemint/credits/internal/catalog"
	"github.com/pagemint/credits/internal/ledger"
)

const defaultPageSize = 50

// Handler exposes the credit ledger over HTTP.
type Handler struct {
	engine  *ledger.Engine
	catalog *catalog.Catalog
}

// NewHandler builds a credits HTTP handler.
func NewHandler(engine *ledger.Engine, cat *catalog.Catalog) *Handler {
	return &Handler{engine: engine, catalog: cat}
}

// Balance returns the account's current balance, creating it on first touch.
func (h *Handler) Balance(c *fiber.Ctx) error {
	accountID := c.Params("accountId")
	b, err := h.engine.GetBalance(c.UserContext(), accountID)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(toBalanceResponse(b))
}

// Transactions lists the account's transaction log with restartable
// pagination via since_id.
func (h *Handler) Transactions(c *fiber.Ctx) error {
	accountID := c.Params("accountId")
	sinceID := c.Query("since_id")
	limit := defaultPageSize
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return fiber.NewError(http.StatusBadRequest, "invalid limit")
		}
		limit = parsed
	}

	txs, err := h.engine.Transactions(c.UserContext(), accountID, sinceID, limit)
	if err != nil {
		return mapError(err)
	}

	resp := transactionListResponse{Transactions: make([]transactionResponse, 0, len(txs))}
	for _, tx := range txs {
		resp.Transactions = append(resp.Transactions, toTransactionResponse(tx))
	}
	if len(txs) == limit {
		resp.NextSinceID = txs[len(txs)-1].ID
	}
	return c.Status(http.StatusOK).JSON(resp)
}

// Purchase applies a credit plan purchase after upstream payment capture.
// Repeating an order id returns the original transaction unchanged.
func (h *Handler) Purchase(c *fiber.Ctx) error {
	var req purchaseRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.OrderID == "" {
		return fiber.NewError(http.StatusBadRequest, "order_id is required")
	}
	tx, err := h.engine.Purchase(c.UserContext(), c.Params("accountId"), req.PlanID, req.OrderID)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(toTransactionResponse(tx))
}

// Spend debits the account for a metered service use.
func (h *Handler) Spend(c *fiber.Ctx) error {
	var req spendRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	tx, err := h.engine.Spend(c.UserContext(), c.Params("accountId"), req.ServiceKey, req.Amount)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(toTransactionResponse(tx))
}

// Refund credits back a prior usage transaction.
func (h *Handler) Refund(c *fiber.Ctx) error {
	var req refundRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	tx, err := h.engine.Refund(c.UserContext(), c.Params("accountId"), req.TransactionID, req.Amount)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(toTransactionResponse(tx))
}

// Bonus grants administrative credits.
func (h *Handler) Bonus(c *fiber.Ctx) error {
	var req bonusRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	tx, err := h.engine.Bonus(c.UserContext(), c.Params("accountId"), req.Amount, req.Description)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(toTransactionResponse(tx))
}

// Transfer moves credits from this account to another atomically.
func (h *Handler) Transfer(c *fiber.Ctx) error {
	var req transferRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.ToAccountID == "" {
		return fiber.NewError(http.StatusBadRequest, "to_account_id is required")
	}
	debit, credit, err := h.engine.Transfer(c.UserContext(), c.Params("accountId"), req.ToAccountID, req.Amount)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(transferResponse{
		Debit:  toTransactionResponse(debit),
		Credit: toTransactionResponse(credit),
	})
}

// Reserve earmarks credits for an in-flight operation.
func (h *Handler) Reserve(c *fiber.Ctx) error {
	var req reservationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err := h.engine.Reserve(c.UserContext(), c.Params("accountId"), req.Amount); err != nil {
		return mapError(err)
	}
	return c.SendStatus(http.StatusNoContent)
}

// Release returns reserved credits to the available pool.
func (h *Handler) Release(c *fiber.Ctx) error {
	var req reservationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err := h.engine.Release(c.UserContext(), c.Params("accountId"), req.Amount); err != nil {
		return mapError(err)
	}
	return c.SendStatus(http.StatusNoContent)
}

// Plans lists the purchasable credit plans.
func (h *Handler) Plans(c *fiber.Ctx) error {
	return c.Status(http.StatusOK).JSON(fiber.Map{"plans": h.catalog.Plans()})
}

// Services lists the metered service costs.
func (h *Handler) Services(c *fiber.Ctx) error {
	return c.Status(http.StatusOK).JSON(fiber.Map{"services": h.catalog.Services()})
}

func mapError(err error) *fiber.Error {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return fiber.NewError(http.StatusPaymentRequired, "insufficient credits")
	case errors.Is(err, ledger.ErrUnknownPlan):
		return fiber.NewError(http.StatusNotFound, "unknown plan")
	case errors.Is(err, ledger.ErrUnknownService):
		return fiber.NewError(http.StatusNotFound, "unknown service")
	case errors.Is(err, ledger.ErrTransactionNotFound):
		return fiber.NewError(http.StatusNotFound, "transaction not found")
	case errors.Is(err, ledger.ErrInvalidAmount):
		return fiber.NewError(http.StatusBadRequest, "invalid amount")
	case errors.Is(err, ledger.ErrInvalidState):
		return fiber.NewError(http.StatusConflict, "invalid balance state")
	case errors.Is(err, ledger.ErrContention):
		return fiber.NewError(http.StatusConflict, "account busy, retry later")
	default:
		return fiber.NewError(http.StatusServiceUnavailable, "ledger unavailable")
	}
}
