package credits

import (
	"time"

	"github.com/pagemint/credits/internal/ledger"
)

type purchaseRequest struct {
	PlanID  string `json:"plan_id"`
	OrderID string `json:"order_id"`
}

type spendRequest struct {
	ServiceKey string `json:"service_key"`
	// Amount, when positive, fully overrides the catalog cost.
	Amount int64 `json:"amount"`
}

type refundRequest struct {
	TransactionID string `json:"transaction_id"`
	// Amount zero refunds the full original amount.
	Amount int64 `json:"amount"`
}

type bonusRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type transferRequest struct {
	ToAccountID string `json:"to_account_id"`
	Amount      int64  `json:"amount"`
}

type reservationRequest struct {
	Amount int64 `json:"amount"`
}

type balanceResponse struct {
	AccountID      string    `json:"account_id"`
	Total          int64     `json:"total_credits"`
	Available      int64     `json:"available_credits"`
	Reserved       int64     `json:"reserved_credits"`
	LifetimeEarned int64     `json:"lifetime_earned"`
	LifetimeSpent  int64     `json:"lifetime_spent"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type transactionResponse struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id"`
	Kind        string          `json:"kind"`
	Amount      int64           `json:"amount"`
	Description string          `json:"description"`
	Metadata    ledger.Metadata `json:"metadata"`
	CreatedAt   time.Time       `json:"created_at"`
}

type transferResponse struct {
	Debit  transactionResponse `json:"debit"`
	Credit transactionResponse `json:"credit"`
}

type transactionListResponse struct {
	Transactions []transactionResponse `json:"transactions"`
	// NextSinceID restarts pagination after the last returned transaction.
	NextSinceID string `json:"next_since_id,omitempty"`
}

func toBalanceResponse(b ledger.Balance) balanceResponse {
	return balanceResponse{
		AccountID:      b.AccountID,
		Total:          b.Total,
		Available:      b.Available,
		Reserved:       b.Reserved,
		LifetimeEarned: b.LifetimeEarned,
		LifetimeSpent:  b.LifetimeSpent,
		UpdatedAt:      b.UpdatedAt,
	}
}

func toTransactionResponse(t ledger.Transaction) transactionResponse {
	return transactionResponse{
		ID:          t.ID,
		AccountID:   t.AccountID,
		Kind:        string(t.Kind),
		Amount:      t.Amount,
		Description: t.Description,
		Metadata:    t.Metadata,
		CreatedAt:   t.CreatedAt,
	}
}
