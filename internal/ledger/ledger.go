package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInsufficientCredits occurs when an account lacks available credits to
	// cover a requested debit or reservation. Callers should treat it as a
	// normal control-flow branch, not a system failure.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrUnknownPlan indicates the referenced credit plan is not in the catalog.
	ErrUnknownPlan = errors.New("unknown credit plan")

	// ErrUnknownService indicates the service key is not in the catalog and no
	// cost override was supplied.
	ErrUnknownService = errors.New("unknown service")

	// ErrInvalidAmount indicates a non-positive amount on an operation that
	// requires a positive one.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidState indicates a reserve/release mismatch, e.g. releasing more
	// credits than are currently reserved.
	ErrInvalidState = errors.New("invalid balance state")

	// ErrTransactionNotFound indicates the referenced transaction does not
	// exist or does not belong to the account.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrAccountNotFound indicates no balance row exists for the account yet.
	ErrAccountNotFound = errors.New("account not found")

	// ErrVersionConflict indicates another writer updated a balance between
	// read and commit. The engine retries it internally; it never reaches
	// callers directly.
	ErrVersionConflict = errors.New("balance version conflict")

	// ErrContention is returned once the version-conflict retry budget is
	// exhausted on a heavily contended account.
	ErrContention = errors.New("account under contention")

	// ErrDuplicateOrder indicates a purchase with the same order id was already
	// recorded. The engine resolves it to the original transaction.
	ErrDuplicateOrder = errors.New("duplicate order")
)

// Kind classifies the business reason for a ledger transaction.
type Kind string

const (
	KindPurchase Kind = "purchase"
	KindUsage    Kind = "usage"
	KindRefund   Kind = "refund"
	KindBonus    Kind = "bonus"
	KindTransfer Kind = "transfer"
)

// Balance is the materialized credit summary for one account. It is derivable
// by replaying the account's transactions and is updated only by the Engine,
// in the same atomic unit as the corresponding log append.
type Balance struct {
	AccountID      string
	Total          int64
	Available      int64
	Reserved       int64
	LifetimeEarned int64
	LifetimeSpent  int64
	// Version guards read-check-write cycles. Zero means the balance has not
	// been persisted yet.
	Version   int64
	UpdatedAt time.Time
}

// Metadata carries free-form references attached to a transaction.
type Metadata struct {
	ServiceKey     string `json:"service_key,omitempty"`
	PlanID         string `json:"plan_id,omitempty"`
	OrderID        string `json:"order_id,omitempty"`
	ReferenceID    string `json:"reference_id,omitempty"`
	CounterpartyID string `json:"counterparty_id,omitempty"`
}

// Transaction is one immutable entry in the append-only log. Amount is signed:
// positive credits the account, negative debits it. Corrections are modeled as
// new refund/bonus transactions, never as edits.
type Transaction struct {
	ID          string      `json:"id"`
	AccountID   string      `json:"account_id"`
	Kind        Kind        `json:"kind"`
	Amount      int64       `json:"amount"`
	Description string      `json:"description"`
	Metadata    Metadata    `json:"metadata"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Store is the contract implemented by ledger storage backends (in-memory,
// PostgreSQL). A Commit persists balance updates and log appends as one atomic
// unit: either everything in the call becomes visible or nothing does.
type Store interface {
	// ReadBalance returns the current balance for the account, or
	// ErrAccountNotFound if the account has never been written.
	ReadBalance(ctx context.Context, accountID string) (Balance, error)

	// Commit atomically persists the given balances and appends the given
	// transactions. Each balance's Version field is the version the writer
	// read; a balance with Version zero is created. The store persists the
	// balance with Version+1, or fails the whole commit with
	// ErrVersionConflict when any expected version no longer matches.
	// A purchase transaction whose (account, order id) pair already exists
	// fails the commit with ErrDuplicateOrder.
	Commit(ctx context.Context, balances []Balance, txs []Transaction) error

	// Transaction fetches a single transaction scoped to the account.
	Transaction(ctx context.Context, accountID, txID string) (Transaction, error)

	// FindPurchase returns the purchase transaction recorded for the order id,
	// or ErrTransactionNotFound if none exists.
	FindPurchase(ctx context.Context, accountID, orderID string) (Transaction, error)

	// ListTransactions returns the account's transactions in insertion order,
	// starting after sinceID when it is non-empty. Limit <= 0 means no limit.
	ListTransactions(ctx context.Context, accountID, sinceID string, limit int) ([]Transaction, error)

	// AccountIDs lists every account with a balance row, for reconciliation.
	AccountIDs(ctx context.Context) ([]string, error)
}

// Publisher receives committed transactions for downstream consumers. Delivery
// is best effort and always happens after the commit is durable.
type Publisher interface {
	PublishTransaction(ctx context.Context, tx Transaction) error
}
