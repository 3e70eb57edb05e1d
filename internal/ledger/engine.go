package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/pagemint/credits/internal/catalog"
	"github.com/pagemint/credits/internal/logging"
	"github.com/pagemint/credits/internal/metrics"
)

const (
	defaultMaxAttempts = 5
	conflictBackoff    = 5 * time.Millisecond
)

// Engine validates ledger operations, enforces balance invariants and commits
// each operation as one atomic balance-update plus log-append unit. Per-account
// serialization uses optimistic versioning on the balance row, retried with
// bounded backoff on conflict.
type Engine struct {
	store        Store
	catalog      *catalog.Catalog
	publisher    Publisher
	logger       *slog.Logger
	welcomeBonus int64
	maxAttempts  int
}

// Option customizes an Engine.
type Option func(*Engine)

// WithWelcomeBonus seeds newly created accounts with a one-time bonus grant.
func WithWelcomeBonus(credits int64) Option {
	return func(e *Engine) { e.welcomeBonus = credits }
}

// WithMaxAttempts overrides the version-conflict retry budget.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithPublisher emits committed transactions to downstream consumers.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithLogger sets the engine's structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine builds a ledger engine over the given store and catalog.
func NewEngine(store Store, cat *catalog.Catalog, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		catalog:     cat,
		logger:      logging.Discard(),
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GetBalance returns the account's balance, creating a zero (or welcome-bonus
// seeded) balance on first touch.
func (e *Engine) GetBalance(ctx context.Context, accountID string) (Balance, error) {
	return e.ensureBalance(ctx, accountID)
}

// Purchase credits the account with plan.Credits + plan.Bonus. The orderID is
// the caller's idempotency key: a repeated orderID returns the original
// transaction without touching the balance.
func (e *Engine) Purchase(ctx context.Context, accountID, planID, orderID string) (Transaction, error) {
	if orderID == "" {
		return Transaction{}, fmt.Errorf("order id is required")
	}
	plan, ok := e.catalog.Plan(planID)
	if !ok {
		e.observe("purchase", ErrUnknownPlan)
		return Transaction{}, ErrUnknownPlan
	}

	// Idempotency check before any side effect, so a retried call after a
	// timeout is safe to repeat.
	if existing, err := e.store.FindPurchase(ctx, accountID, orderID); err == nil {
		e.observe("purchase", nil)
		return existing, nil
	} else if !errors.Is(err, ErrTransactionNotFound) {
		return Transaction{}, err
	}

	amount := plan.Credits + plan.Bonus
	var out Transaction
	err := e.withRetry(ctx, func(ctx context.Context) error {
		b, err := e.ensureBalance(ctx, accountID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		b.Total += amount
		b.Available += amount
		b.LifetimeEarned += amount
		b.UpdatedAt = now
		tx := newTransaction(accountID, KindPurchase, amount,
			fmt.Sprintf("purchased plan %s", planID),
			Metadata{PlanID: planID, OrderID: orderID}, now)
		if err := e.store.Commit(ctx, []Balance{b}, []Transaction{tx}); err != nil {
			return err
		}
		out = tx
		return nil
	})
	if errors.Is(err, ErrDuplicateOrder) {
		// Lost the race against a concurrent identical purchase.
		e.observe("purchase", nil)
		return e.store.FindPurchase(ctx, accountID, orderID)
	}
	if err != nil {
		e.observe("purchase", err)
		return Transaction{}, err
	}
	metrics.CreditsGranted.Add(float64(amount))
	e.observe("purchase", nil)
	e.publish(ctx, out)
	return out, nil
}

// Spend debits the account by the catalog cost of serviceKey, or by
// amountOverride when it is positive (an override fully replaces the catalog
// cost). Fails with ErrInsufficientCredits when available credits will not
// cover the cost, leaving the balance untouched.
func (e *Engine) Spend(ctx context.Context, accountID, serviceKey string, amountOverride int64) (Transaction, error) {
	if amountOverride < 0 {
		e.observe("spend", ErrInvalidAmount)
		return Transaction{}, ErrInvalidAmount
	}
	cost := amountOverride
	description := fmt.Sprintf("used %s", serviceKey)
	if cost == 0 {
		svc, ok := e.catalog.Service(serviceKey)
		if !ok {
			e.observe("spend", ErrUnknownService)
			return Transaction{}, ErrUnknownService
		}
		cost = svc.Cost
		if svc.Description != "" {
			description = svc.Description
		}
	}

	var out Transaction
	err := e.withRetry(ctx, func(ctx context.Context) error {
		b, err := e.ensureBalance(ctx, accountID)
		if err != nil {
			return err
		}
		if b.Available < cost {
			return ErrInsufficientCredits
		}
		now := time.Now().UTC()
		b.Available -= cost
		b.Total -= cost
		b.LifetimeSpent += cost
		b.UpdatedAt = now
		tx := newTransaction(accountID, KindUsage, -cost, description,
			Metadata{ServiceKey: serviceKey}, now)
		if err := e.store.Commit(ctx, []Balance{b}, []Transaction{tx}); err != nil {
			return err
		}
		out = tx
		return nil
	})
	if err != nil {
		e.observe("spend", err)
		return Transaction{}, err
	}
	metrics.CreditsSpent.Add(float64(cost))
	e.observe("spend", nil)
	e.publish(ctx, out)
	return out, nil
}

// Refund credits the account back for a prior usage transaction. With amount
// zero the full absolute value of the original is refunded. Refunds never
// reduce lifetime spend, preserving the audit history.
func (e *Engine) Refund(ctx context.Context, accountID, transactionID string, amount int64) (Transaction, error) {
	if amount < 0 {
		e.observe("refund", ErrInvalidAmount)
		return Transaction{}, ErrInvalidAmount
	}
	orig, err := e.store.Transaction(ctx, accountID, transactionID)
	if err != nil {
		e.observe("refund", err)
		return Transaction{}, err
	}
	if orig.Kind != KindUsage {
		e.observe("refund", ErrTransactionNotFound)
		return Transaction{}, ErrTransactionNotFound
	}
	refund := amount
	if refund == 0 {
		refund = -orig.Amount
	}
	if refund <= 0 {
		e.observe("refund", ErrInvalidAmount)
		return Transaction{}, ErrInvalidAmount
	}

	var out Transaction
	err = e.withRetry(ctx, func(ctx context.Context) error {
		b, err := e.ensureBalance(ctx, accountID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		b.Total += refund
		b.Available += refund
		b.LifetimeEarned += refund
		b.UpdatedAt = now
		tx := newTransaction(accountID, KindRefund, refund,
			fmt.Sprintf("refund for %s", transactionID),
			Metadata{ReferenceID: transactionID, ServiceKey: orig.Metadata.ServiceKey}, now)
		if err := e.store.Commit(ctx, []Balance{b}, []Transaction{tx}); err != nil {
			return err
		}
		out = tx
		return nil
	})
	if err != nil {
		e.observe("refund", err)
		return Transaction{}, err
	}
	metrics.CreditsGranted.Add(float64(refund))
	e.observe("refund", nil)
	e.publish(ctx, out)
	return out, nil
}

// Bonus grants administrative credits.
func (e *Engine) Bonus(ctx context.Context, accountID string, amount int64, description string) (Transaction, error) {
	if amount <= 0 {
		e.observe("bonus", ErrInvalidAmount)
		return Transaction{}, ErrInvalidAmount
	}
	if description == "" {
		description = "bonus credits"
	}

	var out Transaction
	err := e.withRetry(ctx, func(ctx context.Context) error {
		b, err := e.ensureBalance(ctx, accountID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		b.Total += amount
		b.Available += amount
		b.LifetimeEarned += amount
		b.UpdatedAt = now
		tx := newTransaction(accountID, KindBonus, amount, description, Metadata{}, now)
		if err := e.store.Commit(ctx, []Balance{b}, []Transaction{tx}); err != nil {
			return err
		}
		out = tx
		return nil
	})
	if err != nil {
		e.observe("bonus", err)
		return Transaction{}, err
	}
	metrics.CreditsGranted.Add(float64(amount))
	e.observe("bonus", nil)
	e.publish(ctx, out)
	return out, nil
}

// Reserve earmarks available credits for an in-flight operation without
// changing the total. Total and lifetime counters are untouched, so no
// transaction is logged.
func (e *Engine) Reserve(ctx context.Context, accountID string, amount int64) error {
	if amount <= 0 {
		e.observe("reserve", ErrInvalidAmount)
		return ErrInvalidAmount
	}
	err := e.withRetry(ctx, func(ctx context.Context) error {
		b, err := e.ensureBalance(ctx, accountID)
		if err != nil {
			return err
		}
		if b.Available < amount {
			return ErrInsufficientCredits
		}
		b.Available -= amount
		b.Reserved += amount
		b.UpdatedAt = time.Now().UTC()
		return e.store.Commit(ctx, []Balance{b}, nil)
	})
	e.observe("reserve", err)
	return err
}

// Release returns previously reserved credits to the available pool.
func (e *Engine) Release(ctx context.Context, accountID string, amount int64) error {
	if amount <= 0 {
		e.observe("release", ErrInvalidAmount)
		return ErrInvalidAmount
	}
	err := e.withRetry(ctx, func(ctx context.Context) error {
		b, err := e.ensureBalance(ctx, accountID)
		if err != nil {
			return err
		}
		if b.Reserved < amount {
			return ErrInvalidState
		}
		b.Reserved -= amount
		b.Available += amount
		b.UpdatedAt = time.Now().UTC()
		return e.store.Commit(ctx, []Balance{b}, nil)
	})
	e.observe("release", err)
	return err
}

// Transfer atomically debits one account and credits another, or does neither.
// The two transactions reference each other through metadata.reference_id.
func (e *Engine) Transfer(ctx context.Context, fromAccountID, toAccountID string, amount int64) (Transaction, Transaction, error) {
	if amount <= 0 {
		e.observe("transfer", ErrInvalidAmount)
		return Transaction{}, Transaction{}, ErrInvalidAmount
	}
	if fromAccountID == toAccountID {
		e.observe("transfer", ErrInvalidState)
		return Transaction{}, Transaction{}, ErrInvalidState
	}

	var debit, credit Transaction
	err := e.withRetry(ctx, func(ctx context.Context) error {
		from, err := e.ensureBalance(ctx, fromAccountID)
		if err != nil {
			return err
		}
		to, err := e.ensureBalance(ctx, toAccountID)
		if err != nil {
			return err
		}
		if from.Available < amount {
			return ErrInsufficientCredits
		}

		now := time.Now().UTC()
		ref := uuid.NewString()
		from.Available -= amount
		from.Total -= amount
		from.LifetimeSpent += amount
		from.UpdatedAt = now
		to.Available += amount
		to.Total += amount
		to.LifetimeEarned += amount
		to.UpdatedAt = now

		debit = newTransaction(fromAccountID, KindTransfer, -amount,
			fmt.Sprintf("transfer to %s", toAccountID),
			Metadata{ReferenceID: ref, CounterpartyID: toAccountID}, now)
		credit = newTransaction(toAccountID, KindTransfer, amount,
			fmt.Sprintf("transfer from %s", fromAccountID),
			Metadata{ReferenceID: ref, CounterpartyID: fromAccountID}, now)

		// Commit both balances in a fixed global order so backends that lock
		// rows cannot deadlock against a transfer in the other direction.
		balances := []Balance{from, to}
		sort.Slice(balances, func(i, j int) bool { return balances[i].AccountID < balances[j].AccountID })
		return e.store.Commit(ctx, balances, []Transaction{debit, credit})
	})
	if err != nil {
		e.observe("transfer", err)
		return Transaction{}, Transaction{}, err
	}
	e.observe("transfer", nil)
	e.publish(ctx, debit)
	e.publish(ctx, credit)
	return debit, credit, nil
}

// Transactions lists an account's log in insertion order, restartable via
// sinceID.
func (e *Engine) Transactions(ctx context.Context, accountID, sinceID string, limit int) ([]Transaction, error) {
	return e.store.ListTransactions(ctx, accountID, sinceID, limit)
}

// ensureBalance reads the account balance, creating a zero-initialized row
// (seeded with the welcome bonus when configured) the first time the account
// is seen.
func (e *Engine) ensureBalance(ctx context.Context, accountID string) (Balance, error) {
	b, err := e.store.ReadBalance(ctx, accountID)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return Balance{}, err
	}

	now := time.Now().UTC()
	b = Balance{AccountID: accountID, UpdatedAt: now}
	var txs []Transaction
	var welcome Transaction
	if e.welcomeBonus > 0 {
		welcome = newTransaction(accountID, KindBonus, e.welcomeBonus, "welcome bonus", Metadata{}, now)
		b.Total = e.welcomeBonus
		b.Available = e.welcomeBonus
		b.LifetimeEarned = e.welcomeBonus
		txs = append(txs, welcome)
	}
	if err := e.store.Commit(ctx, []Balance{b}, txs); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			// Another caller created the account first.
			return e.store.ReadBalance(ctx, accountID)
		}
		return Balance{}, err
	}
	b.Version = 1
	if e.welcomeBonus > 0 {
		metrics.CreditsGranted.Add(float64(e.welcomeBonus))
		e.publish(ctx, welcome)
	}
	return b, nil
}

// withRetry runs fn, retrying version conflicts with bounded backoff. An
// exhausted budget surfaces as ErrContention.
func (e *Engine) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(e.maxAttempts-1), retry.NewConstant(conflictBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if errors.Is(err, ErrVersionConflict) {
		return fmt.Errorf("%w: retry budget exhausted", ErrContention)
	}
	return err
}

func (e *Engine) publish(ctx context.Context, tx Transaction) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishTransaction(ctx, tx); err != nil {
		e.logger.Warn("publish transaction", "transaction_id", tx.ID, "error", err)
	}
}

func (e *Engine) observe(op string, err error) {
	metrics.Operations.WithLabelValues(op, outcomeLabel(err)).Inc()
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, ErrContention):
		return "contention"
	case errors.Is(err, ErrUnknownPlan),
		errors.Is(err, ErrUnknownService),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrTransactionNotFound):
		return "rejected"
	default:
		return "error"
	}
}

func newTransaction(accountID string, kind Kind, amount int64, description string, meta Metadata, at time.Time) Transaction {
	return Transaction{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Kind:        kind,
		Amount:      amount,
		Description: description,
		Metadata:    meta,
		CreatedAt:   at,
	}
}
