package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pagemint/credits/internal/catalog"
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, Store) {
	t.Helper()
	store := NewMemoryStore()
	return NewEngine(store, catalog.Default(), opts...), store
}

func assertInvariants(t *testing.T, b Balance) {
	t.Helper()
	if b.Total != b.Available+b.Reserved {
		t.Fatalf("total %d != available %d + reserved %d", b.Total, b.Available, b.Reserved)
	}
	if b.LifetimeEarned-b.LifetimeSpent != b.Total {
		t.Fatalf("lifetime earned %d - spent %d != total %d", b.LifetimeEarned, b.LifetimeSpent, b.Total)
	}
	if b.Available < 0 {
		t.Fatalf("available went negative: %d", b.Available)
	}
}

func TestGetBalanceCreatesAccountWithWelcomeBonus(t *testing.T) {
	e, _ := newTestEngine(t, WithWelcomeBonus(50))
	ctx := context.Background()

	b, err := e.GetBalance(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if b.Available != 50 || b.Total != 50 || b.LifetimeEarned != 50 {
		t.Fatalf("unexpected seeded balance: %+v", b)
	}
	assertInvariants(t, b)

	// First touch records the grant in the log.
	txs, err := e.Transactions(ctx, "acct-1", "", 0)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(txs) != 1 || txs[0].Kind != KindBonus || txs[0].Amount != 50 {
		t.Fatalf("expected one welcome bonus transaction, got %+v", txs)
	}

	// A second read must not seed again.
	b2, err := e.GetBalance(ctx, "acct-1")
	if err != nil {
		t.Fatalf("second get balance: %v", err)
	}
	if b2.Available != 50 {
		t.Fatalf("welcome bonus applied twice: %+v", b2)
	}
}

func TestSpendDrainsWelcomeBonus(t *testing.T) {
	e, _ := newTestEngine(t, WithWelcomeBonus(50))
	ctx := context.Background()

	// website_generation costs 10: five spends drain 50 to 0.
	for i := 0; i < 5; i++ {
		tx, err := e.Spend(ctx, "acct-1", "website_generation", 0)
		if err != nil {
			t.Fatalf("spend %d: %v", i, err)
		}
		if tx.Amount != -10 || tx.Kind != KindUsage {
			t.Fatalf("unexpected usage transaction: %+v", tx)
		}
	}

	b, err := e.GetBalance(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if b.Available != 0 || b.LifetimeSpent != 50 {
		t.Fatalf("expected drained balance, got %+v", b)
	}
	assertInvariants(t, b)

	if _, err := e.Spend(ctx, "acct-1", "website_generation", 0); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}

	b, _ = e.GetBalance(ctx, "acct-1")
	if b.Available != 0 {
		t.Fatalf("failed spend mutated balance: %+v", b)
	}
}

func TestSpendAmountOverrideReplacesCatalogCost(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.Bonus(ctx, "acct-1", 100, "seed"); err != nil {
		t.Fatalf("bonus: %v", err)
	}

	// Override applies even for keys the catalog does not know.
	tx, err := e.Spend(ctx, "acct-1", "beta_feature", 7)
	if err != nil {
		t.Fatalf("spend with override: %v", err)
	}
	if tx.Amount != -7 {
		t.Fatalf("override ignored: %+v", tx)
	}

	// Without an override an unknown key is rejected.
	if _, err := e.Spend(ctx, "acct-1", "beta_feature", 0); !errors.Is(err, ErrUnknownService) {
		t.Fatalf("expected unknown service, got %v", err)
	}

	if _, err := e.Spend(ctx, "acct-1", "website_generation", -5); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}

func TestPurchaseIsIdempotentPerOrder(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := e.Purchase(ctx, "acct-1", "popular", "o1")
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if first.Amount != 550 {
		t.Fatalf("expected 500+50 credits, got %d", first.Amount)
	}

	second, err := e.Purchase(ctx, "acct-1", "popular", "o1")
	if err != nil {
		t.Fatalf("repeat purchase: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate order created a new transaction: %s vs %s", second.ID, first.ID)
	}

	b, err := e.GetBalance(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if b.Available != 550 {
		t.Fatalf("duplicate order double-credited: %+v", b)
	}
	assertInvariants(t, b)

	txs, _ := e.Transactions(ctx, "acct-1", "", 0)
	if len(txs) != 1 {
		t.Fatalf("expected one purchase transaction, got %d", len(txs))
	}
}

func TestPurchaseUnknownPlan(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.Purchase(context.Background(), "acct-1", "mega", "o1"); !errors.Is(err, ErrUnknownPlan) {
		t.Fatalf("expected unknown plan, got %v", err)
	}
}

func TestRefundDefaultsToOriginalAmount(t *testing.T) {
	e, _ := newTestEngine(t, WithWelcomeBonus(50))
	ctx := context.Background()

	usage, err := e.Spend(ctx, "acct-1", "website_generation", 0)
	if err != nil {
		t.Fatalf("spend: %v", err)
	}

	refund, err := e.Refund(ctx, "acct-1", usage.ID, 0)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refund.Amount != 10 || refund.Kind != KindRefund {
		t.Fatalf("unexpected refund transaction: %+v", refund)
	}
	if refund.Metadata.ReferenceID != usage.ID {
		t.Fatalf("refund does not reference the original usage: %+v", refund.Metadata)
	}

	b, _ := e.GetBalance(ctx, "acct-1")
	if b.Available != 50 {
		t.Fatalf("expected restored balance, got %+v", b)
	}
	// Refunds keep the audit trail: lifetime spend is not rolled back.
	if b.LifetimeSpent != 10 || b.LifetimeEarned != 60 {
		t.Fatalf("lifetime counters rewritten: %+v", b)
	}
	assertInvariants(t, b)
}

func TestRefundRejectsUnknownOrForeignTransaction(t *testing.T) {
	e, _ := newTestEngine(t, WithWelcomeBonus(50))
	ctx := context.Background()

	usage, err := e.Spend(ctx, "acct-1", "website_generation", 0)
	if err != nil {
		t.Fatalf("spend: %v", err)
	}

	if _, err := e.Refund(ctx, "acct-1", "missing-tx", 0); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected not found for missing tx, got %v", err)
	}
	// Same transaction id through another account must not resolve.
	if _, err := e.Refund(ctx, "acct-2", usage.ID, 0); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected not found for foreign tx, got %v", err)
	}

	bonus, err := e.Bonus(ctx, "acct-1", 5, "topup")
	if err != nil {
		t.Fatalf("bonus: %v", err)
	}
	if _, err := e.Refund(ctx, "acct-1", bonus.ID, 0); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected not found when refunding a non-usage tx, got %v", err)
	}
}

func TestBonusRejectsNonPositiveAmount(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.Bonus(ctx, "acct-1", 0, "zero"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount for zero, got %v", err)
	}
	if _, err := e.Bonus(ctx, "acct-1", -3, "negative"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount for negative, got %v", err)
	}
}

func TestReserveAndRelease(t *testing.T) {
	e, _ := newTestEngine(t, WithWelcomeBonus(50))
	ctx := context.Background()

	if err := e.Reserve(ctx, "acct-1", 30); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	b, _ := e.GetBalance(ctx, "acct-1")
	if b.Available != 20 || b.Reserved != 30 || b.Total != 50 {
		t.Fatalf("unexpected balance after reserve: %+v", b)
	}
	assertInvariants(t, b)

	if err := e.Reserve(ctx, "acct-1", 21); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}
	if err := e.Release(ctx, "acct-1", 31); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}

	if err := e.Release(ctx, "acct-1", 30); err != nil {
		t.Fatalf("release: %v", err)
	}
	b, _ = e.GetBalance(ctx, "acct-1")
	if b.Available != 50 || b.Reserved != 0 {
		t.Fatalf("unexpected balance after release: %+v", b)
	}
	assertInvariants(t, b)
}

func TestReservedCreditsAreNotSpendable(t *testing.T) {
	e, _ := newTestEngine(t, WithWelcomeBonus(50))
	ctx := context.Background()

	if err := e.Reserve(ctx, "acct-1", 45); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// Only 5 available: a 10-credit spend must fail even though total is 50.
	if _, err := e.Spend(ctx, "acct-1", "website_generation", 0); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}
}

func TestTransferMovesCreditsAtomically(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	SeedCredits(store, "acct-a", 100)

	debit, credit, err := e.Transfer(ctx, "acct-a", "acct-b", 40)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if debit.Amount != -40 || credit.Amount != 40 {
		t.Fatalf("unexpected transfer pair: %+v / %+v", debit, credit)
	}
	if debit.Metadata.ReferenceID == "" || debit.Metadata.ReferenceID != credit.Metadata.ReferenceID {
		t.Fatalf("transfer legs not linked: %+v / %+v", debit.Metadata, credit.Metadata)
	}
	if debit.Metadata.CounterpartyID != "acct-b" || credit.Metadata.CounterpartyID != "acct-a" {
		t.Fatalf("counterparties wrong: %+v / %+v", debit.Metadata, credit.Metadata)
	}

	a, _ := e.GetBalance(ctx, "acct-a")
	b, _ := e.GetBalance(ctx, "acct-b")
	if a.Available != 60 || b.Available != 40 {
		t.Fatalf("unexpected balances after transfer: %+v / %+v", a, b)
	}
	if a.Total+b.Total != 100 {
		t.Fatalf("credits not conserved: %d", a.Total+b.Total)
	}
	assertInvariants(t, a)
	assertInvariants(t, b)
}

func TestTransferInsufficientLeavesSourceUntouched(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	SeedCredits(store, "acct-a", 10)

	if _, _, err := e.Transfer(ctx, "acct-a", "acct-b", 40); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}

	a, _ := e.GetBalance(ctx, "acct-a")
	if a.Available != 10 {
		t.Fatalf("failed transfer mutated source: %+v", a)
	}
	txs, _ := e.Transactions(ctx, "acct-a", "", 0)
	if len(txs) != 0 {
		t.Fatalf("failed transfer appended to log: %+v", txs)
	}
}

func TestTransferToSelfRejected(t *testing.T) {
	e, store := newTestEngine(t)
	SeedCredits(store, "acct-a", 100)
	if _, _, err := e.Transfer(context.Background(), "acct-a", "acct-a", 10); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestConcurrentSpendsSingleSuccess(t *testing.T) {
	e, _ := newTestEngine(t, WithWelcomeBonus(10))
	ctx := context.Background()

	// Exactly one website_generation (cost 10) fits in the balance.
	if _, err := e.GetBalance(ctx, "acct-1"); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.Spend(ctx, "acct-1", "website_generation", 0)
		}(i)
	}
	wg.Wait()

	succeeded, insufficient := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientCredits):
			insufficient++
		default:
			t.Fatalf("unexpected spend error: %v", err)
		}
	}
	if succeeded != 1 || insufficient != workers-1 {
		t.Fatalf("expected exactly one success, got %d successes / %d insufficient", succeeded, insufficient)
	}

	b, _ := e.GetBalance(ctx, "acct-1")
	if b.Available != 0 {
		t.Fatalf("expected zero balance, got %+v", b)
	}
	assertInvariants(t, b)
}

func TestConcurrentTransfersConserveTotal(t *testing.T) {
	e, store := newTestEngine(t, WithMaxAttempts(50))
	ctx := context.Background()
	SeedCredits(store, "acct-a", 100_000)
	SeedCredits(store, "acct-b", 0)

	const workers = 10
	const amount = int64(500)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := e.Transfer(ctx, "acct-a", "acct-b", amount); err != nil {
				t.Errorf("transfer failed: %v", err)
			}
		}()
	}
	wg.Wait()

	a, _ := e.GetBalance(ctx, "acct-a")
	b, _ := e.GetBalance(ctx, "acct-b")
	if a.Total+b.Total != 100_000 {
		t.Fatalf("credits not conserved, total=%d", a.Total+b.Total)
	}
	if b.Total != workers*amount {
		t.Fatalf("expected %d transferred, got %d", workers*amount, b.Total)
	}
}

func TestReplayReproducesBalance(t *testing.T) {
	e, _ := newTestEngine(t, WithWelcomeBonus(50))
	ctx := context.Background()

	if _, err := e.Purchase(ctx, "acct-1", "starter", "o1"); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	usage, err := e.Spend(ctx, "acct-1", "deployment", 0)
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if _, err := e.Refund(ctx, "acct-1", usage.ID, 2); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if _, err := e.Bonus(ctx, "acct-1", 25, "loyalty"); err != nil {
		t.Fatalf("bonus: %v", err)
	}
	if err := e.Reserve(ctx, "acct-1", 30); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	b, err := e.GetBalance(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	assertInvariants(t, b)

	var sum int64
	txs, err := e.Transactions(ctx, "acct-1", "", 0)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	for _, tx := range txs {
		sum += tx.Amount
	}
	if sum != b.Total {
		t.Fatalf("replay sum %d does not match stored total %d", sum, b.Total)
	}
}
