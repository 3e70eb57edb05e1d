package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/pagemint/credits/internal/catalog"
	"github.com/pagemint/credits/internal/ledger"
	"github.com/pagemint/credits/internal/logging"
)

func TestCheckAllCleanLedger(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	engine := ledger.NewEngine(store, catalog.Default(), ledger.WithWelcomeBonus(50))

	if _, err := engine.Purchase(ctx, "acct-1", "popular", "order-1"); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if _, err := engine.Spend(ctx, "acct-1", "website_generation", 0); err != nil {
		t.Fatalf("spend: %v", err)
	}
	if _, _, err := engine.Transfer(ctx, "acct-1", "acct-2", 25); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := engine.Reserve(ctx, "acct-2", 10); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	r := New(store, logging.Discard(), time.Minute)
	mismatched, err := r.CheckAll(ctx)
	if err != nil {
		t.Fatalf("check all: %v", err)
	}
	if mismatched != 0 {
		t.Fatalf("expected 0 mismatches, got %d", mismatched)
	}
}

func TestCheckAllDetectsDrift(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	engine := ledger.NewEngine(store, catalog.Default(), ledger.WithWelcomeBonus(50))

	if _, err := engine.GetBalance(ctx, "acct-honest"); err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if _, err := engine.GetBalance(ctx, "acct-drifted"); err != nil {
		t.Fatalf("get balance: %v", err)
	}

	// Overwrite the stored balance without logging anything, simulating
	// manual data surgery gone wrong.
	ledger.SeedCredits(store, "acct-drifted", 9999)

	r := New(store, logging.Discard(), time.Minute)
	mismatched, err := r.CheckAll(ctx)
	if err != nil {
		t.Fatalf("check all: %v", err)
	}
	if mismatched != 1 {
		t.Fatalf("expected 1 mismatch, got %d", mismatched)
	}
}

func TestCheckAllEmptyStore(t *testing.T) {
	r := New(ledger.NewMemoryStore(), logging.Discard(), time.Minute)
	mismatched, err := r.CheckAll(context.Background())
	if err != nil {
		t.Fatalf("check all: %v", err)
	}
	if mismatched != 0 {
		t.Fatalf("expected 0 mismatches, got %d", mismatched)
	}
}
