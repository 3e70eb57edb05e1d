package ledger

import "time"

// SeedCredits is a test helper that installs available credits directly when
// using the in-memory store. It bypasses the transaction log, so tests that
// check replay equivalence should grant credits through the engine instead.
func SeedCredits(s Store, accountID string, amount int64) {
	mem, ok := s.(*memoryStore)
	if !ok {
		return
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.balances[accountID] = Balance{
		AccountID:      accountID,
		Total:          amount,
		Available:      amount,
		LifetimeEarned: amount,
		Version:        1,
		UpdatedAt:      time.Now().UTC(),
	}
}
