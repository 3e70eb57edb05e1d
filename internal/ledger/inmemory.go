package ledger

import (
	"context"
	"sync"
)

type memoryStore struct {
	mu       sync.RWMutex
	balances map[string]Balance
	// log keeps per-account insertion order; byID and orders are lookup
	// indexes over the same transactions.
	log    map[string][]Transaction
	byID   map[string]Transaction
	orders map[string]string
}

// NewMemoryStore creates a concurrency-safe in-memory store. It backs unit
// tests and the no-database development mode.
func NewMemoryStore() Store {
	return &memoryStore{
		balances: make(map[string]Balance),
		log:      make(map[string][]Transaction),
		byID:     make(map[string]Transaction),
		orders:   make(map[string]string),
	}
}

func txKey(accountID, txID string) string { return accountID + "/" + txID }

func (s *memoryStore) ReadBalance(_ context.Context, accountID string) (Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.balances[accountID]
	if !ok {
		return Balance{}, ErrAccountNotFound
	}
	return b, nil
}

func (s *memoryStore) Commit(_ context.Context, balances []Balance, txs []Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range balances {
		current, exists := s.balances[b.AccountID]
		if b.Version == 0 {
			if exists {
				return ErrVersionConflict
			}
			continue
		}
		if !exists || current.Version != b.Version {
			return ErrVersionConflict
		}
	}
	for _, tx := range txs {
		if tx.Kind == KindPurchase && tx.Metadata.OrderID != "" {
			if _, dup := s.orders[txKey(tx.AccountID, tx.Metadata.OrderID)]; dup {
				return ErrDuplicateOrder
			}
		}
	}

	for _, b := range balances {
		b.Version++
		s.balances[b.AccountID] = b
	}
	for _, tx := range txs {
		s.log[tx.AccountID] = append(s.log[tx.AccountID], tx)
		s.byID[txKey(tx.AccountID, tx.ID)] = tx
		if tx.Kind == KindPurchase && tx.Metadata.OrderID != "" {
			s.orders[txKey(tx.AccountID, tx.Metadata.OrderID)] = tx.ID
		}
	}
	return nil
}

func (s *memoryStore) Transaction(_ context.Context, accountID, txID string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.byID[txKey(accountID, txID)]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return tx, nil
}

func (s *memoryStore) FindPurchase(_ context.Context, accountID, orderID string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	txID, ok := s.orders[txKey(accountID, orderID)]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return s.byID[txKey(accountID, txID)], nil
}

func (s *memoryStore) ListTransactions(_ context.Context, accountID, sinceID string, limit int) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.log[accountID]
	start := 0
	if sinceID != "" {
		found := false
		for i, tx := range entries {
			if tx.ID == sinceID {
				start = i + 1
				found = true
				break
			}
		}
		if !found {
			return nil, ErrTransactionNotFound
		}
	}

	out := entries[start:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	result := make([]Transaction, len(out))
	copy(result, out)
	return result, nil
}

func (s *memoryStore) AccountIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.balances))
	for id := range s.balances {
		ids = append(ids, id)
	}
	return ids, nil
}
