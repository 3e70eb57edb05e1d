package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const orderUniqueIndex = "credit_transactions_order_key"

// PostgresStore persists balances and the transaction log in PostgreSQL. The
// balance row carries a version column; Commit updates it conditionally and
// appends log rows inside a single SQL transaction, so the pair is atomic and
// concurrent writers surface as ErrVersionConflict.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed ledger store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// ReadBalance fetches the balance row for an account.
func (s *PostgresStore) ReadBalance(ctx context.Context, accountID string) (Balance, error) {
	const query = `
        SELECT account_id, total_credits, available_credits, reserved_credits,
               lifetime_earned, lifetime_spent, version, updated_at
        FROM credit_balances WHERE account_id = $1`
	var b Balance
	err := s.db.QueryRow(ctx, query, accountID).Scan(
		&b.AccountID, &b.Total, &b.Available, &b.Reserved,
		&b.LifetimeEarned, &b.LifetimeSpent, &b.Version, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{}, ErrAccountNotFound
		}
		return Balance{}, fmt.Errorf("read balance: %w", err)
	}
	return b, nil
}

// Commit writes the balances and appends the transactions in one SQL
// transaction. Version-guarded updates that match no row roll everything back
// with ErrVersionConflict.
func (s *PostgresStore) Commit(ctx context.Context, balances []Balance, txs []Transaction) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	for _, b := range balances {
		if b.Version == 0 {
			tag, err := tx.Exec(ctx, `
                INSERT INTO credit_balances
                    (account_id, total_credits, available_credits, reserved_credits,
                     lifetime_earned, lifetime_spent, version, updated_at)
                VALUES ($1, $2, $3, $4, $5, $6, 1, $7)
                ON CONFLICT (account_id) DO NOTHING`,
				b.AccountID, b.Total, b.Available, b.Reserved,
				b.LifetimeEarned, b.LifetimeSpent, b.UpdatedAt)
			if err != nil {
				return fmt.Errorf("create balance: %w", err)
			}
			if tag.RowsAffected() != 1 {
				return ErrVersionConflict
			}
			continue
		}

		tag, err := tx.Exec(ctx, `
            UPDATE credit_balances
            SET total_credits = $2, available_credits = $3, reserved_credits = $4,
                lifetime_earned = $5, lifetime_spent = $6,
                version = version + 1, updated_at = $7
            WHERE account_id = $1 AND version = $8`,
			b.AccountID, b.Total, b.Available, b.Reserved,
			b.LifetimeEarned, b.LifetimeSpent, b.UpdatedAt, b.Version)
		if err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return ErrVersionConflict
		}
	}

	for _, t := range txs {
		meta, err := json.Marshal(t.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		_, err = tx.Exec(ctx, `
            INSERT INTO credit_transactions
                (id, account_id, kind, amount, description, metadata, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			t.ID, t.AccountID, string(t.Kind), t.Amount, t.Description, meta, t.CreatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == orderUniqueIndex {
				return ErrDuplicateOrder
			}
			return fmt.Errorf("append transaction: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Transaction looks up a single transaction scoped to the account.
func (s *PostgresStore) Transaction(ctx context.Context, accountID, txID string) (Transaction, error) {
	if _, err := uuid.Parse(txID); err != nil {
		return Transaction{}, ErrTransactionNotFound
	}
	const query = `
        SELECT id, account_id, kind, amount, description, metadata, created_at
        FROM credit_transactions WHERE account_id = $1 AND id = $2`
	return s.scanTransaction(s.db.QueryRow(ctx, query, accountID, txID))
}

// FindPurchase resolves the purchase recorded under the given order id.
func (s *PostgresStore) FindPurchase(ctx context.Context, accountID, orderID string) (Transaction, error) {
	const query = `
        SELECT id, account_id, kind, amount, description, metadata, created_at
        FROM credit_transactions
        WHERE account_id = $1 AND kind = 'purchase' AND metadata->>'order_id' = $2`
	return s.scanTransaction(s.db.QueryRow(ctx, query, accountID, orderID))
}

// ListTransactions pages through the account's log in insertion order.
func (s *PostgresStore) ListTransactions(ctx context.Context, accountID, sinceID string, limit int) ([]Transaction, error) {
	var sinceSeq int64
	if sinceID != "" {
		if _, err := uuid.Parse(sinceID); err != nil {
			return nil, ErrTransactionNotFound
		}
		err := s.db.QueryRow(ctx,
			`SELECT seq FROM credit_transactions WHERE account_id = $1 AND id = $2`,
			accountID, sinceID).Scan(&sinceSeq)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrTransactionNotFound
			}
			return nil, fmt.Errorf("resolve cursor: %w", err)
		}
	}

	query := `
        SELECT id, account_id, kind, amount, description, metadata, created_at
        FROM credit_transactions
        WHERE account_id = $1 AND seq > $2
        ORDER BY seq`
	args := []any{accountID, sinceSeq}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := s.scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return out, nil
}

// AccountIDs returns every account holding a balance row.
func (s *PostgresStore) AccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT account_id FROM credit_balances ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		t    Transaction
		id   uuid.UUID
		kind string
		meta []byte
	)
	err := row.Scan(&id, &t.AccountID, &kind, &t.Amount, &t.Description, &meta, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrTransactionNotFound
		}
		return Transaction{}, fmt.Errorf("scan transaction: %w", err)
	}
	t.ID = id.String()
	t.Kind = Kind(kind)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return Transaction{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return t, nil
}
