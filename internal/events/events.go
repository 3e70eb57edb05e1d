// Package events delivers committed ledger transactions to downstream
// consumers (display surfaces, analytics, alerting). Delivery is best effort;
// the transaction log remains the source of truth.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/pagemint/credits/internal/ledger"
)

const subjectPrefix = "credits.transaction."

// NATSPublisher publishes transactions as JSON on
// credits.transaction.<kind> subjects.
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher wraps an established NATS connection.
func NewNATSPublisher(conn *nats.Conn) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

// PublishTransaction sends the transaction on its kind-specific subject.
func (p *NATSPublisher) PublishTransaction(_ context.Context, tx ledger.Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode transaction event: %w", err)
	}
	if err := p.conn.Publish(subjectPrefix+string(tx.Kind), data); err != nil {
		return fmt.Errorf("publish transaction event: %w", err)
	}
	return nil
}

// LogPublisher writes transaction events to the structured logger. It stands
// in when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher constructs a logging publisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// PublishTransaction logs the committed transaction.
func (p *LogPublisher) PublishTransaction(_ context.Context, tx ledger.Transaction) error {
	if p == nil || p.logger == nil {
		return nil
	}
	p.logger.Info("transaction committed",
		"transaction_id", tx.ID,
		"account_id", tx.AccountID,
		"kind", string(tx.Kind),
		"amount", tx.Amount,
	)
	return nil
}
