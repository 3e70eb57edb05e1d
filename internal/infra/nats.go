package infra

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NewNATSConn establishes a NATS connection with reconnect behavior suitable
// for a long-lived service.
func NewNATSConn(url string) (*nats.Conn, error) {
	if url == "" {
		return nil, fmt.Errorf("nats url is required")
	}

	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return conn, nil
}
