// Package nats holds a thin client around nats.go used by the
// notification publisher. A nil *Client is valid and publishes nothing,
// so services can run without a broker in development.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Client wraps a NATS connection.
type Client struct {
	conn *nats.Conn
}

// Connect dials the broker with sane retry settings.
func Connect(url, name string) (*Client, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return &Client{conn: conn}, nil
}

// Publish sends a message on the subject. Safe on a nil client.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if c == nil || c.conn == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.Publish(subject, data)
}

// Close drains and closes the connection. Safe on a nil client.
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	_ = c.conn.Drain()
}
