// Package natsclient wraps the NATS JetStream connection used for
// notification and audit event publishing.
package natsclient

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Client is a thin JetStream publisher.
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// Connect dials NATS and initializes the JetStream context.
func Connect(url string) (*Client, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return &Client{conn: conn, js: js}, nil
}

// Publish publishes data to subject, waiting for the stream ack.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := c.js.Publish(ctx, subject, data)
	return err
}

// Close drains and closes the connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Drain() //nolint:errcheck
	}
}
