// Package nats publishes committed entries to NATS subjects.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/JakeFAU/webimporter/internal/committer"
)

// Header keys set on every message.
const (
	HeaderOperation = "Webimporter-Operation"
	HeaderReference = "Webimporter-Reference"
)

// Config selects the server and subject. Upserts go to <subject>.upsert and
// deletions to <subject>.delete.
type Config struct {
	URL     string        `mapstructure:"url"`
	Subject string        `mapstructure:"subject"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Conn is the part of *nats.Conn the committer uses.
type Conn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// Committer publishes JSON payloads.
type Committer struct {
	conn    Conn
	subject string
}

// New connects to cfg.URL.
func New(cfg Config) (*Committer, error) {
	if cfg.URL == "" || cfg.Subject == "" {
		return nil, fmt.Errorf("nats url and subject are required")
	}
	opts := []nats.Option{nats.Name("webimporter")}
	if cfg.Timeout > 0 {
		opts = append(opts, nats.Timeout(cfg.Timeout))
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return NewWithConn(conn, cfg.Subject), nil
}

// NewWithConn publishes through an existing connection.
func NewWithConn(conn Conn, subject string) *Committer {
	return &Committer{conn: conn, subject: subject}
}

// Upsert publishes entry as JSON.
func (c *Committer) Upsert(ctx context.Context, entry committer.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	return c.publish(ctx, "upsert", entry.Reference, data)
}

// Delete publishes a deletion notice.
func (c *Committer) Delete(ctx context.Context, reference string) error {
	data, err := json.Marshal(map[string]string{"reference": reference})
	if err != nil {
		return fmt.Errorf("marshal delete: %w", err)
	}
	return c.publish(ctx, "delete", reference, data)
}

func (c *Committer) publish(ctx context.Context, op, reference string, data []byte) error {
	msg := nats.NewMsg(c.subject + "." + op)
	msg.Data = data
	msg.Header.Set(HeaderOperation, op)
	msg.Header.Set(HeaderReference, reference)
	if err := c.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s %s: %w", op, reference, err)
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s %s: %w", op, reference, err)
	}
	return nil
}

// Close drains the connection.
func (c *Committer) Close(context.Context) error {
	if err := c.conn.Drain(); err != nil {
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}
