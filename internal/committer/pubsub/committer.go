// Package pubsub publishes committed entries to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"google.golang.org/api/option"

	"github.com/JakeFAU/webimporter/internal/committer"
)

// Message attributes set on every publish.
const (
	AttrOperation = "operation"
	AttrReference = "reference"
)

// Config selects the topic. Credentials follow the usual Google
// application-default lookup unless CredentialsFile is set; the emulator is
// honoured through PUBSUB_EMULATOR_HOST.
type Config struct {
	ProjectID       string `mapstructure:"project_id"`
	Topic           string `mapstructure:"topic"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// Committer publishes one message per operation.
type Committer struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// New dials Pub/Sub and binds the configured topic.
func New(ctx context.Context, cfg Config) (*Committer, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("pubsub project_id and topic are required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Committer{client: client, topic: client.Topic(cfg.Topic)}, nil
}

// NewWithTopic publishes to an existing topic handle. Close stops the topic
// but leaves its client open.
func NewWithTopic(topic *pubsub.Topic) *Committer {
	return &Committer{topic: topic}
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
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			AttrOperation: op,
			AttrReference: reference,
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	res := c.topic.Publish(ctx, msg)
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("publish %s %s: %w", op, reference, err)
	}
	return nil
}

// Close flushes pending publishes.
func (c *Committer) Close(context.Context) error {
	c.topic.Stop()
	if c.client != nil {
		if err := c.client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
