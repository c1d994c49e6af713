// Package elasticsearch indexes committed entries into an Elasticsearch
// index, one document per reference.
package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/JakeFAU/webimporter/internal/committer"
	"github.com/JakeFAU/webimporter/internal/hash/sha256"
)

// Config points at the cluster.
type Config struct {
	Addresses []string `mapstructure:"addresses"`
	Index     string   `mapstructure:"index"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	// Refresh makes every write visible to search before returning.
	Refresh bool `mapstructure:"refresh"`
}

type esErrorRes struct {
	Error esError `json:"error"`
}

type esError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func (e esError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Reason)
}

// Committer writes to one index.
type Committer struct {
	client  *elasticsearch.Client
	index   string
	refresh string
	hasher  *sha256.Hasher
}

// New builds a client for cfg.
func New(cfg Config) (*Committer, error) {
	if len(cfg.Addresses) == 0 || cfg.Index == "" {
		return nil, fmt.Errorf("elasticsearch addresses and index are required")
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	refresh := "false"
	if cfg.Refresh {
		refresh = "true"
	}
	return &Committer{client: client, index: cfg.Index, refresh: refresh, hasher: sha256.New()}, nil
}

// Upsert indexes entry, replacing any previous version.
func (c *Committer) Upsert(ctx context.Context, entry committer.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(entry); err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	id, err := c.DocumentID(entry.Reference)
	if err != nil {
		return err
	}
	res, err := c.client.Index(c.index, &buf,
		c.client.Index.WithContext(ctx),
		c.client.Index.WithDocumentID(id),
		c.client.Index.WithRefresh(c.refresh),
	)
	if err != nil {
		return fmt.Errorf("index %s: %w", entry.Reference, err)
	}
	if err := checkResponse(res, false); err != nil {
		return fmt.Errorf("index %s: %w", entry.Reference, err)
	}
	return nil
}

// Delete removes the document for reference. A missing document is not an
// error.
func (c *Committer) Delete(ctx context.Context, reference string) error {
	id, err := c.DocumentID(reference)
	if err != nil {
		return err
	}
	res, err := c.client.Delete(c.index, id,
		c.client.Delete.WithContext(ctx),
		c.client.Delete.WithRefresh(c.refresh),
	)
	if err != nil {
		return fmt.Errorf("delete %s: %w", reference, err)
	}
	if err := checkResponse(res, true); err != nil {
		return fmt.Errorf("delete %s: %w", reference, err)
	}
	return nil
}

// Close is a no-op; the HTTP transport needs no teardown.
func (c *Committer) Close(context.Context) error {
	return nil
}

// DocumentID maps a reference to the _id used in the index.
func (c *Committer) DocumentID(reference string) (string, error) {
	id, err := c.hasher.Hash([]byte(reference))
	if err != nil {
		return "", fmt.Errorf("hash reference: %w", err)
	}
	return id, nil
}

func checkResponse(res *esapi.Response, allowMissing bool) error {
	defer func() {
		_ = res.Body.Close()
	}()
	if !res.IsError() {
		return nil
	}
	if allowMissing && res.StatusCode == http.StatusNotFound {
		return nil
	}
	var errRes esErrorRes
	if err := json.NewDecoder(res.Body).Decode(&errRes); err != nil || errRes.Error.Type == "" {
		return fmt.Errorf("elasticsearch status %s", strings.TrimSpace(res.Status()))
	}
	return errRes.Error
}
