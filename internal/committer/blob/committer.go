// Package blob commits entries as JSON objects to any jobs.BlobStore.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/JakeFAU/webimporter/internal/committer"
	"github.com/JakeFAU/webimporter/internal/jobs"
)

// Committer writes <prefix>/<hash(reference)>.json objects.
type Committer struct {
	store  jobs.BlobStore
	hasher jobs.Hasher
	prefix string
}

// New returns a Committer. Deletes require store to implement
// jobs.BlobDeleter.
func New(store jobs.BlobStore, hasher jobs.Hasher, prefix string) (*Committer, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	return &Committer{store: store, hasher: hasher, prefix: prefix}, nil
}

// Upsert writes entry as JSON.
func (c *Committer) Upsert(ctx context.Context, entry committer.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	key, err := c.Key(entry.Reference)
	if err != nil {
		return err
	}
	if _, err := c.store.PutObject(ctx, key, "application/json", bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("put entry %s: %w", key, err)
	}
	return nil
}

// Delete removes the object for reference.
func (c *Committer) Delete(ctx context.Context, reference string) error {
	deleter, ok := c.store.(jobs.BlobDeleter)
	if !ok {
		return fmt.Errorf("blob store %T cannot delete", c.store)
	}
	key, err := c.Key(reference)
	if err != nil {
		return err
	}
	if err := deleter.DeleteObject(ctx, key); err != nil {
		return fmt.Errorf("delete entry %s: %w", key, err)
	}
	return nil
}

// Close is a no-op; the blob store is owned by the caller.
func (c *Committer) Close(context.Context) error {
	return nil
}

// Key returns the object path used for reference.
func (c *Committer) Key(reference string) (string, error) {
	sum, err := c.hasher.Hash([]byte(reference))
	if err != nil {
		return "", fmt.Errorf("hash reference: %w", err)
	}
	return path.Join(c.prefix, sum+".json"), nil
}
