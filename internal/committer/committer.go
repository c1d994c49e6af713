// Package committer defines where imported documents end up. Each
// subpackage implements Committer for one backend.
package committer

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/JakeFAU/webimporter/internal/doc"
)

// Committer receives accepted documents and deletion requests.
type Committer interface {
	Upsert(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, reference string) error
	Close(ctx context.Context) error
}

// Entry is the committed form of a document.
type Entry struct {
	Reference   string              `json:"reference" yaml:"reference"`
	ContentType string              `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	Metadata    map[string][]string `json:"metadata" yaml:"metadata"`
	Content     string              `json:"content,omitempty" yaml:"content,omitempty"`
	CommittedAt time.Time           `json:"committed_at" yaml:"committed_at"`
}

// FromDocument snapshots d into an Entry.
func FromDocument(d *doc.Document, now time.Time) Entry {
	return Entry{
		Reference:   d.Reference,
		ContentType: d.ContentType,
		Metadata:    d.Metadata.Map(),
		Content:     string(d.Content),
		CommittedAt: now.UTC(),
	}
}

// Multi fans every operation out to all committers and aggregates failures.
type Multi []Committer

// Upsert forwards entry to every committer.
func (m Multi) Upsert(ctx context.Context, entry Entry) error {
	var result *multierror.Error
	for _, c := range m {
		if err := c.Upsert(ctx, entry); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Delete forwards the deletion to every committer.
func (m Multi) Delete(ctx context.Context, reference string) error {
	var result *multierror.Error
	for _, c := range m {
		if err := c.Delete(ctx, reference); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Close closes every committer even when some fail.
func (m Multi) Close(ctx context.Context) error {
	var result *multierror.Error
	for _, c := range m {
		if err := c.Close(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func validateReference(reference string) error {
	if reference == "" {
		return fmt.Errorf("commit: empty reference")
	}
	return nil
}

// Validate rejects entries that cannot be keyed.
func (e Entry) Validate() error {
	return validateReference(e.Reference)
}
