// Package bleve indexes committed entries into a local bleve full-text
// index, keyed by reference.
package bleve

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/blevesearch/bleve"

	"github.com/JakeFAU/webimporter/internal/committer"
)

// Config selects the index location. An empty Path keeps the index in
// memory.
type Config struct {
	Path string `mapstructure:"path"`
}

type bleveDoc struct {
	Reference   string
	ContentType string
	Title       string
	Content     string
	Keywords    string
}

// Committer writes to a bleve index.
type Committer struct {
	idx bleve.Index
}

// New opens the index at cfg.Path, creating it when absent.
func New(cfg Config) (*Committer, error) {
	if cfg.Path == "" {
		idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create memory index: %w", err)
		}
		return &Committer{idx: idx}, nil
	}
	if _, err := os.Stat(cfg.Path); err == nil {
		idx, err := bleve.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open index %s: %w", cfg.Path, err)
		}
		return &Committer{idx: idx}, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat index %s: %w", cfg.Path, err)
	}
	idx, err := bleve.New(cfg.Path, bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create index %s: %w", cfg.Path, err)
	}
	return &Committer{idx: idx}, nil
}

// Upsert indexes entry under its reference.
func (c *Committer) Upsert(_ context.Context, entry committer.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	d := bleveDoc{
		Reference:   entry.Reference,
		ContentType: entry.ContentType,
		Title:       first(entry.Metadata, "title"),
		Content:     entry.Content,
		Keywords:    strings.Join(entry.Metadata["keywords"], " "),
	}
	if err := c.idx.Index(entry.Reference, d); err != nil {
		return fmt.Errorf("index %s: %w", entry.Reference, err)
	}
	return nil
}

// Delete drops reference from the index.
func (c *Committer) Delete(_ context.Context, reference string) error {
	if err := c.idx.Delete(reference); err != nil {
		return fmt.Errorf("delete %s: %w", reference, err)
	}
	return nil
}

// Close closes the index.
func (c *Committer) Close(context.Context) error {
	if err := c.idx.Close(); err != nil {
		return fmt.Errorf("close index: %w", err)
	}
	return nil
}

// Search returns the references matching a match query, best first.
func (c *Committer) Search(text string, size int) ([]string, error) {
	req := bleve.NewSearchRequest(bleve.NewMatchQuery(text))
	if size > 0 {
		req.Size = size
	}
	res, err := c.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	out := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		out = append(out, hit.ID)
	}
	return out, nil
}

// Count reports the number of indexed documents.
func (c *Committer) Count() (uint64, error) {
	n, err := c.idx.DocCount()
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func first(md map[string][]string, key string) string {
	for k, v := range md {
		if strings.EqualFold(k, key) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}
