// Package memory keeps committed entries in process memory for tests and
// dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/webimporter/internal/committer"
)

// Committer stores the latest entry per reference.
type Committer struct {
	mu      sync.RWMutex
	entries map[string]committer.Entry
	deleted []string
	closed  bool
}

// New returns an empty Committer.
func New() *Committer {
	return &Committer{entries: make(map[string]committer.Entry)}
}

// Upsert records entry, replacing any previous one with the same reference.
func (c *Committer) Upsert(_ context.Context, entry committer.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("memory committer closed")
	}
	c.entries[entry.Reference] = entry
	return nil
}

// Delete removes reference.
func (c *Committer) Delete(_ context.Context, reference string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("memory committer closed")
	}
	delete(c.entries, reference)
	c.deleted = append(c.deleted, reference)
	return nil
}

// Close marks the committer closed.
func (c *Committer) Close(context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Get returns the entry stored for reference.
func (c *Committer) Get(reference string) (committer.Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[reference]
	return e, ok
}

// References lists stored references in sorted order.
func (c *Committer) References() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for ref := range c.entries {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}

// Deleted returns the references passed to Delete, in call order.
func (c *Committer) Deleted() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.deleted))
	copy(out, c.deleted)
	return out
}
