// Package simple contains a permissive policy used when rate limiting is off.
package simple

import (
	"context"
	"fmt"
)

// Policy never delays and always allows the browser.
type Policy struct{}

// New creates a new Policy.
func New() *Policy {
	return &Policy{}
}

// Wait returns immediately unless ctx is already done.
func (Policy) Wait(ctx context.Context, _ string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("policy wait: %w", err)
	}
	return nil
}

// AllowBrowser always returns true.
func (Policy) AllowBrowser(_ string, _ string) bool {
	return true
}
