package simple

import (
	"context"
	"testing"
)

func TestPolicyAllows(t *testing.T) {
	t.Parallel()

	p := New()
	if err := p.Wait(context.Background(), "https://example.com"); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if !p.AllowBrowser("job", "https://example.com") {
		t.Fatal("expected AllowBrowser to return true")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Wait(ctx, "https://example.com"); err == nil {
		t.Fatal("expected canceled context to fail")
	}
}
