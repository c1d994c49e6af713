package memory

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "path/page.html", "text/html", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://path/page.html" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'
	stored, ok := store.Get("path/page.html")
	if !ok || string(stored) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}
	stored[0] = 'X'
	again, _ := store.Get("path/page.html")
	if string(again) != "content" {
		t.Fatalf("Get() leaked internal slice, got %q", again)
	}
}

func TestBlobStoreDeleteObject(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	for _, p := range []string{"b", "a"} {
		if _, err := store.PutObject(ctx, p, "", strings.NewReader(p)); err != nil {
			t.Fatalf("PutObject() error = %v", err)
		}
	}
	if got := store.Paths(); len(got) != 2 || got[0] != "a" {
		t.Fatalf("unexpected paths %v", got)
	}
	if err := store.DeleteObject(ctx, "a"); err != nil {
		t.Fatalf("DeleteObject() error = %v", err)
	}
	if err := store.DeleteObject(ctx, "missing"); err != nil {
		t.Fatalf("DeleteObject(missing) error = %v", err)
	}
	if _, ok := store.Get("a"); ok {
		t.Fatal("expected object to be deleted")
	}
}
