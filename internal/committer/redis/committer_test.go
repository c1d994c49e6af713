package redis

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webimporter/internal/committer"
)

func TestCommitterAppendsToStream(t *testing.T) {
	t.Parallel()

	s := miniredis.RunT(t)
	ctx := context.Background()

	c, err := New(ctx, Config{Address: s.Addr(), Stream: "imports"})
	require.NoError(t, err)

	require.NoError(t, c.Upsert(ctx, committer.Entry{Reference: "https://example.com", Content: "hello"}))
	require.NoError(t, c.Delete(ctx, "https://example.com/gone"))
	require.NoError(t, c.Close(ctx))

	reader := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer reader.Close()
	msgs, err := reader.XRange(ctx, "imports", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.Equal(t, "upsert", msgs[0].Values["operation"])
	var got committer.Entry
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["entry"].(string)), &got))
	require.Equal(t, "hello", got.Content)

	require.Equal(t, "delete", msgs[1].Values["operation"])
	require.Equal(t, "https://example.com/gone", msgs[1].Values["reference"])
}

func TestNewFailsWithoutServer(t *testing.T) {
	t.Parallel()

	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()

	_, err := New(context.Background(), Config{Address: addr, Stream: "imports"})
	require.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{Stream: "x"})
	require.Error(t, err)
}
