package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/webimporter/internal/committer"
)

func TestCommitterPublishes(t *testing.T) {
	ctx := context.Background()

	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer client.Close()

	topic, err := client.CreateTopic(ctx, "documents")
	require.NoError(t, err)

	c := NewWithTopic(topic)
	require.NoError(t, c.Upsert(ctx, committer.Entry{Reference: "https://example.com", Content: "hello"}))
	require.NoError(t, c.Delete(ctx, "https://example.com/old"))
	require.NoError(t, c.Close(ctx))

	msgs := srv.Messages()
	require.Len(t, msgs, 2)

	byOp := map[string]*pstest.Message{}
	for _, m := range msgs {
		byOp[m.Attributes[AttrOperation]] = m
	}
	require.Contains(t, byOp, "upsert")
	require.Contains(t, byOp, "delete")

	var got committer.Entry
	require.NoError(t, json.Unmarshal(byOp["upsert"].Data, &got))
	require.Equal(t, "hello", got.Content)
	require.Equal(t, "https://example.com/old", byOp["delete"].Attributes[AttrReference])

	require.Error(t, NewWithTopic(topic).Upsert(ctx, committer.Entry{}))
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestCarrier(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc")
	require.Equal(t, "00-abc", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}
