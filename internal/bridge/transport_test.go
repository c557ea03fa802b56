package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func receive(t *testing.T, sub Subscription) []byte {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestRedisTransport_PublishSubscribe(t *testing.T) {
	_, client := setupRedis(t)
	tr := NewRedisTransport(client)
	ctx := context.Background()

	sub, err := tr.Subscribe(ctx, "chan-a")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(ctx, "chan-a", []byte{0xa1, 0x01, 0x02}))
	assert.Equal(t, []byte{0xa1, 0x01, 0x02}, receive(t, sub))
}

func TestRedisTransport_CloseEndsMessages(t *testing.T) {
	_, client := setupRedis(t)
	tr := NewRedisTransport(client)

	sub, err := tr.Subscribe(context.Background(), "chan-b")
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	assert.NoError(t, sub.Close(), "second close is a no-op")

	select {
	case _, ok := <-sub.Messages():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("messages channel not closed")
	}
}

func TestDial(t *testing.T) {
	mr, _ := setupRedis(t)

	client, err := Dial(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer client.Close()

	_, err = Dial(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestRedisTransport_RoundTrip(t *testing.T) {
	_, client := setupRedis(t)
	tr := NewRedisTransport(client)
	r := newTestRequester(t, tr, 2, 2*time.Second)
	requests := collectRequests(t, tr)

	done := make(chan error, 1)
	var got string
	go func() { done <- r.Transaction(context.Background(), TaskUserState, []any{"42"}, &got) }()

	select {
	case req := <-requests:
		assert.Equal(t, TaskUserState, req.Task)
		reply(t, tr, req.ID, "user-42")
	case <-time.After(2 * time.Second):
		t.Fatal("request not received")
	}
	require.NoError(t, <-done)
	assert.Equal(t, "user-42", got)
}

func TestMemoryTransport(t *testing.T) {
	tr := NewMemoryTransport()
	ctx := context.Background()

	require.NoError(t, tr.Publish(ctx, "x", []byte("lost")))

	a, err := tr.Subscribe(ctx, "x")
	require.NoError(t, err)
	b, err := tr.Subscribe(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Subscribers("x"))

	payload := []byte("hello")
	require.NoError(t, tr.Publish(ctx, "x", payload))
	payload[0] = 'j'
	assert.Equal(t, "hello", string(receive(t, a)))
	assert.Equal(t, "hello", string(receive(t, b)))

	require.NoError(t, a.Close())
	assert.Equal(t, 1, tr.Subscribers("x"))
	_, ok := <-a.Messages()
	assert.False(t, ok)
	require.NoError(t, a.Close())
}
