package chat

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a real server only when MEDSTAFF_TEST_REDIS_ADDR is exported.
func redisBroker(t *testing.T) *RedisBroker {
	t.Helper()
	addr := os.Getenv("MEDSTAFF_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MEDSTAFF_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis unavailable: %s", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBroker(client, "medstaff:test:"+uuid.NewString()+":")
}

func receive(t *testing.T, stream <-chan Message) Message {
	t.Helper()
	select {
	case m, ok := <-stream:
		require.True(t, ok, "stream closed")
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
	return Message{}
}

func TestRedisBrokerFansOut(t *testing.T) {
	b := redisBroker(t)
	ctx := context.Background()

	first, cancelFirst, err := b.Subscribe(ctx, "t1:c1")
	require.NoError(t, err)
	defer cancelFirst()
	second, cancelSecond, err := b.Subscribe(ctx, "t1:c1")
	require.NoError(t, err)
	defer cancelSecond()
	other, cancelOther, err := b.Subscribe(ctx, "t1:c2")
	require.NoError(t, err)
	defer cancelOther()

	sent := Message{ID: "m1", TenantID: "t1", ConversationID: "c1", SenderID: "u-ana", Body: "Plantão confirmado", CreatedAt: 1_767_000_000_000}
	require.NoError(t, b.Publish(ctx, topicFor(&sent), sent))

	assert.Equal(t, sent, receive(t, first))
	assert.Equal(t, sent, receive(t, second))
	select {
	case m := <-other:
		t.Fatalf("message leaked to another topic: %+v", m)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRedisBrokerClosesStreamOnCancel(t *testing.T) {
	b := redisBroker(t)
	ctx, cancel := context.WithCancel(context.Background())

	stream, unsubscribe, err := b.Subscribe(ctx, "t1:c1")
	require.NoError(t, err)
	defer unsubscribe()
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-stream:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}
