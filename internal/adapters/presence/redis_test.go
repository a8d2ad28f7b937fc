package presence

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/dkeye/Chatline/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceChangedCoalesces(t *testing.T) {
	m := NewRedisMirror(nil, "k", "c")
	m.PresenceChanged([]domain.UserID{"a"})
	m.PresenceChanged([]domain.UserID{"a", "b"})
	m.PresenceChanged([]domain.UserID{"b"})

	require.Len(t, m.updates, 1)
	assert.Equal(t, []domain.UserID{"b"}, <-m.updates)
}

// Requires a reachable Redis, e.g. CHATLINE_TEST_REDIS=localhost:6379.
func TestRedisMirrorWritesSetAndPublishes(t *testing.T) {
	addr := os.Getenv("CHATLINE_TEST_REDIS")
	if addr == "" {
		t.Skip("CHATLINE_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key, channel := "chatline:test:online", "chatline:test:presence"

	sub := client.Subscribe(ctx, channel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	m := NewRedisMirror(client, key, channel)
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = m.Run(runCtx)
		close(done)
	}()

	m.PresenceChanged([]domain.UserID{"x", "y"})
	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var got domain.OnlineUsers
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, []domain.UserID{"x", "y"}, got.UserIDs)

	members, err := client.SMembers(ctx, key).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x", "y"}, members)

	stop()
	<-done
	n, err := client.Exists(ctx, key).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}
