package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raidline/internal/domain"
)

func setupTestBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	bus, err := NewBus(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })
	return bus, mr
}

func TestNewBusRejectsEmptyInstance(t *testing.T) {
	_, err := NewBus(&redis.Options{Addr: "localhost:6379"}, "")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "instance name cannot be empty")
}

func TestBusPing(t *testing.T) {
	bus, _ := setupTestBus(t)
	assert.NoError(t, bus.Ping(context.Background()))
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	bus, _ := setupTestBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	evt := domain.Event{ID: 7, TS: "2024-01-01T00:00:00Z", Type: "claim.released", EntityKind: "claim", EntityID: "src/a.go", Actor: "c1", Payload: `{"head":"c2"}`}
	require.NoError(t, bus.Publish(ctx, evt))

	select {
	case got := <-sub.Events():
		assert.Equal(t, evt, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	bus, _ := setupTestBus(t)
	sub, err := bus.Subscribe(context.Background())
	require.NoError(t, err)
	sub.Close()
	sub.Close()

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestChannelNameIsNamespaced(t *testing.T) {
	assert.Equal(t, "raidline:prod:events", ChannelName("prod"))
}
