package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/reglet-dev/caphost/internal/domain/capabilities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryBroker(t *testing.T, config map[string]string) Broker {
	t.Helper()
	b, err := NewMemoryBroker(context.Background(), &capabilities.InstanceConfig{
		Type: capabilities.TypeMessaging, Backend: BackendMemory, Name: "bus", Config: config,
	})
	require.NoError(t, err)
	return b
}

func TestMemoryBroker_FanOut(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t, nil)

	first, err := b.Subscribe(ctx, "orders")
	require.NoError(t, err)
	second, err := b.Subscribe(ctx, "orders")
	require.NoError(t, err)
	other, err := b.Subscribe(ctx, "invoices")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "orders", []byte("o-1")))

	for _, sub := range []Subscription{first, second} {
		msg, ok, err := sub.Receive(ctx, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "o-1", string(msg))
	}

	_, ok, err := other.Receive(ctx, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryBroker_ReceiveTimeout(t *testing.T) {
	b := newMemoryBroker(t, nil)
	sub, err := b.Subscribe(context.Background(), "t")
	require.NoError(t, err)

	start := time.Now()
	_, ok, err := sub.Receive(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestMemoryBroker_ReceiveCanceled(t *testing.T) {
	b := newMemoryBroker(t, nil)
	sub, err := b.Subscribe(context.Background(), "t")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = sub.Receive(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryBroker_CloseUnsubscribes(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t, nil)
	sub, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	require.NoError(t, b.Publish(ctx, "t", []byte("x")))

	assert.Empty(t, b.(*MemoryBroker).topics)
}

func TestMemoryBroker_FullBufferDrops(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t, map[string]string{"buffer": "1"})
	sub, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "t", []byte("kept")))
	require.NoError(t, b.Publish(ctx, "t", []byte("dropped")))

	msg, ok, err := sub.Receive(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "kept", string(msg))

	_, ok, _ = sub.Receive(ctx, 0)
	assert.False(t, ok)
}

func TestMemoryBroker_PublishCopiesPayload(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t, nil)
	sub, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)

	payload := []byte("abc")
	require.NoError(t, b.Publish(ctx, "t", payload))
	payload[0] = 'X'

	msg, _, _ := sub.Receive(ctx, 0)
	assert.Equal(t, "abc", string(msg))
}

func TestNewMemoryBroker_InvalidBuffer(t *testing.T) {
	_, err := NewMemoryBroker(context.Background(), &capabilities.InstanceConfig{
		Type: capabilities.TypeMessaging, Name: "bus", Config: map[string]string{"buffer": "lots"},
	})
	assert.Error(t, err)
}
