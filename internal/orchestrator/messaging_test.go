package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nidhogg/nuka-delegate/internal/delegation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestBus(t *testing.T) (*miniredis.Miniredis, *MessageBus) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	bus, err := NewMessageBus("redis://"+mr.Addr()+"/0", "", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })
	return mr, bus
}

func event(typ delegation.EventType, id string) *delegation.Event {
	return &delegation.Event{
		Type:           typ,
		DelegationID:   id,
		ConversationID: "conv-" + id,
		From:           "coordinator",
		To:             "reviewer",
		Work:           "review",
		Timestamp:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPublishAndRecent(t *testing.T) {
	mr, bus := setupTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, event(delegation.EventStarted, "d1")))
	done := event(delegation.EventCompleted, "d1")
	done.Report = "lgtm"
	done.Duration = 3 * time.Second
	require.NoError(t, bus.Publish(ctx, done))

	entries, err := mr.Stream(DefaultStream)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	recent, err := bus.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, delegation.EventCompleted, recent[0].Type)
	assert.Equal(t, "lgtm", recent[0].Report)
	assert.Equal(t, 3*time.Second, recent[0].Duration)
	assert.Equal(t, delegation.EventStarted, recent[1].Type)
}

func TestSubscribeFromStart(t *testing.T) {
	_, bus := setupTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Publish(ctx, event(delegation.EventStarted, "d1")))
	require.NoError(t, bus.Publish(ctx, event(delegation.EventTimeout, "d1")))

	ch := bus.Subscribe(ctx, "0")
	var got []delegation.EventType
	for len(got) < 2 {
		select {
		case ev := <-ch:
			got = append(got, ev.Type)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, []delegation.EventType{delegation.EventStarted, delegation.EventTimeout}, got)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPublishFailsWhenRedisDown(t *testing.T) {
	mr, bus := setupTestBus(t)
	mr.Close()

	err := bus.Publish(context.Background(), event(delegation.EventStarted, "d1"))
	assert.Error(t, err)
}

func TestNewMessageBusRejectsBadURL(t *testing.T) {
	_, err := NewMessageBus("not a url", "", nil)
	assert.Error(t, err)
}
