package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/nidhogg/nuka-delegate/internal/delegation"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func ev(t delegation.EventType, d time.Duration) *delegation.Event {
	return &delegation.Event{Type: t, DelegationID: "d1", From: "coordinator", To: "reviewer", Duration: d}
}

func TestCollectorCountsLifecycle(t *testing.T) {
	c := NewCollector("test", zap.NewNop())
	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, ev(delegation.EventStarted, 0)))
	require.NoError(t, c.Publish(ctx, ev(delegation.EventStarted, 0)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.inFlight))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.delegationsStarted.WithLabelValues("coordinator", "reviewer")))

	require.NoError(t, c.Publish(ctx, ev(delegation.EventCompleted, 2*time.Second)))
	require.NoError(t, c.Publish(ctx, ev(delegation.EventTimeout, 5*time.Minute)))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.inFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.delegationsSettled.WithLabelValues("coordinator", "reviewer", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.delegationsSettled.WithLabelValues("coordinator", "reviewer", "timeout")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.delegationDuration))
}

func TestOutcomeLabels(t *testing.T) {
	assert.Equal(t, "completed", outcomeLabel(delegation.EventCompleted))
	assert.Equal(t, "cancelled", outcomeLabel(delegation.EventCancelled))
	assert.Equal(t, "timeout", outcomeLabel(delegation.EventTimeout))
	assert.Equal(t, "failed", outcomeLabel(delegation.EventFailed))
}

func TestRecordCleanup(t *testing.T) {
	c := NewCollector("test", nil)
	c.RecordCleanup(delegation.CleanupStats{Orphaned: 1, ExpiredReports: 2, Conversations: 3})
	c.RecordCleanup(delegation.CleanupStats{Conversations: 1})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.cleanupRemoved.WithLabelValues("orphaned")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cleanupRemoved.WithLabelValues("report")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.cleanupRemoved.WithLabelValues("conversation")))
}

func TestSeparateRegistries(t *testing.T) {
	// two collectors with the same namespace must not collide
	a := NewCollector("dup", nil)
	b := NewCollector("dup", nil)
	require.NoError(t, a.Publish(context.Background(), ev(delegation.EventStarted, 0)))

	families, err := a.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.inFlight))
}

func TestCollectorAsEngineSink(t *testing.T) {
	c := NewCollector("engine", nil)
	var sink delegation.EventSink = c
	require.NoError(t, sink.Publish(context.Background(), ev(delegation.EventStarted, 0)))
	require.NoError(t, sink.Publish(context.Background(), ev(delegation.EventFailed, time.Second)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.delegationsSettled.WithLabelValues("coordinator", "reviewer", "failed")))
}
