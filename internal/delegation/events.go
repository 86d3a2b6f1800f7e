package delegation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// EventType names a delegation lifecycle event.
type EventType string

const (
	EventStarted   EventType = "delegation.started"
	EventCompleted EventType = "delegation.completed"
	EventFailed    EventType = "delegation.failed"
	EventTimeout   EventType = "delegation.timeout"
	EventCancelled EventType = "delegation.cancelled"
)

// Event describes one lifecycle step of a delegation.
type Event struct {
	Type           EventType     `json:"type"`
	DelegationID   string        `json:"delegation_id"`
	ConversationID string        `json:"conversation_id"`
	From           string        `json:"from"`
	To             string        `json:"to"`
	Work           string        `json:"work,omitempty"`
	Report         string        `json:"report,omitempty"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"duration"`
	Timestamp      time.Time     `json:"timestamp"`
}

// Settled reports whether the event ends a delegation.
func (ev *Event) Settled() bool { return ev.Type != EventStarted }

// EventSink receives lifecycle events. Errors are logged by the engine and
// never reach delegation callers.
type EventSink interface {
	Publish(ctx context.Context, ev *Event) error
}

// AddSink registers a sink for lifecycle events.
func (e *Engine) AddSink(s EventSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, s)
}

func (e *Engine) emit(ev *Event) {
	e.mu.Lock()
	sinks := append([]EventSink(nil), e.sinks...)
	e.mu.Unlock()
	if len(sinks) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.opts.SinkTimeout)
	defer cancel()
	for _, s := range sinks {
		if err := s.Publish(ctx, ev); err != nil {
			e.logger.Warn("event sink failed",
				zap.String("event", string(ev.Type)),
				zap.String("delegation", ev.DelegationID),
				zap.Error(err))
		}
	}
}

// emitAsync publishes ev on its own goroutine. Settlement happens inside
// report_out calls and timer callbacks, which must not wait on sinks.
func (e *Engine) emitAsync(ev *Event) {
	e.deliveries.Go(func() { e.emit(ev) })
}

func eventTypeFor(err error) EventType {
	switch {
	case err == nil:
		return EventCompleted
	case errors.Is(err, ErrTimeout):
		return EventTimeout
	case errors.Is(err, ErrCancelled):
		return EventCancelled
	default:
		return EventFailed
	}
}
