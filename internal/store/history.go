package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/nuka-delegate/internal/delegation"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a delegation has no history row.
var ErrNotFound = errors.New("delegation not found")

// Status values stored in delegations.status.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
)

// Record is one row of delegation history.
type Record struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	FromAgent      string        `json:"from_agent"`
	ToAgent        string        `json:"to_agent"`
	Work           string        `json:"work"`
	Status         string        `json:"status"`
	Report         string        `json:"report,omitempty"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"duration"`
	StartedAt      time.Time     `json:"started_at"`
	SettledAt      *time.Time    `json:"settled_at,omitempty"`
}

func statusFor(t delegation.EventType) string {
	switch t {
	case delegation.EventStarted:
		return StatusPending
	case delegation.EventCompleted:
		return StatusCompleted
	case delegation.EventTimeout:
		return StatusTimeout
	case delegation.EventCancelled:
		return StatusCancelled
	default:
		return StatusFailed
	}
}

// Publish records ev. It implements delegation.EventSink. History is an
// audit trail; nothing reads it back into the engine.
func (s *Store) Publish(ctx context.Context, ev *delegation.Event) error {
	if !ev.Settled() {
		_, err := s.db.Exec(ctx, `
			INSERT INTO delegations (id, conversation_id, from_agent, to_agent, work, status, started_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING`,
			ev.DelegationID, ev.ConversationID, ev.From, ev.To, ev.Work, StatusPending, ev.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("record delegation start: %w", err)
		}
		return nil
	}

	// the start row may be missing if the store came up mid-flight
	_, err := s.db.Exec(ctx, `
		INSERT INTO delegations (id, conversation_id, from_agent, to_agent, work, status, report, error, duration_ms, started_at, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			report = EXCLUDED.report,
			error = EXCLUDED.error,
			duration_ms = EXCLUDED.duration_ms,
			settled_at = EXCLUDED.settled_at`,
		ev.DelegationID, ev.ConversationID, ev.From, ev.To, ev.Work, statusFor(ev.Type),
		ev.Report, ev.Error, ev.Duration.Milliseconds(), ev.Timestamp.Add(-ev.Duration), ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("record delegation outcome: %w", err)
	}
	s.logger.Debug("delegation recorded",
		zap.String("delegation", ev.DelegationID),
		zap.String("status", statusFor(ev.Type)))
	return nil
}

const recordColumns = `id, conversation_id, from_agent, to_agent, work, status, report, error, duration_ms, started_at, settled_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	var ms int64
	if err := row.Scan(&r.ID, &r.ConversationID, &r.FromAgent, &r.ToAgent, &r.Work,
		&r.Status, &r.Report, &r.Error, &ms, &r.StartedAt, &r.SettledAt); err != nil {
		return nil, err
	}
	r.Duration = time.Duration(ms) * time.Millisecond
	return &r, nil
}

// Get returns the history row of one delegation.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	r, err := scanRecord(s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM delegations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get delegation: %w", err)
	}
	return r, nil
}

// History returns recent delegations, newest first, optionally filtered by
// source agent.
func (s *Store) History(ctx context.Context, fromAgent string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+recordColumns+`
		FROM delegations
		WHERE $1 = '' OR from_agent = $1
		ORDER BY started_at DESC
		LIMIT $2`, fromAgent, limit)
	if err != nil {
		return nil, fmt.Errorf("list delegations: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delegation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
