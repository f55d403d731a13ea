// ABOUTME: Lifecycle audit trail: one row per session state transition
// ABOUTME: Append and list operations with JSON detail payloads

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendSessionEvent appends a lifecycle transition to the audit trail.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendSessionEvent(ctx context.Context, e *SessionEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling event detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO session_events (event_id, session_id, from_status, to_status, reason, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.SessionID,
		e.From,
		e.To,
		e.Reason,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting session event: %w", err)
	}

	s.logger.Debug("appended session event",
		"session_id", e.SessionID,
		"from", e.From,
		"to", e.To,
		"reason", e.Reason,
	)
	return nil
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

// ListSessionEvents returns the most recent events for a session, oldest first.
func (s *SQLiteStore) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]*SessionEvent, error) {
	query := `
		SELECT event_id, session_id, from_status, to_status, reason, ts, detail_json
		FROM session_events
		WHERE session_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID, normalizeAuditLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying session events: %w", err)
	}
	defer rows.Close()

	var events []*SessionEvent
	for rows.Next() {
		var (
			e          SessionEvent
			reason     sql.NullString
			ts         string
			detailJSON sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.From, &e.To, &reason, &ts, &detailJSON); err != nil {
			return nil, fmt.Errorf("scanning session event: %w", err)
		}
		e.Reason = reason.String
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = t
		}
		if detailJSON.Valid {
			if err := json.Unmarshal([]byte(detailJSON.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling event detail: %w", err)
			}
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session events: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
