package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SetEventRetention configures the automatic session-event pruning horizon.
func (s *Store) SetEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	s.eventRetention = retention
}

// LogSessionEvent inserts a structured session event and applies retention pruning.
func (s *Store) LogSessionEvent(event SessionEvent) error {
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = EventSeverityInfo
	}
	if err := validateEventSeverity(event.Severity); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	var peerID *string
	if event.PeerID != nil {
		trimmed := strings.TrimSpace(*event.PeerID)
		if trimmed != "" {
			peerID = &trimmed
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO session_events (
			event_type,
			peer_id,
			details,
			severity,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		event.EventType,
		nullString(peerID),
		event.Details,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert session event %q: %w", event.EventType, err)
	}

	if s.eventRetention > 0 {
		cutoff := time.Now().Add(-s.eventRetention).UnixMilli()
		if _, err := s.PruneSessionEvents(cutoff); err != nil {
			return fmt.Errorf("prune session events: %w", err)
		}
	}
	return nil
}

// LogEvent is LogSessionEvent with details marshalled from a map.
func (s *Store) LogEvent(eventType, peerID, severity string, details map[string]any) error {
	encoded, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode event details: %w", err)
	}
	event := SessionEvent{EventType: eventType, Details: string(encoded), Severity: severity}
	if peerID != "" {
		event.PeerID = &peerID
	}
	return s.LogSessionEvent(event)
}

// GetSessionEvents returns recent session events with optional filtering.
func (s *Store) GetSessionEvents(filter SessionEventFilter) ([]SessionEvent, error) {
	if filter.Severity != "" {
		if err := validateEventSeverity(filter.Severity); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		event_type,
		peer_id,
		details,
		severity,
		timestamp
	FROM session_events`)

	where := make([]string, 0, 4)
	args := make([]any, 0, 6)
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.PeerID != "" {
		where = append(where, "peer_id = ?")
		args = append(args, filter.PeerID)
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get session events: %w", err)
	}
	defer rows.Close()

	events := make([]SessionEvent, 0)
	for rows.Next() {
		event, err := scanSessionEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session event rows: %w", err)
	}
	return events, nil
}

// PruneSessionEvents removes session events older than cutoffTimestamp.
func (s *Store) PruneSessionEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM session_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune session events: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for session event prune: %w", err)
	}
	return rowsAffected, nil
}

func scanSessionEvent(row scanner) (*SessionEvent, error) {
	var (
		event  SessionEvent
		peerID sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&peerID,
		&event.Details,
		&event.Severity,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}
	event.PeerID = stringPtr(peerID)
	return &event, nil
}
