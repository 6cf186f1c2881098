package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveMessage inserts one chat line.
func (s *Store) SaveMessage(message ChatMessage) error {
	if message.MessageID == "" {
		return errors.New("message_id is required")
	}
	if message.Namespace == "" {
		return errors.New("namespace is required")
	}
	if message.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if err := validateDirection(message.Direction); err != nil {
		return err
	}
	if message.Mode == "" {
		message.Mode = ModeReliable
	}
	if err := validateMode(message.Mode); err != nil {
		return err
	}
	if message.Timestamp == 0 {
		message.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (
			message_id,
			namespace,
			peer_id,
			peer_name,
			direction,
			content,
			mode,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		message.MessageID,
		message.Namespace,
		message.PeerID,
		message.PeerName,
		message.Direction,
		message.Content,
		message.Mode,
		message.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", message.MessageID, err)
	}
	return nil
}

// GetMessages returns the chat lines of a namespace in timestamp order.
func (s *Store) GetMessages(namespace string, limit, offset int) ([]ChatMessage, error) {
	if namespace == "" {
		return nil, errors.New("namespace is required")
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		`SELECT
			message_id,
			namespace,
			peer_id,
			peer_name,
			direction,
			content,
			mode,
			timestamp
		FROM messages
		WHERE namespace = ?
		ORDER BY timestamp ASC, message_id
		LIMIT ? OFFSET ?`,
		namespace,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for namespace %q: %w", namespace, err)
	}
	defer rows.Close()

	messages := make([]ChatMessage, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

// GetMessageByID fetches one chat line.
func (s *Store) GetMessageByID(messageID string) (*ChatMessage, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	row := s.db.QueryRow(
		`SELECT
			message_id,
			namespace,
			peer_id,
			peer_name,
			direction,
			content,
			mode,
			timestamp
		FROM messages
		WHERE message_id = ?`,
		messageID,
	)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// PruneMessages removes chat lines older than cutoffTimestamp.
func (s *Store) PruneMessages(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}
	res, err := s.db.Exec(`DELETE FROM messages WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for message prune: %w", err)
	}
	return rowsAffected, nil
}

func scanMessage(row scanner) (*ChatMessage, error) {
	var message ChatMessage
	if err := row.Scan(
		&message.MessageID,
		&message.Namespace,
		&message.PeerID,
		&message.PeerName,
		&message.Direction,
		&message.Content,
		&message.Mode,
		&message.Timestamp,
	); err != nil {
		return nil, err
	}
	return &message, nil
}
