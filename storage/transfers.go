package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"peerlink/nearby"
)

// RecordTransfer archives a finished transfer. Recording the same transfer and
// direction again replaces the earlier row.
func (s *Store) RecordTransfer(summary nearby.TransferSummary) error {
	return s.SaveTransfer(TransferRecord{
		TransferID:       summary.ID,
		Direction:        string(summary.Direction),
		PeerID:           summary.PeerID,
		PeerName:         summary.PeerName,
		ResourceName:     summary.Name,
		TotalBytes:       summary.TotalBytes,
		TransferredBytes: summary.TransferredBytes,
		Status:           string(summary.Status),
		LocalPath:        summary.LocalPath,
		Error:            summary.Error,
		StartedAt:        unixMilli(summary.StartedAt),
		FinishedAt:       unixMilli(summary.FinishedAt),
	})
}

// SaveTransfer upserts one transfer row.
func (s *Store) SaveTransfer(record TransferRecord) error {
	if record.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if record.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if record.ResourceName == "" {
		return errors.New("resource_name is required")
	}
	if err := validateDirection(record.Direction); err != nil {
		return err
	}
	if err := validateTransferStatus(record.Status); err != nil {
		return err
	}
	if record.FinishedAt == 0 {
		record.FinishedAt = nowUnixMilli()
	}
	if record.StartedAt == 0 {
		record.StartedAt = record.FinishedAt
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			direction,
			peer_id,
			peer_name,
			resource_name,
			total_bytes,
			transferred_bytes,
			status,
			local_path,
			error,
			started_at,
			finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id, direction) DO UPDATE SET
			transferred_bytes = excluded.transferred_bytes,
			status = excluded.status,
			local_path = excluded.local_path,
			error = excluded.error,
			finished_at = excluded.finished_at`,
		record.TransferID,
		record.Direction,
		record.PeerID,
		record.PeerName,
		record.ResourceName,
		record.TotalBytes,
		record.TransferredBytes,
		record.Status,
		record.LocalPath,
		record.Error,
		record.StartedAt,
		record.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert transfer %q/%q: %w", record.TransferID, record.Direction, err)
	}
	return nil
}

// GetTransfer fetches one transfer by id and direction.
func (s *Store) GetTransfer(transferID, direction string) (*TransferRecord, error) {
	if transferID == "" {
		return nil, errors.New("transfer_id is required")
	}
	if err := validateDirection(direction); err != nil {
		return nil, err
	}

	row := s.db.QueryRow(
		`SELECT `+transferColumns+`
		FROM transfers
		WHERE transfer_id = ? AND direction = ?`,
		transferID,
		direction,
	)
	record, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q/%q: %w", transferID, direction, err)
	}
	return record, nil
}

// ListTransfers returns the newest transfers first, optionally only those
// with peerID.
func (s *Store) ListTransfers(peerID string, limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + transferColumns + ` FROM transfers`
	args := make([]any, 0, 2)
	if peerID != "" {
		query += " WHERE peer_id = ?"
		args = append(args, peerID)
	}
	query += " ORDER BY finished_at DESC, transfer_id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	records := make([]TransferRecord, 0)
	for rows.Next() {
		record, scanErr := scanTransfer(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan transfer row: %w", scanErr)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return records, nil
}

const transferColumns = `
	transfer_id,
	direction,
	peer_id,
	peer_name,
	resource_name,
	total_bytes,
	transferred_bytes,
	status,
	local_path,
	error,
	started_at,
	finished_at`

func scanTransfer(row scanner) (*TransferRecord, error) {
	var record TransferRecord
	if err := row.Scan(
		&record.TransferID,
		&record.Direction,
		&record.PeerID,
		&record.PeerName,
		&record.ResourceName,
		&record.TotalBytes,
		&record.TransferredBytes,
		&record.Status,
		&record.LocalPath,
		&record.Error,
		&record.StartedAt,
		&record.FinishedAt,
	); err != nil {
		return nil, err
	}
	return &record, nil
}
