package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"peerlink/nearby"
)

// RecordSighting archives one discovery observation. The first sighting of a
// peer creates its row; later ones refresh name, addresses and last_seen and
// bump the counter.
func (s *Store) RecordSighting(sighting nearby.Sighting) error {
	if sighting.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if sighting.Namespace == "" {
		return errors.New("namespace is required")
	}
	seenAt := unixMilli(sighting.SeenAt)
	if seenAt == 0 {
		seenAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (
			peer_id,
			display_name,
			namespace,
			last_addresses,
			first_seen,
			last_seen,
			sightings
		) VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(peer_id) DO UPDATE SET
			display_name = excluded.display_name,
			namespace = excluded.namespace,
			last_addresses = excluded.last_addresses,
			last_seen = MAX(peers.last_seen, excluded.last_seen),
			sightings = peers.sightings + 1`,
		sighting.PeerID,
		sighting.DisplayName,
		sighting.Namespace,
		strings.Join(sighting.Addresses, ","),
		seenAt,
		seenAt,
	)
	if err != nil {
		return fmt.Errorf("record sighting of %q: %w", sighting.PeerID, err)
	}
	return nil
}

// GetPeer fetches the sighting history of one peer.
func (s *Store) GetPeer(peerID string) (*PeerSighting, error) {
	row := s.db.QueryRow(
		`SELECT `+peerColumns+`
		FROM peers
		WHERE peer_id = ?`,
		peerID,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", peerID, err)
	}
	return peer, nil
}

// ListPeers returns every archived peer, most recently seen first. An empty
// namespace lists all namespaces.
func (s *Store) ListPeers(namespace string) ([]PeerSighting, error) {
	query := `SELECT ` + peerColumns + ` FROM peers`
	args := make([]any, 0, 1)
	if namespace != "" {
		query += " WHERE namespace = ?"
		args = append(args, namespace)
	}
	query += " ORDER BY last_seen DESC, peer_id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]PeerSighting, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}
	return peers, nil
}

// RemovePeer deletes one peer row.
func (s *Store) RemovePeer(peerID string) error {
	res, err := s.db.Exec(`DELETE FROM peers WHERE peer_id = ?`, peerID)
	if err != nil {
		return fmt.Errorf("delete peer %q: %w", peerID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for peer delete %q: %w", peerID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

const peerColumns = `
	peer_id,
	display_name,
	namespace,
	last_addresses,
	first_seen,
	last_seen,
	sightings`

func scanPeer(row scanner) (*PeerSighting, error) {
	var (
		peer      PeerSighting
		addresses string
	)
	if err := row.Scan(
		&peer.PeerID,
		&peer.DisplayName,
		&peer.Namespace,
		&addresses,
		&peer.FirstSeen,
		&peer.LastSeen,
		&peer.Sightings,
	); err != nil {
		return nil, err
	}
	if addresses != "" {
		peer.LastAddresses = strings.Split(addresses, ",")
	}
	return &peer, nil
}
