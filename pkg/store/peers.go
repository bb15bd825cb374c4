package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// UpsertPeer inserts or replaces a peer server record keyed by identity.
func (s *Store) UpsertPeer(peer *PeerServer) error {
	if peer.Identity == "" {
		return errors.New("peer identity is required")
	}
	if peer.SharedSecret == "" {
		return errors.New("peer shared secret is required")
	}
	if peer.Status == "" {
		peer.Status = PeerPending
	}
	if peer.TrustLevel == "" {
		peer.TrustLevel = TrustFull
	}
	if peer.CreatedAt.IsZero() {
		peer.CreatedAt = time.Now()
	}

	mappings, err := json.Marshal(peer.Mappings)
	if err != nil {
		return fmt.Errorf("encode channel mappings: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO peer_servers (
			identity, name, http_endpoint, socket_endpoint, shared_secret,
			status, trust_level, is_initiator, last_heartbeat, created_at, channel_mappings
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			name             = excluded.name,
			http_endpoint    = excluded.http_endpoint,
			socket_endpoint  = excluded.socket_endpoint,
			shared_secret    = excluded.shared_secret,
			status           = excluded.status,
			trust_level      = excluded.trust_level,
			is_initiator     = excluded.is_initiator,
			channel_mappings = excluded.channel_mappings`,
		peer.Identity,
		peer.Name,
		peer.HTTPEndpoint,
		peer.SocketEndpoint,
		peer.SharedSecret,
		string(peer.Status),
		string(peer.TrustLevel),
		boolToInt(peer.IsInitiator),
		unixMilli(peer.LastHeartbeat),
		unixMilli(peer.CreatedAt),
		string(mappings),
	)
	if err != nil {
		return fmt.Errorf("upsert peer %q: %w", peer.Identity, err)
	}

	return nil
}

// GetPeer fetches a peer by identity.
func (s *Store) GetPeer(identity string) (*PeerServer, error) {
	row := s.db.QueryRow(
		`SELECT identity, name, http_endpoint, socket_endpoint, shared_secret,
			status, trust_level, is_initiator, last_heartbeat, created_at, channel_mappings
		FROM peer_servers WHERE identity = ?`,
		identity,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", identity, err)
	}
	return peer, nil
}

// ListPeers returns all peer records sorted by name.
func (s *Store) ListPeers() ([]PeerServer, error) {
	return s.queryPeers(
		`SELECT identity, name, http_endpoint, socket_endpoint, shared_secret,
			status, trust_level, is_initiator, last_heartbeat, created_at, channel_mappings
		FROM peer_servers ORDER BY name, identity`,
	)
}

// ListPeersByStatus returns peers in the given status.
func (s *Store) ListPeersByStatus(status PeerStatus) ([]PeerServer, error) {
	return s.queryPeers(
		`SELECT identity, name, http_endpoint, socket_endpoint, shared_secret,
			status, trust_level, is_initiator, last_heartbeat, created_at, channel_mappings
		FROM peer_servers WHERE status = ? ORDER BY name, identity`,
		string(status),
	)
}

// CountPeersByStatus counts peers in the given status.
func (s *Store) CountPeersByStatus(status PeerStatus) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM peer_servers WHERE status = ?`,
		string(status),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count peers: %w", err)
	}
	return n, nil
}

// SetPeerStatus updates a peer's lifecycle status.
func (s *Store) SetPeerStatus(identity string, status PeerStatus) error {
	res, err := s.db.Exec(
		`UPDATE peer_servers SET status = ? WHERE identity = ?`,
		string(status), identity,
	)
	if err != nil {
		return fmt.Errorf("set peer %q status: %w", identity, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordPeerHeartbeat updates a peer's last-heartbeat timestamp.
func (s *Store) RecordPeerHeartbeat(identity string, at time.Time) error {
	res, err := s.db.Exec(
		`UPDATE peer_servers SET last_heartbeat = ? WHERE identity = ?`,
		unixMilli(at), identity,
	)
	if err != nil {
		return fmt.Errorf("record heartbeat for %q: %w", identity, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePeer removes a peer and every reference to it: its entries in
// federated channel server lists and its delivery records. Used by
// "remove federation"; plain disconnects keep the record.
func (s *Store) DeletePeer(identity string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete peer: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(
		`DELETE FROM federated_channel_servers WHERE peer_identity = ?`, identity,
	); err != nil {
		return fmt.Errorf("strip peer %q from channel servers: %w", identity, err)
	}
	if _, err := tx.Exec(
		`DELETE FROM message_deliveries WHERE peer_identity = ?`, identity,
	); err != nil {
		return fmt.Errorf("delete peer %q deliveries: %w", identity, err)
	}
	res, err := tx.Exec(`DELETE FROM peer_servers WHERE identity = ?`, identity)
	if err != nil {
		return fmt.Errorf("delete peer %q: %w", identity, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete peer: %w", err)
	}
	return nil
}

func (s *Store) queryPeers(query string, args ...interface{}) ([]PeerServer, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query peers: %w", err)
	}
	defer rows.Close()

	peers := make([]PeerServer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}
	return peers, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPeer(row rowScanner) (*PeerServer, error) {
	var (
		peer          PeerServer
		status        string
		trust         string
		isInitiator   int
		lastHeartbeat sql.NullInt64
		createdAt     int64
		mappings      string
	)

	if err := row.Scan(
		&peer.Identity, &peer.Name, &peer.HTTPEndpoint, &peer.SocketEndpoint,
		&peer.SharedSecret, &status, &trust, &isInitiator,
		&lastHeartbeat, &createdAt, &mappings,
	); err != nil {
		return nil, err
	}

	peer.Status = PeerStatus(status)
	peer.TrustLevel = TrustLevel(trust)
	peer.IsInitiator = isInitiator != 0
	if lastHeartbeat.Valid {
		peer.LastHeartbeat = fromUnixMilli(lastHeartbeat.Int64)
	}
	peer.CreatedAt = fromUnixMilli(createdAt)

	if err := json.Unmarshal([]byte(mappings), &peer.Mappings); err != nil {
		return nil, fmt.Errorf("decode channel mappings: %w", err)
	}

	return &peer, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
