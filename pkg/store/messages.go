package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// InsertMessageIfAbsent stores a federated message keyed by its derived
// ID. Returns false when a record with the same federated ID already
// exists, which is how both outbound double-relay and inbound
// redelivery are detected.
func (s *Store) InsertMessageIfAbsent(msg *FederatedMessage) (bool, error) {
	if msg.FederatedID == "" {
		return false, errors.New("federated message id is required")
	}
	if msg.StoredAt.IsZero() {
		msg.StoredAt = time.Now()
	}

	author, err := json.Marshal(msg.Author)
	if err != nil {
		return false, fmt.Errorf("encode author snapshot: %w", err)
	}
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return false, fmt.Errorf("encode attachments: %w", err)
	}

	res, err := s.db.Exec(
		`INSERT INTO federated_messages (
			federated_id, origin_server, origin_message_id, federated_channel_id,
			author, content, attachments, created_at, stored_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(federated_id) DO NOTHING`,
		msg.FederatedID, msg.OriginServer, msg.OriginMessageID,
		msg.FederatedChannelID, string(author), msg.Content,
		string(attachments), unixMilli(msg.CreatedAt), unixMilli(msg.StoredAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert federated message %q: %w", msg.FederatedID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert federated message %q: %w", msg.FederatedID, err)
	}
	return n > 0, nil
}

// GetMessage fetches a federated message by its derived ID.
func (s *Store) GetMessage(federatedID string) (*FederatedMessage, error) {
	row := s.db.QueryRow(
		`SELECT federated_id, origin_server, origin_message_id, federated_channel_id,
			author, content, attachments, created_at, stored_at
		FROM federated_messages WHERE federated_id = ?`,
		federatedID,
	)

	var (
		msg         FederatedMessage
		author      string
		attachments string
		createdAt   int64
		storedAt    int64
	)
	err := row.Scan(&msg.FederatedID, &msg.OriginServer, &msg.OriginMessageID,
		&msg.FederatedChannelID, &author, &msg.Content, &attachments,
		&createdAt, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get federated message %q: %w", federatedID, err)
	}

	if err := json.Unmarshal([]byte(author), &msg.Author); err != nil {
		return nil, fmt.Errorf("decode author snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	msg.CreatedAt = fromUnixMilli(createdAt)
	msg.StoredAt = fromUnixMilli(storedAt)

	return &msg, nil
}

// HasMessage reports whether a federated message already exists.
func (s *Store) HasMessage(federatedID string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM federated_messages WHERE federated_id = ?`,
		federatedID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check federated message %q: %w", federatedID, err)
	}
	return n > 0, nil
}

// UpsertDelivery records or advances one peer's delivery state for a
// message. An acked entry is never demoted back to sent.
func (s *Store) UpsertDelivery(federatedID, peerIdentity string, state DeliveryState) error {
	if federatedID == "" || peerIdentity == "" {
		return errors.New("federated id and peer identity are required")
	}

	_, err := s.db.Exec(
		`INSERT INTO message_deliveries (federated_id, peer_identity, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(federated_id, peer_identity) DO UPDATE SET
			state      = CASE WHEN message_deliveries.state = 'acked' THEN 'acked' ELSE excluded.state END,
			updated_at = excluded.updated_at`,
		federatedID, peerIdentity, string(state), nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert delivery %q/%q: %w", federatedID, peerIdentity, err)
	}
	return nil
}

// ListDeliveries returns the per-peer delivery entries for a message.
func (s *Store) ListDeliveries(federatedID string) ([]Delivery, error) {
	rows, err := s.db.Query(
		`SELECT federated_id, peer_identity, state, updated_at
		FROM message_deliveries WHERE federated_id = ?`,
		federatedID,
	)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := make([]Delivery, 0)
	for rows.Next() {
		var (
			d         Delivery
			state     string
			updatedAt int64
		)
		if err := rows.Scan(&d.FederatedID, &d.PeerIdentity, &state, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery row: %w", err)
		}
		d.State = DeliveryState(state)
		d.UpdatedAt = fromUnixMilli(updatedAt)
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

// GetDelivery fetches one peer's delivery entry for a message.
func (s *Store) GetDelivery(federatedID, peerIdentity string) (*Delivery, error) {
	row := s.db.QueryRow(
		`SELECT federated_id, peer_identity, state, updated_at
		FROM message_deliveries WHERE federated_id = ? AND peer_identity = ?`,
		federatedID, peerIdentity,
	)

	var (
		d         Delivery
		state     string
		updatedAt int64
	)
	err := row.Scan(&d.FederatedID, &d.PeerIdentity, &state, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get delivery %q/%q: %w", federatedID, peerIdentity, err)
	}
	d.State = DeliveryState(state)
	d.UpdatedAt = fromUnixMilli(updatedAt)
	return &d, nil
}
