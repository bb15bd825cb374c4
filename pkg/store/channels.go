package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertFederatedChannel inserts a federated channel if absent. The
// federated ID is stable once minted, so an existing row is left as is.
func (s *Store) UpsertFederatedChannel(ch *FederatedChannel) error {
	if ch.FederatedID == "" {
		return errors.New("federated channel id is required")
	}
	if ch.Type == "" {
		ch.Type = "text"
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT INTO federated_channels (
			federated_id, name, type, category, description, origin_server, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(federated_id) DO NOTHING`,
		ch.FederatedID, ch.Name, ch.Type, ch.Category, ch.Description,
		ch.OriginServer, unixMilli(ch.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert federated channel %q: %w", ch.FederatedID, err)
	}
	return nil
}

// UpdateFederatedChannelMeta applies a canonical metadata change from
// the channel's origin server.
func (s *Store) UpdateFederatedChannelMeta(federatedID, name, description string) error {
	res, err := s.db.Exec(
		`UPDATE federated_channels
		SET name = COALESCE(NULLIF(?, ''), name),
			description = COALESCE(NULLIF(?, ''), description)
		WHERE federated_id = ?`,
		name, description, federatedID,
	)
	if err != nil {
		return fmt.Errorf("update federated channel %q: %w", federatedID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetFederatedChannel fetches a federated channel by its stable ID.
func (s *Store) GetFederatedChannel(federatedID string) (*FederatedChannel, error) {
	row := s.db.QueryRow(
		`SELECT federated_id, name, type, category, description, origin_server, created_at
		FROM federated_channels WHERE federated_id = ?`,
		federatedID,
	)

	var (
		ch        FederatedChannel
		createdAt int64
	)
	err := row.Scan(&ch.FederatedID, &ch.Name, &ch.Type, &ch.Category,
		&ch.Description, &ch.OriginServer, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get federated channel %q: %w", federatedID, err)
	}
	ch.CreatedAt = fromUnixMilli(createdAt)
	return &ch, nil
}

// ListFederatedChannelsByOrigin returns channels originated by the
// given server identity.
func (s *Store) ListFederatedChannelsByOrigin(origin string) ([]FederatedChannel, error) {
	rows, err := s.db.Query(
		`SELECT federated_id, name, type, category, description, origin_server, created_at
		FROM federated_channels WHERE origin_server = ? ORDER BY name`,
		origin,
	)
	if err != nil {
		return nil, fmt.Errorf("list federated channels: %w", err)
	}
	defer rows.Close()

	channels := make([]FederatedChannel, 0)
	for rows.Next() {
		var (
			ch        FederatedChannel
			createdAt int64
		)
		if err := rows.Scan(&ch.FederatedID, &ch.Name, &ch.Type, &ch.Category,
			&ch.Description, &ch.OriginServer, &createdAt); err != nil {
			return nil, fmt.Errorf("scan federated channel row: %w", err)
		}
		ch.CreatedAt = fromUnixMilli(createdAt)
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// UpsertChannelServer records a server's participation in a federated
// channel. An existing entry is updated only where the new values are
// meaningful (non-empty local IDs), keeping the call idempotent.
func (s *Store) UpsertChannelServer(cs *ChannelServer) error {
	if cs.FederatedID == "" || cs.PeerIdentity == "" {
		return errors.New("federated id and peer identity are required")
	}

	_, err := s.db.Exec(
		`INSERT INTO federated_channel_servers (
			federated_id, peer_identity, local_channel_id, local_name, sync_enabled
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(federated_id, peer_identity) DO UPDATE SET
			local_channel_id = COALESCE(NULLIF(excluded.local_channel_id, ''), local_channel_id),
			local_name       = COALESCE(NULLIF(excluded.local_name, ''), local_name)`,
		cs.FederatedID, cs.PeerIdentity, cs.LocalChannelID, cs.LocalName,
		boolToInt(cs.SyncEnabled),
	)
	if err != nil {
		return fmt.Errorf("upsert channel server %q/%q: %w", cs.FederatedID, cs.PeerIdentity, err)
	}
	return nil
}

// SetChannelSyncEnabled toggles relaying for one server's copy of a
// federated channel.
func (s *Store) SetChannelSyncEnabled(federatedID, peerIdentity string, enabled bool) error {
	res, err := s.db.Exec(
		`UPDATE federated_channel_servers SET sync_enabled = ?
		WHERE federated_id = ? AND peer_identity = ?`,
		boolToInt(enabled), federatedID, peerIdentity,
	)
	if err != nil {
		return fmt.Errorf("set sync enabled %q/%q: %w", federatedID, peerIdentity, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListChannelServers returns every server carrying the given channel.
func (s *Store) ListChannelServers(federatedID string) ([]ChannelServer, error) {
	rows, err := s.db.Query(
		`SELECT federated_id, peer_identity, local_channel_id, local_name, sync_enabled
		FROM federated_channel_servers WHERE federated_id = ?`,
		federatedID,
	)
	if err != nil {
		return nil, fmt.Errorf("list channel servers: %w", err)
	}
	defer rows.Close()

	servers := make([]ChannelServer, 0)
	for rows.Next() {
		cs, err := scanChannelServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel server row: %w", err)
		}
		servers = append(servers, *cs)
	}
	return servers, rows.Err()
}

// FindChannelServerByLocal resolves which federated channel a server's
// local channel belongs to. Used on the outbound relay path with the
// local server's own identity.
func (s *Store) FindChannelServerByLocal(peerIdentity, localChannelID string) (*ChannelServer, error) {
	row := s.db.QueryRow(
		`SELECT federated_id, peer_identity, local_channel_id, local_name, sync_enabled
		FROM federated_channel_servers
		WHERE peer_identity = ? AND local_channel_id = ?`,
		peerIdentity, localChannelID,
	)

	cs, err := scanChannelServer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find channel server %q/%q: %w", peerIdentity, localChannelID, err)
	}
	return cs, nil
}

func scanChannelServer(row rowScanner) (*ChannelServer, error) {
	var (
		cs      ChannelServer
		enabled int
	)
	if err := row.Scan(&cs.FederatedID, &cs.PeerIdentity, &cs.LocalChannelID,
		&cs.LocalName, &enabled); err != nil {
		return nil, err
	}
	cs.SyncEnabled = enabled != 0
	return &cs, nil
}
