// Package store persists federation state in SQLite: peer servers,
// federation requests, federated channels and relayed messages. All
// writes are atomic upserts keyed by natural identity so concurrent or
// duplicate delivery cannot corrupt state.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDBFileName is the SQLite filename under the data directory.
const DefaultDBFileName = "federation.db"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStatusConflict is returned when a compare-and-set transition
	// finds the record no longer in the expected state.
	ErrStatusConflict = errors.New("record status changed concurrently")
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS peer_servers (
  identity         TEXT PRIMARY KEY,
  name             TEXT NOT NULL,
  http_endpoint    TEXT NOT NULL,
  socket_endpoint  TEXT NOT NULL,
  shared_secret    TEXT NOT NULL,
  status           TEXT NOT NULL CHECK(status IN ('pending','active','suspended','disconnected')),
  trust_level      TEXT NOT NULL CHECK(trust_level IN ('full','limited','minimal')) DEFAULT 'full',
  is_initiator     INTEGER NOT NULL DEFAULT 0,
  last_heartbeat   INTEGER,
  created_at       INTEGER NOT NULL,
  channel_mappings TEXT NOT NULL DEFAULT '[]'
);
`,
	`
CREATE TABLE IF NOT EXISTS federation_requests (
  id                 TEXT PRIMARY KEY,
  direction          TEXT NOT NULL CHECK(direction IN ('outbound','inbound')),
  requester_identity TEXT NOT NULL,
  requester_name     TEXT NOT NULL DEFAULT '',
  requester_http     TEXT NOT NULL DEFAULT '',
  requester_socket   TEXT NOT NULL DEFAULT '',
  target_identity    TEXT NOT NULL,
  proposed_secret    TEXT NOT NULL,
  conflicts          TEXT NOT NULL DEFAULT '[]',
  requester_users    INTEGER NOT NULL DEFAULT 0,
  requester_channels INTEGER NOT NULL DEFAULT 0,
  status             TEXT NOT NULL CHECK(status IN ('pending','approved','rejected','expired')),
  reason             TEXT NOT NULL DEFAULT '',
  reviewed_by        TEXT NOT NULL DEFAULT '',
  review_notes       TEXT NOT NULL DEFAULT '',
  created_at         INTEGER NOT NULL,
  expires_at         INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_federation_requests_status
ON federation_requests (status, created_at);
`,
	`
CREATE TABLE IF NOT EXISTS federated_channels (
  federated_id  TEXT PRIMARY KEY,
  name          TEXT NOT NULL,
  type          TEXT NOT NULL DEFAULT 'text',
  category      TEXT NOT NULL DEFAULT '',
  description   TEXT NOT NULL DEFAULT '',
  origin_server TEXT NOT NULL,
  created_at    INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS federated_channel_servers (
  federated_id     TEXT NOT NULL REFERENCES federated_channels(federated_id) ON DELETE CASCADE,
  peer_identity    TEXT NOT NULL,
  local_channel_id TEXT NOT NULL DEFAULT '',
  local_name       TEXT NOT NULL DEFAULT '',
  sync_enabled     INTEGER NOT NULL DEFAULT 1,
  PRIMARY KEY (federated_id, peer_identity)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_channel_servers_peer
ON federated_channel_servers (peer_identity, local_channel_id);
`,
	`
CREATE TABLE IF NOT EXISTS federated_messages (
  federated_id         TEXT PRIMARY KEY,
  origin_server        TEXT NOT NULL,
  origin_message_id    TEXT NOT NULL,
  federated_channel_id TEXT NOT NULL,
  author               TEXT NOT NULL,
  content              TEXT NOT NULL,
  attachments          TEXT NOT NULL DEFAULT '[]',
  created_at           INTEGER NOT NULL,
  stored_at            INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS message_deliveries (
  federated_id  TEXT NOT NULL REFERENCES federated_messages(federated_id) ON DELETE CASCADE,
  peer_identity TEXT NOT NULL,
  state         TEXT NOT NULL CHECK(state IN ('sent','acked','failed')),
  updated_at    INTEGER NOT NULL,
  PRIMARY KEY (federated_id, peer_identity)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_channel_time
ON federated_messages (federated_channel_id, created_at);
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db        *sql.DB
	closeOnce sync.Once
}

// Open opens (or creates) the federation database under dataDir and
// runs schema migrations.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, DefaultDBFileName))
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	s := &Store{db: db}
	if err := s.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
