// Package identity owns this server's federation identity and the
// cryptographic primitives the federation protocol is built on: HMAC
// request tokens and deterministic derivation of federated IDs.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	// IdentityPrefix namespaces server identities in federation traffic.
	IdentityPrefix = "srv_"

	identityFileName = "server_identity"
	identityBytes    = 16 // 128 bits of entropy
)

var ErrInvalidIdentity = errors.New("invalid server identity")

// Manager persists the local server identity under the data directory.
// The identity is generated once at first run and never regenerated
// while the data directory survives.
type Manager struct {
	dataDir string
	logger  *zap.Logger

	mu     sync.Mutex
	cached string
}

// NewManager creates an identity manager rooted at dataDir.
func NewManager(dataDir string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{dataDir: dataDir, logger: logger}
}

// GetOrCreate returns the persisted server identity, generating and
// durably writing a new one if none exists. Concurrent first runs are
// resolved by write-once-if-absent semantics: the loser of the create
// race reads back the winner's identity.
func (m *Manager) GetOrCreate() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != "" {
		return m.cached, nil
	}

	path := filepath.Join(m.dataDir, identityFileName)

	if id, err := readIdentityFile(path); err == nil {
		m.cached = id
		return id, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read server identity: %w", err)
	}

	if err := os.MkdirAll(m.dataDir, 0o700); err != nil {
		return "", fmt.Errorf("create data directory: %w", err)
	}

	id, err := generateIdentity()
	if err != nil {
		return "", err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			// Lost the first-run race; adopt the winner's identity.
			existing, readErr := readIdentityFile(path)
			if readErr != nil {
				return "", fmt.Errorf("read server identity after create race: %w", readErr)
			}
			m.cached = existing
			return existing, nil
		}
		return "", fmt.Errorf("create server identity file: %w", err)
	}

	if _, err := f.WriteString(id + "\n"); err != nil {
		f.Close()
		return "", fmt.Errorf("write server identity: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("sync server identity: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close server identity file: %w", err)
	}

	m.logger.Info("Generated new server identity",
		zap.String("identity", id))

	m.cached = id
	return id, nil
}

func readIdentityFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	id := strings.TrimSpace(string(data))
	if err := Validate(id); err != nil {
		return "", err
	}
	return id, nil
}

func generateIdentity() (string, error) {
	b := make([]byte, identityBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate server identity: %w", err)
	}
	return IdentityPrefix + hex.EncodeToString(b), nil
}

// Validate checks that id has the expected namespaced hex shape.
func Validate(id string) error {
	if !strings.HasPrefix(id, IdentityPrefix) {
		return ErrInvalidIdentity
	}
	body := strings.TrimPrefix(id, IdentityPrefix)
	if len(body) != identityBytes*2 {
		return ErrInvalidIdentity
	}
	if _, err := hex.DecodeString(body); err != nil {
		return ErrInvalidIdentity
	}
	return nil
}

// NewSharedSecret generates a fresh 256-bit symmetric secret for a
// peer relationship. The secret is exchanged once during the handshake
// and never transmitted again.
func NewSharedSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate shared secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
