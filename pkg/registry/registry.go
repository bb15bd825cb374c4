// Package registry tracks the roster of known peer servers and
// enforces the federation capacity limit. It is a thin coordination
// layer over the persistent store; connection liveness lives in the
// federation manager.
package registry

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"commune/pkg/store"
)

// DefaultMaxPeers caps how many servers one instance will federate with.
const DefaultMaxPeers = 50

// ErrCapacityExceeded is returned when admitting another peer would
// push the roster past its configured maximum.
var ErrCapacityExceeded = errors.New("federation capacity exceeded")

// Registry is the authoritative roster of peer servers.
type Registry struct {
	store    *store.Store
	maxPeers int
	logger   *zap.Logger
}

// New creates a registry over the given store. maxPeers <= 0 selects
// DefaultMaxPeers.
func New(st *store.Store, maxPeers int, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxPeers <= 0 {
		maxPeers = DefaultMaxPeers
	}
	return &Registry{
		store:    st,
		maxPeers: maxPeers,
		logger:   logger,
	}
}

// Upsert admits or updates a peer record. New admissions count against
// the capacity limit; updates to already-known peers always pass.
func (r *Registry) Upsert(peer *store.PeerServer) error {
	_, err := r.store.GetPeer(peer.Identity)
	switch {
	case err == nil:
		// Known peer, capacity already accounted for.
	case errors.Is(err, store.ErrNotFound):
		total, countErr := r.count()
		if countErr != nil {
			return countErr
		}
		if total >= r.maxPeers {
			r.logger.Warn("rejecting peer, roster full",
				zap.String("identity", peer.Identity),
				zap.Int("max_peers", r.maxPeers))
			return ErrCapacityExceeded
		}
	default:
		return fmt.Errorf("check peer %q: %w", peer.Identity, err)
	}

	if err := r.store.UpsertPeer(peer); err != nil {
		return err
	}
	r.logger.Info("peer registered",
		zap.String("identity", peer.Identity),
		zap.String("name", peer.Name),
		zap.String("status", string(peer.Status)))
	return nil
}

// CanAdmit reports whether the roster has room for one more peer,
// returning ErrCapacityExceeded when it does not. Used to reject
// inbound federation requests before anything is persisted.
func (r *Registry) CanAdmit() error {
	total, err := r.count()
	if err != nil {
		return err
	}
	if total >= r.maxPeers {
		return ErrCapacityExceeded
	}
	return nil
}

// FindByIdentity looks up a peer by its server identity.
func (r *Registry) FindByIdentity(identity string) (*store.PeerServer, error) {
	return r.store.GetPeer(identity)
}

// List returns every known peer regardless of status.
func (r *Registry) List() ([]store.PeerServer, error) {
	return r.store.ListPeers()
}

// ListActive returns peers currently in the active status.
func (r *Registry) ListActive() ([]store.PeerServer, error) {
	return r.store.ListPeersByStatus(store.PeerActive)
}

// CountActive counts peers currently in the active status.
func (r *Registry) CountActive() (int, error) {
	return r.store.CountPeersByStatus(store.PeerActive)
}

// SetStatus moves a peer to a new lifecycle status.
func (r *Registry) SetStatus(identity string, status store.PeerStatus) error {
	if err := r.store.SetPeerStatus(identity, status); err != nil {
		return err
	}
	r.logger.Debug("peer status changed",
		zap.String("identity", identity),
		zap.String("status", string(status)))
	return nil
}

// RecordHeartbeat stamps the peer's last-seen time.
func (r *Registry) RecordHeartbeat(identity string, at time.Time) error {
	return r.store.RecordPeerHeartbeat(identity, at)
}

// Remove deletes a peer and all of its channel and delivery references.
func (r *Registry) Remove(identity string) error {
	if err := r.store.DeletePeer(identity); err != nil {
		return err
	}
	r.logger.Info("peer removed", zap.String("identity", identity))
	return nil
}

func (r *Registry) count() (int, error) {
	peers, err := r.store.ListPeers()
	if err != nil {
		return 0, err
	}
	return len(peers), nil
}
