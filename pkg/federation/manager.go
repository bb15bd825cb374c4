package federation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"commune/pkg/identity"
	"commune/pkg/registry"
	"commune/pkg/store"
	"commune/pkg/wire"
)

const (
	// DefaultHeartbeatInterval paces liveness traffic on every peer
	// link. A peer silent for 3x this interval is considered down.
	DefaultHeartbeatInterval = 30 * time.Second

	heartbeatTimeoutFactor = 3

	reconnectBaseDelay    = 1 * time.Second
	reconnectMaxDelay     = 60 * time.Second
	reconnectJitterFactor = 0.2

	shutdownGrace = 2 * time.Second
)

// EventHandler receives protocol events the manager does not consume
// itself (everything except heartbeats and disconnects).
type EventHandler interface {
	HandleEvent(peerIdentity string, env *wire.Envelope)
}

// Manager owns the live duplex connections, one worker per peer. It
// dials out with a signed token, verifies inbound tokens against the
// stored secret, paces heartbeats, sweeps for dead peers and
// reconnects with capped backoff. Peers never block each other.
type Manager struct {
	self              SelfInfo
	registry          *registry.Registry
	logger            *zap.Logger
	heartbeatInterval time.Duration
	dialer            *websocket.Dialer

	handler   EventHandler
	tokenOpts identity.VerifyOptions

	mu           sync.RWMutex
	conns        map[string]*peerConn
	suppressed   map[string]bool
	reconnecting map[string]bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewManager creates the connection manager. The event handler is
// attached separately because the service that handles events also
// needs the manager to send replies.
func NewManager(self SelfInfo, reg *registry.Registry, heartbeatInterval time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &Manager{
		self:              self,
		registry:          reg,
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
		dialer:            &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		conns:             make(map[string]*peerConn),
		suppressed:        make(map[string]bool),
		reconnecting:      make(map[string]bool),
		stopCh:            make(chan struct{}),
		now:               time.Now,
	}
}

// SetEventHandler attaches the consumer of non-liveness events.
func (m *Manager) SetEventHandler(h EventHandler) {
	m.handler = h
}

// SetTokenOptions overrides the token validity window and clock skew
// used for inbound authentication.
func (m *Manager) SetTokenOptions(opts identity.VerifyOptions) {
	m.tokenOpts = opts
}

// Start launches the heartbeat and liveness sweep loops and dials
// every active peer this side owns the connection to.
func (m *Manager) Start() error {
	m.wg.Add(2)
	go m.heartbeatLoop()
	go m.sweepLoop()

	peers, err := m.registry.ListActive()
	if err != nil {
		return err
	}
	for _, peer := range peers {
		if !peer.IsInitiator {
			continue
		}
		peerID := peer.Identity
		go func() {
			if err := m.Connect(peerID); err != nil {
				m.logger.Warn("initial peer connect failed",
					zap.String("peer", peerID), zap.Error(err))
				m.scheduleReconnect(peerID)
			}
		}()
	}
	return nil
}

// Connect dials a peer's duplex endpoint, presenting a token signed
// with the shared secret. Reconnection always re-runs this handshake
// from scratch; there is no session resumption.
func (m *Manager) Connect(peerIdentity string) error {
	peer, err := m.registry.FindByIdentity(peerIdentity)
	if err != nil {
		return err
	}
	if m.Connected(peerIdentity) {
		return nil
	}

	header := http.Header{}
	header.Set(TokenHeader, identity.SignRequest(m.self.Identity, peer.SharedSecret))

	ws, resp, err := m.dialer.Dial(peer.SocketEndpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: peer %s refused our token", ErrAuthFailed, peerIdentity)
		}
		return fmt.Errorf("%w: dial %s: %v", ErrPeerUnreachable, peer.SocketEndpoint, err)
	}

	m.adopt(peerIdentity, ws)
	m.logger.Info("peer connected", zap.String("peer", peerIdentity))
	return nil
}

// Authenticate verifies an inbound connection token and returns the
// peer identity it belongs to. Any failure maps to ErrAuthFailed so
// the caller leaks nothing about which check tripped.
func (m *Manager) Authenticate(token string) (string, error) {
	peerIdentity, err := identity.TokenIdentity(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	peer, err := m.registry.FindByIdentity(peerIdentity)
	if err != nil {
		return "", fmt.Errorf("%w: unknown peer %s", ErrAuthFailed, peerIdentity)
	}
	if peer.Status == store.PeerSuspended {
		return "", fmt.Errorf("%w: peer %s is suspended", ErrAuthFailed, peerIdentity)
	}
	if err := identity.VerifyTokenWithOptions(token, peerIdentity, peer.SharedSecret, m.tokenOpts); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return peerIdentity, nil
}

// Accept adopts an already-upgraded inbound connection from an
// authenticated peer, replacing any stale link.
func (m *Manager) Accept(peerIdentity string, ws *websocket.Conn) {
	m.adopt(peerIdentity, ws)
	m.logger.Info("peer connection accepted", zap.String("peer", peerIdentity))
}

// Send encodes an event and queues it on the peer's connection.
func (m *Manager) Send(peerIdentity string, t wire.EventType, payload interface{}) error {
	m.mu.RLock()
	conn := m.conns[peerIdentity]
	m.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, peerIdentity)
	}

	frame, err := wire.Encode(t, m.self.Identity, payload)
	if err != nil {
		return err
	}
	if err := conn.enqueue(frame); err != nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, peerIdentity)
	}
	return nil
}

// Connected reports whether a live connection to the peer exists.
func (m *Manager) Connected(peerIdentity string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn := m.conns[peerIdentity]
	return conn != nil && !conn.closed()
}

// ConnectedPeers lists identities with a live connection.
func (m *Manager) ConnectedPeers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	peers := make([]string, 0, len(m.conns))
	for id, conn := range m.conns {
		if !conn.closed() {
			peers = append(peers, id)
		}
	}
	return peers
}

// Disconnect closes the link to a peer with a reason, marking it
// disconnected without deleting the record. No automatic reconnect
// follows an explicit disconnect.
func (m *Manager) Disconnect(peerIdentity, reason string) {
	m.mu.Lock()
	m.suppressed[peerIdentity] = true
	conn := m.conns[peerIdentity]
	delete(m.conns, peerIdentity)
	m.mu.Unlock()

	if conn != nil {
		if frame, err := wire.Encode(wire.EventDisconnect, m.self.Identity, &wire.Disconnect{Reason: reason}); err == nil {
			_ = conn.enqueue(frame)
		}
		time.AfterFunc(shutdownGrace, conn.close)
	}

	if err := m.registry.SetStatus(peerIdentity, store.PeerDisconnected); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("mark peer disconnected failed",
			zap.String("peer", peerIdentity), zap.Error(err))
	}
	m.logger.Info("peer disconnected",
		zap.String("peer", peerIdentity), zap.String("reason", reason))
}

// Drop closes the link without touching peer state. Used after the
// record has already been deleted by a federation removal.
func (m *Manager) Drop(peerIdentity string) {
	m.mu.Lock()
	m.suppressed[peerIdentity] = true
	conn := m.conns[peerIdentity]
	delete(m.conns, peerIdentity)
	m.mu.Unlock()
	if conn != nil {
		conn.close()
	}
}

// Shutdown broadcasts a shutdown disconnect to every peer, waits
// briefly for the frames to flush, then tears the sockets down.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	conns := make([]*peerConn, 0, len(m.conns))
	for id, conn := range m.conns {
		conns = append(conns, conn)
		delete(m.conns, id)
	}
	m.mu.Unlock()

	frame, err := wire.Encode(wire.EventDisconnect, m.self.Identity, &wire.Disconnect{Reason: "shutdown"})
	if err == nil {
		for _, conn := range conns {
			_ = conn.enqueue(frame)
		}
	}

	select {
	case <-time.After(shutdownGrace):
	case <-ctx.Done():
	}

	for _, conn := range conns {
		conn.close()
	}
	m.wg.Wait()
	m.logger.Info("connection manager stopped")
}

// adopt registers a connection and starts its pumps, replacing any
// previous link to the same peer.
func (m *Manager) adopt(peerIdentity string, ws *websocket.Conn) {
	conn := newPeerConn(peerIdentity, ws, m.logger)

	m.mu.Lock()
	if old := m.conns[peerIdentity]; old != nil {
		old.close()
	}
	m.conns[peerIdentity] = conn
	delete(m.suppressed, peerIdentity)
	m.mu.Unlock()

	if err := m.registry.SetStatus(peerIdentity, store.PeerActive); err != nil {
		m.logger.Warn("mark peer active failed",
			zap.String("peer", peerIdentity), zap.Error(err))
	}
	_ = m.registry.RecordHeartbeat(peerIdentity, m.now())

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		conn.writePump()
	}()
	go func() {
		defer m.wg.Done()
		conn.readPump(m.handleFrame, m.connClosed)
	}()
}

// handleFrame consumes liveness events and forwards everything else.
func (m *Manager) handleFrame(peerIdentity string, frame []byte) {
	env, err := wire.Decode(frame)
	if err != nil {
		m.logger.Warn("dropping malformed frame",
			zap.String("peer", peerIdentity), zap.Error(err))
		return
	}
	if env.From != peerIdentity {
		m.logger.Warn("dropping frame with mismatched sender",
			zap.String("peer", peerIdentity), zap.String("claimed", env.From))
		return
	}

	switch env.Type {
	case wire.EventHeartbeat:
		_ = m.registry.RecordHeartbeat(peerIdentity, m.now())
		ack := &wire.HeartbeatAck{Identity: m.self.Identity, Timestamp: m.now().UTC()}
		if err := m.Send(peerIdentity, wire.EventHeartbeatAck, ack); err != nil {
			m.logger.Debug("heartbeat ack failed",
				zap.String("peer", peerIdentity), zap.Error(err))
		}

	case wire.EventHeartbeatAck:
		_ = m.registry.RecordHeartbeat(peerIdentity, m.now())

	case wire.EventDisconnect:
		reason := "unknown"
		if p, err := env.DecodePayload(); err == nil {
			reason = p.(*wire.Disconnect).Reason
		}
		m.Disconnect(peerIdentity, reason)

	default:
		if m.handler != nil {
			m.handler.HandleEvent(peerIdentity, env)
		}
	}
}

// connClosed runs once per connection teardown. Unless the disconnect
// was explicit or we are shutting down, the owning side re-dials.
func (m *Manager) connClosed(peerIdentity string) {
	m.mu.Lock()
	if conn := m.conns[peerIdentity]; conn != nil && conn.closed() {
		delete(m.conns, peerIdentity)
	}
	suppressed := m.suppressed[peerIdentity]
	m.mu.Unlock()

	select {
	case <-m.stopCh:
		return
	default:
	}
	if suppressed {
		return
	}

	peer, err := m.registry.FindByIdentity(peerIdentity)
	if err != nil || !peer.IsInitiator {
		return
	}
	m.scheduleReconnect(peerIdentity)
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hb := &wire.Heartbeat{Identity: m.self.Identity, Timestamp: m.now().UTC()}
			for _, peer := range m.ConnectedPeers() {
				if err := m.Send(peer, wire.EventHeartbeat, hb); err != nil {
					m.logger.Debug("heartbeat send failed",
						zap.String("peer", peer), zap.Error(err))
				}
			}
		case <-m.stopCh:
			return
		}
	}
}

// sweepLoop marks peers silent for 3x the heartbeat interval as
// disconnected and fires reconnects. It never holds a lock across
// network calls: it reads state, decides, and hands off.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepOnce()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweepOnce() {
	peers, err := m.registry.ListActive()
	if err != nil {
		m.logger.Warn("liveness sweep failed", zap.Error(err))
		return
	}

	deadline := m.now().Add(-heartbeatTimeoutFactor * m.heartbeatInterval)
	for _, peer := range peers {
		if peer.LastHeartbeat.IsZero() || peer.LastHeartbeat.After(deadline) {
			continue
		}

		m.logger.Warn("peer heartbeat timed out",
			zap.String("peer", peer.Identity),
			zap.Time("last_heartbeat", peer.LastHeartbeat))

		if err := m.registry.SetStatus(peer.Identity, store.PeerDisconnected); err != nil {
			m.logger.Warn("mark peer disconnected failed",
				zap.String("peer", peer.Identity), zap.Error(err))
			continue
		}

		m.mu.Lock()
		conn := m.conns[peer.Identity]
		delete(m.conns, peer.Identity)
		m.mu.Unlock()
		if conn != nil {
			conn.close()
		}

		if peer.IsInitiator {
			m.scheduleReconnect(peer.Identity)
		}
	}
}

// scheduleReconnect starts at most one backoff loop per peer.
func (m *Manager) scheduleReconnect(peerIdentity string) {
	m.mu.Lock()
	if m.reconnecting[peerIdentity] {
		m.mu.Unlock()
		return
	}
	m.reconnecting[peerIdentity] = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.reconnecting, peerIdentity)
			m.mu.Unlock()
		}()
		m.reconnectLoop(peerIdentity)
	}()
}

// reconnectLoop re-dials with capped exponential backoff and jitter
// until the peer comes back, is removed, or the manager stops.
func (m *Manager) reconnectLoop(peerIdentity string) {
	for attempt := 0; ; attempt++ {
		select {
		case <-time.After(reconnectBackoff(attempt)):
		case <-m.stopCh:
			return
		}

		m.mu.RLock()
		suppressed := m.suppressed[peerIdentity]
		m.mu.RUnlock()
		if suppressed {
			return
		}

		peer, err := m.registry.FindByIdentity(peerIdentity)
		if err != nil {
			return
		}
		if peer.Status == store.PeerSuspended {
			return
		}

		err = m.Connect(peerIdentity)
		if err == nil {
			return
		}
		if errors.Is(err, ErrAuthFailed) {
			m.logger.Error("reconnect refused, giving up",
				zap.String("peer", peerIdentity), zap.Error(err))
			return
		}
		m.logger.Debug("reconnect attempt failed",
			zap.String("peer", peerIdentity),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
}

func reconnectBackoff(attempt int) time.Duration {
	delay := float64(reconnectBaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(reconnectMaxDelay) {
		delay = float64(reconnectMaxDelay)
	}
	delay += delay * reconnectJitterFactor * (2*rand.Float64() - 1)
	if delay < 0 {
		delay = float64(reconnectBaseDelay)
	}
	return time.Duration(delay)
}
