package federation

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"commune/pkg/identity"
	"commune/pkg/registry"
	"commune/pkg/store"
	"commune/pkg/wire"
)

// Config tunes the federation service.
type Config struct {
	Self              SelfInfo
	Enabled           bool
	AutoAccept        bool
	MaxPeers          int
	HeartbeatInterval time.Duration
	RequestExpiry     time.Duration
	NotifyAttempts    int
	TokenWindow       time.Duration
	TokenClockSkew    time.Duration
}

// Service is the federation facade: it wires the handshake manager,
// connection manager, synchronizer and relay together and exposes the
// administrative operations the surrounding application consumes.
type Service struct {
	cfg       Config
	store     *store.Store
	registry  *registry.Registry
	client    *Client
	requests  *RequestManager
	manager   *Manager
	syncer    *Syncer
	relay     *Relay
	directory ChannelDirectory
	publisher EventPublisher
	logger    *zap.Logger
}

// NewService assembles the federation subsystem on top of the host
// platform's channel directory and event publisher.
func NewService(cfg Config, st *store.Store, dir ChannelDirectory, pub EventPublisher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := registry.New(st, cfg.MaxPeers, logger)
	client := NewClient(logger)
	manager := NewManager(cfg.Self, reg, cfg.HeartbeatInterval, logger)
	manager.SetTokenOptions(identity.VerifyOptions{
		Window:    cfg.TokenWindow,
		ClockSkew: cfg.TokenClockSkew,
	})
	requests := NewRequestManager(cfg.Self, st, reg, dir, client, RequestManagerOptions{
		Enabled:        cfg.Enabled,
		AutoAccept:     cfg.AutoAccept,
		Expiry:         cfg.RequestExpiry,
		NotifyAttempts: cfg.NotifyAttempts,
	}, logger)

	s := &Service{
		cfg:       cfg,
		store:     st,
		registry:  reg,
		client:    client,
		requests:  requests,
		manager:   manager,
		syncer:    NewSyncer(cfg.Self, st, dir, manager, logger),
		relay:     NewRelay(cfg.Self, st, dir, pub, manager, logger),
		directory: dir,
		publisher: pub,
		logger:    logger,
	}

	manager.SetEventHandler(s)
	requests.SetOnPeerActivated(s.onPeerActivated)
	return s
}

// Start brings up the connection manager and sweeps stale requests.
func (s *Service) Start() error {
	if !s.cfg.Enabled {
		s.logger.Info("federation disabled, not starting")
		return nil
	}
	if _, err := s.requests.ExpireStale(); err != nil {
		return err
	}
	return s.manager.Start()
}

// Shutdown notifies every peer and tears the connections down.
func (s *Service) Shutdown(ctx context.Context) {
	s.manager.Shutdown(ctx)
}

// onPeerActivated runs whenever an approval (either side) produces an
// active peer: open the link, then reconcile channels. Runs async so
// the approval HTTP exchange is never blocked on socket dials.
func (s *Service) onPeerActivated(peerIdentity string) {
	go func() {
		if err := s.manager.Connect(peerIdentity); err != nil {
			s.logger.Warn("connect to new peer failed",
				zap.String("peer", peerIdentity), zap.Error(err))
			return
		}
		if err := s.syncer.SyncPeer(peerIdentity); err != nil {
			s.logger.Warn("initial channel sync failed",
				zap.String("peer", peerIdentity), zap.Error(err))
		}
	}()
}

// HandleEvent dispatches protocol events from the connection manager.
// Per-peer failures are logged and isolated; nothing here may take the
// process down.
func (s *Service) HandleEvent(peerIdentity string, env *wire.Envelope) {
	payload, err := env.DecodePayload()
	if err != nil {
		s.logger.Warn("dropping malformed event",
			zap.String("peer", peerIdentity),
			zap.String("type", string(env.Type)),
			zap.Error(err))
		return
	}

	switch p := payload.(type) {
	case *wire.ChannelsSync:
		err = s.syncer.HandleChannelsSync(peerIdentity, p)
	case *wire.ChannelsSyncAck:
		err = s.syncer.HandleSyncAck(peerIdentity, p)
	case *wire.MessageRelay:
		err = s.relay.HandleInbound(peerIdentity, p)
	case *wire.MessageAck:
		err = s.relay.HandleAck(peerIdentity, p)
	case *wire.ChannelUpdate:
		err = s.handleChannelUpdate(peerIdentity, p)
	case *wire.UserStatus:
		s.publisher.PublishUserStatus(peerIdentity, p.Username, p.Status)
	case *wire.VoiceState:
		s.handleVoiceState(p)
	default:
		s.logger.Debug("ignoring unhandled event",
			zap.String("peer", peerIdentity),
			zap.String("type", string(env.Type)))
	}

	if err != nil {
		s.logger.Warn("event handling failed",
			zap.String("peer", peerIdentity),
			zap.String("type", string(env.Type)),
			zap.Error(err))
	}
}

// handleChannelUpdate applies a canonical metadata change. Only the
// channel's origin server has that authority.
func (s *Service) handleChannelUpdate(from string, p *wire.ChannelUpdate) error {
	fc, err := s.store.GetFederatedChannel(p.FederatedID)
	if err != nil {
		return err
	}
	if fc.OriginServer != from {
		s.logger.Warn("ignoring channel update from non-origin server",
			zap.String("federated_id", p.FederatedID),
			zap.String("origin", fc.OriginServer),
			zap.String("sender", from))
		return nil
	}

	if err := s.store.UpdateFederatedChannelMeta(p.FederatedID, p.Name, p.Description); err != nil {
		return err
	}

	servers, err := s.store.ListChannelServers(p.FederatedID)
	if err != nil {
		return err
	}
	for _, cs := range servers {
		if cs.PeerIdentity != s.cfg.Self.Identity || cs.LocalChannelID == "" {
			continue
		}
		// A shadow that still carries the canonical name follows the
		// rename; one renamed by conflict resolution keeps its name.
		if p.Name != "" && cs.LocalName == fc.Name {
			if err := s.directory.RenameChannel(cs.LocalChannelID, p.Name); err != nil {
				s.logger.Warn("shadow rename failed",
					zap.String("channel_id", cs.LocalChannelID), zap.Error(err))
			} else {
				_ = s.store.UpsertChannelServer(&store.ChannelServer{
					FederatedID:    cs.FederatedID,
					PeerIdentity:   cs.PeerIdentity,
					LocalChannelID: cs.LocalChannelID,
					LocalName:      p.Name,
					SyncEnabled:    cs.SyncEnabled,
				})
			}
		}
		s.publisher.PublishChannelUpdate(cs.LocalChannelID, p.Name, p.Description)
	}
	return nil
}

func (s *Service) handleVoiceState(p *wire.VoiceState) {
	servers, err := s.store.ListChannelServers(p.FederatedChannelID)
	if err != nil {
		s.logger.Warn("voice state lookup failed", zap.Error(err))
		return
	}
	for _, cs := range servers {
		if cs.PeerIdentity == s.cfg.Self.Identity && cs.LocalChannelID != "" {
			s.publisher.PublishVoiceState(cs.LocalChannelID, p.Username, p.Joined, p.Speaking)
			return
		}
	}
}

// Discovery builds this server's public federation document.
func (s *Service) Discovery() (*DiscoveryInfo, error) {
	stats, err := s.directory.Stats()
	if err != nil {
		return nil, err
	}
	channels, err := s.directory.ListChannels()
	if err != nil {
		return nil, err
	}

	public := make([]DiscoveryChannel, 0, len(channels))
	for _, ch := range channels {
		if ch.Private {
			continue
		}
		public = append(public, DiscoveryChannel{ID: ch.ID, Name: ch.Name, Users: ch.Users})
	}

	return &DiscoveryInfo{
		Identity:          s.cfg.Self.Identity,
		Name:              s.cfg.Self.Name,
		HTTPEndpoint:      s.cfg.Self.HTTPEndpoint,
		SocketEndpoint:    s.cfg.Self.SocketEndpoint,
		FederationEnabled: s.cfg.Enabled,
		Stats:             stats,
		Channels:          public,
	}, nil
}

// Initiate proposes federation to the server at targetURL.
func (s *Service) Initiate(ctx context.Context, targetURL string) (*store.FederationRequest, error) {
	return s.requests.Initiate(ctx, targetURL)
}

// ReceiveRequest handles an inbound federation proposal.
func (s *Service) ReceiveRequest(ctx context.Context, payload *RequestPayload) (*RequestResponse, error) {
	return s.requests.Receive(ctx, payload)
}

// Approve admits a pending request's sender as a peer.
func (s *Service) Approve(ctx context.Context, requestID, reviewedBy string, overrides []store.ChannelConflict, notes string) error {
	return s.requests.Approve(ctx, requestID, reviewedBy, overrides, notes)
}

// Reject declines a pending request.
func (s *Service) Reject(ctx context.Context, requestID, reviewedBy, reason string) error {
	return s.requests.Reject(ctx, requestID, reviewedBy, reason)
}

// HandleApprovalNotice processes a peer's approval of our request.
func (s *Service) HandleApprovalNotice(ctx context.Context, notice *ApprovalNotice) error {
	return s.requests.HandleApproved(ctx, notice)
}

// HandleRejectionNotice processes a peer's rejection of our request.
func (s *Service) HandleRejectionNotice(ctx context.Context, notice *RejectionNotice) error {
	return s.requests.HandleRejected(ctx, notice)
}

// PendingRequests lists requests awaiting review, sweeping expired
// ones first.
func (s *Service) PendingRequests() ([]store.FederationRequest, error) {
	return s.requests.PendingRequests()
}

// ExpireRequests sweeps expired pending requests on demand.
func (s *Service) ExpireRequests() (int, error) {
	return s.requests.ExpireStale()
}

// PreviewConflicts runs the conflict analysis against a prospective
// peer without submitting anything.
func (s *Service) PreviewConflicts(ctx context.Context, targetURL string) ([]store.ChannelConflict, error) {
	info, err := s.client.Discover(ctx, targetURL)
	if err != nil {
		return nil, err
	}
	locals, err := s.directory.ListChannels()
	if err != nil {
		return nil, err
	}
	return AnalyzeConflicts(locals, info.Channels), nil
}

// ListPeers returns every known peer.
func (s *Service) ListPeers() ([]store.PeerServer, error) {
	return s.registry.List()
}

// Disconnect closes the link to a peer, keeping its record. With
// notifyRemote set, the peer is told out of band as well.
func (s *Service) Disconnect(ctx context.Context, peerIdentity, reason string, notifyRemote bool) error {
	peer, err := s.registry.FindByIdentity(peerIdentity)
	if err != nil {
		return err
	}
	if notifyRemote {
		token := identity.SignRequest(s.cfg.Self.Identity, peer.SharedSecret)
		notice := &DisconnectNotice{Identity: s.cfg.Self.Identity, Reason: reason}
		if err := s.client.NotifyDisconnect(ctx, peer.HTTPEndpoint, token, notice); err != nil {
			s.logger.Warn("disconnect notice failed",
				zap.String("peer", peerIdentity), zap.Error(err))
		}
	}
	s.manager.Disconnect(peerIdentity, reason)
	return nil
}

// HandleDisconnectNotice processes a peer's disconnect request.
func (s *Service) HandleDisconnectNotice(peerIdentity, reason string) {
	s.manager.Disconnect(peerIdentity, reason)
}

// Remove tears the federation down permanently: the peer record, its
// channel participation and delivery state are all deleted.
func (s *Service) Remove(ctx context.Context, peerIdentity string, notifyRemote bool) error {
	peer, err := s.registry.FindByIdentity(peerIdentity)
	if err != nil {
		return err
	}
	if notifyRemote {
		token := identity.SignRequest(s.cfg.Self.Identity, peer.SharedSecret)
		if err := s.client.NotifyRemove(ctx, peer.HTTPEndpoint, token, &RemoveNotice{Identity: s.cfg.Self.Identity}); err != nil {
			s.logger.Warn("remove notice failed",
				zap.String("peer", peerIdentity), zap.Error(err))
		}
	}
	s.manager.Drop(peerIdentity)
	return s.registry.Remove(peerIdentity)
}

// HandleRemoveNotice processes a peer's removal of the federation.
func (s *Service) HandleRemoveNotice(peerIdentity string) error {
	s.manager.Drop(peerIdentity)
	return s.registry.Remove(peerIdentity)
}

// SetChannelSync toggles relaying of one federated channel to one
// server.
func (s *Service) SetChannelSync(federatedID, peerIdentity string, enabled bool) error {
	return s.store.SetChannelSyncEnabled(federatedID, peerIdentity, enabled)
}

// SyncPeer re-runs channel reconciliation with a peer.
func (s *Service) SyncPeer(peerIdentity string) error {
	return s.syncer.SyncPeer(peerIdentity)
}

// RelayLocalMessage forwards a locally posted message into the
// federation.
func (s *Service) RelayLocalMessage(localChannelID, localMessageID string,
	author wire.AuthorSnapshot, content string, attachments []wire.Attachment, createdAt time.Time) error {
	return s.relay.RelayLocalMessage(localChannelID, localMessageID, author, content, attachments, createdAt)
}

// AuthenticateSocket verifies an inbound duplex handshake token.
func (s *Service) AuthenticateSocket(token string) (string, error) {
	return s.manager.Authenticate(token)
}

// AcceptSocket adopts an authenticated inbound connection.
func (s *Service) AcceptSocket(peerIdentity string, ws *websocket.Conn) {
	s.manager.Accept(peerIdentity, ws)
}

// Connected reports whether a live link to the peer exists.
func (s *Service) Connected(peerIdentity string) bool {
	return s.manager.Connected(peerIdentity)
}
