package federation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"commune/pkg/identity"
	"commune/pkg/registry"
	"commune/pkg/store"
)

const (
	// DefaultRequestExpiry is how long a federation request stays
	// actionable before it is treated as rejected.
	DefaultRequestExpiry = 24 * time.Hour

	// DefaultNotifyAttempts bounds the retries for out-of-band
	// approval/rejection notifications. After that the remote side
	// self-corrects on its next sync or reconnect.
	DefaultNotifyAttempts = 3

	notifyBaseDelay    = 100 * time.Millisecond
	notifyMaxDelay     = 5 * time.Second
	notifyJitterFactor = 0.2
)

// RequestManagerOptions tunes the handshake state machine.
type RequestManagerOptions struct {
	Enabled        bool
	AutoAccept     bool
	Expiry         time.Duration
	NotifyAttempts int
}

// RequestManager runs the federation request/approval state machine:
// pending -> approved | rejected | expired. Approval creates exactly
// one PeerServer; status transitions are compare-and-set in the store
// so concurrent reviews cannot double-admit a peer.
type RequestManager struct {
	self      SelfInfo
	store     *store.Store
	registry  *registry.Registry
	directory ChannelDirectory
	client    *Client
	logger    *zap.Logger

	enabled        bool
	autoAccept     bool
	expiry         time.Duration
	notifyAttempts int

	onPeerActivated func(peerIdentity string)
	now             func() time.Time
}

// NewRequestManager creates the handshake manager.
func NewRequestManager(self SelfInfo, st *store.Store, reg *registry.Registry,
	dir ChannelDirectory, client *Client, opts RequestManagerOptions, logger *zap.Logger) *RequestManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Expiry <= 0 {
		opts.Expiry = DefaultRequestExpiry
	}
	if opts.NotifyAttempts <= 0 {
		opts.NotifyAttempts = DefaultNotifyAttempts
	}
	if client == nil {
		client = NewClient(logger)
	}
	return &RequestManager{
		self:           self,
		store:          st,
		registry:       reg,
		directory:      dir,
		client:         client,
		logger:         logger,
		enabled:        opts.Enabled,
		autoAccept:     opts.AutoAccept,
		expiry:         opts.Expiry,
		notifyAttempts: opts.NotifyAttempts,
		now:            time.Now,
	}
}

// SetOnPeerActivated registers the callback fired when an approval
// (either side) produces an active peer. The connection manager and
// channel synchronizer hang off this.
func (rm *RequestManager) SetOnPeerActivated(fn func(peerIdentity string)) {
	rm.onPeerActivated = fn
}

// Initiate proposes federation to the server at targetURL. It fetches
// the target's discovery document, computes channel-name conflicts,
// generates a fresh shared secret and submits the request. A network
// failure leaves no local state behind.
func (rm *RequestManager) Initiate(ctx context.Context, targetURL string) (*store.FederationRequest, error) {
	if !rm.enabled {
		return nil, ErrFederationDisabled
	}

	info, err := rm.client.Discover(ctx, targetURL)
	if err != nil {
		return nil, err
	}
	if info.Identity == rm.self.Identity {
		return nil, fmt.Errorf("cannot federate with self (%s)", rm.self.Identity)
	}
	if _, err := rm.registry.FindByIdentity(info.Identity); err == nil {
		return nil, fmt.Errorf("already federated with %s", info.Identity)
	}
	if err := rm.registry.CanAdmit(); err != nil {
		return nil, err
	}

	locals, err := rm.directory.ListChannels()
	if err != nil {
		return nil, fmt.Errorf("list local channels: %w", err)
	}
	stats, err := rm.directory.Stats()
	if err != nil {
		return nil, fmt.Errorf("snapshot local stats: %w", err)
	}
	conflicts := AnalyzeConflicts(locals, info.Channels)

	secret, err := identity.NewSharedSecret()
	if err != nil {
		return nil, fmt.Errorf("generate shared secret: %w", err)
	}

	req := &store.FederationRequest{
		ID:                uuid.NewString(),
		Direction:         store.RequestOutbound,
		RequesterIdentity: rm.self.Identity,
		RequesterName:     rm.self.Name,
		RequesterHTTP:     rm.self.HTTPEndpoint,
		RequesterSocket:   rm.self.SocketEndpoint,
		TargetIdentity:    info.Identity,
		ProposedSecret:    secret,
		Conflicts:         conflicts,
		RequesterStats:    stats,
		ExpiresAt:         rm.now().Add(rm.expiry),
	}
	if err := rm.store.InsertRequest(req); err != nil {
		return nil, err
	}

	payload := &RequestPayload{
		RequestID:      req.ID,
		Identity:       rm.self.Identity,
		Name:           rm.self.Name,
		HTTPEndpoint:   rm.self.HTTPEndpoint,
		SocketEndpoint: rm.self.SocketEndpoint,
		ProposedSecret: secret,
		Conflicts:      conflicts,
		Stats:          stats,
	}
	resp, err := rm.client.SubmitRequest(ctx, info.HTTPEndpoint, payload)
	if err != nil {
		// Initiate must leave no side effects on failure.
		_ = rm.store.DeleteRequest(req.ID)
		return nil, fmt.Errorf("submit federation request to %s: %w", info.Identity, err)
	}

	rm.logger.Info("federation request submitted",
		zap.String("request_id", req.ID),
		zap.String("target", info.Identity),
		zap.String("status", string(resp.Status)),
		zap.Int("conflicts", len(conflicts)))

	return req, nil
}

// Receive handles a federation proposal from a remote server. The
// conflict analysis is mirrored into this side's perspective and the
// request is persisted pending review, unless auto-accept is on and
// there are no conflicts.
func (rm *RequestManager) Receive(ctx context.Context, payload *RequestPayload) (*RequestResponse, error) {
	if !rm.enabled {
		return nil, ErrFederationDisabled
	}
	if err := identity.Validate(payload.Identity); err != nil {
		return nil, fmt.Errorf("invalid requester identity: %w", err)
	}
	if payload.RequestID == "" || payload.ProposedSecret == "" || payload.HTTPEndpoint == "" {
		return nil, errors.New("federation request is missing required fields")
	}
	// Approving a second request would rotate the stored shared secret.
	if _, err := rm.registry.FindByIdentity(payload.Identity); err == nil {
		return nil, fmt.Errorf("already federated with %s", payload.Identity)
	}
	if err := rm.registry.CanAdmit(); err != nil {
		return nil, err
	}

	mirrored := MirrorConflicts(payload.Conflicts)

	req := &store.FederationRequest{
		ID:                payload.RequestID,
		Direction:         store.RequestInbound,
		RequesterIdentity: payload.Identity,
		RequesterName:     payload.Name,
		RequesterHTTP:     payload.HTTPEndpoint,
		RequesterSocket:   payload.SocketEndpoint,
		TargetIdentity:    rm.self.Identity,
		ProposedSecret:    payload.ProposedSecret,
		Conflicts:         mirrored,
		RequesterStats:    payload.Stats,
		ExpiresAt:         rm.now().Add(rm.expiry),
	}
	if err := rm.store.InsertRequest(req); err != nil {
		return nil, err
	}

	rm.logger.Info("federation request received",
		zap.String("request_id", req.ID),
		zap.String("requester", payload.Identity),
		zap.Int("conflicts", len(mirrored)))

	if rm.autoAccept && len(mirrored) == 0 {
		if err := rm.Approve(ctx, req.ID, "auto-accept", nil, ""); err != nil {
			return nil, err
		}
		return &RequestResponse{RequestID: req.ID, Status: store.RequestApproved}, nil
	}

	return &RequestResponse{RequestID: req.ID, Status: store.RequestPending, Conflicts: mirrored}, nil
}

// Approve admits the requester as an active peer. Overrides, when
// non-nil, replace the suggested conflict resolutions before renames
// are applied. The initiator is notified out of band with bounded
// retries.
func (rm *RequestManager) Approve(ctx context.Context, requestID, reviewedBy string,
	overrides []store.ChannelConflict, notes string) error {

	req, err := rm.store.GetRequest(requestID)
	if err != nil {
		return err
	}
	if req.Expired(rm.now()) {
		_ = rm.store.TransitionRequest(requestID, store.RequestPending, store.RequestExpired, "expired", "", "")
		return ErrRequestClosed
	}
	if err := rm.registry.CanAdmit(); err != nil {
		return err
	}

	if overrides != nil {
		if err := rm.store.UpdateRequestConflicts(requestID, overrides); err != nil {
			return err
		}
		req.Conflicts = overrides
	}

	err = rm.store.TransitionRequest(requestID, store.RequestPending, store.RequestApproved, "", reviewedBy, notes)
	if errors.Is(err, store.ErrStatusConflict) {
		return ErrRequestClosed
	}
	if err != nil {
		return err
	}

	peer := &store.PeerServer{
		Identity:       req.RequesterIdentity,
		Name:           req.RequesterName,
		HTTPEndpoint:   req.RequesterHTTP,
		SocketEndpoint: req.RequesterSocket,
		SharedSecret:   req.ProposedSecret,
		Status:         store.PeerActive,
		TrustLevel:     store.TrustFull,
		IsInitiator:    false,
	}
	if err := rm.registry.Upsert(peer); err != nil {
		return err
	}

	rm.applyLocalRenames(req.Conflicts)

	notice := &ApprovalNotice{
		RequestID:      requestID,
		Identity:       rm.self.Identity,
		Name:           rm.self.Name,
		HTTPEndpoint:   rm.self.HTTPEndpoint,
		SocketEndpoint: rm.self.SocketEndpoint,
		SharedSecret:   req.ProposedSecret,
		// Back into the initiator's perspective.
		Conflicts: MirrorConflicts(req.Conflicts),
	}
	rm.notifyWithRetry(ctx, "notify approval", func(ctx context.Context) error {
		return rm.client.NotifyApproved(ctx, req.RequesterHTTP, notice)
	})

	rm.logger.Info("federation request approved",
		zap.String("request_id", requestID),
		zap.String("peer", peer.Identity),
		zap.String("reviewed_by", reviewedBy))

	rm.activated(peer.Identity)
	return nil
}

// Reject declines a pending request with a reason. No PeerServer is
// created on either side.
func (rm *RequestManager) Reject(ctx context.Context, requestID, reviewedBy, reason string) error {
	req, err := rm.store.GetRequest(requestID)
	if err != nil {
		return err
	}
	if req.Expired(rm.now()) {
		_ = rm.store.TransitionRequest(requestID, store.RequestPending, store.RequestExpired, "expired", "", "")
		return ErrRequestClosed
	}

	err = rm.store.TransitionRequest(requestID, store.RequestPending, store.RequestRejected, reason, reviewedBy, "")
	if errors.Is(err, store.ErrStatusConflict) {
		return ErrRequestClosed
	}
	if err != nil {
		return err
	}

	notice := &RejectionNotice{RequestID: requestID, Identity: rm.self.Identity, Reason: reason}
	rm.notifyWithRetry(ctx, "notify rejection", func(ctx context.Context) error {
		return rm.client.NotifyRejected(ctx, req.RequesterHTTP, notice)
	})

	rm.logger.Info("federation request rejected",
		zap.String("request_id", requestID),
		zap.String("reason", reason))
	return nil
}

// HandleApproved runs on the initiating side when the approval notice
// arrives: it mirrors the peer record (isInitiator=true), applies any
// renames the resolution assigned to this side, and activates the
// connection.
func (rm *RequestManager) HandleApproved(ctx context.Context, notice *ApprovalNotice) error {
	req, err := rm.store.GetRequest(notice.RequestID)
	if err != nil {
		return err
	}
	if req.Direction != store.RequestOutbound {
		return fmt.Errorf("request %s was not initiated here", notice.RequestID)
	}
	if notice.Identity != req.TargetIdentity {
		return fmt.Errorf("%w: approval from %s for a request targeting %s",
			ErrAuthFailed, notice.Identity, req.TargetIdentity)
	}
	// Only the real target learned the proposed secret from the request.
	if notice.SharedSecret != req.ProposedSecret {
		return fmt.Errorf("%w: approval notice for %s carries the wrong secret",
			ErrAuthFailed, notice.RequestID)
	}
	if req.Expired(rm.now()) {
		_ = rm.store.TransitionRequest(notice.RequestID, store.RequestPending, store.RequestExpired, "expired", "", "")
		return ErrRequestClosed
	}

	err = rm.store.TransitionRequest(notice.RequestID, store.RequestPending, store.RequestApproved, "", notice.Identity, "")
	if errors.Is(err, store.ErrStatusConflict) {
		return ErrRequestClosed
	}
	if err != nil {
		return err
	}

	peer := &store.PeerServer{
		Identity:       notice.Identity,
		Name:           notice.Name,
		HTTPEndpoint:   notice.HTTPEndpoint,
		SocketEndpoint: notice.SocketEndpoint,
		SharedSecret:   notice.SharedSecret,
		Status:         store.PeerActive,
		TrustLevel:     store.TrustFull,
		IsInitiator:    true,
	}
	if err := rm.registry.Upsert(peer); err != nil {
		return err
	}

	rm.applyLocalRenames(notice.Conflicts)

	rm.logger.Info("federation approved by peer",
		zap.String("request_id", notice.RequestID),
		zap.String("peer", peer.Identity))

	rm.activated(peer.Identity)
	return nil
}

// HandleRejected runs on the initiating side when the rejection notice
// arrives.
func (rm *RequestManager) HandleRejected(ctx context.Context, notice *RejectionNotice) error {
	req, err := rm.store.GetRequest(notice.RequestID)
	if err != nil {
		return err
	}
	if req.Direction != store.RequestOutbound {
		return fmt.Errorf("request %s was not initiated here", notice.RequestID)
	}
	if notice.Identity != req.TargetIdentity {
		return fmt.Errorf("%w: rejection from %s for a request targeting %s",
			ErrAuthFailed, notice.Identity, req.TargetIdentity)
	}

	err = rm.store.TransitionRequest(notice.RequestID, store.RequestPending, store.RequestRejected, notice.Reason, notice.Identity, "")
	if errors.Is(err, store.ErrStatusConflict) {
		return ErrRequestClosed
	}
	if err != nil {
		return err
	}

	rm.logger.Info("federation rejected by peer",
		zap.String("request_id", notice.RequestID),
		zap.String("peer", notice.Identity),
		zap.String("reason", notice.Reason))
	return nil
}

// PendingRequests sweeps expired requests lazily and returns the ones
// still awaiting review.
func (rm *RequestManager) PendingRequests() ([]store.FederationRequest, error) {
	if _, err := rm.ExpireStale(); err != nil {
		return nil, err
	}
	return rm.store.ListRequestsByStatus(store.RequestPending)
}

// ExpireStale marks pending requests past their expiry as expired.
func (rm *RequestManager) ExpireStale() (int, error) {
	n, err := rm.store.ExpireStaleRequests(rm.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		rm.logger.Debug("expired stale federation requests", zap.Int("count", n))
	}
	return n, nil
}

// applyLocalRenames performs the renames the conflict resolution
// assigned to this side. Rename failures are logged, not fatal: a
// name collision is cosmetic, the federated IDs stay distinct.
func (rm *RequestManager) applyLocalRenames(conflicts []store.ChannelConflict) {
	for _, c := range conflicts {
		if c.Resolution != store.ResolutionRenameLocal || c.SuggestedName == "" {
			continue
		}
		if err := rm.directory.RenameChannel(c.LocalChannelID, c.SuggestedName); err != nil {
			rm.logger.Warn("conflict rename failed",
				zap.String("channel_id", c.LocalChannelID),
				zap.String("suggested_name", c.SuggestedName),
				zap.Error(err))
		}
	}
}

func (rm *RequestManager) activated(peerIdentity string) {
	if rm.onPeerActivated != nil {
		rm.onPeerActivated(peerIdentity)
	}
}

// notifyWithRetry runs an out-of-band notification with capped
// exponential backoff and jitter, then abandons it. The remote side
// self-corrects on its next reconnect or sync.
func (rm *RequestManager) notifyWithRetry(ctx context.Context, op string, fn func(context.Context) error) {
	var lastErr error
	for attempt := 0; attempt < rm.notifyAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if lastErr = fn(ctx); lastErr == nil {
			return
		}
		if errors.Is(lastErr, ErrAuthFailed) {
			break
		}
		if attempt < rm.notifyAttempts-1 {
			select {
			case <-time.After(notifyBackoff(attempt)):
			case <-ctx.Done():
				return
			}
		}
	}
	rm.logger.Warn("notification abandoned",
		zap.String("operation", op),
		zap.Int("attempts", rm.notifyAttempts),
		zap.Error(lastErr))
}

func notifyBackoff(attempt int) time.Duration {
	delay := float64(notifyBaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(notifyMaxDelay) {
		delay = float64(notifyMaxDelay)
	}
	delay += delay * notifyJitterFactor * (2*rand.Float64() - 1)
	if delay < 0 {
		delay = float64(notifyBaseDelay)
	}
	return time.Duration(delay)
}
