package federation

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"commune/pkg/identity"
	"commune/pkg/store"
	"commune/pkg/wire"
)

// Relay forwards locally authored messages to peers sharing the
// channel and ingests inbound federated messages. Delivery is
// at-least-once; dedup by derived message ID on both sides keeps it
// idempotent.
type Relay struct {
	self      SelfInfo
	store     *store.Store
	directory ChannelDirectory
	publisher EventPublisher
	sender    EventSender
	logger    *zap.Logger
}

// NewRelay creates a message relay.
func NewRelay(self SelfInfo, st *store.Store, dir ChannelDirectory, pub EventPublisher, sender EventSender, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{self: self, store: st, directory: dir, publisher: pub, sender: sender, logger: logger}
}

// RelayLocalMessage forwards a locally posted message to every peer
// carrying its channel. Messages in non-federated channels are a
// no-op. Calling twice with the same local message (retry after a
// crash) creates exactly one record and re-sends nothing.
func (r *Relay) RelayLocalMessage(localChannelID, localMessageID string,
	author wire.AuthorSnapshot, content string, attachments []wire.Attachment, createdAt time.Time) error {

	cs, err := r.store.FindChannelServerByLocal(r.self.Identity, localChannelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if author.ServerName == "" {
		author.ServerName = r.self.Name
	}

	fedID := identity.DeriveMessageID(r.self.Identity, localMessageID)
	msg := &store.FederatedMessage{
		FederatedID:        fedID,
		OriginServer:       r.self.Identity,
		OriginMessageID:    localMessageID,
		FederatedChannelID: cs.FederatedID,
		Author:             author,
		Content:            content,
		Attachments:        attachments,
		CreatedAt:          createdAt,
	}
	inserted, err := r.store.InsertMessageIfAbsent(msg)
	if err != nil {
		return err
	}
	if !inserted {
		// Double-relay on retry. Peers dedup on their side too.
		r.logger.Debug("suppressing duplicate relay",
			zap.String("federated_id", fedID))
		return nil
	}

	servers, err := r.store.ListChannelServers(cs.FederatedID)
	if err != nil {
		return err
	}

	for _, peer := range servers {
		if peer.PeerIdentity == r.self.Identity || !peer.SyncEnabled {
			continue
		}

		payload := &wire.MessageRelay{
			FederatedID:        fedID,
			OriginServer:       r.self.Identity,
			OriginMessageID:    localMessageID,
			FederatedChannelID: cs.FederatedID,
			TargetChannelID:    peer.LocalChannelID,
			Author:             author,
			Content:            content,
			Attachments:        attachments,
			CreatedAt:          createdAt,
		}

		state := store.DeliverySent
		if err := r.sender.Send(peer.PeerIdentity, wire.EventMessage, payload); err != nil {
			state = store.DeliveryFailed
			r.logger.Debug("relay send failed",
				zap.String("peer", peer.PeerIdentity),
				zap.String("federated_id", fedID),
				zap.Error(err))
		}
		if err := r.store.UpsertDelivery(fedID, peer.PeerIdentity, state); err != nil {
			return err
		}
	}
	return nil
}

// HandleInbound ingests a relayed message from a peer. Redeliveries
// are discarded silently; a missing target channel is logged and
// discarded (a sync race, never fatal). The published author is a
// synthetic snapshot, never a local user record.
func (r *Relay) HandleInbound(from string, p *wire.MessageRelay) error {
	exists, err := r.store.HasMessage(p.FederatedID)
	if err != nil {
		return err
	}
	if exists {
		r.logger.Debug("discarding duplicate federated message",
			zap.String("federated_id", p.FederatedID),
			zap.String("peer", from))
		return r.ack(from, p.FederatedID)
	}

	localID := p.TargetChannelID
	if localID == "" {
		localID, err = r.resolveLocalChannel(p.FederatedChannelID)
		if err != nil {
			return err
		}
	}
	var ch *LocalChannel
	if localID != "" {
		if ch, err = r.directory.FindChannel(localID); err != nil {
			return fmt.Errorf("resolve target channel %q: %w", localID, err)
		}
	}
	if ch == nil {
		r.logger.Warn("discarding message for unknown target channel",
			zap.String("federated_id", p.FederatedID),
			zap.String("target_channel", localID),
			zap.String("peer", from))
		return nil
	}

	msg := &store.FederatedMessage{
		FederatedID:        p.FederatedID,
		OriginServer:       p.OriginServer,
		OriginMessageID:    p.OriginMessageID,
		FederatedChannelID: p.FederatedChannelID,
		Author:             p.Author,
		Content:            p.Content,
		Attachments:        p.Attachments,
		CreatedAt:          p.CreatedAt,
	}
	if _, err := r.store.InsertMessageIfAbsent(msg); err != nil {
		return err
	}

	r.publisher.PublishMessage(InboundMessage{
		FederatedID:    p.FederatedID,
		LocalChannelID: ch.ID,
		Author:         FederatedAuthor(p.Author),
		Content:        p.Content,
		Attachments:    p.Attachments,
		OriginServer:   p.OriginServer,
		OriginName:     p.Author.ServerName,
		CreatedAt:      p.CreatedAt,
	})

	return r.ack(from, p.FederatedID)
}

// HandleAck marks a message delivered to the acknowledging peer.
func (r *Relay) HandleAck(from string, p *wire.MessageAck) error {
	return r.store.UpsertDelivery(p.FederatedID, from, store.DeliveryAcked)
}

func (r *Relay) ack(to, federatedID string) error {
	if err := r.sender.Send(to, wire.EventMessageAck, &wire.MessageAck{FederatedID: federatedID}); err != nil {
		r.logger.Debug("message ack send failed",
			zap.String("peer", to), zap.Error(err))
	}
	return nil
}

// resolveLocalChannel falls back to the stored mapping when the sender
// did not include a target channel ID.
func (r *Relay) resolveLocalChannel(federatedID string) (string, error) {
	servers, err := r.store.ListChannelServers(federatedID)
	if err != nil {
		return "", err
	}
	for _, cs := range servers {
		if cs.PeerIdentity == r.self.Identity {
			return cs.LocalChannelID, nil
		}
	}
	return "", nil
}
