package federation

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"commune/pkg/identity"
	"commune/pkg/store"
	"commune/pkg/wire"
)

// EventSender queues a typed event for one peer. Implemented by the
// connection manager; faked in tests.
type EventSender interface {
	Send(peerIdentity string, t wire.EventType, payload interface{}) error
}

// Syncer reconciles the federated channel namespace with a peer after
// activation. Sync only ever adds channels and mappings, never deletes,
// so re-running it is always safe.
type Syncer struct {
	self      SelfInfo
	store     *store.Store
	directory ChannelDirectory
	sender    EventSender
	logger    *zap.Logger
}

// NewSyncer creates a channel synchronizer.
func NewSyncer(self SelfInfo, st *store.Store, dir ChannelDirectory, sender EventSender, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{self: self, store: st, directory: dir, sender: sender, logger: logger}
}

// SyncPeer ensures every locally originated, non-private channel has a
// FederatedChannel record listing the peer, then transmits the full
// applicable set over the connection. Re-triggered on every peer
// activation and safe to run manually.
func (sy *Syncer) SyncPeer(peerIdentity string) error {
	channels, err := sy.directory.ListChannels()
	if err != nil {
		return fmt.Errorf("list local channels: %w", err)
	}

	announcements := make([]wire.ChannelAnnouncement, 0, len(channels))
	for _, ch := range channels {
		if ch.Private {
			continue
		}

		fedID := ch.FederatedID
		if fedID != "" {
			fc, err := sy.store.GetFederatedChannel(fedID)
			if err != nil {
				return fmt.Errorf("resolve federated channel %q: %w", fedID, err)
			}
			// Shadows of remote channels are not ours to announce.
			if fc.OriginServer != sy.self.Identity {
				continue
			}
		} else {
			fedID = identity.DeriveChannelID(sy.self.Identity, ch.Name, strconv.FormatInt(ch.CreatedAt, 10))
		}

		fc := &store.FederatedChannel{
			FederatedID:  fedID,
			Name:         ch.Name,
			Type:         ch.Type,
			Category:     ch.Category,
			Description:  ch.Description,
			OriginServer: sy.self.Identity,
		}
		if err := sy.store.UpsertFederatedChannel(fc); err != nil {
			return err
		}
		if err := sy.store.UpsertChannelServer(&store.ChannelServer{
			FederatedID:    fedID,
			PeerIdentity:   sy.self.Identity,
			LocalChannelID: ch.ID,
			LocalName:      ch.Name,
			SyncEnabled:    true,
		}); err != nil {
			return err
		}
		if err := sy.store.UpsertChannelServer(&store.ChannelServer{
			FederatedID:  fedID,
			PeerIdentity: peerIdentity,
			SyncEnabled:  true,
		}); err != nil {
			return err
		}

		stored, err := sy.store.GetFederatedChannel(fedID)
		if err != nil {
			return err
		}
		announcements = append(announcements, wire.ChannelAnnouncement{
			FederatedID:  stored.FederatedID,
			Name:         stored.Name,
			Type:         stored.Type,
			Category:     stored.Category,
			Description:  stored.Description,
			OriginServer: stored.OriginServer,
			CreatedAt:    stored.CreatedAt,
		})
	}

	sy.logger.Info("syncing channels to peer",
		zap.String("peer", peerIdentity),
		zap.Int("channels", len(announcements)))

	return sy.sender.Send(peerIdentity, wire.EventChannelsSync, &wire.ChannelsSync{Channels: announcements})
}

// HandleChannelsSync applies a peer's channel set: unknown federated
// channels get a local shadow in the "Federated" category, known ones
// are a no-op. Replies with the local mapping for each channel.
func (sy *Syncer) HandleChannelsSync(from string, p *wire.ChannelsSync) error {
	entries := make([]wire.ChannelsSyncAckEntry, 0, len(p.Channels))

	for _, ann := range p.Channels {
		if err := sy.store.UpsertFederatedChannel(&store.FederatedChannel{
			FederatedID:  ann.FederatedID,
			Name:         ann.Name,
			Type:         ann.Type,
			Category:     ann.Category,
			Description:  ann.Description,
			OriginServer: ann.OriginServer,
			CreatedAt:    ann.CreatedAt,
		}); err != nil {
			return err
		}
		if err := sy.store.UpsertChannelServer(&store.ChannelServer{
			FederatedID:  ann.FederatedID,
			PeerIdentity: from,
			SyncEnabled:  true,
		}); err != nil {
			return err
		}

		localID, localName, err := sy.ensureShadow(ann)
		if err != nil {
			return err
		}
		entries = append(entries, wire.ChannelsSyncAckEntry{
			FederatedID:    ann.FederatedID,
			LocalChannelID: localID,
			LocalName:      localName,
		})
	}

	sy.logger.Info("applied channel sync",
		zap.String("peer", from),
		zap.Int("channels", len(entries)))

	return sy.sender.Send(from, wire.EventChannelsSyncAck, &wire.ChannelsSyncAck{Entries: entries})
}

// HandleSyncAck records the peer's local channel IDs for the channels
// we announced, completing the mapping both directions.
func (sy *Syncer) HandleSyncAck(from string, p *wire.ChannelsSyncAck) error {
	for _, entry := range p.Entries {
		if err := sy.store.UpsertChannelServer(&store.ChannelServer{
			FederatedID:    entry.FederatedID,
			PeerIdentity:   from,
			LocalChannelID: entry.LocalChannelID,
			LocalName:      entry.LocalName,
			SyncEnabled:    true,
		}); err != nil {
			return err
		}
	}
	return nil
}

// ensureShadow returns this server's local copy of a federated channel,
// creating one if it does not exist yet. A shadow colliding with an
// existing local channel name lands as "<name>-federated", which is the
// rename_remote resolution taking effect.
func (sy *Syncer) ensureShadow(ann wire.ChannelAnnouncement) (string, string, error) {
	servers, err := sy.store.ListChannelServers(ann.FederatedID)
	if err != nil {
		return "", "", err
	}
	for _, cs := range servers {
		if cs.PeerIdentity == sy.self.Identity && cs.LocalChannelID != "" {
			return cs.LocalChannelID, cs.LocalName, nil
		}
	}

	shadowName := ann.Name
	if taken, err := sy.localNameTaken(ann.Name); err != nil {
		return "", "", err
	} else if taken {
		shadowName = ann.Name + "-federated"
	}

	localID, err := sy.directory.CreateShadowChannel(LocalChannel{
		Name:        shadowName,
		Type:        ann.Type,
		Category:    "Federated",
		Description: ann.Description,
		Federated:   true,
		FederatedID: ann.FederatedID,
	})
	if err != nil {
		return "", "", fmt.Errorf("create shadow channel %q: %w", shadowName, err)
	}

	if err := sy.store.UpsertChannelServer(&store.ChannelServer{
		FederatedID:    ann.FederatedID,
		PeerIdentity:   sy.self.Identity,
		LocalChannelID: localID,
		LocalName:      shadowName,
		SyncEnabled:    true,
	}); err != nil {
		return "", "", err
	}

	sy.logger.Debug("created shadow channel",
		zap.String("federated_id", ann.FederatedID),
		zap.String("local_id", localID),
		zap.String("name", shadowName))

	return localID, shadowName, nil
}

func (sy *Syncer) localNameTaken(name string) (bool, error) {
	channels, err := sy.directory.ListChannels()
	if err != nil {
		return false, err
	}
	for _, ch := range channels {
		if strings.EqualFold(ch.Name, name) {
			return true, nil
		}
	}
	return false, nil
}
