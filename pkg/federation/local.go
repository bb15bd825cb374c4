package federation

import "commune/pkg/store"

// LocalChannel is the subsystem's view of one channel in the host
// platform's data model.
type LocalChannel struct {
	ID          string
	Name        string
	Type        string
	Category    string
	Description string
	Private     bool
	Federated   bool
	FederatedID string
	Users       int
	CreatedAt   int64
}

// ChannelDirectory is the host platform's channel store. The chat data
// model itself is outside this subsystem; federation only needs to
// enumerate channels, create shadows for remote ones, and rename on
// conflict resolution.
type ChannelDirectory interface {
	// ListChannels returns every local channel, private ones included.
	// Callers filter private channels out of federation themselves.
	ListChannels() ([]LocalChannel, error)

	// FindChannel looks up a channel by its local ID. Returns nil when
	// the channel does not exist.
	FindChannel(localID string) (*LocalChannel, error)

	// CreateShadowChannel materializes a local copy of a remote
	// federated channel and returns its local ID.
	CreateShadowChannel(ch LocalChannel) (string, error)

	// RenameChannel applies a conflict-resolution rename.
	RenameChannel(localID, newName string) error

	// Stats snapshots the server's size for discovery and conflict
	// analysis.
	Stats() (store.ServerStats, error)
}

// EventPublisher pushes federation events to this server's local
// subscribers. The real-time client transport is outside this
// subsystem.
type EventPublisher interface {
	// PublishMessage delivers an inbound federated message to local
	// channel subscribers, marked with its origin server.
	PublishMessage(msg InboundMessage)

	// PublishChannelUpdate announces a canonical metadata change on a
	// shadow channel.
	PublishChannelUpdate(localChannelID, name, description string)

	// PublishUserStatus relays an ephemeral presence update.
	PublishUserStatus(originServer, username, status string)

	// PublishVoiceState relays an ephemeral voice channel update.
	PublishVoiceState(localChannelID, username string, joined, speaking bool)
}
