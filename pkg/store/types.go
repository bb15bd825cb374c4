package store

import (
	"time"

	"commune/pkg/wire"
)

// PeerStatus is the lifecycle state of a remote server record.
type PeerStatus string

const (
	PeerPending      PeerStatus = "pending"
	PeerActive       PeerStatus = "active"
	PeerSuspended    PeerStatus = "suspended"
	PeerDisconnected PeerStatus = "disconnected"
)

// TrustLevel classifies how much of this server's data is exposed to a peer.
type TrustLevel string

const (
	TrustFull    TrustLevel = "full"
	TrustLimited TrustLevel = "limited"
	TrustMinimal TrustLevel = "minimal"
)

// ChannelMapping links a local channel to its federated identity and the
// remote side's local copy.
type ChannelMapping struct {
	LocalChannelID  string `json:"local_channel_id"`
	FederatedID     string `json:"federated_id"`
	RemoteChannelID string `json:"remote_channel_id,omitempty"`
	SyncEnabled     bool   `json:"sync_enabled"`
}

// PeerServer is the durable record of a remote federated server.
// The shared secret is known only to the two parties and is never
// transmitted again after the handshake.
type PeerServer struct {
	Identity       string
	Name           string
	HTTPEndpoint   string
	SocketEndpoint string
	SharedSecret   string
	Status         PeerStatus
	TrustLevel     TrustLevel
	IsInitiator    bool
	LastHeartbeat  time.Time
	CreatedAt      time.Time
	Mappings       []ChannelMapping
}

// RequestStatus is the state of a federation request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
	RequestExpired  RequestStatus = "expired"
)

// RequestDirection records which side of the handshake this record is.
type RequestDirection string

const (
	RequestOutbound RequestDirection = "outbound"
	RequestInbound  RequestDirection = "inbound"
)

// ConflictResolution is the suggested or chosen fix for a channel-name
// collision. rename_remote renames the remote channel as seen locally;
// rename_local renames this server's own channel; keep accepts the
// collision as-is, leaving two same-named channels distinguished only by
// their origin server.
type ConflictResolution string

const (
	ResolutionRenameRemote ConflictResolution = "rename_remote"
	ResolutionRenameLocal  ConflictResolution = "rename_local"
	ResolutionKeep         ConflictResolution = "keep"
)

// ChannelConflict is one case-insensitive name collision detected
// between two servers' channel namespaces. The resolution is a
// heuristic suggestion surfaced to the approver, never a guarantee.
type ChannelConflict struct {
	ChannelName     string             `json:"channel_name"`
	LocalChannelID  string             `json:"local_channel_id"`
	RemoteChannelID string             `json:"remote_channel_id"`
	LocalUsers      int                `json:"local_users"`
	RemoteUsers     int                `json:"remote_users"`
	Resolution      ConflictResolution `json:"resolution"`
	SuggestedName   string             `json:"suggested_name"`
}

// ServerStats is a point-in-time snapshot of a server's size, used by
// the conflict heuristic and shown to the human approver.
type ServerStats struct {
	Users    int `json:"users"`
	Channels int `json:"channels"`
}

// FederationRequest is a proposed trust relationship awaiting approval.
// Terminal once approved, rejected or expired; approval creates exactly
// one PeerServer.
type FederationRequest struct {
	ID                string
	Direction         RequestDirection
	RequesterIdentity string
	RequesterName     string
	RequesterHTTP     string
	RequesterSocket   string
	TargetIdentity    string
	ProposedSecret    string
	Conflicts         []ChannelConflict
	RequesterStats    ServerStats
	Status            RequestStatus
	Reason            string
	ReviewedBy        string
	ReviewNotes       string
	CreatedAt         time.Time
	ExpiresAt         time.Time
}

// Expired reports whether a still-pending request has outlived its expiry.
func (r *FederationRequest) Expired(now time.Time) bool {
	return r.Status == RequestPending && now.After(r.ExpiresAt)
}

// FederatedChannel is a channel identity shared across the mesh. The
// federated ID is globally unique and stable once minted.
type FederatedChannel struct {
	FederatedID  string
	Name         string
	Type         string
	Category     string
	Description  string
	OriginServer string
	CreatedAt    time.Time
}

// ChannelServer is one server's participation in a federated channel.
// LocalName may diverge from the canonical name due to conflict
// resolution on that server.
type ChannelServer struct {
	FederatedID    string
	PeerIdentity   string
	LocalChannelID string
	LocalName      string
	SyncEnabled    bool
}

// DeliveryState tracks one peer's receipt of a relayed message.
type DeliveryState string

const (
	DeliverySent   DeliveryState = "sent"
	DeliveryAcked  DeliveryState = "acked"
	DeliveryFailed DeliveryState = "failed"
)

// Delivery is a per-peer delivery status entry for a federated message.
type Delivery struct {
	FederatedID  string
	PeerIdentity string
	State        DeliveryState
	UpdatedAt    time.Time
}

// FederatedMessage is the relay record for one chat message crossing
// the federation. Content is immutable after creation; the federated ID
// is derived from (origin server, origin message ID) which makes
// ingestion idempotent.
type FederatedMessage struct {
	FederatedID        string
	OriginServer       string
	OriginMessageID    string
	FederatedChannelID string
	Author             wire.AuthorSnapshot
	Content            string
	Attachments        []wire.Attachment
	CreatedAt          time.Time
	StoredAt           time.Time
}
