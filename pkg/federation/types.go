// Package federation implements the server-to-server protocol: the
// request/approval handshake, the persistent peer connections with
// heartbeat liveness, channel synchronization and message relay.
// Durable records live in pkg/store; this package owns the behavior.
package federation

import (
	"time"

	"commune/pkg/store"
	"commune/pkg/wire"
)

// SelfInfo describes this server as advertised to peers.
type SelfInfo struct {
	Identity       string
	Name           string
	HTTPEndpoint   string
	SocketEndpoint string
}

// DiscoveryChannel is one channel entry in a server's public discovery
// document, carrying just enough for conflict analysis.
type DiscoveryChannel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Users int    `json:"users"`
}

// DiscoveryInfo is the public document a server exposes to prospective
// peers: who it is, where to reach it, and what it shares.
type DiscoveryInfo struct {
	Identity          string             `json:"identity"`
	Name              string             `json:"name"`
	HTTPEndpoint      string             `json:"http_endpoint"`
	SocketEndpoint    string             `json:"socket_endpoint"`
	FederationEnabled bool               `json:"federation_enabled"`
	Stats             store.ServerStats  `json:"stats"`
	Channels          []DiscoveryChannel `json:"channels"`
}

// RequestPayload is the body POSTed to a target server to propose
// federation. Conflicts are expressed from the requester's perspective.
type RequestPayload struct {
	RequestID      string                  `json:"request_id"`
	Identity       string                  `json:"identity"`
	Name           string                  `json:"name"`
	HTTPEndpoint   string                  `json:"http_endpoint"`
	SocketEndpoint string                  `json:"socket_endpoint"`
	ProposedSecret string                  `json:"proposed_secret"`
	Conflicts      []store.ChannelConflict `json:"conflicts,omitempty"`
	Stats          store.ServerStats       `json:"stats"`
}

// RequestResponse is what the target returns for a submitted request.
// Status is pending unless the target auto-accepted.
type RequestResponse struct {
	RequestID string                  `json:"request_id"`
	Status    store.RequestStatus     `json:"status"`
	Conflicts []store.ChannelConflict `json:"conflicts,omitempty"`
}

// ApprovalNotice is the out-of-band notification carrying the approving
// server's details back to the initiator. Conflicts are expressed from
// the initiator's perspective so it can apply its own renames directly.
type ApprovalNotice struct {
	RequestID      string                  `json:"request_id"`
	Identity       string                  `json:"identity"`
	Name           string                  `json:"name"`
	HTTPEndpoint   string                  `json:"http_endpoint"`
	SocketEndpoint string                  `json:"socket_endpoint"`
	SharedSecret   string                  `json:"shared_secret"`
	Conflicts      []store.ChannelConflict `json:"conflicts,omitempty"`
}

// RejectionNotice tells the initiator its request was declined.
type RejectionNotice struct {
	RequestID string `json:"request_id"`
	Identity  string `json:"identity"`
	Reason    string `json:"reason"`
}

// DisconnectNotice asks a peer to mark this server disconnected. The
// peer record survives; see RemoveNotice for permanent teardown.
type DisconnectNotice struct {
	Identity string `json:"identity"`
	Reason   string `json:"reason"`
}

// RemoveNotice tells a peer to delete the relationship entirely.
type RemoveNotice struct {
	Identity string `json:"identity"`
}

// Author identifies who wrote a message: a real local account or a
// frozen snapshot of a remote author. Exactly one of the two is set,
// so federated authors can never be mistaken for local user records.
type Author struct {
	LocalUserID string
	Remote      *wire.AuthorSnapshot
}

// LocalAuthor builds an Author referencing a local user account.
func LocalAuthor(userID string) Author {
	return Author{LocalUserID: userID}
}

// FederatedAuthor builds an Author from a remote author snapshot.
func FederatedAuthor(snapshot wire.AuthorSnapshot) Author {
	return Author{Remote: &snapshot}
}

// IsFederated reports whether the author is a remote snapshot.
func (a Author) IsFederated() bool {
	return a.Remote != nil
}

// InboundMessage is a relayed message resolved to a local channel,
// handed to the event publisher for local subscribers.
type InboundMessage struct {
	FederatedID    string
	LocalChannelID string
	Author         Author
	Content        string
	Attachments    []wire.Attachment
	OriginServer   string
	OriginName     string
	CreatedAt      time.Time
}
