package federation

import "errors"

var (
	// ErrAuthFailed covers a bad, expired or forged token on the duplex
	// handshake or on an authenticated peer call. Never retried.
	ErrAuthFailed = errors.New("federation authentication failed")

	// ErrFederationDisabled is returned when this server has federation
	// switched off and a request arrives anyway.
	ErrFederationDisabled = errors.New("federation is disabled")

	// ErrFederationNotSupported means the target server does not
	// advertise a federation endpoint.
	ErrFederationNotSupported = errors.New("target server does not support federation")

	// ErrPeerUnreachable marks transient network failure reaching a
	// peer. The caller decides whether to retry.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrNotConnected is returned when an event is sent to a peer with
	// no live connection.
	ErrNotConnected = errors.New("no live connection to peer")

	// ErrUnknownChannel marks an inbound relay whose target channel does
	// not exist locally. Logged and discarded, never fatal.
	ErrUnknownChannel = errors.New("unknown target channel")

	// ErrDuplicateDelivery marks a message or sync entry already applied.
	// Discarded silently.
	ErrDuplicateDelivery = errors.New("duplicate delivery")

	// ErrRequestClosed is returned when acting on a federation request
	// that is no longer pending.
	ErrRequestClosed = errors.New("federation request is no longer pending")
)
