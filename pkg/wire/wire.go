// Package wire defines the typed events carried over the server-to-server
// duplex channel. Every event kind has its own payload struct and is
// validated before a receiver acts on it, so a malformed frame can never
// be silently misinterpreted.
package wire

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// EventType tags an envelope with the kind of payload it carries.
type EventType string

const (
	EventHeartbeat       EventType = "heartbeat"
	EventHeartbeatAck    EventType = "heartbeat_ack"
	EventChannelsSync    EventType = "channels_sync"
	EventChannelsSyncAck EventType = "channels_sync_ack"
	EventMessage         EventType = "message"
	EventMessageAck      EventType = "message_ack"
	EventChannelUpdate   EventType = "channel_update"
	EventUserStatus      EventType = "user_status"
	EventVoiceState      EventType = "voice_state"
	EventDisconnect      EventType = "disconnect"
)

var (
	ErrUnknownEventType = errors.New("unknown federation event type")
	ErrMalformedEvent   = errors.New("malformed federation event")
)

// Envelope is the frame exchanged between peers. Payload holds the raw
// bytes of exactly one payload struct matching Type.
type Envelope struct {
	Type    EventType       `json:"type"`
	From    string          `json:"from"`
	SentAt  time.Time       `json:"sent_at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Heartbeat carries liveness from the connection owner.
type Heartbeat struct {
	Identity  string    `json:"identity"`
	Timestamp time.Time `json:"timestamp"`
}

// HeartbeatAck confirms receipt of a heartbeat.
type HeartbeatAck struct {
	Identity  string    `json:"identity"`
	Timestamp time.Time `json:"timestamp"`
}

// ChannelAnnouncement describes one federated channel during sync.
type ChannelAnnouncement struct {
	FederatedID  string    `json:"federated_id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Category     string    `json:"category,omitempty"`
	Description  string    `json:"description,omitempty"`
	OriginServer string    `json:"origin_server"`
	CreatedAt    time.Time `json:"created_at"`
}

// ChannelsSync transmits the applicable federated channel set to a peer.
type ChannelsSync struct {
	Channels []ChannelAnnouncement `json:"channels"`
}

// ChannelsSyncAckEntry reports the receiver's local mapping for one
// accepted federated channel.
type ChannelsSyncAckEntry struct {
	FederatedID    string `json:"federated_id"`
	LocalChannelID string `json:"local_channel_id"`
	LocalName      string `json:"local_name"`
}

// ChannelsSyncAck acknowledges a channels_sync event.
type ChannelsSyncAck struct {
	Entries []ChannelsSyncAckEntry `json:"entries"`
}

// AuthorSnapshot is a frozen copy of the message author's display
// attributes. The author account does not exist on the receiving
// server, so this is never a live user reference.
type AuthorSnapshot struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	ServerName  string `json:"server_name,omitempty"`
}

// Attachment describes one file attached to a relayed message.
type Attachment struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// MessageRelay carries one chat message across the federation.
type MessageRelay struct {
	FederatedID        string         `json:"federated_id"`
	OriginServer       string         `json:"origin_server"`
	OriginMessageID    string         `json:"origin_message_id"`
	FederatedChannelID string         `json:"federated_channel_id"`
	TargetChannelID    string         `json:"target_channel_id,omitempty"`
	Author             AuthorSnapshot `json:"author"`
	Content            string         `json:"content"`
	Attachments        []Attachment   `json:"attachments,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// MessageAck acknowledges ingestion of a relayed message.
type MessageAck struct {
	FederatedID string `json:"federated_id"`
}

// ChannelUpdate propagates canonical metadata changes for a federated
// channel from its origin server.
type ChannelUpdate struct {
	FederatedID string `json:"federated_id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// UserStatus is an ephemeral presence update; it is relayed to local
// subscribers and never persisted.
type UserStatus struct {
	Username string `json:"username"`
	Status   string `json:"status"`
}

// VoiceState is an ephemeral voice channel state update.
type VoiceState struct {
	FederatedChannelID string `json:"federated_channel_id"`
	Username           string `json:"username"`
	Joined             bool   `json:"joined"`
	Speaking           bool   `json:"speaking,omitempty"`
}

// Disconnect tells the peer this side is going away.
type Disconnect struct {
	Reason string `json:"reason"`
}

// Encode builds an envelope around payload and marshals it.
func Encode(t EventType, from string, payload interface{}) ([]byte, error) {
	if !knownType(t) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, t)
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		raw = data
	}

	env := Envelope{
		Type:    t,
		From:    from,
		SentAt:  time.Now().UTC(),
		Payload: raw,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", t, err)
	}
	return data, nil
}

// Decode parses an envelope and checks its type tag. Payload contents
// are validated by DecodePayload.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if !knownType(env.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}
	return &env, nil
}

// DecodePayload unmarshals and validates the payload struct matching
// the envelope's type.
func (e *Envelope) DecodePayload() (interface{}, error) {
	switch e.Type {
	case EventHeartbeat:
		var p Heartbeat
		if err := e.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		if p.Identity == "" {
			return nil, fmt.Errorf("%w: heartbeat missing identity", ErrMalformedEvent)
		}
		return &p, nil

	case EventHeartbeatAck:
		var p HeartbeatAck
		if err := e.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		return &p, nil

	case EventChannelsSync:
		var p ChannelsSync
		if err := e.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		for _, ch := range p.Channels {
			if ch.FederatedID == "" || ch.Name == "" || ch.OriginServer == "" {
				return nil, fmt.Errorf("%w: channel announcement missing required fields", ErrMalformedEvent)
			}
		}
		return &p, nil

	case EventChannelsSyncAck:
		var p ChannelsSyncAck
		if err := e.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		for _, entry := range p.Entries {
			if entry.FederatedID == "" || entry.LocalChannelID == "" {
				return nil, fmt.Errorf("%w: sync ack entry missing required fields", ErrMalformedEvent)
			}
		}
		return &p, nil

	case EventMessage:
		var p MessageRelay
		if err := e.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		if p.FederatedID == "" || p.OriginServer == "" || p.FederatedChannelID == "" {
			return nil, fmt.Errorf("%w: message relay missing required fields", ErrMalformedEvent)
		}
		if p.Author.Username == "" {
			return nil, fmt.Errorf("%w: message relay missing author", ErrMalformedEvent)
		}
		return &p, nil

	case EventMessageAck:
		var p MessageAck
		if err := e.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		if p.FederatedID == "" {
			return nil, fmt.Errorf("%w: message ack missing federated id", ErrMalformedEvent)
		}
		return &p, nil

	case EventChannelUpdate:
		var p ChannelUpdate
		if err := e.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		if p.FederatedID == "" {
			return nil, fmt.Errorf("%w: channel update missing federated id", ErrMalformedEvent)
		}
		return &p, nil

	case EventUserStatus:
		var p UserStatus
		if err := e.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		if p.Username == "" {
			return nil, fmt.Errorf("%w: user status missing username", ErrMalformedEvent)
		}
		return &p, nil

	case EventVoiceState:
		var p VoiceState
		if err := e.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		if p.Username == "" || p.FederatedChannelID == "" {
			return nil, fmt.Errorf("%w: voice state missing required fields", ErrMalformedEvent)
		}
		return &p, nil

	case EventDisconnect:
		var p Disconnect
		if err := e.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		return &p, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
}

func (e *Envelope) unmarshalPayload(dst interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s event has no payload", ErrMalformedEvent, e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: bad %s payload: %v", ErrMalformedEvent, e.Type, err)
	}
	return nil
}

func knownType(t EventType) bool {
	switch t {
	case EventHeartbeat, EventHeartbeatAck,
		EventChannelsSync, EventChannelsSyncAck,
		EventMessage, EventMessageAck,
		EventChannelUpdate, EventUserStatus, EventVoiceState,
		EventDisconnect:
		return true
	}
	return false
}
