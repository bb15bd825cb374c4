package identity

import (
	"crypto/sha256"
	"encoding/hex"
)

// Federated ID prefixes. The IDs are one-way deterministic hashes so
// that any server can re-derive them from the same inputs, which makes
// channel sync and message ingestion idempotent without a lookup.
const (
	ChannelIDPrefix = "fch_"
	MessageIDPrefix = "fmsg_"

	derivedIDBytes = 16 // SHA-256 truncated to 128 bits
)

// DeriveChannelID computes the stable federated ID for a channel from
// its origin server identity, canonical name and a creation seed.
func DeriveChannelID(originIdentity, channelName, seed string) string {
	return ChannelIDPrefix + deriveID(originIdentity, channelName, seed)
}

// DeriveMessageID computes the stable federated ID for a message from
// its origin server identity and origin-local message ID.
func DeriveMessageID(originIdentity, localMessageID string) string {
	return MessageIDPrefix + deriveID(originIdentity, localMessageID)
}

func deriveID(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil)[:derivedIDBytes])
}
