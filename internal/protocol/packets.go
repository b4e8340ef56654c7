// Package protocol implements the A2S query packet codecs used by querycache:
// request builders for the rules handshake and the decoder for rules replies,
// including the mod manifest that some server builds smuggle inside the rule
// list. Integers are little-endian unless noted.
package protocol

import "fmt"

// QueryHeader identifies an A2S packet type by its leading byte.
type QueryHeader byte

// Packet header bytes.
const (
	// Requests
	A2SInfoRequest   QueryHeader = 0x54 // 'T'
	A2SPlayerRequest QueryHeader = 0x55 // 'U'
	A2SRulesRequest  QueryHeader = 0x56 // 'V'

	// Replies
	A2SChallengeReply QueryHeader = 0x41 // 'A'
	A2SPlayerReply    QueryHeader = 0x44 // 'D'
	A2SRulesReply     QueryHeader = 0x45 // 'E'
	A2SInfoReply      QueryHeader = 0x49 // 'I'
)

var queryHeaderNames = map[QueryHeader]string{
	A2SInfoRequest:    "A2S_INFO",
	A2SPlayerRequest:  "A2S_PLAYER",
	A2SRulesRequest:   "A2S_RULES",
	A2SChallengeReply: "S2C_CHALLENGE",
	A2SPlayerReply:    "A2S_PLAYER_REPLY",
	A2SRulesReply:     "A2S_RULES_REPLY",
	A2SInfoReply:      "A2S_INFO_REPLY",
}

// String returns the protocol name of the header.
func (h QueryHeader) String() string {
	if name, ok := queryHeaderNames[h]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02X)", byte(h))
}

// MarshalText serializes the header by name so JSON output stays readable.
func (h QueryHeader) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// ParseQueryHeader maps a raw byte to a known header.
func ParseQueryHeader(b byte) (QueryHeader, error) {
	h := QueryHeader(b)
	if _, ok := queryHeaderNames[h]; !ok {
		return 0, fmt.Errorf("%w: unknown packet tag 0x%02X", ErrInvalidHeader, b)
	}
	return h, nil
}

// Transport envelope prefixes (little-endian int32 -1 and -2).
const (
	SinglePacketPrefix uint32 = 0xFFFFFFFF
	SplitPacketPrefix  uint32 = 0xFFFFFFFE
)

// NoChallenge is sent in the first rules request to ask the server for a challenge.
const NoChallenge uint32 = 0xFFFFFFFF

// MaxPacketSize is the largest UDP datagram accepted from a server.
const MaxPacketSize = 65535

// Escape scheme bytes used inside rules reply bodies.
const (
	escapeIntroducer byte = 0x01
	escapeSelf       byte = 0x01
	escapeZero       byte = 0x02
	escapeFF         byte = 0x03
)

// modKindFlag is the optional per-mod byte consumed only when it has this value.
const modKindFlag byte = 4
