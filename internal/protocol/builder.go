package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PacketBuilder constructs outgoing query packets.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a new PacketBuilder.
func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{}
}

// Reset clears the builder for reuse.
func (b *PacketBuilder) Reset() {
	b.buf.Reset()
}

// WriteUint8 writes a single byte.
func (b *PacketBuilder) WriteUint8(v byte) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteUint16 writes a uint16 in little-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteUint32 writes a uint32 in little-endian order.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteNullString writes a null-terminated string.
func (b *PacketBuilder) WriteNullString(s string) *PacketBuilder {
	b.buf.WriteString(s)
	b.buf.WriteByte(0)
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// Build returns a copy of the constructed packet bytes.
func (b *PacketBuilder) Build() []byte {
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}

// Len returns the current packet length.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// BuildRulesRequest builds an A2S_RULES request.
// Format: [FF FF FF FF]['V'][challenge:4]
// Pass NoChallenge to ask the server for a challenge number.
func BuildRulesRequest(challenge uint32) []byte {
	return NewPacketBuilder().
		WriteUint32(SinglePacketPrefix).
		WriteUint8(byte(A2SRulesRequest)).
		WriteUint32(challenge).
		Build()
}

// ParseChallenge reads the challenge number from an envelope-stripped S2C_CHALLENGE reply.
// Format: ['A'][challenge:4]
func ParseChallenge(payload []byte) (uint32, error) {
	if len(payload) < 1 || QueryHeader(payload[0]) != A2SChallengeReply {
		return 0, fmt.Errorf("%w: not a challenge packet", ErrInvalidChallenge)
	}

	cur := NewCursor(payload)
	cur.Seek(1)
	challenge, err := cur.ReadUint32()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidChallenge, err)
	}
	return challenge, nil
}
