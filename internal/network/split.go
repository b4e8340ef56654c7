package network

import (
	"encoding/binary"
	"fmt"

	"github.com/energizer-project/querycache/internal/protocol"
)

// compressedFlag marks a split packet id whose payload is bzip2 compressed.
const compressedFlag uint32 = 0x80000000

// maxSplitParts bounds the declared part count of a split reply.
const maxSplitParts = 32

// splitPart is one datagram of a split reply, with the FE FF FF FF prefix removed.
type splitPart struct {
	id      uint32
	total   int
	number  int
	payload []byte
}

// parseSplitPart reads a Source split header.
// Format: [id:4][total:1][number:1][max_size:2][payload...]
func parseSplitPart(data []byte) (splitPart, error) {
	if len(data) < 8 {
		return splitPart{}, fmt.Errorf("%w: split header too short (%d bytes)", ErrUnexpectedPacket, len(data))
	}

	part := splitPart{
		id:     binary.LittleEndian.Uint32(data[0:4]),
		total:  int(data[4]),
		number: int(data[5]),
	}
	if part.id&compressedFlag != 0 {
		return splitPart{}, ErrCompressedPacket
	}
	if part.total == 0 || part.total > maxSplitParts || part.number >= part.total {
		return splitPart{}, fmt.Errorf("%w: split part %d of %d", ErrUnexpectedPacket, part.number, part.total)
	}

	part.payload = append([]byte(nil), data[8:]...)
	return part, nil
}

// splitAssembler collects the parts of one split reply.
type splitAssembler struct {
	id    uint32
	total int
	parts [][]byte
	have  int
}

func newSplitAssembler(first splitPart) *splitAssembler {
	return &splitAssembler{
		id:    first.id,
		total: first.total,
		parts: make([][]byte, first.total),
	}
}

// add stores a part and reports whether every part has arrived.
// Parts belonging to another reply id are ignored.
func (a *splitAssembler) add(part splitPart) (bool, error) {
	if part.id != a.id {
		return false, nil
	}
	if part.total != a.total {
		return false, fmt.Errorf("%w: split part count changed from %d to %d", ErrUnexpectedPacket, a.total, part.total)
	}
	if a.parts[part.number] == nil {
		a.have++
	}
	a.parts[part.number] = part.payload
	return a.have == a.total, nil
}

// payload joins the parts and strips the inner single-packet prefix.
func (a *splitAssembler) payload() ([]byte, error) {
	var joined []byte
	for _, p := range a.parts {
		joined = append(joined, p...)
	}
	if len(joined) < 4 || binary.LittleEndian.Uint32(joined) != protocol.SinglePacketPrefix {
		return nil, fmt.Errorf("%w: reassembled reply lacks single-packet prefix", ErrUnexpectedPacket)
	}
	return joined[4:], nil
}
