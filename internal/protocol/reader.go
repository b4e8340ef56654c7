package protocol

import (
	"encoding/binary"

	"golang.org/x/text/encoding/unicode"
)

// Cursor is a read position over an in-memory packet. Backtracking is done by
// saving Pos and restoring it with Seek.
type Cursor struct {
	data []byte
	pos  int
}

// NewCursor creates a cursor at the start of data.
func NewCursor(data []byte) *Cursor {
	return &Cursor{data: data}
}

// Pos returns the current offset.
func (c *Cursor) Pos() int {
	return c.pos
}

// Seek moves the cursor to an offset previously returned by Pos.
func (c *Cursor) Seek(pos int) {
	if pos < 0 {
		pos = 0
	}
	if pos > len(c.data) {
		pos = len(c.data)
	}
	c.pos = pos
}

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int {
	return len(c.data) - c.pos
}

// ReadByte reads one raw byte.
func (c *Cursor) ReadByte() (byte, error) {
	if c.pos >= len(c.data) {
		return 0, ErrUnexpectedEOF
	}
	b := c.data[c.pos]
	c.pos++
	return b, nil
}

// ReadUint16 reads a raw little-endian uint16.
func (c *Cursor) ReadUint16() (uint16, error) {
	if c.Remaining() < 2 {
		return 0, ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint16(c.data[c.pos:])
	c.pos += 2
	return v, nil
}

// ReadUint32 reads a raw little-endian uint32.
func (c *Cursor) ReadUint32() (uint32, error) {
	if c.Remaining() < 4 {
		return 0, ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint32(c.data[c.pos:])
	c.pos += 4
	return v, nil
}

// ReadUntilZero returns the raw bytes up to the next 0x00 and consumes the terminator.
// The returned slice aliases the packet buffer.
func (c *Cursor) ReadUntilZero() ([]byte, error) {
	for i := c.pos; i < len(c.data); i++ {
		if c.data[i] == 0 {
			out := c.data[c.pos:i]
			c.pos = i + 1
			return out, nil
		}
	}
	c.pos = len(c.data)
	return nil, ErrUnexpectedEOF
}

// ReadCString reads a null-terminated string, decoded as lossy UTF-8.
func (c *Cursor) ReadCString() (string, error) {
	raw, err := c.ReadUntilZero()
	if err != nil {
		return "", err
	}
	return lossyString(raw), nil
}

// EscapedReader reads logical bytes from a cursor, undoing the 0x01 escape scheme:
// 01 01 -> 01, 01 02 -> 00, 01 03 -> FF.
type EscapedReader struct {
	cur *Cursor
}

// NewEscapedReader wraps a cursor.
func NewEscapedReader(cur *Cursor) *EscapedReader {
	return &EscapedReader{cur: cur}
}

// Pos returns the raw offset of the underlying cursor.
func (r *EscapedReader) Pos() int {
	return r.cur.Pos()
}

// Seek restores a raw offset returned by Pos.
func (r *EscapedReader) Seek(pos int) {
	r.cur.Seek(pos)
}

// NextByte reads one logical byte.
//
// An introducer followed by an unknown discriminator yields the introducer
// itself and the discriminator is dropped. Whether real servers ever send that
// sequence is unknown.
func (r *EscapedReader) NextByte() (byte, error) {
	b0, err := r.cur.ReadByte()
	if err != nil {
		return 0, err
	}
	if b0 != escapeIntroducer {
		return b0, nil
	}

	b1, err := r.cur.ReadByte()
	if err != nil {
		return 0, err
	}
	switch b1 {
	case escapeSelf:
		return 0x01, nil
	case escapeZero:
		return 0x00, nil
	case escapeFF:
		return 0xFF, nil
	default:
		return b0, nil
	}
}

// NextUint32LE reads four logical bytes as a little-endian uint32.
func (r *EscapedReader) NextUint32LE() (uint32, error) {
	var buf [4]byte
	for i := range buf {
		b, err := r.NextByte()
		if err != nil {
			return 0, err
		}
		buf[i] = b
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// NextString reads a one-byte length followed by that many logical bytes.
func (r *EscapedReader) NextString() (string, error) {
	n, err := r.NextByte()
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	for i := range buf {
		if buf[i], err = r.NextByte(); err != nil {
			return "", err
		}
	}
	return lossyString(buf), nil
}

// lossyString converts wire bytes to text, replacing invalid sequences with U+FFFD.
func lossyString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	// Invalid input is replaced, never reported.
	out, _ := unicode.UTF8.NewDecoder().Bytes(b)
	return string(out)
}
