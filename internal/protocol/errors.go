package protocol

import "errors"

var (
	// ErrInvalidHeader means the first byte is not a known tag, or not the tag the decoder expects.
	ErrInvalidHeader = errors.New("protocol: invalid header")
	// ErrUnexpectedEOF means a read needed more bytes than remain.
	ErrUnexpectedEOF = errors.New("protocol: unexpected end of input")
	// ErrTruncatedModRecord means a detected mod record could not be fully decoded.
	ErrTruncatedModRecord = errors.New("protocol: truncated mod record")
	// ErrInvalidChallenge means a challenge reply was malformed.
	ErrInvalidChallenge = errors.New("protocol: invalid challenge reply")
)
