package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestBuildRulesRequest(t *testing.T) {
	got := BuildRulesRequest(NoChallenge)
	want := []byte{0xFF, 0xFF, 0xFF, 0xFF, 'V', 0xFF, 0xFF, 0xFF, 0xFF}
	if !bytes.Equal(got, want) {
		t.Fatalf("expected % X, got % X", want, got)
	}

	got = BuildRulesRequest(0x0A0B0C0D)
	want = []byte{0xFF, 0xFF, 0xFF, 0xFF, 'V', 0x0D, 0x0C, 0x0B, 0x0A}
	if !bytes.Equal(got, want) {
		t.Fatalf("expected % X, got % X", want, got)
	}
}

func TestParseChallenge(t *testing.T) {
	challenge, err := ParseChallenge([]byte{'A', 0x78, 0x56, 0x34, 0x12})
	if err != nil {
		t.Fatalf("ParseChallenge: %v", err)
	}
	if challenge != 0x12345678 {
		t.Fatalf("expected 0x12345678, got 0x%08X", challenge)
	}

	for _, raw := range [][]byte{nil, {'E', 0, 0, 0, 0}, {'A', 1, 2}} {
		if _, err := ParseChallenge(raw); !errors.Is(err, ErrInvalidChallenge) {
			t.Fatalf("payload % X: expected ErrInvalidChallenge, got %v", raw, err)
		}
	}
}

func TestParseQueryHeader(t *testing.T) {
	h, err := ParseQueryHeader(0x45)
	if err != nil {
		t.Fatalf("ParseQueryHeader: %v", err)
	}
	if h != A2SRulesReply || h.String() != "A2S_RULES_REPLY" {
		t.Fatalf("unexpected header %s", h)
	}

	if _, err := ParseQueryHeader(0xFF); !errors.Is(err, ErrInvalidHeader) {
		t.Fatalf("expected ErrInvalidHeader, got %v", err)
	}
	if got := QueryHeader(0x10).String(); got != "unknown(0x10)" {
		t.Fatalf("unexpected string %q", got)
	}
}

func TestPacketBuilderReset(t *testing.T) {
	b := NewPacketBuilder().WriteUint16(0x0102).WriteNullString("hi")
	if b.Len() != 5 {
		t.Fatalf("expected 5 bytes, got %d", b.Len())
	}
	b.Reset()
	if b.Len() != 0 {
		t.Fatalf("expected empty builder after reset, got %d bytes", b.Len())
	}
}
