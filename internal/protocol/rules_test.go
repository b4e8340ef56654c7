package protocol

import (
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
)

// rulesPacket starts a rules reply with the given declared entry count.
func rulesPacket(count uint16) *PacketBuilder {
	return NewPacketBuilder().WriteUint8(byte(A2SRulesReply)).WriteUint16(count)
}

// modRecord builds the logical (unescaped) bytes of a mod record.
type modRecord struct {
	logical []byte
}

func newModRecord(dlc1, dlc2 byte) *modRecord {
	return &modRecord{logical: []byte{0x07, 0x07, dlc1, dlc2}}
}

func (m *modRecord) u32(v uint32) *modRecord {
	m.logical = binary.LittleEndian.AppendUint32(m.logical, v)
	return m
}

func (m *modRecord) u8(v byte) *modRecord {
	m.logical = append(m.logical, v)
	return m
}

func (m *modRecord) str(s string) *modRecord {
	m.logical = append(m.logical, byte(len(s)))
	m.logical = append(m.logical, s...)
	return m
}

// withRecord appends a sentinel entry carrying the escaped record.
func withRecord(b *PacketBuilder, rec *modRecord) *PacketBuilder {
	return b.WriteBytes([]byte{'M', 'D', 0x00}).WriteBytes(escapeBytes(rec.logical)).WriteUint8(0x00)
}

func TestDecodeOrdinaryRules(t *testing.T) {
	raw := rulesPacket(3).
		WriteNullString("sv_cheats").WriteNullString("0").
		WriteNullString("hostname").WriteNullString("My Server").
		WriteNullString("sv_cheats").WriteNullString("1").
		Build()

	reply, err := DecodeRulesReply(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	want := []Rule{
		{Name: "sv_cheats", Value: "0"},
		{Name: "hostname", Value: "My Server"},
		{Name: "sv_cheats", Value: "1"},
	}
	if !reflect.DeepEqual(reply.Rules, want) {
		t.Fatalf("rules mismatch:\n got %+v\nwant %+v", reply.Rules, want)
	}
	if len(reply.Mods) != 0 || reply.HasModRecord {
		t.Fatalf("expected no mod record, got %+v", reply.Mods)
	}
	if reply.Header != A2SRulesReply {
		t.Fatalf("expected header %s, got %s", A2SRulesReply, reply.Header)
	}
	if v, ok := reply.Rule("sv_cheats"); !ok || v != "0" {
		t.Fatalf("expected first sv_cheats value 0, got %q (%v)", v, ok)
	}
}

func TestDecodeInvalidHeader(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"unknown tag", []byte{0xFF, 0x00, 0x00}},
		{"info reply tag", []byte{byte(A2SInfoReply), 0x00, 0x00}},
		{"challenge tag", []byte{byte(A2SChallengeReply), 1, 2, 3, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := DecodeRulesReply(tt.raw)
			if !errors.Is(err, ErrInvalidHeader) {
				t.Fatalf("expected ErrInvalidHeader, got %v", err)
			}
			if reply != nil {
				t.Fatalf("expected nil reply on error")
			}
		})
	}
}

func TestDecodeTruncatedRules(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"missing count", []byte{byte(A2SRulesReply), 0x01}},
		{"missing entries", rulesPacket(2).WriteNullString("abc").WriteNullString("b").Build()},
		{"unterminated value", rulesPacket(1).WriteNullString("hostname").WriteBytes([]byte("abc")).Build()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := DecodeRulesReply(tt.raw)
			if !errors.Is(err, ErrUnexpectedEOF) {
				t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
			}
			if reply != nil {
				t.Fatalf("expected nil reply on error")
			}
		})
	}
}

func TestDecodeModRecordEndToEnd(t *testing.T) {
	rec := newModRecord(0, 0).
		u8(1).
		u32(7).  // leading field, discarded
		u32(42). // id; its first byte is not 4, so no kind flag is consumed
		str("Pack")

	raw := withRecord(rulesPacket(3).WriteNullString("hostname").WriteNullString("x"), rec).
		WriteNullString("version").WriteNullString("1.0").
		Build()

	reply, err := DecodeRulesReply(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	wantMods := []Mod{{ID: 42, Name: "Pack"}}
	if !reflect.DeepEqual(reply.Mods, wantMods) {
		t.Fatalf("mods mismatch: got %+v want %+v", reply.Mods, wantMods)
	}
	wantRules := []Rule{{Name: "hostname", Value: "x"}, {Name: "version", Value: "1.0"}}
	if !reflect.DeepEqual(reply.Rules, wantRules) {
		t.Fatalf("rules mismatch: got %+v want %+v", reply.Rules, wantRules)
	}
	if reply.DLC != (DLCInfo{}) {
		t.Fatalf("expected zero DLC info, got %+v", reply.DLC)
	}
	if !reply.HasModRecord {
		t.Fatalf("expected HasModRecord")
	}
	// One of the three declared entries was the record.
	if len(reply.Rules)+1 != 3 {
		t.Fatalf("rule count invariant broken: %d rules", len(reply.Rules))
	}
}

func TestDecodeModRecordWithKindFlagAndDLC(t *testing.T) {
	rec := newModRecord(1, 2).
		u32(0x12345678).
		u32(0xFF000001).
		u8(2).
		u32(0).u8(4).u32(1001).str("Alpha").
		u32(0xFFFFFFFF).u32(70000).str("")

	raw := withRecord(rulesPacket(1), rec).Build()

	reply, err := DecodeRulesReply(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	wantMods := []Mod{{ID: 1001, Name: "Alpha"}, {ID: 70000, Name: ""}}
	if !reflect.DeepEqual(reply.Mods, wantMods) {
		t.Fatalf("mods mismatch: got %+v want %+v", reply.Mods, wantMods)
	}
	wantDLC := DLCInfo{Flags: [2]byte{1, 2}, Values: [2]uint32{0x12345678, 0xFF000001}}
	if reply.DLC != wantDLC {
		t.Fatalf("dlc mismatch: got %+v want %+v", reply.DLC, wantDLC)
	}
	if len(reply.Rules) != 0 {
		t.Fatalf("expected no rules, got %+v", reply.Rules)
	}
}

func TestDecodeModKindFlagConsumesAnyFour(t *testing.T) {
	// The id 4 has no kind flag in front of it, but its first byte is 4 and is
	// taken as the flag. The remaining fields shift and the record runs short.
	rec := newModRecord(0, 0).u8(1).u32(9).u32(4).str("Z")

	raw := withRecord(rulesPacket(1), rec).Build()

	_, err := DecodeRulesReply(raw)
	if !errors.Is(err, ErrTruncatedModRecord) {
		t.Fatalf("expected ErrTruncatedModRecord, got %v", err)
	}
}

func TestDecodeTruncatedModList(t *testing.T) {
	rec := newModRecord(0, 0).u8(2).u32(1).u32(42).str("Pack")

	raw := withRecord(rulesPacket(2).WriteNullString("hostname").WriteNullString("x"), rec).Build()

	reply, err := DecodeRulesReply(raw)
	if !errors.Is(err, ErrTruncatedModRecord) {
		t.Fatalf("expected ErrTruncatedModRecord, got %v", err)
	}
	if !errors.Is(err, ErrUnexpectedEOF) {
		t.Fatalf("expected wrapped ErrUnexpectedEOF, got %v", err)
	}
	if reply != nil {
		t.Fatalf("expected no partial reply, got %+v", reply)
	}
}

func TestDecodeEmptyModRecord(t *testing.T) {
	raw := rulesPacket(1).WriteBytes([]byte{'M', 'D', 0x00, 0x00}).Build()

	if _, err := DecodeRulesReply(raw); !errors.Is(err, ErrTruncatedModRecord) {
		t.Fatalf("expected ErrTruncatedModRecord, got %v", err)
	}
}

func TestDecodeUnterminatedModRecord(t *testing.T) {
	rec := newModRecord(0, 0).u8(0)
	raw := rulesPacket(1).WriteBytes([]byte{'M', 'D', 0x00}).WriteBytes(escapeBytes(rec.logical)).Build()

	_, err := DecodeRulesReply(raw)
	if !errors.Is(err, ErrTruncatedModRecord) || !errors.Is(err, ErrUnexpectedEOF) {
		t.Fatalf("expected truncated record wrapping EOF, got %v", err)
	}
}

func TestDecodeTwoCharacterRuleNameIsTakenAsRecord(t *testing.T) {
	// Known false positive: "ab" followed by its terminator has the record
	// signature, so the value "1" is read as a mod record and fails.
	raw := rulesPacket(1).WriteBytes([]byte{'a', 'b', 0x00, '1', 0x00}).Build()

	reply, err := DecodeRulesReply(raw)
	if !errors.Is(err, ErrTruncatedModRecord) {
		t.Fatalf("expected ErrTruncatedModRecord, got %v (reply %+v)", err, reply)
	}
}

func TestDecodeShortNamesAreOrdinary(t *testing.T) {
	raw := rulesPacket(3).
		WriteNullString("a").WriteNullString("1").
		WriteNullString("abc").WriteNullString("2").
		WriteNullString("").WriteNullString("").
		Build()

	reply, err := DecodeRulesReply(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	want := []Rule{{"a", "1"}, {"abc", "2"}, {"", ""}}
	if !reflect.DeepEqual(reply.Rules, want) {
		t.Fatalf("rules mismatch: got %+v want %+v", reply.Rules, want)
	}
}

func TestDecodeSplitModRecordIsConcatenated(t *testing.T) {
	rec := newModRecord(0, 0).u8(1).u32(0).u32(42).str("Pack")
	half := len(rec.logical) / 2

	const entries = 3
	raw := rulesPacket(entries).
		WriteBytes([]byte{'M', 'D', 0x00}).WriteBytes(escapeBytes(rec.logical[:half])).WriteUint8(0x00).
		WriteNullString("hostname").WriteNullString("x").
		WriteBytes([]byte{'M', 'D', 0x00}).WriteBytes(escapeBytes(rec.logical[half:])).WriteUint8(0x00).
		Build()

	reply, err := DecodeRulesReply(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if want := []Rule{{Name: "hostname", Value: "x"}}; !reflect.DeepEqual(reply.Rules, want) {
		t.Fatalf("rules mismatch: got %+v want %+v", reply.Rules, want)
	}
	if want := []Mod{{ID: 42, Name: "Pack"}}; !reflect.DeepEqual(reply.Mods, want) {
		t.Fatalf("mods mismatch: got %+v want %+v", reply.Mods, want)
	}
	if !reply.HasModRecord {
		t.Fatalf("expected HasModRecord")
	}
	if len(reply.Rules)+2 != entries {
		t.Fatalf("expected %d rules for %d entries with two record parts, got %d",
			entries-2, entries, len(reply.Rules))
	}
}

func TestDecodeIsDeterministic(t *testing.T) {
	rec := newModRecord(1, 0).u32(5).u8(1).u32(3).u8(4).u32(77).str("DLC")
	raw := withRecord(rulesPacket(2).WriteNullString("map").WriteNullString("altis"), rec).Build()

	first, err := DecodeRulesReply(raw)
	if err != nil {
		t.Fatalf("first decode: %v", err)
	}
	second, err := DecodeRulesReply(raw)
	if err != nil {
		t.Fatalf("second decode: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("decodes differ:\n%+v\n%+v", first, second)
	}
}

func TestDecodeLossyUTF8(t *testing.T) {
	raw := rulesPacket(1).WriteBytes([]byte{'n', 'a', 0xC3, 0x00, 'v', 0xFE, 'x', 0x00}).Build()

	reply, err := DecodeRulesReply(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []Rule{{Name: "na\uFFFD", Value: "v\uFFFDx"}}
	if !reflect.DeepEqual(reply.Rules, want) {
		t.Fatalf("rules mismatch: got %+q want %+q", reply.Rules, want)
	}
}

func TestRulesDecoderDecode(t *testing.T) {
	d := NewRulesDecoder()
	if _, err := d.Decode([]byte{0xFF}); !errors.Is(err, ErrInvalidHeader) {
		t.Fatalf("expected ErrInvalidHeader, got %v", err)
	}

	reply, err := d.Decode(rulesPacket(0).Build())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(reply.Rules) != 0 || len(reply.Mods) != 0 {
		t.Fatalf("expected empty reply, got %+v", reply)
	}
}

func TestRuleCapacityBoundedByInput(t *testing.T) {
	tests := []struct {
		count     uint16
		remaining int
		want      int
	}{
		{0, 100, 0},
		{3, 100, 3},
		{65535, 0, 0},
		{65535, 7, 3},
		{10, 20, 10},
	}
	for _, tt := range tests {
		if got := ruleCapacity(tt.count, tt.remaining); got != tt.want {
			t.Errorf("ruleCapacity(%d, %d) = %d, want %d", tt.count, tt.remaining, got, tt.want)
		}
	}
}

func TestDecodeOversizedCount(t *testing.T) {
	reply, err := DecodeRulesReply(rulesPacket(65535).Build())
	if !errors.Is(err, ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
	if reply != nil {
		t.Fatalf("expected nil reply on error")
	}
}
