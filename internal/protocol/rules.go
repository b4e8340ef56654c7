package protocol

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Rule is one server configuration key/value pair, in wire order.
type Rule struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Mod is one add-on or DLC listed in the smuggled mod record.
type Mod struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
}

// DLCInfo holds the record's DLC flag bytes and the values that follow non-zero flags.
// The values are not interpreted.
type DLCInfo struct {
	Flags  [2]byte   `json:"flags"`
	Values [2]uint32 `json:"values"`
}

// RulesReply is a fully decoded A2S_RULES reply.
type RulesReply struct {
	Header QueryHeader `json:"header"`
	Rules  []Rule      `json:"rules"`
	Mods   []Mod       `json:"mods"`
	DLC    DLCInfo     `json:"dlc"`

	// HasModRecord reports whether a rule entry matched the mod record signature.
	HasModRecord bool `json:"has_mod_record"`
}

// Rule returns the value of the first rule with the given name.
func (r *RulesReply) Rule(name string) (string, bool) {
	for _, rule := range r.Rules {
		if rule.Name == name {
			return rule.Value, true
		}
	}
	return "", false
}

// RulesDecoder decodes rules replies and logs rejected packets.
type RulesDecoder struct {
	logger zerolog.Logger
}

// NewRulesDecoder creates a decoder with a component logger.
func NewRulesDecoder() *RulesDecoder {
	return &RulesDecoder{
		logger: log.With().Str("component", "rules_decoder").Logger(),
	}
}

// Decode decodes raw and logs the outcome.
func (d *RulesDecoder) Decode(raw []byte) (*RulesReply, error) {
	reply, err := DecodeRulesReply(raw)
	if err != nil {
		d.logger.Debug().
			Err(err).
			Int("packet_len", len(raw)).
			Msg("rules reply rejected")
		return nil, err
	}

	d.logger.Trace().
		Int("rules", len(reply.Rules)).
		Int("mods", len(reply.Mods)).
		Bool("mod_record", reply.HasModRecord).
		Msg("rules reply decoded")
	return reply, nil
}

// DecodeRulesReply decodes an envelope-stripped A2S_RULES reply.
//
// Format: [header:1][count:2][count entries]. An entry is either a pair of
// null-terminated strings or, when its first three bytes are two non-zero bytes
// and a zero, the mod record: escaped bytes up to the next raw zero. The mod
// record emits no rule.
//
// Decoding is all or nothing: on error the returned reply is nil.
func DecodeRulesReply(raw []byte) (*RulesReply, error) {
	if len(raw) < 1 {
		return nil, fmt.Errorf("%w: empty packet", ErrInvalidHeader)
	}

	header, err := ParseQueryHeader(raw[0])
	if err != nil {
		return nil, err
	}
	if header != A2SRulesReply {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrInvalidHeader, A2SRulesReply, header)
	}

	cur := NewCursor(raw)
	cur.Seek(1)

	count, err := cur.ReadUint16()
	if err != nil {
		return nil, fmt.Errorf("failed to read rule count: %w", err)
	}

	reply := &RulesReply{
		Header: header,
		Rules:  make([]Rule, 0, ruleCapacity(count, cur.Remaining())),
		Mods:   make([]Mod, 0),
	}

	var record []byte
	for i := 0; i < int(count); i++ {
		if isModRecordEntry(cur) {
			// Two-byte name and its terminator are already consumed.
			payload, err := cur.ReadUntilZero()
			if err != nil {
				return nil, fmt.Errorf("%w: unterminated record at entry %d: %w", ErrTruncatedModRecord, i, err)
			}
			record = append(record, payload...)
			reply.HasModRecord = true
			continue
		}

		name, err := cur.ReadCString()
		if err != nil {
			return nil, fmt.Errorf("failed to read rule %d name: %w", i, err)
		}
		value, err := cur.ReadCString()
		if err != nil {
			return nil, fmt.Errorf("failed to read rule %d value: %w", i, err)
		}
		reply.Rules = append(reply.Rules, Rule{Name: name, Value: value})
	}

	if reply.HasModRecord {
		mods, dlc, err := decodeModRecord(record)
		if err != nil {
			return nil, err
		}
		reply.Mods = mods
		reply.DLC = dlc
	}

	return reply, nil
}

// ruleCapacity bounds the declared count by what the remaining bytes can hold;
// the smallest rule is two empty C strings.
func ruleCapacity(count uint16, remaining int) int {
	return min(int(count), remaining/2)
}

// isModRecordEntry consumes the next three raw bytes and reports whether they
// look like a two-character null-terminated name. On a miss the cursor is
// rewound. Legitimate two-character rule names match too and are treated as
// the record.
func isModRecordEntry(cur *Cursor) bool {
	start := cur.Pos()
	if cur.Remaining() < 3 {
		return false
	}

	x0, _ := cur.ReadByte()
	x1, _ := cur.ReadByte()
	x2, _ := cur.ReadByte()
	if x0 != 0 && x1 != 0 && x2 == 0 {
		return true
	}

	cur.Seek(start)
	return false
}

// decodeModRecord parses the escaped mod record.
// Format: [reserved:2][dlc1:1][dlc2:1][dlc1 value:4 if dlc1][dlc2 value:4 if dlc2]
//
//	[count:1][count * ([skipped:4][kind:1 if == 4][id:4][name_len:1][name])]
func decodeModRecord(record []byte) ([]Mod, DLCInfo, error) {
	var dlc DLCInfo
	r := NewEscapedReader(NewCursor(record))

	truncated := func(field string, err error) ([]Mod, DLCInfo, error) {
		return nil, DLCInfo{}, fmt.Errorf("%w: %s: %w", ErrTruncatedModRecord, field, err)
	}

	for i := 0; i < 2; i++ {
		if _, err := r.NextByte(); err != nil {
			return truncated("reserved bytes", err)
		}
	}

	for i := range dlc.Flags {
		b, err := r.NextByte()
		if err != nil {
			return truncated("dlc flags", err)
		}
		dlc.Flags[i] = b
	}
	for i, flag := range dlc.Flags {
		if flag == 0 {
			continue
		}
		v, err := r.NextUint32LE()
		if err != nil {
			return truncated("dlc value", err)
		}
		dlc.Values[i] = v
	}

	count, err := r.NextByte()
	if err != nil {
		return truncated("mod count", err)
	}

	mods := make([]Mod, 0, count)
	for i := 0; i < int(count); i++ {
		if _, err := r.NextUint32LE(); err != nil {
			return truncated(fmt.Sprintf("mod %d leading field", i), err)
		}

		// Optional kind byte: only consumed when it equals 4.
		pos := r.Pos()
		kind, err := r.NextByte()
		if err != nil {
			return truncated(fmt.Sprintf("mod %d kind", i), err)
		}
		if kind != modKindFlag {
			r.Seek(pos)
		}

		id, err := r.NextUint32LE()
		if err != nil {
			return truncated(fmt.Sprintf("mod %d id", i), err)
		}
		name, err := r.NextString()
		if err != nil {
			return truncated(fmt.Sprintf("mod %d name", i), err)
		}
		mods = append(mods, Mod{ID: id, Name: name})
	}

	return mods, dlc, nil
}
