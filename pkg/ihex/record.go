package ihex

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Record kinds understood by the bootloader. Anything else is rejected.
type RecordKind uint8

const (
	KindData                  RecordKind = 0x00
	KindEndOfFile             RecordKind = 0x01
	KindExtendedLinearAddress RecordKind = 0x04
	KindStartLinearAddress    RecordKind = 0x05
)

var kindDescription = map[RecordKind]string{
	KindData:                  "DATA",
	KindEndOfFile:             "END-OF-FILE",
	KindExtendedLinearAddress: "EXTENDED-LINEAR-ADDRESS",
	KindStartLinearAddress:    "START-LINEAR-ADDRESS",
}

func (kind RecordKind) String() string {
	description, ok := kindDescription[kind]
	if ok {
		return description
	}
	return fmt.Sprintf("UNKNOWN(x%x)", uint8(kind))
}

// Maximum data bytes per DATA record line
const MaxLineBytes = 16

// One line of the firmware record format : ":LLAAAATT[DD..]CC".
// Offset is the 16-bit address field, its meaning depends on Kind.
type Record struct {
	Kind   RecordKind
	Offset uint16
	Data   []byte
}

// Checksum over count, offset, kind and data bytes,
// two's complement of the byte sum mod 256.
func (r Record) Checksum() uint8 {
	sum := uint8(len(r.Data)) + uint8(r.Offset>>8) + uint8(r.Offset) + uint8(r.Kind)
	for _, b := range r.Data {
		sum += b
	}
	return uint8(-int8(sum))
}

// MarshalLine renders the record as one uppercase hex line with
// trailing newline, checksum included.
func (r Record) MarshalLine() []byte {
	raw := make([]byte, 0, 5+len(r.Data))
	raw = append(raw, uint8(len(r.Data)), uint8(r.Offset>>8), uint8(r.Offset), uint8(r.Kind))
	raw = append(raw, r.Data...)
	raw = append(raw, r.Checksum())
	line := make([]byte, 1, 2+2*len(raw))
	line[0] = ':'
	dst := make([]byte, 2*len(raw))
	hex.Encode(dst, raw)
	for _, c := range dst {
		if c >= 'a' && c <= 'f' {
			c -= 'a' - 'A'
		}
		line = append(line, c)
	}
	return append(line, '\n')
}

// ParseRecord parses one line. The checksum must validate, a record
// with an invalid checksum is rejected, not corrected.
func ParseRecord(line []byte) (Record, error) {
	if len(line) == 0 || line[0] != ':' {
		return Record{}, fmt.Errorf("line does not start with ':'")
	}
	body := line[1:]
	// Strip line endings
	for len(body) > 0 && (body[len(body)-1] == '\n' || body[len(body)-1] == '\r') {
		body = body[:len(body)-1]
	}
	if len(body) < 10 || len(body)%2 != 0 {
		return Record{}, fmt.Errorf("truncated record, %v hex digits", len(body))
	}
	raw := make([]byte, len(body)/2)
	if _, err := hex.Decode(raw, body); err != nil {
		return Record{}, fmt.Errorf("malformed hex digits : %v", err)
	}
	count := int(raw[0])
	if len(raw) != 5+count {
		return Record{}, fmt.Errorf("byte count %v does not match line length", count)
	}
	record := Record{
		Kind:   RecordKind(raw[3]),
		Offset: binary.BigEndian.Uint16(raw[1:3]),
		Data:   raw[4 : 4+count],
	}
	if record.Checksum() != raw[4+count] {
		return Record{}, fmt.Errorf("invalid checksum x%02x, expected x%02x", raw[4+count], record.Checksum())
	}
	switch record.Kind {
	case KindData:
		if count > MaxLineBytes {
			return Record{}, fmt.Errorf("data record with %v bytes, maximum is %v", count, MaxLineBytes)
		}
	case KindEndOfFile:
		if count != 0 {
			return Record{}, fmt.Errorf("end-of-file record with %v data bytes", count)
		}
	case KindExtendedLinearAddress:
		if count != 2 {
			return Record{}, fmt.Errorf("extended address record with %v data bytes, expected 2", count)
		}
	case KindStartLinearAddress:
		if count != 4 {
			return Record{}, fmt.Errorf("start address record with %v data bytes, expected 4", count)
		}
	default:
		return Record{}, fmt.Errorf("unknown record kind x%02x", raw[3])
	}
	return record, nil
}
