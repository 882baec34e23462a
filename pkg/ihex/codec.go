package ihex

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
)

// IsRecordStream reports whether raw looks like the line record
// format rather than a raw binary image.
func IsRecordStream(raw []byte) bool {
	return len(raw) > 0 && raw[0] == ':'
}

// Decode parses a record stream into a memory image. Extended address
// records apply cumulatively to all subsequent data records. Fails on
// invalid checksum, unknown record kind, malformed hex digits and
// overlapping address ranges.
func Decode(r io.Reader) (*Image, error) {
	img := &Image{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024), 1024)
	var upper uint32
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		record, err := ParseRecord(text)
		if err != nil {
			return nil, formatErrorf(line, "%v", err)
		}
		switch record.Kind {
		case KindData:
			addr := upper + uint32(record.Offset)
			if err := img.add(addr, record.Data); err != nil {
				return nil, formatErrorf(line, "%v", err.(*FormatError).Reason)
			}
		case KindExtendedLinearAddress:
			upper = uint32(binary.BigEndian.Uint16(record.Data)) << 16
		case KindStartLinearAddress:
			img.SetEntryPoint(binary.BigEndian.Uint32(record.Data))
		case KindEndOfFile:
			return img, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, formatErrorf(line, "%v", err)
	}
	return img, nil
}

// Encode converts a raw binary image based at base into the record
// sequence : 16-byte data records with extended address records at
// every 64KiB page crossing, a start address record carrying the
// 32-bit little-endian word at base (the reset vector slot), then
// end-of-file. Every record carries a correct checksum.
func Encode(raw []byte, base uint32) []Record {
	records := dataRecords([]chunk{{addr: base, data: raw}})
	if len(raw) >= 4 {
		entry := make([]byte, 4)
		binary.BigEndian.PutUint32(entry, binary.LittleEndian.Uint32(raw[:4]))
		records = append(records, Record{Kind: KindStartLinearAddress, Data: entry})
	}
	return append(records, Record{Kind: KindEndOfFile})
}

// MarshalRecords renders records to their on-wire line form
func MarshalRecords(records []Record) []byte {
	var out []byte
	for _, r := range records {
		out = append(out, r.MarshalLine()...)
	}
	return out
}
