package ihex

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChecksum(t *testing.T) {
	// Reference line :10010000214601360121470136007EFE09D21901 40
	r := Record{Kind: KindData, Offset: 0x0100, Data: []byte{
		0x21, 0x46, 0x01, 0x36, 0x01, 0x21, 0x47, 0x01,
		0x36, 0x00, 0x7E, 0xFE, 0x09, 0xD2, 0x19, 0x01,
	}}
	assert.Equal(t, uint8(0x40), r.Checksum())
	assert.Equal(t, ":10010000214601360121470136007EFE09D2190140\n", string(r.MarshalLine()))
}

func TestParseRecordRejects(t *testing.T) {
	for name, line := range map[string]string{
		"missing prefix":      "0400000001020304F2",
		"odd digit count":     ":0400000001020304F",
		"bad hex":             ":040000000102XX04F2",
		"bad checksum":        ":0400000001020304F3",
		"short line":          ":04",
		"count mismatch":      ":040000000102030405ED",
		"unknown kind":        ":0400000A01020304E8",
		"eof with payload":    ":0100000101FD",
		"short ela payload":   ":0100000408F3",
		"short entry payload": ":020000050801F0",
	} {
		_, err := ParseRecord([]byte(line))
		assert.Error(t, err, name)
	}
}

func TestParseRecordData(t *testing.T) {
	r, err := ParseRecord([]byte(":0B0010006164647265737320676170A7"))
	assert.Nil(t, err)
	assert.Equal(t, KindData, r.Kind)
	assert.Equal(t, uint16(0x0010), r.Offset)
	assert.Equal(t, []byte("address gap"), r.Data)
}

func TestDecodeExtendedAddress(t *testing.T) {
	stream := strings.Join([]string{
		":020000040800F2",     // upper = 0x0800 << 16
		":0400000001020304F2", // 4 bytes at 0x08000000
		":020000040801F1",     // upper = 0x0801 << 16
		":04800000AABBCCDD6E", // 4 bytes at 0x08018000
		":04000005080180006E", // entry point 0x08018000
		":00000001FF",         // end of file
	}, "\n")
	img, err := Decode(strings.NewReader(stream))
	assert.Nil(t, err)
	assert.Equal(t, 2, img.Runs())
	assert.Equal(t, uint32(0x08000000), img.Start())
	assert.Equal(t, uint32(0x08018004), img.End())
	assert.Equal(t, uint32(0x08018000), img.EntryPoint())
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, img.ReadAt(0x08018000, 4))
	assert.Nil(t, img.ReadAt(0x08000002, 4))
}

func TestDecodeStopsAtEndOfFile(t *testing.T) {
	stream := ":020000000102FB\n:00000001FF\n:02000000AABBZZ\n"
	img, err := Decode(strings.NewReader(stream))
	assert.Nil(t, err)
	assert.Equal(t, 2, img.Size())
}

func TestDecodeOverlap(t *testing.T) {
	stream := ":020000000102FB\n:020001000304F6\n"
	_, err := Decode(strings.NewReader(stream))
	assert.Error(t, err)
	formatErr, ok := err.(*FormatError)
	assert.True(t, ok)
	assert.Equal(t, 2, formatErr.Line)
}

func TestDecodeReportsLineNumber(t *testing.T) {
	stream := ":020000000102FB\n:020000000102FC\n"
	_, err := Decode(strings.NewReader(stream))
	formatErr, ok := err.(*FormatError)
	assert.True(t, ok)
	assert.Equal(t, 2, formatErr.Line)
	assert.Contains(t, formatErr.Error(), "line 2")
}

func TestBytesFillsGaps(t *testing.T) {
	img := &Image{}
	assert.Nil(t, img.add(0x100, []byte{1, 2}))
	assert.Nil(t, img.add(0x104, []byte{3, 4}))
	assert.Equal(t, []byte{1, 2, 0xFF, 0xFF, 3, 4}, img.Bytes())
	assert.Equal(t, 6, img.Size())
	assert.Equal(t, 2, img.Runs())
}

func TestAddMergesContiguous(t *testing.T) {
	img := &Image{}
	assert.Nil(t, img.add(0x102, []byte{3, 4}))
	assert.Nil(t, img.add(0x100, []byte{1, 2}))
	assert.Equal(t, 1, img.Runs())
	assert.Equal(t, []byte{1, 2, 3, 4}, img.Bytes())
}

func TestEncodePageCrossing(t *testing.T) {
	// 32 bytes straddling the 64KiB page boundary at 0x08010000
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = uint8(i)
	}
	records := Encode(raw, 0x0800FFF0)
	kinds := []RecordKind{}
	for _, r := range records {
		kinds = append(kinds, r.Kind)
	}
	assert.Equal(t, []RecordKind{
		KindExtendedLinearAddress, KindData,
		KindExtendedLinearAddress, KindData,
		KindStartLinearAddress, KindEndOfFile,
	}, kinds)
	assert.Equal(t, []byte{0x08, 0x00}, records[0].Data)
	assert.Equal(t, uint16(0xFFF0), records[1].Offset)
	assert.Equal(t, []byte{0x08, 0x01}, records[2].Data)
	assert.Equal(t, uint16(0x0000), records[3].Offset)
}

func TestEncodeEntryPointWord(t *testing.T) {
	raw := []byte{0x00, 0x80, 0x01, 0x08, 0xAA, 0xBB}
	records := Encode(raw, 0x08018000)
	var entry []byte
	for _, r := range records {
		if r.Kind == KindStartLinearAddress {
			entry = r.Data
		}
	}
	// Little-endian word at the image base, emitted big-endian
	assert.Equal(t, uint32(0x08018000), binary.BigEndian.Uint32(entry))
}

func TestRoundTrip(t *testing.T) {
	raw := make([]byte, 300)
	for i := range raw {
		raw[i] = uint8(i * 7)
	}
	payload := MarshalRecords(Encode(raw, 0x08018000))
	assert.True(t, IsRecordStream(payload))

	img, err := Decode(bytes.NewReader(payload))
	assert.Nil(t, err)
	assert.Equal(t, raw, img.Bytes())
	assert.Equal(t, uint32(0x08018000), img.Start())
	assert.Equal(t, binary.LittleEndian.Uint32(raw[:4]), img.EntryPoint())

	// Re-marshaling the decoded image reproduces the stream
	assert.Equal(t, payload, img.Marshal())
}

func TestSetEntryPointOverrides(t *testing.T) {
	img := &Image{}
	assert.Nil(t, img.add(0x08018000, []byte{0x01, 0x02, 0x03, 0x08}))
	assert.Equal(t, uint32(0x08030201), img.EntryPoint())
	img.SetEntryPoint(0x08030200)
	assert.Equal(t, uint32(0x08030200), img.EntryPoint())
	var entry []byte
	for _, r := range img.Records() {
		if r.Kind == KindStartLinearAddress {
			entry = r.Data
		}
	}
	assert.Equal(t, uint32(0x08030200), binary.BigEndian.Uint32(entry))
}

func TestIsRecordStream(t *testing.T) {
	assert.True(t, IsRecordStream([]byte(":00000001FF")))
	assert.False(t, IsRecordStream([]byte{0x7F, 0x45, 0x4C, 0x46}))
	assert.False(t, IsRecordStream(nil))
}
