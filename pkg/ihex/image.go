package ihex

import (
	"encoding/binary"
	"sort"
)

type chunk struct {
	addr uint32
	data []byte
}

// Image is an address-indexed firmware memory image assembled from
// data records. Chunks are kept sorted and non-overlapping, a record
// contributing an already covered address range is a format error.
type Image struct {
	chunks   []chunk
	entry    uint32
	hasEntry bool
}

// Number of distinct contiguous byte runs
func (img *Image) Runs() int {
	return len(img.chunks)
}

// Lowest address covered by the image
func (img *Image) Start() uint32 {
	if len(img.chunks) == 0 {
		return 0
	}
	return img.chunks[0].addr
}

// One past the highest address covered by the image
func (img *Image) End() uint32 {
	if len(img.chunks) == 0 {
		return 0
	}
	last := img.chunks[len(img.chunks)-1]
	return last.addr + uint32(len(last.data))
}

// Size of the linearized image in bytes, gaps included
func (img *Image) Size() int {
	return int(img.End() - img.Start())
}

// EntryPoint is the code entry point the device jumps to after
// loading, either taken from a start address record or derived from
// the 32-bit little-endian word at the image start.
func (img *Image) EntryPoint() uint32 {
	if img.hasEntry {
		return img.entry
	}
	word := img.ReadAt(img.Start(), 4)
	if word == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(word)
}

func (img *Image) SetEntryPoint(entry uint32) {
	img.entry = entry
	img.hasEntry = true
}

// ReadAt returns n bytes starting at addr, or nil if the range is not
// fully covered by one contiguous run.
func (img *Image) ReadAt(addr uint32, n int) []byte {
	for _, c := range img.chunks {
		if addr >= c.addr && addr+uint32(n) <= c.addr+uint32(len(c.data)) {
			off := addr - c.addr
			return c.data[off : off+uint32(n)]
		}
	}
	return nil
}

// Bytes linearizes the image over [Start, End). Address gaps between
// runs are filled with 0xFF, the erased-flash value.
func (img *Image) Bytes() []byte {
	if len(img.chunks) == 0 {
		return nil
	}
	start := img.Start()
	out := make([]byte, img.Size())
	for i := range out {
		out[i] = 0xFF
	}
	for _, c := range img.chunks {
		copy(out[c.addr-start:], c.data)
	}
	return out
}

// add inserts a byte run, rejecting overlap with existing runs and
// merging runs that become contiguous.
func (img *Image) add(addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	end := addr + uint32(len(data))
	i := sort.Search(len(img.chunks), func(i int) bool {
		return img.chunks[i].addr >= addr
	})
	if i > 0 {
		prev := &img.chunks[i-1]
		prevEnd := prev.addr + uint32(len(prev.data))
		if prevEnd > addr {
			return formatErrorf(0, "overlapping address range x%x-x%x", addr, end)
		}
		if prevEnd == addr {
			prev.data = append(prev.data, data...)
			img.mergeForward(i - 1)
			return nil
		}
	}
	if i < len(img.chunks) {
		next := &img.chunks[i]
		if end > next.addr {
			return formatErrorf(0, "overlapping address range x%x-x%x", addr, end)
		}
		if end == next.addr {
			next.addr = addr
			next.data = append(append([]byte{}, data...), next.data...)
			return nil
		}
	}
	img.chunks = append(img.chunks, chunk{})
	copy(img.chunks[i+1:], img.chunks[i:])
	img.chunks[i] = chunk{addr: addr, data: append([]byte{}, data...)}
	return nil
}

func (img *Image) mergeForward(i int) {
	for i+1 < len(img.chunks) {
		c := &img.chunks[i]
		next := img.chunks[i+1]
		if c.addr+uint32(len(c.data)) != next.addr {
			return
		}
		c.data = append(c.data, next.data...)
		img.chunks = append(img.chunks[:i+1], img.chunks[i+2:]...)
	}
}

// Records re-encodes the image into the record sequence the
// bootloader expects : data records paged by extended address
// records, a start address record when an entry point is known,
// then end-of-file.
func (img *Image) Records() []Record {
	records := dataRecords(img.chunks)
	if img.hasEntry || img.ReadAt(img.Start(), 4) != nil {
		entry := make([]byte, 4)
		binary.BigEndian.PutUint32(entry, img.EntryPoint())
		records = append(records, Record{Kind: KindStartLinearAddress, Data: entry})
	}
	return append(records, Record{Kind: KindEndOfFile})
}

// Marshal renders the image back to its on-wire line form
func (img *Image) Marshal() []byte {
	var out []byte
	for _, r := range img.Records() {
		out = append(out, r.MarshalLine()...)
	}
	return out
}

// dataRecords emits 16-byte data records, preceded by a new extended
// address record each time the running address enters a new 64KiB
// page. Runs are split at page boundaries so the 16-bit offset never
// wraps within one record.
func dataRecords(chunks []chunk) []Record {
	var records []Record
	upper := int64(-1)
	for _, c := range chunks {
		addr := c.addr
		data := c.data
		for len(data) > 0 {
			page := addr >> 16
			if int64(page) != upper {
				records = append(records, Record{
					Kind: KindExtendedLinearAddress,
					Data: []byte{uint8(page >> 8), uint8(page)},
				})
				upper = int64(page)
			}
			n := MaxLineBytes
			if len(data) < n {
				n = len(data)
			}
			if toBoundary := int(0x10000 - (addr & 0xFFFF)); toBoundary < n {
				n = toBoundary
			}
			records = append(records, Record{
				Kind:   KindData,
				Offset: uint16(addr),
				Data:   data[:n],
			})
			addr += uint32(n)
			data = data[n:]
		}
	}
	return records
}
