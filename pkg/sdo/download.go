package sdo

import (
	"encoding/binary"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// A segment carries at most 7 payload bytes, the first byte of the
// frame is the command specifier with toggle and last-segment bits.
const SegmentDataSize = 7

// Progress of one running download, reported after every
// acknowledged segment.
type Progress struct {
	BytesSent     int
	BytesTotal    int
	Segments      int
	SegmentsTotal int
	Retries       int // total resends so far
	Elapsed       time.Duration
	Rate          float64 // bytes per second
}

// Observer receives download progress. May be nil.
type Observer func(Progress)

// SegmentsTotal returns the number of segments a payload of n bytes
// needs : ceil(n / 7).
func SegmentsTotal(n int) int {
	return (n + SegmentDataSize - 1) / SegmentDataSize
}

// session is the state of one in-flight segmented write. Created at
// transfer start, destroyed at completion or terminal abort, never
// shared.
type session struct {
	index     uint16
	subindex  uint8
	data      []byte
	sent      int
	toggle    uint8 // 0x00 or 0x10
	segment   int
	resends   int
	startedAt time.Time
}

// DownloadSegmented writes data to one object entry using the
// two-phase segmented protocol : initiate with the total byte count,
// then acknowledged 7-byte segments with alternating toggle bit.
// Success is all-or-nothing, every byte must be acknowledged.
//
// A segment that times out or is badly acknowledged is resent with an
// unchanged toggle up to the retry ceiling. Exceeding the ceiling
// fails the whole transfer with ErrTimeout. A device abort fails it
// with the reported AbortCode.
func (c *Client) DownloadSegmented(index uint16, subindex uint8, data []byte, observer Observer) error {
	if len(data) == 0 {
		return fmt.Errorf("nothing to download : %w", AbortDataShort)
	}
	if err := c.downloadInitiate(index, subindex, uint32(len(data))); err != nil {
		return err
	}
	s := &session{
		index:     index,
		subindex:  subindex,
		data:      data,
		startedAt: time.Now(),
	}
	total := SegmentsTotal(len(data))
	log.Infof("[SDO] (x%x) downloading %v bytes to x%x:x%x in %v segments",
		c.nodeId, len(data), index, subindex, total)

	tries := c.segmentPolicy.Start()
	for s.sent < len(s.data) {
		if !tries.Next() {
			return fmt.Errorf("segment %v failed after %v attempts : %w",
				s.segment, tries.Count(), ErrTimeout)
		}
		if tries.Count() > 1 {
			s.resends++
			log.Warnf("[SDO] (x%x) resending segment %v, attempt %v", c.nodeId, s.segment, tries.Count())
		}
		frame := s.nextSegment()
		if err := c.send(frame); err != nil {
			return fmt.Errorf("send failed : %w", err)
		}
		response, err := c.waitResponse(tries.Deadline())
		if err != nil {
			continue // timeout, retry same segment
		}
		if response.Data[0] == csAbort {
			return fmt.Errorf("segment %v aborted by server : %w", s.segment, responseAbort(response))
		}
		if (response.Data[0]&0xE0) != 0x20 || (response.Data[0]&0x10) != s.toggle {
			log.Warnf("[SDO] (x%x) bad acknowledgment x%02x at segment %v, toggle x%x",
				c.nodeId, response.Data[0], s.segment, s.toggle)
			continue // mismatched acknowledgment, retry same segment
		}
		s.advance()
		tries.Reset()
		if observer != nil {
			observer(s.progress(total))
		}
	}
	elapsed := time.Since(s.startedAt)
	log.Infof("[SDO] (x%x) download complete : %v segments in %v (%.0f B/s)",
		c.nodeId, s.segment, elapsed.Round(time.Millisecond), float64(len(data))/elapsed.Seconds())
	return nil
}

func (c *Client) downloadInitiate(index uint16, subindex uint8, size uint32) error {
	c.drain()
	data := [8]byte{csDownloadInitiate, uint8(index), uint8(index >> 8), subindex}
	binary.LittleEndian.PutUint32(data[4:], size)
	log.Debugf("==>Tx (x%x) | DOWNLOAD INITIATE | x%x:x%x %v", c.nodeId, index, subindex, data)
	if err := c.send(data); err != nil {
		return fmt.Errorf("send failed : %w", err)
	}
	response, err := c.waitResponse(time.Now().Add(c.initiateTimeout))
	if err != nil {
		return fmt.Errorf("initiate : %w", err)
	}
	if response.Data[0] == csAbort {
		return fmt.Errorf("initiate aborted by server : %w", responseAbort(response))
	}
	if response.Data[0] != csWriteOk ||
		binary.LittleEndian.Uint16(response.Data[1:3]) != index ||
		response.Data[3] != subindex {
		return fmt.Errorf("unexpected initiate response %v : %w", response.Data, AbortCmd)
	}
	log.Debugf("<==Rx (x%x) | DOWNLOAD INITIATE | confirmed", c.nodeId)
	return nil
}

// nextSegment builds the frame for the current cursor position
// without advancing it, so a resend produces the identical segment.
func (s *session) nextSegment() [8]byte {
	n := len(s.data) - s.sent
	if n > SegmentDataSize {
		n = SegmentDataSize
	}
	last := s.sent+n == len(s.data)
	var frame [8]byte
	frame[0] = s.toggle | uint8(SegmentDataSize-n)<<1
	if last {
		frame[0] |= 0x01
	}
	copy(frame[1:], s.data[s.sent:s.sent+n])
	return frame
}

func (s *session) advance() {
	n := len(s.data) - s.sent
	if n > SegmentDataSize {
		n = SegmentDataSize
	}
	s.sent += n
	s.toggle ^= 0x10
	s.segment++
}

func (s *session) progress(total int) Progress {
	elapsed := time.Since(s.startedAt)
	rate := 0.0
	if elapsed > 0 {
		rate = float64(s.sent) / elapsed.Seconds()
	}
	return Progress{
		BytesSent:     s.sent,
		BytesTotal:    len(s.data),
		Segments:      s.segment,
		SegmentsTotal: total,
		Retries:       s.resends,
		Elapsed:       elapsed,
		Rate:          rate,
	}
}
