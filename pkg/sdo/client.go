// Package sdo implements the client side of the object-dictionary
// access protocol : expedited reads/writes of single values and the
// segmented download used for firmware upload.
package sdo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	canflash "github.com/epsilontech/canflash"
	"github.com/epsilontech/canflash/internal/retry"
	log "github.com/sirupsen/logrus"
)

const (
	ClientBaseId uint16 = 0x600
	ServerBaseId uint16 = 0x580
)

// Command specifiers
const (
	csDownloadInitiate uint8 = 0x21 // segmented download, size indicated
	csDownloadOneByte  uint8 = 0x2F // expedited download, 1 byte
	csUploadInitiate   uint8 = 0x40
	csUploadOneByte    uint8 = 0x4F // expedited upload response, 1 byte
	csWriteOk          uint8 = 0x60
	csAbort            uint8 = 0x80
)

const DefaultInitiateTimeout = 5 * time.Second
const DefaultSegmentTimeout = 2 * time.Second
const DefaultSegmentRetries = 3

// ErrTimeout is returned when the expected response never arrived
// within a phase window, retries included.
var ErrTimeout = errors.New("timed out waiting for server response")

// Client drives object-dictionary accesses against a single server
// node. One transfer is in flight at a time, the client is not safe
// for concurrent calls.
type Client struct {
	bm              *canflash.BusManager
	nodeId          uint8
	cobIdTx         uint32
	rx              chan canflash.Frame
	initiateTimeout time.Duration
	segmentPolicy   retry.Policy
}

func NewClient(bm *canflash.BusManager, nodeId uint8) (*Client, error) {
	client := &Client{
		bm:              bm,
		nodeId:          nodeId,
		cobIdTx:         uint32(ClientBaseId) + uint32(nodeId),
		rx:              make(chan canflash.Frame, 16),
		initiateTimeout: DefaultInitiateTimeout,
		segmentPolicy:   retry.Policy{MaxAttempts: DefaultSegmentRetries, Timeout: DefaultSegmentTimeout},
	}
	err := bm.Subscribe(uint32(ServerBaseId)+uint32(nodeId), 0x7FF, false, client)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// SetTimings overrides the initiate window and the per-segment retry
// policy.
func (c *Client) SetTimings(initiateTimeout time.Duration, segmentPolicy retry.Policy) {
	c.initiateTimeout = initiateTimeout
	c.segmentPolicy = segmentPolicy
}

// Handle implements the FrameListener interface for server responses
func (c *Client) Handle(frame canflash.Frame) {
	if frame.DLC != 8 {
		return
	}
	select {
	case c.rx <- frame:
	default:
		log.Warnf("[SDO] (x%x) dropping response, no transfer waiting", c.nodeId)
	}
}

// drain clears stale responses before starting a new exchange
func (c *Client) drain() {
	for {
		select {
		case <-c.rx:
		default:
			return
		}
	}
}

func (c *Client) waitResponse(deadline time.Time) (canflash.Frame, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case frame := <-c.rx:
		return frame, nil
	case <-timer.C:
		return canflash.Frame{}, ErrTimeout
	}
}

func (c *Client) send(data [8]byte) error {
	frame := canflash.NewFrame(c.cobIdTx, 0, 8)
	frame.Data = data
	return c.bm.Send(frame)
}

func responseAbort(frame canflash.Frame) error {
	return AbortCode(binary.LittleEndian.Uint32(frame.Data[4:]))
}

// WriteUint8 writes one byte to an object expedited
func (c *Client) WriteUint8(index uint16, subindex uint8, value uint8) error {
	c.drain()
	data := [8]byte{csDownloadOneByte, uint8(index), uint8(index >> 8), subindex, value}
	log.Debugf("==>Tx (x%x) | WRITE EXPEDITED | x%x:x%x %v", c.nodeId, index, subindex, data)
	if err := c.send(data); err != nil {
		return fmt.Errorf("send failed : %w", err)
	}
	response, err := c.waitResponse(time.Now().Add(c.initiateTimeout))
	if err != nil {
		return err
	}
	switch response.Data[0] {
	case csAbort:
		return responseAbort(response)
	case csWriteOk:
		return nil
	}
	return fmt.Errorf("unexpected response x%02x : %w", response.Data[0], AbortCmd)
}

// ReadUint8 reads one byte from an object expedited
func (c *Client) ReadUint8(index uint16, subindex uint8) (uint8, error) {
	c.drain()
	data := [8]byte{csUploadInitiate, uint8(index), uint8(index >> 8), subindex}
	log.Debugf("==>Tx (x%x) | READ EXPEDITED | x%x:x%x %v", c.nodeId, index, subindex, data)
	if err := c.send(data); err != nil {
		return 0, fmt.Errorf("send failed : %w", err)
	}
	response, err := c.waitResponse(time.Now().Add(c.initiateTimeout))
	if err != nil {
		return 0, err
	}
	switch response.Data[0] {
	case csAbort:
		return 0, responseAbort(response)
	case csUploadOneByte:
		return response.Data[4], nil
	}
	return 0, fmt.Errorf("unexpected response x%02x : %w", response.Data[0], AbortCmd)
}
