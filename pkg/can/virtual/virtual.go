// Package virtual implements a TCP backed CAN bus for testing on
// machines without CAN hardware. It speaks the virtualcan broker
// protocol (https://github.com/windelbouwman/virtualcan) : each frame
// is a big endian length prefix followed by the serialized frame.
package virtual

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	canflash "github.com/epsilontech/canflash"
	log "github.com/sirupsen/logrus"
)

func init() {
	canflash.RegisterInterface("virtual", NewBus)
	canflash.RegisterInterface("virtualcan", NewBus)
}

const readTimeout = 200 * time.Millisecond
const writeTimeout = 10 * time.Millisecond

type Bus struct {
	mu         sync.Mutex
	channel    string
	conn       net.Conn
	listener   canflash.FrameListener
	receiveOwn bool
	stopChan   chan struct{}
	wg         sync.WaitGroup
	isRunning  bool
	rxFailed   bool
}

func NewBus(channel string) (canflash.Bus, error) {
	return &Bus{channel: channel, stopChan: make(chan struct{})}, nil
}

func serializeFrame(frame canflash.Frame) ([]byte, error) {
	buffer := new(bytes.Buffer)
	err := binary.Write(buffer, binary.BigEndian, frame)
	if err != nil {
		return nil, err
	}
	payload := buffer.Bytes()
	out := make([]byte, 4, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	return append(out, payload...), nil
}

func deserializeFrame(payload []byte) (*canflash.Frame, error) {
	var frame canflash.Frame
	err := binary.Read(bytes.NewBuffer(payload), binary.BigEndian, &frame)
	if err != nil {
		return nil, err
	}
	return &frame, nil
}

// Connect dials the broker, the channel is the broker address,
// e.g. localhost:18888.
func (b *Bus) Connect(...any) error {
	conn, err := net.Dial("tcp", b.channel)
	if err != nil {
		return err
	}
	b.conn = conn
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isRunning && !b.rxFailed {
		close(b.stopChan)
		b.wg.Wait()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *Bus) Send(frame canflash.Frame) error {
	if b.receiveOwn && b.listener != nil {
		b.listener.Handle(frame)
	}
	if b.conn == nil {
		return errors.New("no active connection, abort send")
	}
	frameBytes, err := serializeFrame(frame)
	if err != nil {
		return err
	}
	_ = b.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = b.conn.Write(frameBytes)
	return err
}

func (b *Bus) Subscribe(listener canflash.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = listener
	if b.isRunning {
		return nil
	}
	b.wg.Add(1)
	b.isRunning = true
	b.rxFailed = false
	go b.handleReception()
	return nil
}

// SetReceiveOwn enables local loopback of sent frames, useful when
// two endpoints share one bus handle in tests.
func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.receiveOwn = receiveOwn
}

// recv reads one length prefixed frame. Reads are full reads, a TCP
// stream may split a frame across arbitrary boundaries. A read
// deadline keeps the receive loop responsive to stop requests.
func (b *Bus) recv() (*canflash.Frame, error) {
	if b.conn == nil {
		return nil, errors.New("no active connection, abort receive")
	}
	_ = b.conn.SetReadDeadline(time.Now().Add(readTimeout))
	header := make([]byte, 4)
	if n, err := io.ReadFull(b.conn, header); err != nil {
		// An idle timeout with nothing read is the normal poll path.
		// A timeout mid-header means the stream is desynchronized.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() && n == 0 {
			return nil, err
		}
		return nil, fmt.Errorf("reading frame header : %w", err)
	}
	length := binary.BigEndian.Uint32(header)
	payload := make([]byte, length)
	_ = b.conn.SetReadDeadline(time.Now().Add(readTimeout))
	if _, err := io.ReadFull(b.conn, payload); err != nil {
		return nil, fmt.Errorf("reading frame payload : %w", err)
	}
	return deserializeFrame(payload)
}

func (b *Bus) handleReception() {
	defer func() {
		b.isRunning = false
		b.wg.Done()
	}()
	for {
		select {
		case <-b.stopChan:
			return
		default:
			// Do not block if the lock is held by Disconnect or Subscribe
			if !b.mu.TryLock() {
				continue
			}
			frame, err := b.recv()
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				// No frame within the deadline, keep polling
			} else if err != nil {
				log.Warnf("[CAN] virtual receive loop stopped : %v", err)
				b.rxFailed = true
				b.mu.Unlock()
				return
			} else if b.listener != nil {
				b.listener.Handle(*frame)
			}
			b.mu.Unlock()
		}
	}
}
