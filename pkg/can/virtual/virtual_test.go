package virtual

import (
	"net"
	"testing"
	"time"

	canflash "github.com/epsilontech/canflash"
	"github.com/stretchr/testify/assert"
)

type recorder struct {
	frames chan canflash.Frame
}

func (r *recorder) Handle(frame canflash.Frame) {
	r.frames <- frame
}

func dialPair(t *testing.T) (*Bus, net.Conn) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Nil(t, err)
	t.Cleanup(func() { listener.Close() })

	raw, err := NewBus(listener.Addr().String())
	assert.Nil(t, err)
	bus := raw.(*Bus)
	assert.Nil(t, bus.Connect())
	t.Cleanup(func() { bus.Disconnect() })

	conn, err := listener.Accept()
	assert.Nil(t, err)
	t.Cleanup(func() { conn.Close() })
	return bus, conn
}

func TestReceive(t *testing.T) {
	bus, conn := dialPair(t)
	rec := &recorder{frames: make(chan canflash.Frame, 1)}
	assert.Nil(t, bus.Subscribe(rec))

	frame := canflash.NewFrame(0x5A0, 0, 8)
	frame.Data = [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	payload, err := serializeFrame(frame)
	assert.Nil(t, err)
	_, err = conn.Write(payload)
	assert.Nil(t, err)

	select {
	case got := <-rec.frames:
		assert.Equal(t, frame, got)
	case <-time.After(2 * time.Second):
		t.Fatal("frame never delivered")
	}
}

func TestReceiveSplitAcrossReads(t *testing.T) {
	bus, conn := dialPair(t)
	rec := &recorder{frames: make(chan canflash.Frame, 1)}
	assert.Nil(t, bus.Subscribe(rec))

	frame := canflash.NewFrame(0x620, 0, 8)
	frame.Data = [8]byte{0x2F, 0x51, 0x1F, 0x01}
	payload, err := serializeFrame(frame)
	assert.Nil(t, err)

	// The stream splits mid-payload, the reader must reassemble
	_, err = conn.Write(payload[:7])
	assert.Nil(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = conn.Write(payload[7:])
	assert.Nil(t, err)

	select {
	case got := <-rec.frames:
		assert.Equal(t, frame, got)
	case <-time.After(2 * time.Second):
		t.Fatal("frame never delivered")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	frame := canflash.NewFrame(0x720, 0, 1)
	frame.Data[0] = 127
	payload, err := serializeFrame(frame)
	assert.Nil(t, err)
	// 4 byte length prefix plus the serialized frame
	assert.Equal(t, 4+14, len(payload))

	decoded, err := deserializeFrame(payload[4:])
	assert.Nil(t, err)
	assert.Equal(t, frame, *decoded)
}
