package canflash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type busMock struct {
	sent      []Frame
	listener  FrameListener
	connected bool
}

func (b *busMock) Connect(...any) error {
	b.connected = true
	return nil
}

func (b *busMock) Disconnect() error {
	b.connected = false
	return nil
}

func (b *busMock) Send(frame Frame) error {
	b.sent = append(b.sent, frame)
	return nil
}

func (b *busMock) Subscribe(l FrameListener) error {
	b.listener = l
	return nil
}

// receive simulates an inbound frame arriving from the wire : it goes
// through whatever listener the backend was given, not directly into
// the dispatcher.
func (b *busMock) receive(t *testing.T, frame Frame) {
	if b.listener == nil {
		t.Fatal("no listener attached to the bus receive stream")
	}
	b.listener.Handle(frame)
}

type recorder struct {
	frames []Frame
}

func (r *recorder) Handle(frame Frame) {
	r.frames = append(r.frames, frame)
}

func TestSubscribeDispatch(t *testing.T) {
	bm := NewBusManager(&busMock{})
	a := &recorder{}
	b := &recorder{}
	assert.Nil(t, bm.Subscribe(0x620, 0x7FF, false, a))
	assert.Nil(t, bm.Subscribe(0x720, 0x7FF, false, b))

	bm.Handle(NewFrame(0x620, 0, 8))
	bm.Handle(NewFrame(0x720, 0, 1))
	bm.Handle(NewFrame(0x721, 0, 1))

	assert.Len(t, a.frames, 1)
	assert.Equal(t, uint32(0x620), a.frames[0].ID)
	assert.Len(t, b.frames, 1)
	assert.Equal(t, uint32(0x720), b.frames[0].ID)
}

func TestSubscribeDeduplicates(t *testing.T) {
	bm := NewBusManager(&busMock{})
	a := &recorder{}
	assert.Nil(t, bm.Subscribe(0x620, 0x7FF, false, a))
	assert.Nil(t, bm.Subscribe(0x620, 0x7FF, false, a))

	bm.Handle(NewFrame(0x620, 0, 8))
	assert.Len(t, a.frames, 1)
}

func TestUnsubscribe(t *testing.T) {
	bm := NewBusManager(&busMock{})
	a := &recorder{}
	assert.Nil(t, bm.Subscribe(0x620, 0x7FF, false, a))
	bm.Unsubscribe(0x620, a)

	bm.Handle(NewFrame(0x620, 0, 8))
	assert.Len(t, a.frames, 0)
}

func TestConnectAttachesReceiveStream(t *testing.T) {
	bus := &busMock{}
	bm := NewBusManager(bus)
	a := &recorder{}
	assert.Nil(t, bm.Subscribe(0x5A0, 0x7FF, false, a))

	assert.Nil(t, bm.Connect())
	assert.True(t, bus.connected)

	// Inbound frames arrive via the backend listener and must reach
	// the subscriber.
	bus.receive(t, NewFrame(0x5A0, 0, 8))
	assert.Len(t, a.frames, 1)

	assert.Nil(t, bm.Disconnect())
	assert.False(t, bus.connected)
}

func TestRtrSubscription(t *testing.T) {
	bm := NewBusManager(&busMock{})
	data := &recorder{}
	rtr := &recorder{}
	assert.Nil(t, bm.Subscribe(0x620, 0x7FF, false, data))
	assert.Nil(t, bm.Subscribe(0x620, 0x7FF, true, rtr))

	bm.Handle(NewFrame(0x620, 0, 8))
	bm.Handle(NewFrame(0x620|CanRtrFlag, 0, 0))

	assert.Len(t, data.frames, 1)
	assert.Equal(t, uint32(0x620), data.frames[0].ID)
	assert.Len(t, rtr.frames, 1)
	assert.Equal(t, 0x620|CanRtrFlag, rtr.frames[0].ID)

	bm.Unsubscribe(0x620|CanRtrFlag, rtr)
	bm.Handle(NewFrame(0x620|CanRtrFlag, 0, 0))
	assert.Len(t, rtr.frames, 1)
}

func TestSendForwardsToBus(t *testing.T) {
	bus := &busMock{}
	bm := NewBusManager(bus)
	frame := NewFrame(0x620, 0, 8)
	assert.Nil(t, bm.Send(frame))
	assert.Len(t, bus.sent, 1)
	assert.Equal(t, frame, bus.sent[0])
}
