// Package socketcan provides the Linux socketcan backend, built on
// github.com/brutella/can.
package socketcan

import (
	sockcan "github.com/brutella/can"
	canflash "github.com/epsilontech/canflash"
	log "github.com/sirupsen/logrus"
)

func init() {
	canflash.RegisterInterface("socketcan", NewBus)
}

type Bus struct {
	bus      *sockcan.Bus
	listener canflash.FrameListener
}

func NewBus(channel string) (canflash.Bus, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(channel)
	if err != nil {
		return nil, err
	}
	return &Bus{bus: bus}, nil
}

// Connect starts the receive loop. brutella/can publishes frames from
// a goroutine of its own, ConnectAndPublish blocks until disconnect.
func (b *Bus) Connect(...any) error {
	go func() {
		if err := b.bus.ConnectAndPublish(); err != nil {
			log.Errorf("[CAN] socketcan receive loop stopped : %v", err)
		}
	}()
	return nil
}

func (b *Bus) Disconnect() error {
	return b.bus.Disconnect()
}

func (b *Bus) Send(frame canflash.Frame) error {
	return b.bus.Publish(sockcan.Frame{
		ID:     frame.ID,
		Length: frame.DLC,
		Flags:  frame.Flags,
		Data:   frame.Data,
	})
}

func (b *Bus) Subscribe(listener canflash.FrameListener) error {
	b.listener = listener
	b.bus.Subscribe(b)
	return nil
}

// Handle satisfies the brutella/can handler interface and forwards
// received frames to the subscribed listener.
func (b *Bus) Handle(frame sockcan.Frame) {
	if b.listener == nil {
		return
	}
	b.listener.Handle(canflash.Frame{ID: frame.ID, Flags: frame.Flags, DLC: frame.Length, Data: frame.Data})
}
