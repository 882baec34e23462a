package canflash

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Bus manager is a wrapper around the CAN bus interface.
// It dispatches received frames to the listeners subscribed to
// their COB-ID, so that each protocol service only ever sees
// the identifiers it cares about.
type BusManager struct {
	mu             sync.Mutex
	bus            Bus
	frameListeners map[uint32][]FrameListener
}

func NewBusManager(bus Bus) *BusManager {
	return &BusManager{
		bus:            bus,
		frameListeners: make(map[uint32][]FrameListener),
	}
}

// Connect attaches the dispatcher to the bus receive stream and
// opens the bus. Frames received before Connect are lost, so this
// must run before any protocol service starts waiting.
func (bm *BusManager) Connect() error {
	if err := bm.bus.Subscribe(bm); err != nil {
		return err
	}
	return bm.bus.Connect()
}

// Disconnect closes the underlying bus
func (bm *BusManager) Disconnect() error {
	return bm.bus.Disconnect()
}

// Implements the FrameListener interface
// This handles all received CAN frames from Bus
func (bm *BusManager) Handle(frame Frame) {
	ident := frame.ID & CanSffMask
	if frame.ID&CanRtrFlag != 0 {
		ident |= CanRtrFlag
	}
	bm.mu.Lock()
	listeners := bm.frameListeners[ident]
	bm.mu.Unlock()
	for _, listener := range listeners {
		listener.Handle(frame)
	}
}

func (bm *BusManager) SetBus(bus Bus) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.bus = bus
}

func (bm *BusManager) Bus() Bus {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.bus
}

// Send a CAN message on the bus
func (bm *BusManager) Send(frame Frame) error {
	err := bm.bus.Send(frame)
	if err != nil {
		log.Warnf("[CAN] %v", err)
	}
	return err
}

// Subscribe to a specific CAN ID
func (bm *BusManager) Subscribe(ident uint32, mask uint32, rtr bool, callback FrameListener) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	ident = ident & CanSffMask
	if rtr {
		ident |= CanRtrFlag
	}
	for _, existing := range bm.frameListeners[ident] {
		if existing == callback {
			log.Warnf("[CAN] callback for frame id x%x already added", ident)
			return nil
		}
	}
	bm.frameListeners[ident] = append(bm.frameListeners[ident], callback)
	return nil
}

// Unsubscribe a listener from a specific CAN ID. For an RTR
// subscription the ident must carry CanRtrFlag.
func (bm *BusManager) Unsubscribe(ident uint32, callback FrameListener) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	ident = ident & (CanSffMask | CanRtrFlag)
	listeners := bm.frameListeners[ident]
	for i, existing := range listeners {
		if existing == callback {
			bm.frameListeners[ident] = append(listeners[:i], listeners[i+1:]...)
			return
		}
	}
}
