// Package heartbeat classifies the periodic status broadcast of one
// node into a device life-cycle state.
package heartbeat

import (
	"errors"
	"sync"
	"time"

	canflash "github.com/epsilontech/canflash"
	log "github.com/sirupsen/logrus"
)

// Status broadcasts are emitted on ServiceId + node id
const ServiceId uint16 = 0x700

// Raw broadcast codes, first payload byte of the status frame
const (
	codeBootUp         uint8 = 0
	codeOperational    uint8 = 5
	codePreOperational uint8 = 127
)

// DeviceState is the classified life-cycle state of the node
type DeviceState uint8

const (
	StateUnknown DeviceState = iota
	StateApplication
	StateBootloader
	StateTransitioning
)

var stateDescription = map[DeviceState]string{
	StateUnknown:       "UNKNOWN",
	StateApplication:   "APPLICATION",
	StateBootloader:    "BOOTLOADER",
	StateTransitioning: "TRANSITIONING",
}

func (s DeviceState) String() string {
	return stateDescription[s]
}

var ErrTimeout = errors.New("timed out waiting for status broadcast")

// Monitor holds the last observed state of a single node. One
// instance per campaign, frames from other nodes never reach it
// because the bus manager filters by COB-ID.
type Monitor struct {
	mu      sync.Mutex
	nodeId  uint8
	state   DeviceState
	changed chan struct{}
}

func NewMonitor(bm *canflash.BusManager, nodeId uint8) (*Monitor, error) {
	monitor := &Monitor{
		nodeId:  nodeId,
		state:   StateUnknown,
		changed: make(chan struct{}, 1),
	}
	err := bm.Subscribe(uint32(ServiceId)+uint32(nodeId), 0x7FF, false, monitor)
	if err != nil {
		return nil, err
	}
	return monitor, nil
}

// Handle implements the FrameListener interface, classifying each
// broadcast. The last classification always wins.
func (m *Monitor) Handle(frame canflash.Frame) {
	if frame.DLC < 1 {
		return
	}
	state := StateUnknown
	switch frame.Data[0] {
	case codePreOperational:
		state = StateBootloader
	case codeOperational:
		state = StateApplication
	case codeBootUp:
		state = StateTransitioning
	}
	m.mu.Lock()
	previous := m.state
	m.state = state
	m.mu.Unlock()
	if previous != state {
		log.Debugf("[HB] (x%x) state %v -> %v (raw x%x)", m.nodeId, previous, state, frame.Data[0])
	}
	select {
	case m.changed <- struct{}{}:
	default:
	}
}

// State returns the most recently classified state
func (m *Monitor) State() DeviceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AwaitState blocks until the node broadcasts the target state or the
// timeout elapses. A single matching broadcast suffices.
func (m *Monitor) AwaitState(target DeviceState, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if m.State() == target {
			return nil
		}
		select {
		case <-m.changed:
		case <-timer.C:
			return ErrTimeout
		}
	}
}

// AwaitClassified waits until any state other than Unknown has been
// observed. On timeout it returns Unknown, which is transient, not an
// error.
func (m *Monitor) AwaitClassified(timeout time.Duration) DeviceState {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if state := m.State(); state != StateUnknown {
			return state
		}
		select {
		case <-m.changed:
		case <-timer.C:
			return StateUnknown
		}
	}
}
