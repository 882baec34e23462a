// Package update drives one firmware update campaign : mode
// detection, bootloader entry, segmented transfer, verification
// window and return to the application.
package update

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	canflash "github.com/epsilontech/canflash"
	"github.com/epsilontech/canflash/internal/retry"
	"github.com/epsilontech/canflash/pkg/config"
	"github.com/epsilontech/canflash/pkg/heartbeat"
	"github.com/epsilontech/canflash/pkg/ihex"
	"github.com/epsilontech/canflash/pkg/sdo"
	log "github.com/sirupsen/logrus"
)

// Mode control values
const (
	modeBootloader  uint8 = 0
	modeApplication uint8 = 1
)

// Updater owns the bus handle for the lifetime of one campaign and
// executes its steps sequentially. It is not reusable, create a new
// one for every campaign.
type Updater struct {
	cfg      config.Config
	client   *sdo.Client
	monitor  *heartbeat.Monitor
	state    State
	observer sdo.Observer
}

func New(bm *canflash.BusManager, cfg config.Config) (*Updater, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := sdo.NewClient(bm, cfg.NodeId)
	if err != nil {
		return nil, err
	}
	client.SetTimings(cfg.InitiateTimeout, retry.Policy{
		MaxAttempts: cfg.SegmentRetries,
		Timeout:     cfg.SegmentTimeout,
	})
	monitor, err := heartbeat.NewMonitor(bm, cfg.NodeId)
	if err != nil {
		return nil, err
	}
	return &Updater{
		cfg:     cfg,
		client:  client,
		monitor: monitor,
		state:   StateStart,
	}, nil
}

// SetObserver registers a transfer progress callback
func (u *Updater) SetObserver(observer sdo.Observer) {
	u.observer = observer
}

func (u *Updater) State() State {
	return u.state
}

func (u *Updater) setState(state State) {
	log.Infof("[UPDATE] (x%x) %v -> %v", u.cfg.NodeId, u.state, state)
	u.state = state
}

func (u *Updater) fail(phase Phase, err error) error {
	u.state = StateFailed
	campaignErr := failed(phase, err)
	log.Errorf("[UPDATE] (x%x) %v", u.cfg.NodeId, campaignErr)
	return campaignErr
}

// Run executes one full campaign on the raw firmware file contents,
// either the line record format or a raw binary image. Cancellation
// is honored between steps only and explicitly suppressed during the
// transfer phase : interrupting a half-written image bricks the
// device.
func (u *Updater) Run(ctx context.Context, firmware []byte) error {

	// Start -> ImageReady
	payload, img, err := u.prepareImage(firmware)
	if err != nil {
		return u.fail(PhaseImage, err)
	}
	log.Infof("[UPDATE] (x%x) image ready : %v bytes over x%x-x%x, entry point x%08x, %v bytes on the wire",
		u.cfg.NodeId, img.Size(), img.Start(), img.End(), img.EntryPoint(), len(payload))
	u.setState(StateImageReady)
	if err := ctx.Err(); err != nil {
		return u.fail(PhaseDetect, err)
	}

	// ImageReady -> ModeKnown
	mode := u.detectMode()
	log.Infof("[UPDATE] (x%x) device mode : %v", u.cfg.NodeId, mode)
	u.setState(StateModeKnown)

	// ModeKnown -> BootloaderActive
	if mode == heartbeat.StateBootloader {
		log.Infof("[UPDATE] (x%x) already in bootloader, skipping mode switch", u.cfg.NodeId)
	} else {
		if err := u.changeMode(modeBootloader, heartbeat.StateBootloader); err != nil {
			return u.fail(PhaseBootloaderEntry, err)
		}
	}
	u.setState(StateBootloaderActive)
	if err := ctx.Err(); err != nil {
		return u.fail(PhaseTransfer, err)
	}

	// BootloaderActive -> Transferred
	// Deliberately not watching ctx here, the phase must run to
	// completion or fail on its own.
	log.Warnf("[UPDATE] (x%x) transfer started, do not interrupt", u.cfg.NodeId)
	err = u.client.DownloadSegmented(u.cfg.UploadIndex, u.cfg.UploadSub, payload, u.observer)
	if err != nil {
		return u.fail(PhaseTransfer, err)
	}
	u.setState(StateTransferred)

	// Transferred -> Verified
	log.Infof("[UPDATE] (x%x) waiting %v for internal verification", u.cfg.NodeId, u.cfg.VerifyWait)
	select {
	case <-time.After(u.cfg.VerifyWait):
	case <-ctx.Done():
		return u.fail(PhaseVerify, ctx.Err())
	}
	if status, ok := u.readFirmwareStatus(); ok {
		log.Infof("[UPDATE] (x%x) device firmware status : %v", u.cfg.NodeId, status)
		if !status.Busy && status.ErrorCode != 0 {
			return u.fail(PhaseVerify, fmt.Errorf("device rejected firmware, error code %v", status.ErrorCode))
		}
	}
	u.setState(StateVerified)
	if err := ctx.Err(); err != nil {
		return u.fail(PhaseApplicationExit, err)
	}

	// Verified -> Complete
	if err := u.changeMode(modeApplication, heartbeat.StateApplication); err != nil {
		return u.fail(PhaseApplicationExit, err)
	}
	u.setState(StateComplete)
	return nil
}

// prepareImage converts the firmware source into the line record
// payload the bootloader expects and the decoded memory image. Record
// format input is validated and uploaded as-is, raw binary is encoded
// first. Both paths converge on the same image representation.
func (u *Updater) prepareImage(firmware []byte) ([]byte, *ihex.Image, error) {
	if len(firmware) == 0 {
		return nil, nil, fmt.Errorf("empty firmware source")
	}
	if ihex.IsRecordStream(firmware) {
		img, err := ihex.Decode(bytes.NewReader(firmware))
		if err != nil {
			return nil, nil, err
		}
		return firmware, img, nil
	}
	payload := ihex.MarshalRecords(ihex.Encode(firmware, u.cfg.BaseAddress))
	img, err := ihex.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, nil, err
	}
	if u.cfg.EntryPointMask != 0xFFFFFFFF {
		img.SetEntryPoint(img.EntryPoint() & u.cfg.EntryPointMask)
		payload = img.Marshal()
	}
	return payload, img, nil
}

// detectMode classifies the device from its status broadcast within a
// short grace window, falling back to an expedited read of the mode
// control object. Unknown is acceptable, the campaign then proceeds
// as if bootloader entry were required.
func (u *Updater) detectMode() heartbeat.DeviceState {
	state := u.monitor.AwaitClassified(u.cfg.DetectGrace)
	if state != heartbeat.StateUnknown {
		return state
	}
	value, err := u.client.ReadUint8(u.cfg.ModeIndex, u.cfg.ModeSub)
	if err != nil {
		log.Debugf("[UPDATE] (x%x) mode control not readable : %v", u.cfg.NodeId, err)
		return heartbeat.StateUnknown
	}
	switch value {
	case modeBootloader:
		return heartbeat.StateBootloader
	case modeApplication:
		return heartbeat.StateApplication
	}
	return heartbeat.StateUnknown
}

// changeMode writes the mode control object and waits for the target
// state broadcast. One retry of the control write is permitted, the
// overall window is split across the attempts.
func (u *Updater) changeMode(value uint8, target heartbeat.DeviceState) error {
	window := u.cfg.ModeTimeout / time.Duration(u.cfg.ModeWriteAttempts)
	tries := retry.Policy{MaxAttempts: u.cfg.ModeWriteAttempts, Timeout: window}.Start()
	for tries.Next() {
		log.Infof("[UPDATE] (x%x) requesting mode %v (write %v, attempt %v)",
			u.cfg.NodeId, target, value, tries.Count())
		if err := u.client.WriteUint8(u.cfg.ModeIndex, u.cfg.ModeSub, value); err != nil {
			// No answer or a timeout abort is expected while the
			// device reboots into the other mode.
			if errors.Is(err, sdo.ErrTimeout) || errors.Is(err, sdo.AbortTimeout) {
				log.Debugf("[UPDATE] (x%x) no confirmation, device may be rebooting", u.cfg.NodeId)
			} else {
				log.Warnf("[UPDATE] (x%x) mode control write failed : %v", u.cfg.NodeId, err)
			}
		}
		if err := u.monitor.AwaitState(target, window); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w : no %v broadcast within %v", ErrModeTransition, target, u.cfg.ModeTimeout)
}

// readFirmwareStatus polls the optional status object until the
// device stops reporting busy or the grace window closes. A device
// without the object simply does not answer.
func (u *Updater) readFirmwareStatus() (FirmwareStatus, bool) {
	deadline := time.Now().Add(u.cfg.DetectGrace)
	for {
		value, err := u.client.ReadUint8(u.cfg.StatusIndex, u.cfg.StatusSub)
		if err != nil {
			return FirmwareStatus{}, false
		}
		status := decodeFirmwareStatus(value)
		if !status.Busy || time.Now().After(deadline) {
			return status, true
		}
		time.Sleep(200 * time.Millisecond)
	}
}
