package update

import (
	"errors"
	"fmt"
)

// State of the campaign state machine. Terminal states are Complete
// and Failed, nothing ever rewinds to an earlier state : recovery is
// a fresh campaign.
type State uint8

const (
	StateStart State = iota
	StateImageReady
	StateModeKnown
	StateBootloaderActive
	StateTransferred
	StateVerified
	StateComplete
	StateFailed
)

var stateDescription = map[State]string{
	StateStart:            "START",
	StateImageReady:       "IMAGE-READY",
	StateModeKnown:        "MODE-KNOWN",
	StateBootloaderActive: "BOOTLOADER-ACTIVE",
	StateTransferred:      "TRANSFERRED",
	StateVerified:         "VERIFIED",
	StateComplete:         "COMPLETE",
	StateFailed:           "FAILED",
}

func (s State) String() string {
	return stateDescription[s]
}

// Phase names the campaign step a failure happened in
type Phase uint8

const (
	PhaseImage Phase = iota
	PhaseDetect
	PhaseBootloaderEntry
	PhaseTransfer
	PhaseVerify
	PhaseApplicationExit
)

var phaseDescription = map[Phase]string{
	PhaseImage:           "image preparation",
	PhaseDetect:          "mode detection",
	PhaseBootloaderEntry: "bootloader entry",
	PhaseTransfer:        "firmware transfer",
	PhaseVerify:          "verification",
	PhaseApplicationExit: "application exit",
}

func (p Phase) String() string {
	return phaseDescription[p]
}

// ErrModeTransition means the expected broadcast state was not
// observed after the control write and its permitted retry.
var ErrModeTransition = errors.New("device did not reach requested mode")

// CampaignError is the single terminal diagnostic of a failed
// campaign. It names the failing phase, and its message tells the
// operator the only supported recovery : restarting from scratch.
type CampaignError struct {
	Phase Phase
	Err   error
}

func (e *CampaignError) Error() string {
	return fmt.Sprintf("campaign failed during %s : %v (restart the whole update from the beginning, partial resumption is not supported)",
		e.Phase, e.Err)
}

func (e *CampaignError) Unwrap() error {
	return e.Err
}

func failed(phase Phase, err error) *CampaignError {
	return &CampaignError{Phase: phase, Err: err}
}
