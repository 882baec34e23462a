package update

import "fmt"

// FirmwareStatus decodes the optional status object : bit 0 busy,
// bits 1..7 error code.
type FirmwareStatus struct {
	Busy      bool
	ErrorCode uint8
}

func decodeFirmwareStatus(value uint8) FirmwareStatus {
	return FirmwareStatus{
		Busy:      value&0x01 != 0,
		ErrorCode: (value >> 1) & 0x7F,
	}
}

func (s FirmwareStatus) String() string {
	switch {
	case s.Busy:
		return "BUSY"
	case s.ErrorCode != 0:
		return fmt.Sprintf("ERROR(%v)", s.ErrorCode)
	}
	return "OK"
}
