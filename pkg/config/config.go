// Package config carries the campaign configuration : bus settings,
// object-dictionary addresses, image layout and timing windows.
package config

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/ini.v1"
)

// Object-dictionary wire contract of the bootloader
const (
	ModeControlIndex    uint16 = 0x1F51 // sub 1 : 0 = bootloader, 1 = application
	FirmwareUploadIndex uint16 = 0x1F50 // sub 1 : segmented write target
	StatusObjectIndex   uint16 = 0x1F57 // sub 1 : transfer status, optional
)

// Application region base, right after the bootloader
const DefaultBaseAddress uint32 = 0x08018000

type Config struct {
	NodeId uint8

	// Bus
	Interface string
	Channel   string
	Bitrate   int

	// Object addresses
	ModeIndex   uint16
	ModeSub     uint8
	UploadIndex uint16
	UploadSub   uint8
	StatusIndex uint16
	StatusSub   uint8

	// Image layout
	BaseAddress uint32
	// Mask applied to the extracted entry point before emission.
	// Default keeps the literal reset vector word.
	EntryPointMask uint32

	// Timing
	InitiateTimeout time.Duration
	SegmentTimeout  time.Duration
	ModeTimeout     time.Duration
	VerifyWait      time.Duration
	DetectGrace     time.Duration

	// Retry ceilings
	SegmentRetries    int
	ModeWriteAttempts int
}

func Default() Config {
	return Config{
		Interface:         "socketcan",
		Channel:           "can0",
		Bitrate:           250000,
		ModeIndex:         ModeControlIndex,
		ModeSub:           1,
		UploadIndex:       FirmwareUploadIndex,
		UploadSub:         1,
		StatusIndex:       StatusObjectIndex,
		StatusSub:         1,
		BaseAddress:       DefaultBaseAddress,
		EntryPointMask:    0xFFFFFFFF,
		InitiateTimeout:   5 * time.Second,
		SegmentTimeout:    2 * time.Second,
		ModeTimeout:       30 * time.Second,
		VerifyWait:        15 * time.Second,
		DetectGrace:       2 * time.Second,
		SegmentRetries:    3,
		ModeWriteAttempts: 2,
	}
}

// Load overlays an INI file onto the configuration. Recognized
// sections : [bus], [objects], [timing]. Keys absent from the file
// keep their current value.
func (c *Config) Load(filePath string) error {
	file, err := ini.Load(filePath)
	if err != nil {
		return fmt.Errorf("loading configuration : %w", err)
	}

	bus := file.Section("bus")
	c.Interface = bus.Key("interface").MustString(c.Interface)
	c.Channel = bus.Key("channel").MustString(c.Channel)
	c.Bitrate = bus.Key("bitrate").MustInt(c.Bitrate)

	objects := file.Section("objects")
	c.ModeIndex = uint16(hexKey(objects, "mode_control", uint64(c.ModeIndex), 16))
	c.UploadIndex = uint16(hexKey(objects, "firmware_upload", uint64(c.UploadIndex), 16))
	c.StatusIndex = uint16(hexKey(objects, "status", uint64(c.StatusIndex), 16))
	c.BaseAddress = uint32(hexKey(objects, "base_address", uint64(c.BaseAddress), 32))
	c.EntryPointMask = uint32(hexKey(objects, "entry_point_mask", uint64(c.EntryPointMask), 32))

	timing := file.Section("timing")
	c.InitiateTimeout = durationKey(timing, "initiate_timeout_ms", c.InitiateTimeout)
	c.SegmentTimeout = durationKey(timing, "segment_timeout_ms", c.SegmentTimeout)
	c.ModeTimeout = durationKey(timing, "mode_timeout_ms", c.ModeTimeout)
	c.VerifyWait = durationKey(timing, "verify_wait_ms", c.VerifyWait)
	c.DetectGrace = durationKey(timing, "detect_grace_ms", c.DetectGrace)
	c.SegmentRetries = timing.Key("segment_retries").MustInt(c.SegmentRetries)
	c.ModeWriteAttempts = timing.Key("mode_write_attempts").MustInt(c.ModeWriteAttempts)
	return nil
}

func durationKey(section *ini.Section, name string, fallback time.Duration) time.Duration {
	ms := section.Key(name).MustInt64(fallback.Milliseconds())
	return time.Duration(ms) * time.Millisecond
}

// hexKey parses an integer key accepting both decimal and 0x prefixed
// hex, object addresses are conventionally written in hex.
func hexKey(section *ini.Section, name string, fallback uint64, bits int) uint64 {
	value := section.Key(name).Value()
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseUint(value, 0, bits)
	if err != nil {
		return fallback
	}
	return parsed
}

// Validate checks the parts that cannot be defaulted
func (c *Config) Validate() error {
	if c.NodeId < 1 || c.NodeId > 127 {
		return fmt.Errorf("node id %v out of range 1..127", c.NodeId)
	}
	if c.SegmentRetries < 1 {
		return fmt.Errorf("segment retry ceiling must be at least 1")
	}
	if c.ModeWriteAttempts < 1 {
		return fmt.Errorf("mode write attempts must be at least 1")
	}
	return nil
}
