// Package radio owns the process-wide radio session and the per-family
// drivers that translate uniform operations into CAT command sequences.
package radio

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidInput is returned before anything is written to the radio
	ErrInvalidInput = errors.New("invalid input")
	// ErrLockNotHeld marks a caller that skipped the session lock
	ErrLockNotHeld = errors.New("radio lock not held")
	// ErrNotConnected is returned until Connect succeeds
	ErrNotConnected = errors.New("radio not connected")
	// ErrUnsupported is returned for operations a family cannot perform
	ErrUnsupported = errors.New("operation not supported by this radio")
	// ErrUnknownModel is returned when the radio answers but is not recognised
	ErrUnknownModel = errors.New("unknown radio model")
	// ErrNotConfirmed means a set command did not stick after every retry
	ErrNotConfirmed = errors.New("radio did not confirm the new value")
)

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Mode is an operating mode
type Mode int

const (
	ModeUnknown Mode = iota
	ModeLSB
	ModeUSB
	ModeCW
	ModeFM
	ModeAM
	ModeData
	ModeCWReverse
	ModeDataReverse
)

var modeNames = map[Mode]string{
	ModeUnknown:     "UNKNOWN",
	ModeLSB:         "LSB",
	ModeUSB:         "USB",
	ModeCW:          "CW",
	ModeFM:          "FM",
	ModeAM:          "AM",
	ModeData:        "DATA",
	ModeCWReverse:   "CW-REVERSE",
	ModeDataReverse: "DATA-REVERSE",
}

// Elecraft MD command codes
var modeCodes = map[Mode]int{
	ModeLSB:         1,
	ModeUSB:         2,
	ModeCW:          3,
	ModeFM:          4,
	ModeAM:          5,
	ModeData:        6,
	ModeCWReverse:   7,
	ModeDataReverse: 9,
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return modeNames[ModeUnknown]
}

// Code returns the MD command digit for m
func (m Mode) Code() (int, bool) {
	code, ok := modeCodes[m]
	return code, ok
}

// ModeFromCode maps an MD digit back to a Mode
func ModeFromCode(code int) Mode {
	for m, c := range modeCodes {
		if c == code {
			return m
		}
	}
	return ModeUnknown
}

// ParseMode accepts the names above, case-insensitively, plus the common
// short forms CW-R and DATA-R
func ParseMode(s string) (Mode, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	switch name {
	case "CW-R", "CWR":
		return ModeCWReverse, nil
	case "DATA-R", "DATAR":
		return ModeDataReverse, nil
	}
	for m, n := range modeNames {
		if n == name && m != ModeUnknown {
			return m, nil
		}
	}
	return ModeUnknown, invalidf("unknown mode %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (m *Mode) UnmarshalText(text []byte) error {
	if strings.EqualFold(string(text), "UNKNOWN") {
		*m = ModeUnknown
		return nil
	}
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Family identifies the detected radio model
type Family int

const (
	FamilyUnknown Family = iota
	FamilyKX2
	FamilyKX3
	FamilyKH1
)

func (f Family) String() string {
	switch f {
	case FamilyKX2:
		return "KX2"
	case FamilyKX3:
		return "KX3"
	case FamilyKH1:
		return "KH1"
	default:
		return "Unknown"
	}
}

// ParseFamily maps a model name to a Family
func ParseFamily(s string) Family {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "KX2":
		return FamilyKX2
	case "KX3":
		return FamilyKX3
	case "KH1":
		return FamilyKH1
	default:
		return FamilyUnknown
	}
}

// familyFromOption maps the trailing digits of the OM reply
func familyFromOption(code string) Family {
	switch code {
	case "01":
		return FamilyKX2
	case "02":
		return FamilyKX3
	case "03":
		return FamilyKH1
	default:
		return FamilyUnknown
	}
}

// Limits bounds the values a family accepts
type Limits struct {
	MinFrequency int64
	MaxFrequency int64
	MaxPower     int
	MaxVolume    int
	MessageBanks int
}

var familyLimits = map[Family]Limits{
	FamilyKX2: {MinFrequency: 500_000, MaxFrequency: 32_000_000, MaxPower: 10, MaxVolume: 255, MessageBanks: 4},
	FamilyKX3: {MinFrequency: 500_000, MaxFrequency: 54_000_000, MaxPower: 15, MaxVolume: 255, MessageBanks: 4},
	FamilyKH1: {MinFrequency: 7_000_000, MaxFrequency: 21_450_000, MaxPower: 5, MaxVolume: 255, MessageBanks: 3},
}

// LimitsFor returns the bounds for f
func LimitsFor(f Family) Limits {
	return familyLimits[f]
}

func (l Limits) checkFrequency(hz int64) error {
	if hz < l.MinFrequency || hz > l.MaxFrequency {
		return invalidf("frequency %d Hz outside %d..%d", hz, l.MinFrequency, l.MaxFrequency)
	}
	return nil
}

// State is a snapshot of the volatile settings saved around operations
// that temporarily change mode
type State struct {
	Mode          Mode  `json:"mode"`
	ActiveVFO     uint8 `json:"active_vfo"`
	VFOAFrequency int64 `json:"vfo_a_freq_hz"`
	TunerPower    uint8 `json:"tuner_power_setting"`
	AudioPeaking  uint8 `json:"audio_peaking_enabled"`
}
