package radio

import (
	"fmt"
	"strings"
	"time"
)

// Driver is the uniform operation set. The two families implement it with
// very different command sequences; callers never branch on family.
// Every method must be called with the session lock held.
type Driver interface {
	Family() Family
	Limits() Limits

	GetFrequency() (int64, error)
	SetFrequency(hz int64) error
	GetMode() (Mode, error)
	SetMode(m Mode) error
	GetPower() (int, error)
	SetPower(watts int) error
	GetVolume() (int, error)
	SetVolume(level int) error
	GetTransmit() (bool, error)
	SetTransmit(on bool) error

	PlayMessage(bank int) error
	TuneATU() error
	SendKeyer(text string) error
	SyncTime(hour, minute, second int) error

	GetState() (State, error)
	RestoreState(st State) error

	// FT8 primitives, used only by the sequencer
	FT8Prepare(baseHz int64) error
	FT8ToneOn() error
	FT8SetTone(baseHz, toneHz int64) error
	FT8ToneOff() error
}

func newDriver(family Family, h *Handle) (Driver, error) {
	switch family {
	case FamilyKX2, FamilyKX3:
		return &kxDriver{h: h, family: family, limits: LimitsFor(family)}, nil
	case FamilyKH1:
		return &kh1Driver{h: h, limits: LimitsFor(family)}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, family)
	}
}

// KeyerMargin is added to the computed send time before the prior mode is
// restored
const KeyerMargin = 500 * time.Millisecond

// keyerDuration is the time the radio needs to send text at wpm using the
// PARIS convention of ten units per character
func keyerDuration(text string, wpm int) time.Duration {
	if wpm <= 0 {
		wpm = 20
	}
	ms := int64(len(text)) * 10 * 1200 / int64(wpm)
	return time.Duration(ms)*time.Millisecond + KeyerMargin
}

func checkKeyerText(text string) (string, error) {
	text = strings.ToUpper(strings.TrimSpace(text))
	if text == "" {
		return "", invalidf("keyer text is empty")
	}
	for _, r := range text {
		if r == ' ' {
			continue
		}
		if _, ok := morseTable[r]; !ok {
			return "", invalidf("keyer text has unsendable character %q", r)
		}
	}
	return text, nil
}

func checkTime(hour, minute, second int) error {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 || second < 0 || second > 59 {
		return invalidf("time %02d:%02d:%02d out of range", hour, minute, second)
	}
	return nil
}
