package radio

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dougsko/rigbridge/pkg/logging"
)

// KH1 display snapshot, payload after the "DS1" echo:
//
//	14074.000 C 05 020 0
//	|         | |  |   tx flag
//	|         | |  volume
//	|         | power (W)
//	|         mode letter
//	frequency in kHz with Hz decimals
const (
	kh1Snapshot    = "DS1;"
	kh1SnapshotLen = 20
	kh1FreqStart   = 0
	kh1FreqEnd     = 9
	kh1ModeAt      = 10
	kh1PowerStart  = 12
	kh1PowerEnd    = 14
	kh1VolumeStart = 15
	kh1VolumeEnd   = 18
	kh1TransmitAt  = 19
	kh1ModeToggle  = "SW3T;"
	kh1ATUHold     = "SW4H;"
	kh1ATUPoll     = 250 * time.Millisecond
	kh1ClockPrefix = "TM;"
	kh1ClockSlackS = 2
)

// kh1ModeCycle is the order the mode button steps through
var kh1ModeCycle = []Mode{ModeCW, ModeCWReverse, ModeUSB, ModeLSB}

var kh1ModeLetters = map[byte]Mode{
	'C': ModeCW,
	'R': ModeCWReverse,
	'U': ModeUSB,
	'L': ModeLSB,
}

var kh1BankHolds = []string{"SW1H;", "SW2H;", "SW3H;"}

// kh1Status is one parsed display snapshot
type kh1Status struct {
	FrequencyHz int64
	Mode        Mode
	Power       int
	Volume      int
	Transmit    bool
}

func parseKH1Snapshot(payload string) (kh1Status, error) {
	var st kh1Status
	if len(payload) < kh1SnapshotLen {
		return st, fmt.Errorf("snapshot %q shorter than %d", payload, kh1SnapshotLen)
	}

	freq := strings.Replace(strings.TrimSpace(payload[kh1FreqStart:kh1FreqEnd]), ".", "", 1)
	hz, err := strconv.ParseInt(freq, 10, 64)
	if err != nil {
		return st, fmt.Errorf("snapshot frequency %q: %w", payload[kh1FreqStart:kh1FreqEnd], err)
	}
	st.FrequencyHz = hz

	mode, ok := kh1ModeLetters[payload[kh1ModeAt]]
	if !ok {
		return st, fmt.Errorf("snapshot mode letter %q", payload[kh1ModeAt])
	}
	st.Mode = mode

	if st.Power, err = strconv.Atoi(strings.TrimSpace(payload[kh1PowerStart:kh1PowerEnd])); err != nil {
		return st, fmt.Errorf("snapshot power: %w", err)
	}
	if st.Volume, err = strconv.Atoi(strings.TrimSpace(payload[kh1VolumeStart:kh1VolumeEnd])); err != nil {
		return st, fmt.Errorf("snapshot volume: %w", err)
	}
	st.Transmit = payload[kh1TransmitAt] == '1'
	return st, nil
}

// kh1Driver works from display snapshots: every read parses one, and every
// write is confirmed by reading one back.
type kh1Driver struct {
	h      *Handle
	limits Limits
}

func (d *kh1Driver) Family() Family { return FamilyKH1 }
func (d *kh1Driver) Limits() Limits { return d.limits }

func (d *kh1Driver) tries() int { return d.h.opts.Tries }

func (d *kh1Driver) status() (kh1Status, error) {
	payload, err := d.h.GetString(kh1Snapshot, d.tries())
	if err != nil {
		return kh1Status{}, err
	}
	return parseKH1Snapshot(payload)
}

// apply sends cmd and re-reads the snapshot until ok accepts it
func (d *kh1Driver) apply(cmd string, ok func(kh1Status) bool) error {
	var lastErr error
	for attempt := 0; attempt < d.tries(); attempt++ {
		if err := d.h.SendRaw(cmd, 1); err != nil {
			lastErr = err
			continue
		}
		d.h.sleep(d.h.opts.Settle)
		st, err := d.status()
		if err != nil {
			lastErr = err
			continue
		}
		if ok(st) {
			return nil
		}
		lastErr = fmt.Errorf("%w: %s", ErrNotConfirmed, cmd)
	}
	return lastErr
}

func (d *kh1Driver) GetFrequency() (int64, error) {
	st, err := d.status()
	return st.FrequencyHz, err
}

func (d *kh1Driver) SetFrequency(hz int64) error {
	if err := d.limits.checkFrequency(hz); err != nil {
		return err
	}
	return d.apply(fmt.Sprintf("FA%011d;", hz), func(st kh1Status) bool {
		return st.FrequencyHz == hz
	})
}

func (d *kh1Driver) GetMode() (Mode, error) {
	st, err := d.status()
	return st.Mode, err
}

// SetMode presses the mode button until the display shows m. One full
// cycle plus the retry budget bounds the presses.
func (d *kh1Driver) SetMode(m Mode) error {
	supported := false
	for _, c := range kh1ModeCycle {
		if c == m {
			supported = true
		}
	}
	if !supported {
		return invalidf("mode %s not available on %s", m, FamilyKH1)
	}

	presses := len(kh1ModeCycle) + d.tries()
	for i := 0; i <= presses; i++ {
		st, err := d.status()
		if err != nil {
			return err
		}
		if st.Mode == m {
			return nil
		}
		if i == presses {
			break
		}
		if err := d.h.SendRaw(kh1ModeToggle, 1); err != nil {
			return err
		}
		d.h.sleep(d.h.opts.Settle)
	}
	return fmt.Errorf("%w: mode %s", ErrNotConfirmed, m)
}

func (d *kh1Driver) GetPower() (int, error) {
	st, err := d.status()
	return st.Power, err
}

func (d *kh1Driver) SetPower(watts int) error {
	if watts < 0 || watts > d.limits.MaxPower {
		return invalidf("power %d W outside 0..%d", watts, d.limits.MaxPower)
	}
	return d.apply(fmt.Sprintf("PC%03d;", watts), func(st kh1Status) bool {
		return st.Power == watts
	})
}

func (d *kh1Driver) GetVolume() (int, error) {
	st, err := d.status()
	return st.Volume, err
}

func (d *kh1Driver) SetVolume(level int) error {
	if level < 0 || level > d.limits.MaxVolume {
		return invalidf("volume %d outside 0..%d", level, d.limits.MaxVolume)
	}
	return d.apply(fmt.Sprintf("AG%03d;", level), func(st kh1Status) bool {
		return st.Volume == level
	})
}

func (d *kh1Driver) GetTransmit() (bool, error) {
	st, err := d.status()
	return st.Transmit, err
}

func (d *kh1Driver) SetTransmit(on bool) error {
	cmd := "RX;"
	if on {
		cmd = "TX;"
	}
	return d.apply(cmd, func(st kh1Status) bool {
		return st.Transmit == on
	})
}

func (d *kh1Driver) PlayMessage(bank int) error {
	if bank < 1 || bank > len(kh1BankHolds) {
		return invalidf("message bank %d outside 1..%d", bank, len(kh1BankHolds))
	}
	return d.h.SendRaw(kh1BankHolds[bank-1], d.tries())
}

func (d *kh1Driver) TuneATU() error {
	if err := d.h.SendRaw(kh1ATUHold, d.tries()); err != nil {
		return err
	}
	polls := int(d.h.opts.ATUTimeout / kh1ATUPoll)
	for i := 0; i <= polls; i++ {
		d.h.sleep(kh1ATUPoll)
		tx, err := d.GetTransmit()
		if err != nil {
			return err
		}
		if !tx {
			return nil
		}
	}
	_ = d.h.SendRaw("RX;", d.tries())
	return fmt.Errorf("ATU still transmitting after %s", d.h.opts.ATUTimeout)
}

// SendKeyer keys the transmitter directly; the KH1 has no keyer command
func (d *kh1Driver) SendKeyer(text string) error {
	text, err := checkKeyerText(text)
	if err != nil {
		return err
	}

	prior, err := d.GetMode()
	if err != nil {
		return err
	}
	if prior != ModeCW && prior != ModeCWReverse {
		if err := d.SetMode(ModeCW); err != nil {
			return err
		}
	}

	wpm, err := d.h.GetNumeric("KS;", d.tries(), 3)
	if err != nil {
		return err
	}
	dit := ditLength(int(wpm))

	sendErr := d.key(morseElements(text), dit)
	if sendErr != nil {
		logging.Warnf("radio", "keying aborted: %v", sendErr)
	}

	if prior != ModeCW && prior != ModeCWReverse {
		if err := d.SetMode(prior); err != nil && sendErr == nil {
			return err
		}
	}
	return sendErr
}

func (d *kh1Driver) key(elements []element, dit time.Duration) error {
	for _, el := range elements {
		period := time.Duration(el.units) * dit
		if !el.on {
			d.h.sleep(period)
			continue
		}
		if err := d.h.SendRaw("TX;", 1); err != nil {
			_ = d.h.SendRaw("RX;", d.tries())
			return err
		}
		d.h.sleep(period)
		if err := d.h.SendRaw("RX;", d.tries()); err != nil {
			return err
		}
	}
	return nil
}

// SyncTime sets the clock directly and reads it back
func (d *kh1Driver) SyncTime(hour, minute, second int) error {
	if err := checkTime(hour, minute, second); err != nil {
		return err
	}
	want := hour*3600 + minute*60 + second

	var lastErr error
	for attempt := 0; attempt < d.tries(); attempt++ {
		if err := d.h.SendRaw(fmt.Sprintf("TM%02d%02d%02d;", hour, minute, second), 1); err != nil {
			lastErr = err
			continue
		}
		payload, err := d.h.GetString(kh1ClockPrefix, d.tries())
		if err != nil {
			lastErr = err
			continue
		}
		have, err := parseClock(payload)
		if err != nil {
			lastErr = err
			continue
		}
		diff := (have - want + 86400) % 86400
		if diff <= kh1ClockSlackS {
			return nil
		}
		lastErr = fmt.Errorf("%w: clock reads %s", ErrNotConfirmed, payload)
	}
	return lastErr
}

func parseClock(hhmmss string) (int, error) {
	if len(hhmmss) != 6 {
		return 0, fmt.Errorf("clock %q is not hhmmss", hhmmss)
	}
	v, err := strconv.Atoi(hhmmss)
	if err != nil {
		return 0, fmt.Errorf("clock %q: %w", hhmmss, err)
	}
	return (v/10000)*3600 + (v/100%100)*60 + v%100, nil
}

// GetState fills what the KH1 has; it has one VFO and neither tuner power
// nor audio peaking settings
func (d *kh1Driver) GetState() (State, error) {
	st, err := d.status()
	if err != nil {
		return State{}, err
	}
	return State{Mode: st.Mode, VFOAFrequency: st.FrequencyHz}, nil
}

func (d *kh1Driver) RestoreState(st State) error {
	if err := d.SetFrequency(st.VFOAFrequency); err != nil {
		return err
	}
	return d.SetMode(st.Mode)
}

func (d *kh1Driver) FT8Prepare(baseHz int64) error {
	if err := d.SetMode(ModeCW); err != nil {
		return err
	}
	if err := d.SetFrequency(baseHz); err != nil {
		return err
	}
	return d.h.SendRaw("FO00;", d.tries())
}

func (d *kh1Driver) FT8ToneOn() error {
	return d.h.SendRaw("TX;", d.tries())
}

// FT8SetTone moves the fine offset. The offset register only holds the
// offset modulo 100 Hz.
func (d *kh1Driver) FT8SetTone(baseHz, toneHz int64) error {
	offset := (toneHz - baseHz) % 100
	if offset < 0 {
		return invalidf("tone %d below base %d", toneHz, baseHz)
	}
	return d.h.SendRaw(fmt.Sprintf("FO%02d;", offset), 1)
}

func (d *kh1Driver) FT8ToneOff() error {
	return d.h.SendRaw("RX;", d.tries())
}
