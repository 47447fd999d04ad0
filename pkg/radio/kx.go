package radio

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dougsko/rigbridge/pkg/logging"
)

// Menu entries and switch taps used by the KX2/KX3 driver
const (
	kxMenuTunerPower = "MN058;"
	kxMenuTime       = "MN073;"
	kxMenuExit       = "MN255;"
	kxTapATU         = "SWT44;"
	kxTapMessage     = "SWT11;"

	kxKeyerChunk   = 24
	kxATUPoll      = 250 * time.Millisecond
	kxClockOffset  = 2
	kxClockDigits  = 6
	kxDisplayWidth = 8
)

// kxBankTaps are the front-panel taps that select message banks 1..4
var kxBankTaps = []string{"SWT19;", "SWT27;", "SWT20;", "SWT28;"}

// kxClockFields lists the clock fields in the order they are corrected;
// seconds drift fastest so they go first
var kxClockFields = []struct {
	name   string
	tap    string
	offset int
	mod    int
}{
	{name: "seconds", tap: "SWT20;", offset: 4, mod: 60},
	{name: "minutes", tap: "SWT27;", offset: 2, mod: 60},
	{name: "hours", tap: "SWT19;", offset: 0, mod: 24},
}

// kxDriver speaks the register-style dialect of the KX2 and KX3: numeric
// queries and sets, menu entries, and the radio's own keyer.
type kxDriver struct {
	h      *Handle
	family Family
	limits Limits
}

func (d *kxDriver) Family() Family { return d.family }
func (d *kxDriver) Limits() Limits { return d.limits }

func (d *kxDriver) tries() int { return d.h.opts.Tries }

func (d *kxDriver) GetFrequency() (int64, error) {
	return d.h.GetNumeric("FA;", d.tries(), 11)
}

func (d *kxDriver) SetFrequency(hz int64) error {
	if err := d.limits.checkFrequency(hz); err != nil {
		return err
	}
	return d.h.SetNumeric("FA;", 11, hz, d.tries())
}

func (d *kxDriver) GetMode() (Mode, error) {
	code, err := d.h.GetNumeric("MD;", d.tries(), 1)
	if err != nil {
		return ModeUnknown, err
	}
	return ModeFromCode(int(code)), nil
}

func (d *kxDriver) SetMode(m Mode) error {
	code, ok := m.Code()
	if !ok {
		return invalidf("mode %s cannot be set", m)
	}
	return d.h.SetNumeric("MD;", 1, int64(code), d.tries())
}

func (d *kxDriver) GetPower() (int, error) {
	w, err := d.h.GetNumeric("PC;", d.tries(), 3)
	return int(w), err
}

func (d *kxDriver) SetPower(watts int) error {
	if watts < 0 || watts > d.limits.MaxPower {
		return invalidf("power %d W outside 0..%d", watts, d.limits.MaxPower)
	}
	return d.h.SetNumeric("PC;", 3, int64(watts), d.tries())
}

func (d *kxDriver) GetVolume() (int, error) {
	v, err := d.h.GetNumeric("AG;", d.tries(), 3)
	return int(v), err
}

func (d *kxDriver) SetVolume(level int) error {
	if level < 0 || level > d.limits.MaxVolume {
		return invalidf("volume %d outside 0..%d", level, d.limits.MaxVolume)
	}
	return d.h.SetNumeric("AG;", 3, int64(level), d.tries())
}

func (d *kxDriver) GetTransmit() (bool, error) {
	tq, err := d.h.GetNumeric("TQ;", d.tries(), 1)
	return tq == 1, err
}

func (d *kxDriver) SetTransmit(on bool) error {
	cmd := "RX;"
	if on {
		cmd = "TX;"
	}
	var lastErr error
	for attempt := 0; attempt < d.tries(); attempt++ {
		if err := d.h.SendRaw(cmd, 1); err != nil {
			lastErr = err
			continue
		}
		got, err := d.GetTransmit()
		if err != nil {
			lastErr = err
			continue
		}
		if got == on {
			return nil
		}
		lastErr = fmt.Errorf("%w: %s", ErrNotConfirmed, cmd)
	}
	return lastErr
}

func (d *kxDriver) PlayMessage(bank int) error {
	if bank < 1 || bank > len(kxBankTaps) {
		return invalidf("message bank %d outside 1..%d", bank, len(kxBankTaps))
	}
	return d.h.SendRaw(kxTapMessage+kxBankTaps[bank-1], d.tries())
}

// TuneATU starts a tuning cycle and waits for the radio to drop out of
// transmit, which marks the end of the cycle
func (d *kxDriver) TuneATU() error {
	if err := d.h.SendRaw(kxTapATU, d.tries()); err != nil {
		return err
	}
	polls := int(d.h.opts.ATUTimeout / kxATUPoll)
	for i := 0; i <= polls; i++ {
		d.h.sleep(kxATUPoll)
		tx, err := d.GetTransmit()
		if err != nil {
			return err
		}
		if !tx {
			logging.Debugf("radio", "ATU cycle finished after %d polls", i+1)
			return nil
		}
	}
	_ = d.h.SendRaw("RX;", d.tries())
	return fmt.Errorf("ATU still transmitting after %s", d.h.opts.ATUTimeout)
}

// SendKeyer hands text to the radio's keyer in chunks it accepts, waits for
// it to be sent and switches back to the mode the radio was in
func (d *kxDriver) SendKeyer(text string) error {
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

	for start := 0; start < len(text); start += kxKeyerChunk {
		end := start + kxKeyerChunk
		if end > len(text) {
			end = len(text)
		}
		if err := d.h.SendRaw("KY "+text[start:end]+";", d.tries()); err != nil {
			return err
		}
	}

	d.h.sleep(keyerDuration(text, int(wpm)))

	if prior != ModeCW && prior != ModeCWReverse {
		return d.SetMode(prior)
	}
	return nil
}

// readClock reads hhmmss from the display while the time menu is shown.
// Bit 7 of each display character carries the decimal point.
func (d *kxDriver) readClock() ([3]int, error) {
	var hms [3]int
	display, err := d.h.GetString("DS;", d.tries())
	if err != nil {
		return hms, err
	}
	if len(display) < kxDisplayWidth {
		return hms, fmt.Errorf("display %q too short", display)
	}

	raw := []byte(display[kxClockOffset : kxClockOffset+kxClockDigits])
	for i := range raw {
		raw[i] &= 0x7f
	}
	for i := 0; i < 3; i++ {
		v, err := strconv.Atoi(strings.TrimSpace(string(raw[i*2 : i*2+2])))
		if err != nil {
			return hms, fmt.Errorf("display clock %q: %w", raw, err)
		}
		hms[i] = v
	}
	return hms, nil
}

func clockValue(hms [3]int, offset int) int {
	return hms[offset/2]
}

// SyncTime opens the time menu and walks each clock field to the target
// with up/down steps, re-reading the display after every field
func (d *kxDriver) SyncTime(hour, minute, second int) error {
	if err := checkTime(hour, minute, second); err != nil {
		return err
	}
	target := [3]int{hour, minute, second}

	if err := d.h.SendRaw(kxMenuTime, d.tries()); err != nil {
		return err
	}
	defer func() {
		if err := d.h.SendRaw(kxMenuExit, d.tries()); err != nil {
			logging.Warnf("radio", "leaving time menu: %v", err)
		}
	}()
	d.h.sleep(d.h.opts.Settle)

	for _, field := range kxClockFields {
		want := clockValue(target, field.offset)
		for attempt := 0; ; attempt++ {
			hms, err := d.readClock()
			if err != nil {
				return err
			}
			have := clockValue(hms, field.offset)
			if have == want {
				break
			}
			if attempt == d.tries() {
				return fmt.Errorf("%w: clock %s reads %d", ErrNotConfirmed, field.name, have)
			}

			steps := ((want-have)%field.mod + field.mod) % field.mod
			step := "UP;"
			if steps > field.mod/2 {
				steps = field.mod - steps
				step = "DN;"
			}
			if err := d.h.SendRaw(field.tap, d.tries()); err != nil {
				return err
			}
			if err := d.h.SendRaw(strings.Repeat(step, steps), d.tries()); err != nil {
				return err
			}
			d.h.sleep(d.h.opts.Settle)
		}
	}
	return nil
}

func (d *kxDriver) readTunerPower() (uint8, error) {
	if err := d.h.SendRaw(kxMenuTunerPower, d.tries()); err != nil {
		return 0, err
	}
	v, err := d.h.GetNumeric("MP;", d.tries(), 3)
	if exitErr := d.h.SendRaw(kxMenuExit, d.tries()); exitErr != nil && err == nil {
		err = exitErr
	}
	return uint8(v), err
}

func (d *kxDriver) writeTunerPower(v uint8) error {
	if err := d.h.SendRaw(kxMenuTunerPower, d.tries()); err != nil {
		return err
	}
	err := d.h.SetNumeric("MP;", 3, int64(v), d.tries())
	if exitErr := d.h.SendRaw(kxMenuExit, d.tries()); exitErr != nil && err == nil {
		err = exitErr
	}
	return err
}

func (d *kxDriver) GetState() (State, error) {
	var st State
	var err error

	if st.Mode, err = d.GetMode(); err != nil {
		return st, err
	}
	vfo, err := d.h.GetNumeric("FT;", d.tries(), 1)
	if err != nil {
		return st, err
	}
	st.ActiveVFO = uint8(vfo)
	if st.VFOAFrequency, err = d.GetFrequency(); err != nil {
		return st, err
	}
	if st.TunerPower, err = d.readTunerPower(); err != nil {
		return st, err
	}
	apf, err := d.h.GetNumeric("AP;", d.tries(), 1)
	if err != nil {
		return st, err
	}
	st.AudioPeaking = uint8(apf)
	return st, nil
}

// RestoreState writes every field back. Mode goes last because changing it
// can move the other settings.
func (d *kxDriver) RestoreState(st State) error {
	if _, ok := st.Mode.Code(); !ok {
		return invalidf("state has no restorable mode")
	}
	if st.ActiveVFO > 1 || st.AudioPeaking > 1 {
		return invalidf("state flags out of range")
	}
	if err := d.SetFrequency(st.VFOAFrequency); err != nil {
		return err
	}
	if err := d.h.SetNumeric("FT;", 1, int64(st.ActiveVFO), d.tries()); err != nil {
		return err
	}
	if err := d.writeTunerPower(st.TunerPower); err != nil {
		return err
	}
	if err := d.h.SetNumeric("AP;", 1, int64(st.AudioPeaking), d.tries()); err != nil {
		return err
	}
	return d.SetMode(st.Mode)
}

func (d *kxDriver) FT8Prepare(baseHz int64) error {
	if err := d.SetMode(ModeCW); err != nil {
		return err
	}
	return d.SetFrequency(baseHz)
}

func (d *kxDriver) FT8ToneOn() error {
	return d.h.SendRaw("TX;", d.tries())
}

// FT8SetTone retunes VFO A without a read-back; symbol timing cannot afford one
func (d *kxDriver) FT8SetTone(baseHz, toneHz int64) error {
	if err := d.limits.checkFrequency(toneHz); err != nil {
		return err
	}
	return d.h.SendRaw(fmt.Sprintf("FA%011d;", toneHz), 1)
}

func (d *kxDriver) FT8ToneOff() error {
	return d.h.SendRaw("RX;", d.tries())
}
