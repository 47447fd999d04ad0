// Package radiosim is an in-memory Elecraft radio that speaks the CAT
// dialects of the KX2, KX3 and KH1. It satisfies cat.Port, so it can stand
// in for a serial port in tests and in the daemon's simulate mode.
package radiosim

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/dougsko/rigbridge/pkg/logging"
)

// Model selects the dialect and the option-module reply
type Model string

const (
	KX2 Model = "KX2"
	KX3 Model = "KX3"
	KH1 Model = "KH1"
)

var modelCodes = map[Model]string{KX2: "01", KX3: "02", KH1: "03"}

var baudCodes = map[int]int{0: 4800, 1: 9600, 2: 19200, 3: 38400}

// kh1 mode button order, as MD codes
var kh1Cycle = []int{3, 7, 2, 1}
var kh1Letters = map[int]byte{3: 'C', 7: 'R', 2: 'U', 1: 'L'}

// ErrClosed is returned by I/O on a closed radio
var ErrClosed = errors.New("radiosim: port closed")

const (
	menuTunerPower = 58
	menuTime       = 73
	menuNone       = 255
	atuPolls       = 3
)

// Radio is the simulated device. All methods are safe for concurrent use.
type Radio struct {
	mu sync.Mutex

	model     Model
	radioBaud int
	portBaud  int
	pending   []byte
	closed    bool
	busy      int

	freq       int64
	mode       int
	power      int
	volume     int
	tx         bool
	wpm        int
	vfo        int
	apf        int
	menu       int
	menuValues map[int]int
	clock      [3]int
	clockField int
	msgArmed   bool
	atuLeft    int
	fineOffset int

	writes   []string
	keyer    []string
	messages []int
	tones    []int64
	keyDowns int
}

// New returns a radio of the given model listening at baud
func New(model Model, baud int) *Radio {
	return &Radio{
		model:      model,
		radioBaud:  baud,
		freq:       14_060_000,
		mode:       3,
		power:      5,
		volume:     40,
		wpm:        20,
		menu:       menuNone,
		menuValues: map[int]int{menuTunerPower: 3},
		clock:      [3]int{12, 0, 0},
		clockField: -1,
	}
}

// Read returns whatever replies are queued; it never blocks
func (r *Radio) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// Write feeds one or more terminated commands to the radio
func (r *Radio) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}

	r.writes = append(r.writes, string(p))
	if r.portBaud != r.radioBaud {
		// framing errors on the radio side; it answers with noise
		r.pending = append(r.pending, 0xf8, 0x00)
		return len(p), nil
	}

	for _, cmd := range strings.Split(string(p), ";") {
		if cmd == "" {
			continue
		}
		if reply := r.handle(cmd); reply != "" {
			r.pending = append(r.pending, reply...)
		}
	}
	return len(p), nil
}

// Close marks the radio closed
func (r *Radio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// ResetInputBuffer drops queued replies
func (r *Radio) ResetInputBuffer() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = nil
	return nil
}

// SetReadTimeout is accepted and ignored; reads never block
func (r *Radio) SetReadTimeout(time.Duration) error {
	return nil
}

// SetMode follows the host's rate change
func (r *Radio) SetMode(mode *serial.Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.portBaud = mode.BaudRate
	return nil
}

func (r *Radio) query(reply string) string {
	if r.busy > 0 {
		r.busy--
		return "?;"
	}
	return reply + ";"
}

func digits(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	return v, err == nil
}

// handle applies one command and returns the reply, "" for set commands
func (r *Radio) handle(cmd string) string {
	logging.Debugf("radiosim", "%s <- %q", r.model, cmd)

	switch {
	case cmd == "ID":
		return r.query("ID017")
	case cmd == "OM":
		return r.query("OM AP----L-----" + modelCodes[r.model])
	case strings.HasPrefix(cmd, "BR"):
		if v, ok := digits(cmd[2:]); ok {
			if baud, ok := baudCodes[int(v)]; ok {
				r.radioBaud = baud
			}
		}
		return ""
	case cmd == "DS1" && r.model == KH1:
		return r.query("DS1" + r.snapshot())
	case cmd == "DS":
		return r.query("DS" + r.display())
	case strings.HasPrefix(cmd, "KY"):
		r.keyer = append(r.keyer, strings.TrimPrefix(cmd[2:], " "))
		return ""
	}

	if len(cmd) < 2 {
		return "?;"
	}
	prefix, arg := cmd[:2], cmd[2:]
	if strings.HasPrefix(cmd, "SW") {
		return r.tap(cmd)
	}

	switch prefix {
	case "FA":
		return r.numeric(arg, "FA%011d", &r.freq, func(v int64) {
			if r.tx && r.model != KH1 {
				r.tones = append(r.tones, v)
			}
		})
	case "MD":
		return r.intValue(arg, "MD%d", &r.mode)
	case "PC":
		return r.intValue(arg, "PC%03d", &r.power)
	case "AG":
		return r.intValue(arg, "AG%03d", &r.volume)
	case "KS":
		return r.intValue(arg, "KS%03d", &r.wpm)
	case "FT":
		return r.intValue(arg, "FT%d", &r.vfo)
	case "AP":
		return r.intValue(arg, "AP%d", &r.apf)
	case "TQ":
		return r.query(fmt.Sprintf("TQ%d", r.transmitFlag()))
	case "TX":
		if !r.tx {
			r.keyDowns++
		}
		r.tx = true
		return ""
	case "RX":
		r.tx = false
		r.atuLeft = 0
		return ""
	case "MN":
		if v, ok := digits(arg); ok {
			r.menu = int(v)
			r.clockField = -1
		}
		return ""
	case "MP":
		if arg == "" {
			return r.query(fmt.Sprintf("MP%03d", r.menuValues[r.menu]))
		}
		if v, ok := digits(arg); ok && r.menu != menuNone {
			r.menuValues[r.menu] = int(v)
		}
		return ""
	case "UP", "DN":
		r.step(prefix == "UP")
		return ""
	case "TM":
		if arg == "" {
			return r.query(fmt.Sprintf("TM%02d%02d%02d", r.clock[0], r.clock[1], r.clock[2]))
		}
		if v, ok := digits(arg); ok && len(arg) == 6 {
			r.clock = [3]int{int(v / 10000), int(v / 100 % 100), int(v % 100)}
		}
		return ""
	case "FO":
		if v, ok := digits(arg); ok {
			r.fineOffset = int(v)
			if r.tx {
				r.tones = append(r.tones, r.freq+v)
			}
		}
		return ""
	}
	return "?;"
}

func (r *Radio) numeric(arg, format string, field *int64, onSet func(int64)) string {
	if arg == "" {
		return r.query(fmt.Sprintf(format, *field))
	}
	if v, ok := digits(arg); ok {
		*field = v
		if onSet != nil {
			onSet(v)
		}
	}
	return ""
}

func (r *Radio) intValue(arg, format string, field *int) string {
	if arg == "" {
		return r.query(fmt.Sprintf(format, *field))
	}
	if v, ok := digits(arg); ok {
		*field = int(v)
	}
	return ""
}

// transmitFlag reports transmit state; an ATU cycle ends after a few polls
func (r *Radio) transmitFlag() int {
	if r.atuLeft > 0 {
		r.atuLeft--
		if r.atuLeft == 0 {
			r.tx = false
		}
	}
	if r.tx {
		return 1
	}
	return 0
}

func (r *Radio) tap(cmd string) string {
	switch cmd {
	case "SWT44", "SW4H":
		r.tx = true
		r.atuLeft = atuPolls
	case "SWT11":
		r.msgArmed = true
	case "SWT19", "SWT27", "SWT20", "SWT28":
		banks := map[string]int{"SWT19": 1, "SWT27": 2, "SWT20": 3, "SWT28": 4}
		fields := map[string]int{"SWT19": 0, "SWT27": 1, "SWT20": 2}
		switch {
		case r.menu == menuTime:
			if f, ok := fields[cmd]; ok {
				r.clockField = f
			}
		case r.msgArmed:
			r.messages = append(r.messages, banks[cmd])
			r.msgArmed = false
		}
	case "SW1H", "SW2H", "SW3H":
		r.messages = append(r.messages, int(cmd[2]-'0'))
	case "SW3T":
		for i, code := range kh1Cycle {
			if code == r.mode {
				r.mode = kh1Cycle[(i+1)%len(kh1Cycle)]
				return ""
			}
		}
		r.mode = kh1Cycle[0]
	default:
		return "?;"
	}
	return ""
}

func (r *Radio) step(up bool) {
	if r.menu != menuTime || r.clockField < 0 {
		return
	}
	mod := 60
	if r.clockField == 0 {
		mod = 24
	}
	delta := -1
	if up {
		delta = 1
	}
	r.clock[r.clockField] = (r.clock[r.clockField] + delta + mod) % mod
}

// display renders the eight front-panel characters. In the time menu the
// clock is shown with decimal points carried in bit 7.
func (r *Radio) display() string {
	if r.menu == menuTime {
		b := []byte(fmt.Sprintf("  %02d%02d%02d", r.clock[0], r.clock[1], r.clock[2]))
		b[3] |= 0x80
		b[5] |= 0x80
		return string(b)
	}
	return fmt.Sprintf("%8d", r.freq/10)
}

func (r *Radio) snapshot() string {
	letter, ok := kh1Letters[r.mode]
	if !ok {
		letter = 'C'
	}
	return fmt.Sprintf("%05d.%03d %c %02d %03d %d",
		r.freq/1000, r.freq%1000, letter, r.power, r.volume, r.transmitFlag())
}

// InjectBusy makes the next n queries answer with the busy reply
func (r *Radio) InjectBusy(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy = n
}

// SetClock sets the radio's real-time clock
func (r *Radio) SetClock(hour, minute, second int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = [3]int{hour, minute, second}
}

// Clock returns the radio's real-time clock
func (r *Radio) Clock() (hour, minute, second int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clock[0], r.clock[1], r.clock[2]
}

// Frequency returns VFO A in Hz
func (r *Radio) Frequency() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.freq
}

// ModeCode returns the current MD code
func (r *Radio) ModeCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// SetModeCode forces the current MD code
func (r *Radio) SetModeCode(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = code
}

// Volume returns the AF gain
func (r *Radio) Volume() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.volume
}

// SetVolume forces the AF gain
func (r *Radio) SetVolume(v int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volume = v
}

// Transmitting reports whether the radio is keyed
func (r *Radio) Transmitting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tx
}

// Baud returns the rate the radio currently listens at
func (r *Radio) Baud() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.radioBaud
}

// KeyerText returns every KY payload received
func (r *Radio) KeyerText() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keyer...)
}

// Messages returns the message banks played
func (r *Radio) Messages() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.messages...)
}

// Tones returns the carrier frequencies set while keyed
func (r *Radio) Tones() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.tones...)
}

// KeyDowns counts transitions into transmit
func (r *Radio) KeyDowns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keyDowns
}

// Menu returns the open menu entry, 255 when none
func (r *Radio) Menu() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.menu
}

// Writes returns every raw write received
func (r *Radio) Writes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.writes...)
}
