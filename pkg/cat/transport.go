package cat

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dougsko/rigbridge/pkg/logging"
	"github.com/dougsko/rigbridge/pkg/verbose"
)

// Options tunes the engine. The delays are empirically chosen constants;
// zero values take the defaults below.
type Options struct {
	BusyDelay       time.Duration // pause before re-issuing after "?;"
	MaxBusyRetries  int           // guard against a wedged radio
	ResponseTimeout time.Duration // default per-exchange read window
	ProbeWindow     time.Duration // read window while probing bit rates
	CandidateBauds  []int         // probed in order, wrapping around
	PreferredBaud   int
	IdentCommand    string
	IdentReply      string

	// Sleep is used for every protocol wait; tests replace it
	Sleep func(time.Duration)
}

// Defaults for Options
const (
	DefaultBusyDelay       = 30 * time.Millisecond
	DefaultMaxBusyRetries  = 100
	DefaultResponseTimeout = 200 * time.Millisecond
	DefaultProbeWindow     = 100 * time.Millisecond
	DefaultPreferredBaud   = 38400
	DefaultIdentCommand    = "ID;"
	DefaultIdentReply      = "ID017"
)

// DefaultCandidateBauds is the descending probe list
var DefaultCandidateBauds = []int{38400, 19200, 9600, 4800}

// baudCodes maps a rate to the argument of the BR command
var baudCodes = map[int]int{4800: 0, 9600: 1, 19200: 2, 38400: 3}

func (o Options) withDefaults() Options {
	if o.BusyDelay == 0 {
		o.BusyDelay = DefaultBusyDelay
	}
	if o.MaxBusyRetries == 0 {
		o.MaxBusyRetries = DefaultMaxBusyRetries
	}
	if o.ResponseTimeout == 0 {
		o.ResponseTimeout = DefaultResponseTimeout
	}
	if o.ProbeWindow == 0 {
		o.ProbeWindow = DefaultProbeWindow
	}
	if len(o.CandidateBauds) == 0 {
		o.CandidateBauds = DefaultCandidateBauds
	}
	if o.PreferredBaud == 0 {
		o.PreferredBaud = DefaultPreferredBaud
	}
	if o.IdentCommand == "" {
		o.IdentCommand = DefaultIdentCommand
	}
	if o.IdentReply == "" {
		o.IdentReply = DefaultIdentReply
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}
	return o
}

// Stats counts protocol events since the transport was created
type Stats struct {
	Exchanges uint64
	Busy      uint64
	Retries   uint64
	Failures  uint64
}

// Transport runs the framed command/response protocol over a Port. It is
// not safe for concurrent use; the radio session serializes callers.
type Transport struct {
	port Port
	opts Options
	baud int

	exchanges atomic.Uint64
	busy      atomic.Uint64
	retries   atomic.Uint64
	failures  atomic.Uint64
}

// NewTransport wraps port
func NewTransport(port Port, opts Options) *Transport {
	return &Transport{port: port, opts: opts.withDefaults()}
}

// Baud returns the rate the port is currently set to, 0 before negotiation
func (t *Transport) Baud() int {
	return t.baud
}

// ResponseTimeout returns the configured default read window
func (t *Transport) ResponseTimeout() time.Duration {
	return t.opts.ResponseTimeout
}

// Stats returns a snapshot of the protocol counters
func (t *Transport) Stats() Stats {
	return Stats{
		Exchanges: t.exchanges.Load(),
		Busy:      t.busy.Load(),
		Retries:   t.retries.Load(),
		Failures:  t.failures.Load(),
	}
}

// Close closes the underlying port
func (t *Transport) Close() error {
	return t.port.Close()
}

// SendAndReceive writes cmd and returns a validated response of exactly
// totalLen bytes. Busy replies are re-issued after BusyDelay without
// touching the budget; every other mismatch drains the input and costs one
// of tries. A failed exchange never returns partial data.
func (t *Transport) SendAndReceive(cmd string, echoLen, totalLen, tries int, timeout time.Duration) ([]byte, error) {
	if err := checkCommand(cmd, echoLen, totalLen); err != nil {
		return nil, err
	}
	return t.exchange(cmd, totalLen, tries, timeout, func(resp []byte) error {
		return ValidateResponse(cmd, resp, echoLen, totalLen)
	})
}

// Query is SendAndReceive for variable-length replies such as display
// snapshots: only prefix and terminator are checked.
func (t *Transport) Query(cmd string, echoLen, maxLen, tries int, timeout time.Duration) ([]byte, error) {
	if err := checkCommand(cmd, echoLen, maxLen); err != nil {
		return nil, err
	}
	return t.exchange(cmd, maxLen, tries, timeout, func(resp []byte) error {
		return ValidatePrefix(cmd, resp, echoLen)
	})
}

func (t *Transport) exchange(cmd string, maxLen, tries int, timeout time.Duration, validate func([]byte) error) ([]byte, error) {
	if timeout <= 0 {
		timeout = t.opts.ResponseTimeout
	}
	if tries < 1 {
		tries = 1
	}
	t.exchanges.Add(1)

	busyLeft := t.opts.MaxBusyRetries
	var lastErr error
	for tries > 0 {
		resp, err := t.roundTrip(cmd, maxLen, timeout)
		if err == nil && IsBusy(resp) {
			t.busy.Add(1)
			if busyLeft == 0 {
				t.failures.Add(1)
				return nil, fmt.Errorf("%w: %q", ErrDeviceBusy, cmd)
			}
			busyLeft--
			verbose.Printf("cat", "busy reply to %q, re-issuing", cmd)
			t.opts.Sleep(t.opts.BusyDelay)
			continue
		}
		if err == nil {
			err = validate(resp)
		}
		if err == nil {
			return resp, nil
		}

		lastErr = err
		tries--
		t.drain()
		if tries > 0 {
			t.retries.Add(1)
			logging.Debugf("cat", "retrying %q: %v (%d tries left)", cmd, err, tries)
		}
	}

	t.failures.Add(1)
	logging.Warnf("cat", "giving up on %q: %v", cmd, lastErr)
	return nil, lastErr
}

// roundTrip flushes stale input, writes cmd, and collects one frame
func (t *Transport) roundTrip(cmd string, maxLen int, timeout time.Duration) ([]byte, error) {
	if err := t.port.ResetInputBuffer(); err != nil {
		return nil, fmt.Errorf("%w: flush: %v", ErrWrite, err)
	}
	if err := t.write(cmd); err != nil {
		return nil, err
	}
	resp := t.readFrame(maxLen, timeout)
	verbose.Frame("cat", "<-", resp)
	if len(resp) == 0 {
		return nil, fmt.Errorf("%w: no reply to %q within %s", ErrBadResponse, cmd, timeout)
	}
	return resp, nil
}

func (t *Transport) write(cmd string) error {
	verbose.Frame("cat", "->", []byte(cmd))
	n, err := t.port.Write([]byte(cmd))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if n != len(cmd) {
		return fmt.Errorf("%w: short write %d of %d", ErrWrite, n, len(cmd))
	}
	return nil
}

// readFrame reads until maxLen bytes, a terminator, or the deadline.
// Frames never carry the terminator inside, so stopping on it is safe.
func (t *Transport) readFrame(maxLen int, timeout time.Duration) []byte {
	deadline := time.Now().Add(timeout)
	frame := make([]byte, 0, maxLen)
	buf := make([]byte, maxLen)

	for len(frame) < maxLen {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err := t.port.SetReadTimeout(remaining); err != nil {
			logging.Warnf("cat", "set read timeout: %v", err)
			break
		}
		n, err := t.port.Read(buf[:maxLen-len(frame)])
		if err != nil {
			logging.Warnf("cat", "read: %v", err)
			break
		}
		if n == 0 {
			break
		}
		frame = append(frame, buf[:n]...)
		if frame[len(frame)-1] == Terminator {
			break
		}
	}
	return frame
}

// drain discards anything still arriving from a previous exchange
func (t *Transport) drain() {
	_ = t.port.ResetInputBuffer()
	buf := make([]byte, 64)
	for i := 0; i < 8; i++ {
		if err := t.port.SetReadTimeout(5 * time.Millisecond); err != nil {
			return
		}
		n, err := t.port.Read(buf)
		if err != nil || n == 0 {
			return
		}
	}
}

// SendCommandOnly writes a command that has no reply. Only the physical
// write is retried.
func (t *Transport) SendCommandOnly(cmd string, tries int) error {
	if len(cmd) < 2 || cmd[len(cmd)-1] != Terminator {
		return fmt.Errorf("%w: %q is not terminated", ErrInvalidCommand, cmd)
	}
	if tries < 1 {
		tries = 1
	}
	t.exchanges.Add(1)

	var err error
	for attempt := 0; attempt < tries; attempt++ {
		if ferr := t.port.ResetInputBuffer(); ferr != nil {
			err = fmt.Errorf("%w: flush: %v", ErrWrite, ferr)
			continue
		}
		if err = t.write(cmd); err == nil {
			return nil
		}
		t.retries.Add(1)
	}
	t.failures.Add(1)
	return err
}

// Negotiate finds the rate the radio answers at and moves it to the
// preferred rate. It probes the candidate list round-robin until the
// identification reply is seen or ctx is done; there is no other ceiling.
func (t *Transport) Negotiate(ctx context.Context) (int, error) {
	candidates := t.opts.CandidateBauds
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		baud := candidates[i%len(candidates)]
		if !t.probe(baud) {
			if i%len(candidates) == len(candidates)-1 {
				logging.Infof("cat", "no radio answered at any rate, probing again")
			}
			continue
		}
		logging.Infof("cat", "radio answered at %d baud", baud)

		if baud == t.opts.PreferredBaud {
			return baud, nil
		}
		if err := t.forceBaud(t.opts.PreferredBaud); err != nil {
			logging.Warnf("cat", "could not move radio to %d baud: %v", t.opts.PreferredBaud, err)
			continue
		}
		if t.probe(t.opts.PreferredBaud) {
			logging.Infof("cat", "radio switched to %d baud", t.opts.PreferredBaud)
			return t.opts.PreferredBaud, nil
		}
		logging.Warnf("cat", "radio silent after switch to %d baud, re-probing", t.opts.PreferredBaud)
	}
}

func (t *Transport) setBaud(baud int) error {
	if err := t.port.SetMode(modeFor(baud)); err != nil {
		return err
	}
	t.baud = baud
	return nil
}

// probe sends the identification query at baud and looks for the reply
func (t *Transport) probe(baud int) bool {
	if err := t.setBaud(baud); err != nil {
		logging.Warnf("cat", "set %d baud: %v", baud, err)
		return false
	}
	_ = t.port.ResetInputBuffer()
	if err := t.write(t.opts.IdentCommand); err != nil {
		return false
	}
	resp := t.readFrame(32, t.opts.ProbeWindow)
	verbose.Frame("cat", "<-", resp)
	return bytes.Contains(resp, []byte(t.opts.IdentReply))
}

// forceBaud sends the switch command twice, flushing in between, then
// follows the radio to the new rate.
func (t *Transport) forceBaud(baud int) error {
	code, ok := baudCodes[baud]
	if !ok {
		return fmt.Errorf("%w: no rate code for %d", ErrInvalidCommand, baud)
	}
	cmd := fmt.Sprintf("BR%d;", code)
	for attempt := 0; attempt < 2; attempt++ {
		_ = t.port.ResetInputBuffer()
		if err := t.write(cmd); err != nil {
			logging.Warnf("cat", "%s attempt %d: %v", cmd, attempt+1, err)
		}
		t.opts.Sleep(t.opts.ProbeWindow)
	}
	_ = t.port.ResetInputBuffer()
	return t.setBaud(baud)
}
