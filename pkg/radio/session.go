package radio

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dougsko/rigbridge/pkg/cat"
	"github.com/dougsko/rigbridge/pkg/logging"
	"github.com/dougsko/rigbridge/pkg/scopedlock"
)

// SessionOptions configures a Session
type SessionOptions struct {
	// Tries is the retry budget drivers use for each exchange
	Tries int
	// Settle is the pause drivers take after commands the radio acts on
	// asynchronously (mode toggles, menu entry)
	Settle time.Duration
	// ATUTimeout bounds the wait for a tuning cycle to finish
	ATUTimeout time.Duration
	// Sleep is used for every driver wait; tests replace it
	Sleep func(time.Duration)
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.Tries < 1 {
		o.Tries = 3
	}
	if o.Settle == 0 {
		o.Settle = 50 * time.Millisecond
	}
	if o.ATUTimeout == 0 {
		o.ATUTimeout = 8 * time.Second
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}
	return o
}

// Session is the single process-wide owner of the serial transport. The
// wire is reached only through a Handle returned by Lock; connected and
// family are changed only by the lock holder and read by anyone.
type Session struct {
	lock      *scopedlock.Mutex
	transport *cat.Transport
	opts      SessionOptions

	mu        sync.RWMutex
	connected bool
	family    Family
}

// Handle is one acquisition of the session lock. Its accessors refuse to
// run unless this handle's guard is the current holder; a released or
// failed acquisition never reaches the wire.
type Handle struct {
	*scopedlock.Guard
	s    *Session
	opts SessionOptions
}

// NewSession wraps transport. Nothing is sent until Connect.
func NewSession(transport *cat.Transport, opts SessionOptions) *Session {
	return &Session{
		lock:      scopedlock.New(),
		transport: transport,
		opts:      opts.withDefaults(),
	}
}

// Lock acquires the session lock within timeout. Check Acquired on the
// returned handle and defer Release.
func (s *Session) Lock(timeout time.Duration, tag string) *Handle {
	return s.LockAs(nil, timeout, tag)
}

// LockAs is Lock on behalf of a named owner, so a missing release by that
// owner is detected
func (s *Session) LockAs(owner *scopedlock.Owner, timeout time.Duration, tag string) *Handle {
	return &Handle{Guard: s.lock.AcquireAs(owner, timeout, tag), s: s, opts: s.opts}
}

// Mutex exposes the session lock for diagnostics
func (s *Session) Mutex() *scopedlock.Mutex {
	return s.lock
}

// Transport returns the underlying protocol engine
func (s *Session) Transport() *cat.Transport {
	return s.transport
}

// Tries returns the configured retry budget
func (s *Session) Tries() int {
	return s.opts.Tries
}

// IsConnected reports whether Connect has succeeded
func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Family returns the detected model, FamilyUnknown before Connect
func (s *Session) Family() Family {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.family
}

// Driver returns the driver for the family chosen at connect time, bound
// to this handle
func (h *Handle) Driver() (Driver, error) {
	if err := h.assertHeld("driver"); err != nil {
		return nil, err
	}
	h.s.mu.RLock()
	connected, family := h.s.connected, h.s.family
	h.s.mu.RUnlock()
	if !connected {
		return nil, ErrNotConnected
	}
	return newDriver(family, h)
}

// Connect negotiates the link rate, identifies the model and selects the
// driver. It blocks until the radio answers or ctx is done.
func (h *Handle) Connect(ctx context.Context) error {
	if err := h.assertHeld("connect"); err != nil {
		return err
	}

	baud, err := h.s.transport.Negotiate(ctx)
	if err != nil {
		return fmt.Errorf("negotiate: %w", err)
	}

	family, err := h.detectFamily()
	if err != nil {
		return err
	}
	if _, err := newDriver(family, h); err != nil {
		return err
	}

	h.s.mu.Lock()
	h.s.connected = true
	h.s.family = family
	h.s.mu.Unlock()

	logging.Info("radio", "connected", logging.Fields{
		"family": family.String(),
		"baud":   baud,
	})
	return nil
}

// Disconnect forgets the detected radio so the next Connect starts over
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.connected = false
	s.family = FamilyUnknown
	s.mu.Unlock()
}

// detectFamily reads the option-module reply; its last two characters
// carry the model number
func (h *Handle) detectFamily() (Family, error) {
	payload, err := h.GetString("OM;", h.opts.Tries)
	if err != nil {
		return FamilyUnknown, fmt.Errorf("identify model: %w", err)
	}
	payload = strings.TrimSpace(payload)
	if len(payload) < 2 {
		return FamilyUnknown, fmt.Errorf("%w: option reply %q", ErrUnknownModel, payload)
	}
	family := familyFromOption(payload[len(payload)-2:])
	if family == FamilyUnknown {
		return FamilyUnknown, fmt.Errorf("%w: option reply %q", ErrUnknownModel, payload)
	}
	return family, nil
}

// assertHeld checks that this handle, not just anyone, holds the lock
func (h *Handle) assertHeld(op string) error {
	if h != nil && h.s != nil && h.s.lock.Owns(h.Guard) {
		return nil
	}
	fields := logging.Fields{"op": op}
	if h != nil && h.Guard != nil {
		fields["tag"] = h.Tag()
		fields["holder"] = h.s.lock.Holder()
	}
	logging.Error("radio", "radio accessed without holding the session lock", fields)
	return ErrLockNotHeld
}

func checkWidth(digits int) error {
	if digits != 1 && digits != 3 && digits != 11 {
		return invalidf("unsupported width %d", digits)
	}
	return nil
}

// echoLen is the command prefix length, everything before the terminator
func echoLen(cmd string) (int, error) {
	if len(cmd) < 3 || cmd[len(cmd)-1] != cat.Terminator {
		return 0, invalidf("query %q is not a bare prefix", cmd)
	}
	n := len(cmd) - 1
	if n > 3 {
		return 0, invalidf("query %q prefix too long", cmd)
	}
	return n, nil
}

// GetNumeric sends a query such as "FA;" and parses a fixed-width numeric
// reply of 1, 3 or 11 digits.
func (h *Handle) GetNumeric(cmd string, tries, digits int) (int64, error) {
	if err := h.assertHeld(cmd); err != nil {
		return 0, err
	}
	if err := checkWidth(digits); err != nil {
		return 0, err
	}
	prefix, err := echoLen(cmd)
	if err != nil {
		return 0, err
	}

	resp, err := h.s.transport.SendAndReceive(cmd, prefix, prefix+digits+1, tries, 0)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseInt(string(resp[prefix:prefix+digits]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", cat.ErrBadResponse, err)
	}
	return value, nil
}

// SetNumeric writes value zero-padded to digits under the prefix of cmd,
// then reads it back. The write is repeated until the read-back matches or
// tries is spent. Width and value are checked before anything is written.
func (h *Handle) SetNumeric(cmd string, digits int, value int64, tries int) error {
	if err := h.assertHeld(cmd); err != nil {
		return err
	}
	if err := checkWidth(digits); err != nil {
		return err
	}
	prefix, err := echoLen(cmd)
	if err != nil {
		return err
	}
	if value < 0 || len(strconv.FormatInt(value, 10)) > digits {
		return invalidf("%d does not fit %d digits", value, digits)
	}
	if tries < 1 {
		tries = 1
	}

	set := fmt.Sprintf("%s%0*d;", cmd[:prefix], digits, value)
	var lastErr error
	for attempt := 0; attempt < tries; attempt++ {
		if err := h.s.transport.SendCommandOnly(set, 1); err != nil {
			lastErr = err
			continue
		}
		got, err := h.GetNumeric(cmd, 1, digits)
		if err != nil {
			lastErr = err
			continue
		}
		if got == value {
			return nil
		}
		lastErr = fmt.Errorf("%w: %s read back %d", ErrNotConfirmed, set, got)
	}
	return lastErr
}

// GetString sends a query and returns the reply payload between the echoed
// prefix and the terminator.
func (h *Handle) GetString(cmd string, tries int) (string, error) {
	if err := h.assertHeld(cmd); err != nil {
		return "", err
	}
	prefix, err := echoLen(cmd)
	if err != nil {
		return "", err
	}
	resp, err := h.s.transport.Query(cmd, prefix, 64, tries, 0)
	if err != nil {
		return "", err
	}
	return string(resp[prefix : len(resp)-1]), nil
}

// SendRaw writes one or more terminated commands that produce no reply
func (h *Handle) SendRaw(commands string, tries int) error {
	if err := h.assertHeld(commands); err != nil {
		return err
	}
	return h.s.transport.SendCommandOnly(commands, tries)
}

// GetState snapshots the volatile settings through the active driver
func (h *Handle) GetState() (State, error) {
	d, err := h.Driver()
	if err != nil {
		return State{}, err
	}
	return d.GetState()
}

// RestoreState re-applies a snapshot; mode is always applied last
func (h *Handle) RestoreState(st State) error {
	d, err := h.Driver()
	if err != nil {
		return err
	}
	return d.RestoreState(st)
}

func (h *Handle) sleep(d time.Duration) {
	h.opts.Sleep(d)
}
