package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/dougsko/rigbridge/pkg/cat"
	"github.com/dougsko/rigbridge/pkg/config"
	"github.com/dougsko/rigbridge/pkg/ft8"
	"github.com/dougsko/rigbridge/pkg/logging"
	"github.com/dougsko/rigbridge/pkg/protocol"
	"github.com/dougsko/rigbridge/pkg/radio"
	"github.com/dougsko/rigbridge/pkg/scopedlock"
	"github.com/dougsko/rigbridge/pkg/storage"
)

// Version is reported in status replies
const Version = "0.1.0"

// ErrBusy is returned when the radio lock could not be taken within the
// operation's tier
var ErrBusy = errors.New("radio busy, retry")

// Options carries the collaborators that are not part of the configuration
type Options struct {
	// TxLog records transmissions; nil disables the log
	TxLog *storage.TxLog
	// Clock times FT8 symbols; nil uses the wall clock
	Clock ft8.Clock
	// Simulated marks a daemon running against the built-in simulator
	Simulated bool
	// RetryDelay separates connection attempts
	RetryDelay time.Duration
}

// Engine is the application context. It owns the radio session, the FT8
// sequencer and the transmission log, and wraps every radio operation in
// the lock tier that bounds how long its caller may wait.
type Engine struct {
	config     *config.Config
	socketPath string
	listener   net.Listener
	running    bool
	mutex      sync.RWMutex
	startTime  time.Time

	session   *radio.Session
	sequencer *ft8.Sequencer
	txlog     *storage.TxLog
	simulated bool

	fast     time.Duration
	standard time.Duration
	critical time.Duration

	retryDelay time.Duration
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New creates an engine around an unconnected session
func New(cfg *config.Config, session *radio.Session, opts Options) *Engine {
	fast, standard, critical, ft8Tier := cfg.Tiers()
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 2 * time.Second
	}

	e := &Engine{
		config:     cfg,
		socketPath: cfg.Web.SocketPath,
		startTime:  time.Now(),
		session:    session,
		txlog:      opts.TxLog,
		simulated:  opts.Simulated,
		fast:       fast,
		standard:   standard,
		critical:   critical,
		retryDelay: opts.RetryDelay,
	}

	e.sequencer = ft8.NewSequencer(&ft8Rig{e: e, owner: scopedlock.NewOwner("ft8")}, ft8.Options{
		SymbolPeriod:       time.Duration(cfg.FT8.SymbolMs) * time.Millisecond,
		ToneSpacingMilliHz: int64(cfg.FT8.ToneSpacingMHz),
		PrepareTimeout:     standard,
		TransmitTimeout:    ft8Tier,
		PowerWatts:         cfg.FT8.PowerWatts,
		Clock:              opts.Clock,
		OnFinish:           e.recordJob,
	})
	return e
}

// Start keeps the radio connected in the background and opens the control
// socket
func (e *Engine) Start() error {
	e.mutex.Lock()
	if e.running {
		e.mutex.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mutex.Unlock()

	e.wg.Add(1)
	go e.maintainConnection(ctx)

	if e.socketPath == "" {
		return nil
	}

	// Remove a socket left by a previous run
	os.Remove(e.socketPath)

	listener, err := net.Listen("unix", e.socketPath)
	if err != nil {
		e.Stop()
		return fmt.Errorf("failed to create Unix socket: %w", err)
	}
	e.listener = listener

	if err := os.Chmod(e.socketPath, 0660); err != nil {
		logging.Warnf("engine", "failed to set socket permissions: %v", err)
	}

	logging.Infof("engine", "control socket listening on %s", e.socketPath)

	e.wg.Add(1)
	go e.acceptConnections()

	return nil
}

// Stop cancels a running FT8 job, stops the background workers and removes
// the control socket
func (e *Engine) Stop() error {
	e.mutex.Lock()
	if !e.running {
		e.mutex.Unlock()
		return nil
	}
	e.running = false
	if e.cancel != nil {
		e.cancel()
	}
	listener := e.listener
	e.mutex.Unlock()

	if job, ok := e.sequencer.Status(); ok && job.State.Active() {
		if _, err := e.sequencer.Cancel(); err != nil {
			logging.Warnf("engine", "cancel FT8 job on shutdown: %v", err)
		}
	}
	e.sequencer.Wait()

	if listener != nil {
		listener.Close()
		os.Remove(e.socketPath)
	}

	e.wg.Wait()
	return nil
}

func (e *Engine) isRunning() bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.running
}

// maintainConnection retries Connect until the radio answers or the engine
// stops. The radio is assumed to be attached eventually.
func (e *Engine) maintainConnection(ctx context.Context) {
	defer e.wg.Done()

	for !e.session.IsConnected() {
		err := e.Connect(ctx)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		logging.Warnf("engine", "radio connect failed, retrying in %s: %v", e.retryDelay, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.retryDelay):
		}
	}
}

// Connect makes one connection attempt under the critical tier. Bit-rate
// probing inside it runs until the radio answers or ctx is done.
func (e *Engine) Connect(ctx context.Context) error {
	handle := e.session.Lock(e.critical, "connect")
	defer handle.Release()
	if !handle.Acquired() {
		return fmt.Errorf("%w: %w", ErrBusy, handle.Err())
	}
	return handle.Connect(ctx)
}

// IsConnected gates which operations are attempted
func (e *Engine) IsConnected() bool {
	return e.session.IsConnected()
}

// Family reports the detected radio family
func (e *Engine) Family() radio.Family {
	return e.session.Family()
}

// Sequencer exposes the FT8 sequencer
func (e *Engine) Sequencer() *ft8.Sequencer {
	return e.sequencer
}

// WithDriver runs fn against the active driver holding the radio lock
func (e *Engine) WithDriver(timeout time.Duration, tag string, fn func(d radio.Driver) error) error {
	return e.withDriver(nil, timeout, tag, fn)
}

func (e *Engine) withDriver(owner *scopedlock.Owner, timeout time.Duration, tag string, fn func(d radio.Driver) error) error {
	handle := e.session.LockAs(owner, timeout, tag)
	defer handle.Release()
	if !handle.Acquired() {
		return fmt.Errorf("%w: %w", ErrBusy, handle.Err())
	}

	d, err := handle.Driver()
	if err != nil {
		return err
	}
	return fn(d)
}

// ft8Rig gives the sequencer its own lock owner so a job that asks for the
// lock it already holds is reported
type ft8Rig struct {
	e     *Engine
	owner *scopedlock.Owner
}

func (r *ft8Rig) WithDriver(timeout time.Duration, tag string, fn func(d radio.Driver) error) error {
	return r.e.withDriver(r.owner, timeout, tag, fn)
}

// GetFrequency reads VFO A
func (e *Engine) GetFrequency() (hz int64, err error) {
	err = e.WithDriver(e.fast, "get-frequency", func(d radio.Driver) error {
		hz, err = d.GetFrequency()
		return err
	})
	return hz, err
}

// SetFrequency tunes VFO A
func (e *Engine) SetFrequency(hz int64) error {
	return e.WithDriver(e.standard, "set-frequency", func(d radio.Driver) error {
		return d.SetFrequency(hz)
	})
}

// GetMode reads the operating mode
func (e *Engine) GetMode() (mode radio.Mode, err error) {
	err = e.WithDriver(e.fast, "get-mode", func(d radio.Driver) error {
		mode, err = d.GetMode()
		return err
	})
	return mode, err
}

// SetMode changes the operating mode
func (e *Engine) SetMode(mode radio.Mode) error {
	return e.WithDriver(e.standard, "set-mode", func(d radio.Driver) error {
		return d.SetMode(mode)
	})
}

// GetPower reads the output power in watts
func (e *Engine) GetPower() (watts int, err error) {
	err = e.WithDriver(e.fast, "get-power", func(d radio.Driver) error {
		watts, err = d.GetPower()
		return err
	})
	return watts, err
}

// SetPower sets the output power in watts
func (e *Engine) SetPower(watts int) error {
	return e.WithDriver(e.standard, "set-power", func(d radio.Driver) error {
		return d.SetPower(watts)
	})
}

// GetVolume reads the audio gain
func (e *Engine) GetVolume() (level int, err error) {
	err = e.WithDriver(e.fast, "get-volume", func(d radio.Driver) error {
		level, err = d.GetVolume()
		return err
	})
	return level, err
}

// SetVolume sets the audio gain, clamped to the family range, and returns
// the level applied
func (e *Engine) SetVolume(level int) (int, error) {
	var applied int
	err := e.WithDriver(e.standard, "set-volume", func(d radio.Driver) error {
		applied = clamp(level, 0, d.Limits().MaxVolume)
		return d.SetVolume(applied)
	})
	return applied, err
}

// AdjustVolume moves the audio gain by delta from its current level,
// clamped to the family range
func (e *Engine) AdjustVolume(delta int) (int, error) {
	var applied int
	err := e.WithDriver(e.standard, "adjust-volume", func(d radio.Driver) error {
		current, err := d.GetVolume()
		if err != nil {
			return err
		}
		applied = clamp(current+delta, 0, d.Limits().MaxVolume)
		if applied == current {
			return nil
		}
		return d.SetVolume(applied)
	})
	return applied, err
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// GetTransmit reports whether the radio is keyed
func (e *Engine) GetTransmit() (on bool, err error) {
	err = e.WithDriver(e.fast, "get-xmit", func(d radio.Driver) error {
		on, err = d.GetTransmit()
		return err
	})
	return on, err
}

// SetTransmit keys or unkeys the radio
func (e *Engine) SetTransmit(on bool) error {
	return e.WithDriver(e.standard, "set-xmit", func(d radio.Driver) error {
		return d.SetTransmit(on)
	})
}

// PlayMessage sends a stored message bank
func (e *Engine) PlayMessage(bank int) error {
	rec := protocol.TxRecord{Kind: protocol.KindMessage, Detail: fmt.Sprintf("bank %d", bank)}
	err := e.WithDriver(e.standard, "msg", func(d radio.Driver) error {
		rec.Frequency, rec.Mode = onAir(d)
		return d.PlayMessage(bank)
	})
	e.record(rec, err)
	return err
}

// TuneATU runs the antenna tuner cycle
func (e *Engine) TuneATU() error {
	rec := protocol.TxRecord{Kind: protocol.KindATU}
	err := e.WithDriver(e.critical, "atu", func(d radio.Driver) error {
		rec.Frequency, rec.Mode = onAir(d)
		return d.TuneATU()
	})
	e.record(rec, err)
	return err
}

// SendKeyer sends text in Morse. The lock is held until the text has been
// sent and the prior mode restored.
func (e *Engine) SendKeyer(text string) error {
	rec := protocol.TxRecord{Kind: protocol.KindKeyer, Detail: text}
	err := e.WithDriver(e.critical, "keyer", func(d radio.Driver) error {
		rec.Frequency, rec.Mode = onAir(d)
		return d.SendKeyer(text)
	})
	e.record(rec, err)
	return err
}

// onAir reads the frequency and mode for the log; failures leave them empty
func onAir(d radio.Driver) (int64, string) {
	hz, err := d.GetFrequency()
	if err != nil {
		hz = 0
	}
	mode, err := d.GetMode()
	if err != nil {
		return hz, ""
	}
	return hz, mode.String()
}

// SyncTime sets the radio clock
func (e *Engine) SyncTime(hour, minute, second int) error {
	return e.WithDriver(e.standard, "time", func(d radio.Driver) error {
		return d.SyncTime(hour, minute, second)
	})
}

// SyncEpoch sets the radio clock from a client epoch time shifted by the
// client's UTC offset
func (e *Engine) SyncEpoch(epoch int64, offset time.Duration) error {
	at := time.Unix(epoch, 0).UTC().Add(offset)
	return e.SyncTime(at.Hour(), at.Minute(), at.Second())
}

// GetState captures the volatile settings
func (e *Engine) GetState() (st radio.State, err error) {
	err = e.WithDriver(e.fast, "get-state", func(d radio.Driver) error {
		st, err = d.GetState()
		return err
	})
	return st, err
}

// RestoreState applies a captured snapshot
func (e *Engine) RestoreState(st radio.State) error {
	return e.WithDriver(e.standard, "restore-state", func(d radio.Driver) error {
		return d.RestoreState(st)
	})
}

// FT8Prepare saves the radio state and tunes for a 79-tone transmission
func (e *Engine) FT8Prepare(baseHz int64, tones []uint8) (ft8.Job, error) {
	return e.sequencer.Prepare(baseHz, tones)
}

// FT8Start puts the prepared job on the air
func (e *Engine) FT8Start() (ft8.Job, error) {
	return e.sequencer.Start()
}

// FT8Cancel stops the current job
func (e *Engine) FT8Cancel() (ft8.Job, error) {
	return e.sequencer.Cancel()
}

// FT8Status returns the current or most recent job
func (e *Engine) FT8Status() (ft8.Job, bool) {
	return e.sequencer.Status()
}

// History returns logged transmissions, newest first
func (e *Engine) History(query storage.HistoryQuery) ([]protocol.TxRecord, error) {
	if e.txlog == nil {
		return []protocol.TxRecord{}, nil
	}
	return e.txlog.History(query)
}

// Status collects the daemon and radio status. Radio fields are read in
// one fast-tier hold and stay empty when the radio is busy. While an FT8
// job owns the radio they are not read at all.
func (e *Engine) Status() protocol.Status {
	status := protocol.Status{
		Connected: e.session.IsConnected(),
		Family:    e.session.Family().String(),
		Baud:      e.session.Transport().Baud(),
		Simulated: e.simulated,
		Uptime:    time.Since(e.startTime).Round(time.Second).String(),
		StartTime: e.startTime,
		Version:   Version,
	}
	if !status.Connected {
		return status
	}
	if job, ok := e.sequencer.Status(); ok && job.State.Active() {
		status.Transmitting = job.State == ft8.StateTransmitting
		return status
	}

	err := e.WithDriver(e.fast, "status", func(d radio.Driver) error {
		var err error
		if status.Frequency, err = d.GetFrequency(); err != nil {
			return err
		}
		mode, err := d.GetMode()
		if err != nil {
			return err
		}
		status.Mode = mode.String()
		if status.Power, err = d.GetPower(); err != nil {
			return err
		}
		if status.Volume, err = d.GetVolume(); err != nil {
			return err
		}
		status.Transmitting, err = d.GetTransmit()
		return err
	})
	if err != nil {
		logging.Debugf("engine", "status read incomplete: %v", err)
	}
	return status
}

func (e *Engine) record(rec protocol.TxRecord, err error) {
	if e.txlog == nil {
		return
	}
	if errors.Is(err, ErrBusy) || errors.Is(err, radio.ErrInvalidInput) || errors.Is(err, radio.ErrNotConnected) {
		// nothing went on the air
		return
	}
	rec.Outcome = protocol.OutcomeOK
	if err != nil {
		rec.Outcome = protocol.OutcomeFailed
	}
	if werr := e.txlog.Record(rec); werr != nil {
		logging.Errorf("storage", "failed to record %s: %v", rec.Kind, werr)
	}
}

func (e *Engine) recordJob(job ft8.Job) {
	if e.txlog == nil {
		return
	}
	rec := protocol.TxRecord{
		Timestamp: job.FinishedAt,
		Kind:      protocol.KindFT8,
		Frequency: job.BaseHz,
		Mode:      radio.ModeCW.String(),
		Detail:    job.Error,
		JobID:     job.ID,
		Symbols:   job.SymbolsSent,
	}
	switch job.State {
	case ft8.StateCompleted:
		rec.Outcome = protocol.OutcomeOK
	case ft8.StateCancelled:
		rec.Outcome = protocol.OutcomeCancelled
	default:
		rec.Outcome = protocol.OutcomeFailed
	}
	if err := e.txlog.Record(rec); err != nil {
		logging.Errorf("storage", "failed to record FT8 job %s: %v", job.ID, err)
	}
}

// Class groups errors by how a caller should report them
type Class int

const (
	ClassOK Class = iota
	// ClassBusy covers lock timeouts, protocol failures and a radio that
	// has not connected yet; the caller may retry
	ClassBusy
	// ClassInvalid is a rejected request
	ClassInvalid
	// ClassConflict is an FT8 job in the wrong state
	ClassConflict
	// ClassFailed is a radio operation that ran and did not take effect
	ClassFailed
)

// Classify maps an operation error onto the outcome reported to clients
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassOK
	case errors.Is(err, ErrBusy),
		errors.Is(err, radio.ErrNotConnected),
		errors.Is(err, cat.ErrBadResponse),
		errors.Is(err, cat.ErrDeviceBusy),
		errors.Is(err, cat.ErrWrite):
		return ClassBusy
	case errors.Is(err, radio.ErrInvalidInput),
		errors.Is(err, radio.ErrUnsupported),
		errors.Is(err, cat.ErrInvalidCommand):
		return ClassInvalid
	case errors.Is(err, ft8.ErrJobActive), errors.Is(err, ft8.ErrNoJob):
		return ClassConflict
	default:
		return ClassFailed
	}
}

// Message is the client-facing text for err
func Message(err error) string {
	if Classify(err) == ClassBusy {
		return ErrBusy.Error()
	}
	return err.Error()
}

// acceptConnections accepts and handles socket connections
func (e *Engine) acceptConnections() {
	defer e.wg.Done()

	for e.isRunning() {
		conn, err := e.listener.Accept()
		if err != nil {
			if e.isRunning() {
				logging.Warnf("engine", "socket accept error: %v", err)
				continue
			}
			return
		}

		go e.handleConnection(conn)
	}
}

// handleConnection answers one JSON line per command line
func (e *Engine) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		cmd, err := protocol.ParseCommand(line)
		if err != nil {
			response := protocol.NewErrorResponse(fmt.Sprintf("parse error: %v", err))
			conn.Write([]byte(response.String() + "\n"))
			continue
		}

		response := e.handleCommand(cmd)
		conn.Write([]byte(response.String() + "\n"))

		if cmd.Type == protocol.CmdQuit {
			break
		}
	}
}
