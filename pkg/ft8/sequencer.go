// Package ft8 drives a radio through a pre-encoded FT8 transmission by
// keying the carrier once and stepping its frequency through the 79 tone
// symbols on an absolute schedule.
package ft8

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dougsko/rigbridge/pkg/logging"
	"github.com/dougsko/rigbridge/pkg/radio"
)

const (
	// SymbolCount is the number of tone symbols in one transmission
	SymbolCount = 79
	// ToneCount is the number of distinct tones
	ToneCount = 8

	DefaultSymbolPeriod       = 160 * time.Millisecond
	DefaultToneSpacingMilliHz = 6250
)

var (
	// ErrJobActive is returned when a job is already prepared or on the air
	ErrJobActive = errors.New("an FT8 job is already active")
	// ErrNoJob is returned when there is no job in the state the call needs
	ErrNoJob = errors.New("no FT8 job to act on")
	// ErrCancelled ends a transmission stopped by Cancel
	ErrCancelled = errors.New("FT8 transmission cancelled")
)

// State is the lifecycle of a job
type State string

const (
	StateIdle         State = "idle"
	StatePrepared     State = "prepared"
	StateTransmitting State = "transmitting"
	StateCompleted    State = "completed"
	StateCancelled    State = "cancelled"
	StateFailed       State = "failed"
)

// Active reports whether a job in this state blocks a new Prepare
func (s State) Active() bool {
	return s == StatePrepared || s == StateTransmitting
}

// Job is one FT8 transmission
type Job struct {
	ID          string    `json:"id"`
	BaseHz      int64     `json:"base_hz"`
	State       State     `json:"state"`
	SymbolsSent int       `json:"symbols_sent"`
	PreparedAt  time.Time `json:"prepared_at"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	CancelledAt time.Time `json:"cancelled_at"`
	Error       string    `json:"error,omitempty"`

	tones []uint8
}

// Clock supplies time to the sequencer; tests use a virtual one
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock is the wall clock
var SystemClock Clock = systemClock{}

// Rig runs fn against the active driver while holding the radio lock,
// waiting at most timeout to acquire it
type Rig interface {
	WithDriver(timeout time.Duration, tag string, fn func(d radio.Driver) error) error
}

// Options configures a Sequencer
type Options struct {
	SymbolPeriod       time.Duration
	ToneSpacingMilliHz int64
	// PrepareTimeout bounds the lock wait for Prepare and for Cancel of a
	// job that has not started
	PrepareTimeout time.Duration
	// TransmitTimeout bounds the lock wait before the first symbol
	TransmitTimeout time.Duration
	// PowerWatts is applied after tuning when positive, capped at the
	// family limit
	PowerWatts int
	Clock      Clock
	// OnFinish is called once per job after it reaches a final state
	OnFinish func(Job)
}

func (o Options) withDefaults() Options {
	if o.SymbolPeriod == 0 {
		o.SymbolPeriod = DefaultSymbolPeriod
	}
	if o.ToneSpacingMilliHz == 0 {
		o.ToneSpacingMilliHz = DefaultToneSpacingMilliHz
	}
	if o.PrepareTimeout == 0 {
		o.PrepareTimeout = 2 * time.Second
	}
	if o.TransmitTimeout == 0 {
		o.TransmitTimeout = 20 * time.Second
	}
	if o.Clock == nil {
		o.Clock = SystemClock
	}
	return o
}

// Sequencer owns at most one job at a time
type Sequencer struct {
	rig  Rig
	opts Options

	mu              sync.Mutex
	job             *Job
	preparing       bool
	saved           radio.State
	cancelRequested bool
	// cancelling is set while a prepared job's radio state is being
	// restored; Start and Cancel refuse the job until it settles
	cancelling bool

	wg sync.WaitGroup
}

// NewSequencer returns an idle sequencer
func NewSequencer(rig Rig, opts Options) *Sequencer {
	return &Sequencer{rig: rig, opts: opts.withDefaults()}
}

// ToneFrequency is the absolute carrier frequency for tone, rounded to the
// nearest hertz
func (s *Sequencer) ToneFrequency(baseHz int64, tone uint8) int64 {
	return baseHz + (int64(tone)*s.opts.ToneSpacingMilliHz+500)/1000
}

func validate(baseHz int64, tones []uint8) error {
	if baseHz <= 0 {
		return fmt.Errorf("%w: base frequency %d", radio.ErrInvalidInput, baseHz)
	}
	if len(tones) != SymbolCount {
		return fmt.Errorf("%w: %d tones, want %d", radio.ErrInvalidInput, len(tones), SymbolCount)
	}
	for i, tone := range tones {
		if tone >= ToneCount {
			return fmt.Errorf("%w: tone %d at symbol %d", radio.ErrInvalidInput, tone, i)
		}
	}
	return nil
}

// Prepare saves the radio state and moves the radio onto baseHz ready to
// transmit tones. Only one job may be prepared or transmitting.
func (s *Sequencer) Prepare(baseHz int64, tones []uint8) (Job, error) {
	if err := validate(baseHz, tones); err != nil {
		return Job{}, err
	}

	s.mu.Lock()
	if s.preparing || (s.job != nil && s.job.State.Active()) {
		s.mu.Unlock()
		return Job{}, ErrJobActive
	}
	s.preparing = true
	s.mu.Unlock()

	var saved radio.State
	err := s.rig.WithDriver(s.opts.PrepareTimeout, "ft8-prepare", func(d radio.Driver) error {
		st, err := d.GetState()
		if err != nil {
			return fmt.Errorf("save state: %w", err)
		}
		saved = st
		if err := d.FT8Prepare(baseHz); err != nil {
			if rerr := d.RestoreState(saved); rerr != nil {
				logging.Errorf("ft8", "restore after failed prepare: %v", rerr)
			}
			return err
		}
		if s.opts.PowerWatts > 0 {
			watts := s.opts.PowerWatts
			if limit := d.Limits().MaxPower; watts > limit {
				watts = limit
			}
			if err := d.SetPower(watts); err != nil {
				if rerr := d.RestoreState(saved); rerr != nil {
					logging.Errorf("ft8", "restore after failed prepare: %v", rerr)
				}
				return fmt.Errorf("set power: %w", err)
			}
		}
		return nil
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.preparing = false
	if err != nil {
		return Job{}, err
	}

	s.job = &Job{
		ID:         uuid.New().String(),
		BaseHz:     baseHz,
		State:      StatePrepared,
		PreparedAt: s.opts.Clock.Now(),
		tones:      append([]uint8(nil), tones...),
	}
	s.saved = saved
	s.cancelRequested = false
	logging.Info("ft8", "job prepared", logging.Fields{"id": s.job.ID, "base_hz": baseHz})
	return *s.job, nil
}

// Start puts the prepared job on the air and returns immediately
func (s *Sequencer) Start() (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil || s.job.State != StatePrepared {
		return Job{}, ErrNoJob
	}
	if s.cancelling {
		return Job{}, fmt.Errorf("%w: job %s is being cancelled", ErrNoJob, s.job.ID)
	}

	s.job.State = StateTransmitting
	s.job.StartedAt = s.opts.Clock.Now()
	job := *s.job
	saved := s.saved

	s.wg.Add(1)
	go s.run(job, saved)
	return job, nil
}

// Cancel abandons a prepared job at once, restoring the radio, or asks a
// transmitting job to stop at the next symbol boundary
func (s *Sequencer) Cancel() (Job, error) {
	s.mu.Lock()
	if s.job == nil || !s.job.State.Active() {
		s.mu.Unlock()
		return Job{}, ErrNoJob
	}

	if s.job.State == StateTransmitting {
		if !s.cancelRequested {
			s.cancelRequested = true
			s.job.CancelledAt = s.opts.Clock.Now()
			logging.Info("ft8", "cancel requested", logging.Fields{"id": s.job.ID, "symbols_sent": s.job.SymbolsSent})
		}
		job := *s.job
		s.mu.Unlock()
		return job, nil
	}

	if s.cancelling {
		s.mu.Unlock()
		return Job{}, fmt.Errorf("%w: job %s is being cancelled", ErrNoJob, s.job.ID)
	}
	s.cancelling = true
	saved := s.saved
	s.mu.Unlock()

	err := s.rig.WithDriver(s.opts.PrepareTimeout, "ft8-cancel", func(d radio.Driver) error {
		return d.RestoreState(saved)
	})

	s.mu.Lock()
	s.cancelling = false
	if err != nil {
		s.mu.Unlock()
		logging.Errorf("ft8", "restore after cancel: %v", err)
		return Job{}, err
	}
	now := s.opts.Clock.Now()
	s.job.State = StateCancelled
	s.job.CancelledAt = now
	s.job.FinishedAt = now
	job := *s.job
	s.mu.Unlock()

	s.notify(job)
	return job, nil
}

// Status returns the current or most recent job
func (s *Sequencer) Status() (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil {
		return Job{State: StateIdle}, false
	}
	return *s.job, true
}

// Wait blocks until no transmission goroutine is running
func (s *Sequencer) Wait() {
	s.wg.Wait()
}

func (s *Sequencer) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRequested
}

func (s *Sequencer) setSent(n int) {
	s.mu.Lock()
	s.job.SymbolsSent = n
	s.mu.Unlock()
}

func (s *Sequencer) run(job Job, saved radio.State) {
	defer s.wg.Done()

	ran := false
	err := s.rig.WithDriver(s.opts.TransmitTimeout, "ft8-transmit", func(d radio.Driver) error {
		ran = true
		return s.transmit(d, job, saved)
	})
	if !ran {
		// the radio is still tuned for the job
		s.restore(saved)
	}

	s.mu.Lock()
	s.job.FinishedAt = s.opts.Clock.Now()
	switch {
	case errors.Is(err, ErrCancelled):
		s.job.State = StateCancelled
	case err != nil:
		s.job.State = StateFailed
		s.job.Error = err.Error()
	default:
		s.job.State = StateCompleted
	}
	final := *s.job
	s.mu.Unlock()

	if err != nil && !errors.Is(err, ErrCancelled) {
		logging.Error("ft8", "transmission failed", logging.Fields{"id": final.ID, "error": err.Error()})
	} else {
		logging.Info("ft8", "transmission finished", logging.Fields{
			"id":      final.ID,
			"state":   string(final.State),
			"symbols": final.SymbolsSent,
		})
	}
	s.notify(final)
}

// transmit keys once and retunes at each symbol boundary. Deadlines are
// measured from the first symbol so per-symbol jitter does not accumulate.
// Key-up and the state restore run on every exit path.
func (s *Sequencer) transmit(d radio.Driver, job Job, saved radio.State) (err error) {
	clock := s.opts.Clock
	keyed := false

	defer func() {
		if keyed {
			if offErr := d.FT8ToneOff(); offErr != nil {
				logging.Errorf("ft8", "key up: %v", offErr)
				if err == nil {
					err = offErr
				}
			}
		}
		if rerr := d.RestoreState(saved); rerr != nil {
			logging.Errorf("ft8", "restore after transmission: %v", rerr)
			if err == nil {
				err = fmt.Errorf("restore: %w", rerr)
			}
		}
	}()

	start := clock.Now()
	for i, tone := range job.tones {
		if s.isCancelled() {
			return ErrCancelled
		}
		if err := d.FT8SetTone(job.BaseHz, s.ToneFrequency(job.BaseHz, tone)); err != nil {
			return fmt.Errorf("symbol %d: %w", i, err)
		}
		if !keyed {
			if err := d.FT8ToneOn(); err != nil {
				return fmt.Errorf("key down: %w", err)
			}
			keyed = true
		}
		s.setSent(i + 1)

		deadline := start.Add(time.Duration(i+1) * s.opts.SymbolPeriod)
		if wait := deadline.Sub(clock.Now()); wait > 0 {
			clock.Sleep(wait)
		}
	}
	return nil
}

// restore puts the saved state back for a job that never reached the air
func (s *Sequencer) restore(saved radio.State) {
	err := s.rig.WithDriver(s.opts.PrepareTimeout, "ft8-restore", func(d radio.Driver) error {
		return d.RestoreState(saved)
	})
	if err != nil {
		logging.Errorf("ft8", "restore after failed start: %v", err)
	}
}

func (s *Sequencer) notify(job Job) {
	if s.opts.OnFinish != nil {
		s.opts.OnFinish(job)
	}
}
