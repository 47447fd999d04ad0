// Package scopedlock provides a mutual-exclusion lock whose acquisition is
// bounded by a timeout and whose release is tied to a guard value.
//
// Typical use:
//
//	g := m.Acquire(500*time.Millisecond, "get-frequency")
//	if !g.Acquired() {
//		return scopedlock.ErrTimeout
//	}
//	defer g.Release()
package scopedlock

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dougsko/rigbridge/pkg/logging"
)

// ErrTimeout is returned when the lock could not be acquired in time.
// No side effect has happened when a caller sees it.
var ErrTimeout = errors.New("lock acquisition timed out")

// Mutex is a bounded-wait lock. The zero value is not usable; call New.
type Mutex struct {
	sem chan struct{}

	mu        sync.Mutex
	current   *Guard
	holder    string
	heldSince time.Time
	granted   uint64
	timeouts  uint64
	reentries uint64
}

// New returns an unlocked Mutex
func New() *Mutex {
	return &Mutex{sem: make(chan struct{}, 1)}
}

// Owner identifies one logical holder across acquisitions. A second
// AcquireAs by an owner that still holds the lock is a missing release.
type Owner struct {
	name string
}

// NewOwner returns a fresh owner identity
func NewOwner(name string) *Owner {
	return &Owner{name: name}
}

// String returns the owner's name
func (o *Owner) String() string {
	if o == nil {
		return ""
	}
	return o.name
}

// Guard represents one acquisition attempt. Release is safe to call on any
// guard, any number of times; only the first call on an acquired guard
// unlocks the Mutex.
type Guard struct {
	m        *Mutex
	owner    *Owner
	tag      string
	acquired bool
	released atomic.Bool
}

// Acquire waits at most timeout for the lock on behalf of an anonymous
// owner. It never blocks longer than timeout; a non-positive timeout makes
// a single non-blocking attempt.
func (m *Mutex) Acquire(timeout time.Duration, tag string) *Guard {
	return m.AcquireAs(nil, timeout, tag)
}

// AcquireAs is Acquire for a named owner. Requesting the lock again while
// the same owner holds it is reported and counted; the request then waits
// like any other and times out.
func (m *Mutex) AcquireAs(owner *Owner, timeout time.Duration, tag string) *Guard {
	g := &Guard{m: m, owner: owner, tag: tag}

	m.mu.Lock()
	if owner != nil && m.current != nil && m.current.owner == owner {
		m.reentries++
		logging.Error("lock", "lock requested again by its current owner; release is missing", logging.Fields{
			"owner":    owner.String(),
			"tag":      tag,
			"held_by":  m.holder,
			"held_for": time.Since(m.heldSince).String(),
			"timeout":  timeout.String(),
		})
	}
	m.mu.Unlock()

	if timeout <= 0 {
		select {
		case m.sem <- struct{}{}:
			g.acquired = true
		default:
		}
	} else {
		timer := time.NewTimer(timeout)
		select {
		case m.sem <- struct{}{}:
			g.acquired = true
		case <-timer.C:
		}
		timer.Stop()
	}

	m.mu.Lock()
	if !g.acquired {
		m.timeouts++
		holder := m.holder
		m.mu.Unlock()
		logging.Warn("lock", "timed out waiting for radio lock", logging.Fields{
			"tag":    tag,
			"holder": holder,
		})
		return g
	}
	m.current = g
	m.holder = tag
	m.heldSince = time.Now()
	m.granted++
	m.mu.Unlock()

	return g
}

// Do runs fn while holding the lock. The lock is released on every exit
// path of fn, including a panic.
func (m *Mutex) Do(timeout time.Duration, tag string, fn func() error) error {
	g := m.Acquire(timeout, tag)
	if !g.Acquired() {
		return ErrTimeout
	}
	defer g.Release()
	return fn()
}

// Held reports whether any guard currently holds the lock
func (m *Mutex) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holder != ""
}

// Owns reports whether g is the guard currently holding m
func (m *Mutex) Owns(g *Guard) bool {
	if g == nil || g.m != m || !g.Held() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == g
}

// Holder returns the tag of the current holder, or "" when unlocked
func (m *Mutex) Holder() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holder
}

// Stats returns the number of granted and timed-out acquisitions
func (m *Mutex) Stats() (granted, timeouts uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.granted, m.timeouts
}

// Reentries counts acquisitions requested by an owner that already held
// the lock. Any non-zero value is a caller bug.
func (m *Mutex) Reentries() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reentries
}

// Acquired reports whether the lock was obtained
func (g *Guard) Acquired() bool {
	return g.acquired
}

// Err returns ErrTimeout for a guard that did not obtain the lock
func (g *Guard) Err() error {
	if g.acquired {
		return nil
	}
	return ErrTimeout
}

// Held reports whether the guard obtained the lock and has not released it
func (g *Guard) Held() bool {
	return g.acquired && !g.released.Load()
}

// Tag returns the tag the guard was requested with
func (g *Guard) Tag() string {
	return g.tag
}

// Release unlocks the Mutex exactly once
func (g *Guard) Release() {
	if !g.acquired {
		return
	}
	if !g.released.CompareAndSwap(false, true) {
		return
	}

	g.m.mu.Lock()
	held := time.Since(g.m.heldSince)
	g.m.current = nil
	g.m.holder = ""
	g.m.heldSince = time.Time{}
	g.m.mu.Unlock()

	<-g.m.sem
	logging.Debugf("lock", "released %q after %s", g.tag, held)
}
