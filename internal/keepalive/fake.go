package keepalive

import (
	"context"
	"sync"
	"time"
)

// FakeComms is a scripted transport session for tests.
type FakeComms struct {
	mu sync.Mutex

	// Interval is returned by KeepAlive.
	Interval time.Duration

	// PingError, if set, is returned by CheckForActivity.
	PingError error

	// Pings counts CheckForActivity calls.
	Pings int

	// OnPing, if set, runs inside CheckForActivity (e.g. to re-arm the sender).
	OnPing func()
}

// NewFakeComms creates a FakeComms with the given keepalive interval.
func NewFakeComms(interval time.Duration) *FakeComms {
	return &FakeComms{Interval: interval}
}

// KeepAlive returns Interval.
func (f *FakeComms) KeepAlive() time.Duration {
	return f.Interval
}

// CheckForActivity records the ping and returns PingError.
func (f *FakeComms) CheckForActivity(ctx context.Context) error {
	f.mu.Lock()
	f.Pings++
	err := f.PingError
	onPing := f.OnPing
	f.mu.Unlock()

	if onPing != nil {
		onPing()
	}
	return err
}

// PingCount returns the number of pings sent.
func (f *FakeComms) PingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Pings
}

// ManualTimers is an AfterFunc whose timers only fire when told to.
// Use it with WithAfterFunc.
type ManualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

// AfterFunc implements the AfterFunc signature.
func (m *ManualTimers) AfterFunc(d time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{delay: d, f: f}
	m.timers = append(m.timers, t)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if t.stopped || t.fired {
			return false
		}
		t.stopped = true
		return true
	}
}

// Live returns the number of armed timers that have neither fired nor been stopped.
func (m *ManualTimers) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// LastDelay returns the delay of the most recently armed timer.
func (m *ManualTimers) LastDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.timers) == 0 {
		return 0
	}
	return m.timers[len(m.timers)-1].delay
}

// FireLatest fires the most recently armed live timer synchronously and
// reports whether one was fired.
func (m *ManualTimers) FireLatest() bool {
	m.mu.Lock()
	var t *manualTimer
	for i := len(m.timers) - 1; i >= 0; i-- {
		if !m.timers[i].stopped && !m.timers[i].fired {
			t = m.timers[i]
			break
		}
	}
	if t == nil {
		m.mu.Unlock()
		return false
	}
	t.fired = true
	m.mu.Unlock()

	t.f()
	return true
}

// FireStale runs the callback of the most recently stopped timer, simulating
// a runtime timer that fired just before it was cancelled.
func (m *ManualTimers) FireStale() bool {
	m.mu.Lock()
	var t *manualTimer
	for i := len(m.timers) - 1; i >= 0; i-- {
		if m.timers[i].stopped {
			t = m.timers[i]
			break
		}
	}
	m.mu.Unlock()
	if t == nil {
		return false
	}
	t.f()
	return true
}
