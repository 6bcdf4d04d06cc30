package keepalive

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Comms is the transport session a PingSender is bound to.
type Comms interface {
	// KeepAlive returns the keepalive interval negotiated with the broker.
	KeepAlive() time.Duration

	// CheckForActivity sends a bare ping and blocks until the broker
	// acknowledges it or the attempt fails.
	CheckForActivity(ctx context.Context) error
}

// TickHandler is notified after every ping attempt.
type TickHandler interface {
	Increment(ctx context.Context) Outcome
	Reset()
}

// AfterFunc arms a one-shot timer that calls f after d and returns a
// function that cancels it. time.AfterFunc(d, f).Stop satisfies it.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

// SenderOption configures a PingSender.
type SenderOption func(*PingSender)

// WithAfterFunc replaces the timer factory.
func WithAfterFunc(f AfterFunc) SenderOption {
	return func(s *PingSender) { s.afterFunc = f }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) SenderOption {
	return func(s *PingSender) { s.logger = l }
}

// PingSender drives keepalive pings for one transport session at a time.
//
// The transport calls Schedule to request the next ping. At most one timer is
// pending at any instant: Schedule, Init and Stop all cancel the previous one
// under the same lock. Ticks run one at a time, so the handler never sees two
// overlapping Increment calls.
type PingSender struct {
	ctx       context.Context
	handler   TickHandler
	logger    *slog.Logger
	afterFunc AfterFunc

	mu      sync.Mutex
	comms   Comms
	stop    func() bool
	gen     uint64
	session uint64

	tickMu sync.Mutex
}

// NewPingSender creates a PingSender. Ticks stop firing once ctx is done.
func NewPingSender(ctx context.Context, handler TickHandler, opts ...SenderOption) *PingSender {
	s := &PingSender{
		ctx:     ctx,
		handler: handler,
		logger:  slog.Default(),
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init binds the sender to a new transport session. Any timer left over from
// a previous session is cancelled and the handler state is reset. Nothing is
// scheduled until Start.
func (s *PingSender) Init(comms Comms) {
	s.logger.Debug("initializing mqtt keepalive ping sender")

	s.mu.Lock()
	s.cancelLocked()
	s.comms = comms
	s.session++
	s.mu.Unlock()

	s.handler.Reset()
}

// Start schedules the first ping using the session's keepalive interval.
func (s *PingSender) Start() {
	s.mu.Lock()
	comms := s.comms
	s.mu.Unlock()

	if comms == nil {
		s.logger.Warn("mqtt keepalive start without a session")
		return
	}
	s.logger.Debug("mqtt keepalive start")
	s.Schedule(comms.KeepAlive())
}

// Stop cancels the pending timer, if any. A ping already in flight runs to
// completion but its Reschedule is dropped.
func (s *PingSender) Stop() {
	s.mu.Lock()
	cancelled := s.cancelLocked()
	s.session++
	s.mu.Unlock()

	if cancelled {
		s.logger.Debug("mqtt keepalive cancelled")
	}
}

// Schedule arms a one-shot ping after delay, replacing any pending one.
func (s *PingSender) Schedule(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleLocked(delay)
}

// Reschedule is Schedule for transports re-arming from inside
// CheckForActivity. ctx must be the one the tick passed in: if the session
// that tick belonged to has since been stopped or replaced, nothing is armed
// and Reschedule returns false. A ctx that did not come from a tick behaves
// like Schedule.
func (s *PingSender) Reschedule(ctx context.Context, delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := ctx.Value(sessionKey{}).(uint64); ok && session != s.session {
		s.logger.Debug("mqtt keepalive re-arm for a finished session dropped")
		return false
	}
	s.scheduleLocked(delay)
	return true
}

func (s *PingSender) scheduleLocked(delay time.Duration) {
	s.cancelLocked()
	s.gen++
	gen := s.gen
	s.stop = s.afterFunc(delay, func() { s.fire(gen) })
	s.logger.Debug("mqtt keepalive scheduled", "delay", delay)
}

// Pending reports whether a ping timer is armed.
func (s *PingSender) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

// cancelLocked must be called with mu held. It reports whether a timer was
// pending.
func (s *PingSender) cancelLocked() bool {
	if s.stop == nil {
		return false
	}
	s.stop()
	s.stop = nil
	s.gen++
	return true
}

func (s *PingSender) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.stop == nil {
		// Superseded or cancelled after the timer had already fired.
		s.mu.Unlock()
		return
	}
	s.stop = nil
	comms := s.comms
	session := s.session
	s.mu.Unlock()

	if s.ctx.Err() != nil {
		return
	}

	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if comms == nil {
		// Armed before Init. The tick still counts.
		s.logger.Warn("mqtt keepalive tick without a session")
	} else {
		s.logger.Debug("sending mqtt keepalive")
		ctx := context.WithValue(s.ctx, sessionKey{}, session)
		if err := comms.CheckForActivity(ctx); err != nil {
			s.logger.Warn("unable to send mqtt ping", "error", err)
		}
	}
	s.handler.Increment(s.ctx)
}

type sessionKey struct{}
