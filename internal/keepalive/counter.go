package keepalive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sweeney/geo-beacon/internal/location"
)

// fibonacci holds the stationary publish thresholds, in ticks.
// The index into it saturates at the last entry.
var fibonacci = [...]int{1, 1, 2, 3, 5, 8, 13, 21, 34, 55, 89}

// Threshold returns the number of stationary ticks required at index i.
// Indexes beyond the sequence return the final entry.
func Threshold(i int) int {
	if i < 0 {
		i = 0
	}
	if i >= len(fibonacci) {
		i = len(fibonacci) - 1
	}
	return fibonacci[i]
}

// LocationSource provides the last published device position.
type LocationSource interface {
	PublishedLocation() (location.Location, bool)
}

// Publisher accepts location reports. A nil location tells the publisher to
// use its own latest fix. Errors are the publisher's concern.
type Publisher interface {
	PublishLocation(ctx context.Context, rt location.ReportType, loc *location.Location)
}

// Outcome is the decision taken by a single tick.
type Outcome string

const (
	// Moved means the location changed (or was unknown) and a publish was sent.
	Moved Outcome = "MOVED"
	// ThresholdReached means the stationary threshold was met and a
	// timestamp-refreshed publish was sent.
	ThresholdReached Outcome = "THRESHOLD_REACHED"
	// Waiting means the device is stationary and below the threshold.
	Waiting Outcome = "STATIONARY_WAITING"
	// Unconditional means adaptive backoff is disabled and every tick publishes.
	Unconditional Outcome = "UNCONDITIONAL"
)

// Published reports whether the outcome sent a location report.
func (o Outcome) Published() bool {
	return o != Waiting
}

// State is a copy of the counter state after a tick.
type State struct {
	Counter       int
	Index         int
	Threshold     int
	LastPublished *location.Location
	Outcome       Outcome
	Adaptive      bool
}

// CounterConfig configures a Counter.
type CounterConfig struct {
	// Adaptive enables Fibonacci backoff. When false every tick publishes.
	Adaptive bool

	// Now returns the current time, used to refresh stale fixes. Defaults to time.Now.
	Now func() time.Time

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// OnTick, if set, receives the state after every tick. Called inside the
	// tick; must not block.
	OnTick func(State)
}

// Counter decides once per keepalive tick whether to publish a location
// alongside the protocol ping.
//
// A tick where the last published location differs from the one the counter
// last saw by more than location.SamePlaceRadius (or either is unknown)
// publishes immediately and restarts the backoff. Otherwise the counter waits
// Threshold(index) ticks before publishing the same coordinates with a fresh
// timestamp and advancing the index.
type Counter struct {
	source   LocationSource
	sink     Publisher
	adaptive bool
	now      func() time.Time
	logger   *slog.Logger
	onTick   func(State)

	mu            sync.Mutex
	counter       int
	index         int
	lastPublished *location.Location
}

// NewCounter creates a Counter in its initial state (0, 0, none).
func NewCounter(source LocationSource, sink Publisher, cfg CounterConfig) *Counter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Counter{
		source:   source,
		sink:     sink,
		adaptive: cfg.Adaptive,
		now:      cfg.Now,
		logger:   cfg.Logger,
		onTick:   cfg.OnTick,
	}
}

// Reset returns the counter to its initial state.
func (c *Counter) Reset() {
	c.mu.Lock()
	c.counter = 0
	c.index = 0
	c.lastPublished = nil
	c.mu.Unlock()
}

// Increment evaluates one keepalive tick.
func (c *Counter) Increment(ctx context.Context) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.adaptive {
		c.sink.PublishLocation(ctx, location.ReportPing, nil)
		c.logger.Info("adaptive keepalive disabled, triggering location update")
		c.notify(Unconditional)
		return Unconditional
	}

	var current *location.Location
	if loc, ok := c.source.PublishedLocation(); ok {
		current = &loc
	}

	if c.lastPublished == nil || current == nil || !c.lastPublished.SamePlace(*current) {
		c.counter = 1
		c.index = 0
		c.lastPublished = current
		c.sink.PublishLocation(ctx, location.ReportPing, current)
		c.logger.Info("location changed, resetting keepalive backoff and triggering update")
		c.notify(Moved)
		return Moved
	}

	c.counter++
	threshold := Threshold(c.index)
	if c.counter < threshold {
		c.logger.Info("keepalive below threshold, no location update needed",
			"count", c.counter, "threshold", threshold)
		c.notify(Waiting)
		return Waiting
	}

	refreshed := current.WithTime(c.now())
	c.sink.PublishLocation(ctx, location.ReportPing, &refreshed)
	c.logger.Info("keepalive reached backoff threshold, triggering update with refreshed time",
		"count", c.counter, "threshold", threshold)

	if c.index < len(fibonacci)-1 {
		c.index++
	}
	c.counter = 0
	c.notify(ThresholdReached)
	return ThresholdReached
}

// notify must be called with mu held.
func (c *Counter) notify(o Outcome) {
	if c.onTick == nil {
		return
	}
	s := State{
		Counter:   c.counter,
		Index:     c.index,
		Threshold: Threshold(c.index),
		Outcome:   o,
		Adaptive:  c.adaptive,
	}
	if c.lastPublished != nil {
		lp := *c.lastPublished
		s.LastPublished = &lp
	}
	c.onTick(s)
}
