// Package status provides a thread-safe status tracker for the geo-beacon daemon.
// It is read by the HTTP handlers and the STARTUP/SHUTDOWN system events.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/geo-beacon/internal/keepalive"
	"github.com/sweeney/geo-beacon/internal/location"
	"github.com/sweeney/geo-beacon/internal/logic"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	Broker      string
	Protocol    int
	Topic       string
	KeepAliveMs int64
	Adaptive    bool
	ButtonPin   int // -1 when the button is disabled
	DebounceMs  int64
	HTTPPort    string
	WSBroker    string // Websocket broker URL for browser MQTT (empty = disabled)
}

// KeepaliveStatus is the state reported by the backoff counter after its
// most recent tick.
type KeepaliveStatus struct {
	Ticks     int
	LastTick  time.Time
	Counter   int
	Index     int
	Threshold int
	Outcome   keepalive.Outcome
}

// PublishCounts tracks published reports by type since startup.
type PublishCounts struct {
	Default int
	User    int
	Ping    int
	Skipped int
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type — safe to use after the lock is released.
type Snapshot struct {
	Keepalive     KeepaliveStatus
	LastLocation  *location.Location
	LastReport    location.ReportType
	LastPublishAt time.Time
	Publishes     PublishCounts
	Button        logic.State
	ButtonCounts  logic.EventCounts
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// RecordTick stores the counter state after a keepalive tick.
// Called from the tick goroutine; must stay cheap.
func (t *Tracker) RecordTick(s keepalive.State, at time.Time) {
	t.mu.Lock()
	t.snap.Keepalive = KeepaliveStatus{
		Ticks:     t.snap.Keepalive.Ticks + 1,
		LastTick:  at,
		Counter:   s.Counter,
		Index:     s.Index,
		Threshold: s.Threshold,
		Outcome:   s.Outcome,
	}
	t.mu.Unlock()
}

// RecordPublish stores a successfully published report.
func (t *Tracker) RecordPublish(rt location.ReportType, loc location.Location, at time.Time) {
	t.mu.Lock()
	t.snap.LastLocation = &loc
	t.snap.LastReport = rt
	t.snap.LastPublishAt = at
	switch rt {
	case location.ReportUser:
		t.snap.Publishes.User++
	case location.ReportPing:
		t.snap.Publishes.Ping++
	default:
		t.snap.Publishes.Default++
	}
	t.mu.Unlock()
}

// RecordSkip counts a report dropped because no location was known.
func (t *Tracker) RecordSkip() {
	t.mu.Lock()
	t.snap.Publishes.Skipped++
	t.mu.Unlock()
}

// SetButton sets the debounced button state and counts.
// Called from runLoop on every poll.
func (t *Tracker) SetButton(state logic.State, counts logic.EventCounts) {
	t.mu.Lock()
	t.snap.Button = state
	t.snap.ButtonCounts = counts
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	if s.LastLocation != nil {
		loc := *s.LastLocation
		s.LastLocation = &loc
	}
	s.Now = time.Now()
	return s
}
