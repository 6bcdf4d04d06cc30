// Package logic contains pure debounce logic for the "report now" button.
// This package has NO external dependencies (no GPIO, MQTT, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import "time"

// State represents the logical state of the button.
type State string

const (
	StatePressed  State = "PRESSED"
	StateReleased State = "RELEASED"
)

// EventType represents a debounced button transition.
type EventType string

const (
	EventPressed  EventType = "PRESSED"
	EventReleased EventType = "RELEASED"
)

// Event represents a debounced transition.
type Event struct {
	Timestamp time.Time
	Type      EventType
}

// ChannelState tracks debounce state for the input line.
type ChannelState struct {
	// Current stable (debounced) state
	Stable State
	// Pending state during debounce
	Pending State
	// Time when pending state was first observed
	PendingSince time.Time
	// Whether we have established a baseline
	Baselined bool
}

// Input represents a single sample of the button.
type Input struct {
	Pressed bool // already inverted from the active-low GPIO line
	Time    time.Time
}

// EventCounts tracks the number of each event type since startup.
type EventCounts struct {
	Pressed  int
	Released int
}
