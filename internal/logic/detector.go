package logic

import "time"

// Debouncer tracks the button state and detects debounced transitions.
type Debouncer struct {
	debounceDuration time.Duration
	ch               ChannelState
	eventCounts      EventCounts
}

// NewDebouncer creates a debouncer with the given debounce duration.
func NewDebouncer(debounceDuration time.Duration) *Debouncer {
	return &Debouncer{debounceDuration: debounceDuration}
}

// Process takes a new input sample and returns the event to emit, if any.
// Events are only returned after a baseline is established, so a button held
// down at startup does not trigger a report.
func (d *Debouncer) Process(input Input) *Event {
	newState := boolToState(input.Pressed)
	ch := &d.ch

	// First time seeing the line
	if !ch.Baselined {
		if ch.Pending == "" || ch.Pending != newState {
			// Start observing, or restart after a change during baseline
			ch.Pending = newState
			ch.PendingSince = input.Time
			return nil
		}

		if input.Time.Sub(ch.PendingSince) >= d.debounceDuration {
			ch.Stable = newState
			ch.Baselined = true
			ch.Pending = ""
		}
		return nil
	}

	if newState == ch.Stable {
		// Bounce back to stable, clear any pending
		ch.Pending = ""
		return nil
	}

	if ch.Pending != newState {
		ch.Pending = newState
		ch.PendingSince = input.Time
		return nil
	}

	if input.Time.Sub(ch.PendingSince) < d.debounceDuration {
		return nil
	}

	ch.Stable = newState
	ch.Pending = ""

	event := &Event{Timestamp: input.Time, Type: EventReleased}
	if newState == StatePressed {
		event.Type = EventPressed
		d.eventCounts.Pressed++
	} else {
		d.eventCounts.Released++
	}
	return event
}

func boolToState(b bool) State {
	if b {
		return StatePressed
	}
	return StateReleased
}

// IsBaselined returns whether the debouncer has established a baseline.
func (d *Debouncer) IsBaselined() bool {
	return d.ch.Baselined
}

// CurrentState returns the current stable state, or "" before baseline.
func (d *Debouncer) CurrentState() State {
	return d.ch.Stable
}

// EventCountsSnapshot returns a copy of the current event counts.
func (d *Debouncer) EventCountsSnapshot() EventCounts {
	return d.eventCounts
}
