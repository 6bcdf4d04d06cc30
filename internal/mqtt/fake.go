package mqtt

import "sync"

// FakePublisher records published messages for test assertions.
// Safe for concurrent use: keepalive ticks publish from timer goroutines.
type FakePublisher struct {
	mu sync.Mutex

	// Messages contains all location reports that were published.
	Messages []Message

	// Payloads contains the JSON payloads that were published.
	Payloads [][]byte

	// SystemEvents contains all system events that were published.
	SystemEvents []SystemEvent

	// SystemPayloads contains the JSON payloads for system events.
	SystemPayloads [][]byte

	// PublishError, if set, will be returned by Publish.
	PublishError error

	// PublishSystemError, if set, will be returned by PublishSystem.
	PublishSystemError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

// Publish records the location report.
func (f *FakePublisher) Publish(msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.PublishError != nil {
		return f.PublishError
	}

	payload, err := FormatPayload(msg)
	if err != nil {
		return err
	}
	f.Messages = append(f.Messages, msg)
	f.Payloads = append(f.Payloads, payload)
	return nil
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemEvents = append(f.SystemEvents, event)
	f.SystemPayloads = append(f.SystemPayloads, payload)
	return nil
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// Sent returns a copy of the recorded location reports.
func (f *FakePublisher) Sent() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.Messages...)
}

// SetPublishError sets the error returned by Publish.
func (f *FakePublisher) SetPublishError(err error) {
	f.mu.Lock()
	f.PublishError = err
	f.mu.Unlock()
}

// Reset clears recorded messages and scripted errors.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Messages = nil
	f.Payloads = nil
	f.SystemEvents = nil
	f.SystemPayloads = nil
	f.Closed = false
	f.PublishError = nil
	f.PublishSystemError = nil
	f.Connected = false
}
