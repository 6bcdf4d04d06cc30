package gpio

import (
	"errors"
	"sync"
)

// FakeReader is a test double that returns scripted button samples.
type FakeReader struct {
	mu sync.Mutex

	// Samples contains scripted pressed values to return.
	// Each call to Read() consumes the next sample.
	Samples []bool

	// index tracks current position in Samples
	index int

	// Closed tracks if Close was called
	Closed bool

	// ReadError, if set, will be returned by Read()
	ReadError error
}

// NewFakeReader creates a FakeReader with the given samples.
func NewFakeReader(samples ...bool) *FakeReader {
	return &FakeReader{Samples: samples}
}

// Read returns the next scripted sample.
// If samples are exhausted, returns the last sample repeatedly.
func (f *FakeReader) Read() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ReadError != nil {
		return false, f.ReadError
	}

	if len(f.Samples) == 0 {
		return false, errors.New("no samples configured")
	}

	sample := f.Samples[f.index]
	if f.index < len(f.Samples)-1 {
		f.index++
	}
	return sample, nil
}

// Close marks the reader as closed.
func (f *FakeReader) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// Reset resets the reader to the beginning of samples.
func (f *FakeReader) Reset() {
	f.mu.Lock()
	f.index = 0
	f.Closed = false
	f.mu.Unlock()
}
