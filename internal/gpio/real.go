//go:build linux

package gpio

import (
	"errors"
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealReader reads the button from actual hardware using Linux GPIO character device.
type RealReader struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

// NewRealReader requests pin on the named chip as an active-low input with
// pull-up, so an open button reads released.
func NewRealReader(chipName string, pin int) (*RealReader, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chipName, err)
	}

	line, err := chip.RequestLine(pin,
		gpiocdev.AsInput,
		gpiocdev.AsActiveLow,
		gpiocdev.WithPullUp,
		gpiocdev.WithConsumer("geo-beacon"))
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request button pin %d: %w", pin, err)
	}

	return &RealReader{chip: chip, line: line}, nil
}

// Read returns whether the button is pressed.
func (r *RealReader) Read() (bool, error) {
	v, err := r.line.Value()
	if err != nil {
		return false, fmt.Errorf("read button pin: %w", err)
	}
	// Active-low is applied by the kernel: 1 = line pulled to ground.
	return v == 1, nil
}

// Close releases GPIO resources.
// Reconfigures the pin to input with pull-down (matching Pi boot defaults)
// before closing to leave a clean state for shutdown/reboot.
func (r *RealReader) Close() error {
	var errs []error

	if r.line != nil {
		if err := r.line.Reconfigure(gpiocdev.AsInput, gpiocdev.AsActiveHigh, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure button pin: %w", err))
		}
		if err := r.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close button pin: %w", err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	return errors.Join(errs...)
}
