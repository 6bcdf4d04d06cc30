// Package gpio provides GPIO input reading with hardware abstraction.
// The real implementation uses Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// Reader reads the "report now" button.
type Reader interface {
	// Read returns whether the button is pressed. The line is active-low
	// (button to ground, internal pull-up); the returned value is logical.
	Read() (bool, error)

	// Close releases GPIO resources.
	Close() error
}

// Default line (BCM numbering).
const (
	DefaultChip = "gpiochip0"
	DefaultPin  = 17
)
