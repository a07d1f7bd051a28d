// Package mock provides in-memory mock implementations of the
// [audio.InputDevice] and [audio.OutputDevice] interfaces for use in unit
// tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.InputDevice{}
//	speaker := &mock.OutputDevice{}
//	// ... start the pipeline with mic and speaker ...
//	mic.Push(samples)          // simulate a device callback
//	pcm := speaker.Pull(4800)  // simulate the device pulling 4800 samples
package mock

import (
	"io"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

// ─── InputDevice ──────────────────────────────────────────────────────────────

// InputDevice is a mock implementation of [audio.InputDevice].
// Set OpenError before use; drive samples with [InputDevice.Push].
type InputDevice struct {
	mu sync.Mutex

	// OpenError is returned by [InputDevice.Open] when non-nil.
	OpenError error

	// CloseError is returned by [InputDevice.Close].
	CloseError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// LastConfig is the config passed to the most recent successful Open.
	LastConfig audio.InputConfig

	deliver func([]float32)
}

// Open implements [audio.InputDevice].
func (d *InputDevice) Open(cfg audio.InputConfig, deliver func([]float32)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	if d.OpenError != nil {
		return d.OpenError
	}
	d.LastConfig = cfg
	d.deliver = deliver
	return nil
}

// Close implements [audio.InputDevice]. After Close, Push is a no-op.
func (d *InputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.deliver = nil
	return d.CloseError
}

// Push simulates one device callback carrying samples. It reports whether
// the device was open.
func (d *InputDevice) Push(samples []float32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deliver == nil {
		return false
	}
	d.deliver(samples)
	return true
}

// IsOpen reports whether the device is currently open.
func (d *InputDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deliver != nil
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// OutputDevice is a mock implementation of [audio.OutputDevice]. Nothing is
// pulled from the source until the test calls [OutputDevice.Pull].
type OutputDevice struct {
	mu sync.Mutex

	// OpenError is returned by [OutputDevice.Open] when non-nil.
	OpenError error

	// ResetError is returned by [OutputDevice.Reset].
	ResetError error

	// OnReset, if set, runs inside [OutputDevice.Reset] before it returns.
	// It must not call back into the device.
	OnReset func()

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// CallCountReset records how many times Reset was called.
	CallCountReset int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// LastConfig is the config passed to the most recent successful Open.
	LastConfig audio.OutputConfig

	src io.Reader
}

// Open implements [audio.OutputDevice].
func (d *OutputDevice) Open(cfg audio.OutputConfig, src io.Reader) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	if d.OpenError != nil {
		return d.OpenError
	}
	d.LastConfig = cfg
	d.src = src
	return nil
}

// Reset implements [audio.OutputDevice].
func (d *OutputDevice) Reset() error {
	d.mu.Lock()
	d.CallCountReset++
	hook, err := d.OnReset, d.ResetError
	d.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

// Close implements [audio.OutputDevice].
func (d *OutputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.src = nil
	return nil
}

// Pull reads n samples from the source the way a real device would and
// returns them as little-endian PCM16. It returns nil when the device is
// not open.
func (d *OutputDevice) Pull(n int) []byte {
	d.mu.Lock()
	src := d.src
	d.mu.Unlock()
	if src == nil {
		return nil
	}
	buf := make([]byte, n*2)
	if _, err := io.ReadFull(src, buf); err != nil {
		return nil
	}
	return buf
}

// Counts returns the open, reset and close call counts.
func (d *OutputDevice) Counts() (open, reset, closed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountOpen, d.CallCountReset, d.CallCountClose
}

var (
	_ audio.InputDevice  = (*InputDevice)(nil)
	_ audio.OutputDevice = (*OutputDevice)(nil)
)
