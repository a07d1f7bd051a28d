// Package audio defines the sample types, PCM codec and device abstractions
// shared by the capture and playback halves of the voice pipeline.
//
// The two device abstractions are:
//
//   - [InputDevice]: a microphone that pushes float32 samples from its own
//     realtime thread.
//   - [OutputDevice]: a speaker that pulls PCM16 bytes from an [io.Reader].
//
// Concrete backends live in audio/device (malgo and oto) and test doubles in
// audio/mock.
package audio

import (
	"errors"
	"io"
	"time"
)

// ErrDeviceUnavailable is wrapped by device backends when the device cannot
// be acquired (missing hardware, permission denied, busy).
var ErrDeviceUnavailable = errors.New("audio device unavailable")

// InputConfig describes the requested capture stream.
type InputConfig struct {
	SampleRate int
	Channels   int

	// Processing the platform should apply before samples are delivered.
	// Backends that cannot honour a flag log it and continue.
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// OutputConfig describes the playback stream.
type OutputConfig struct {
	SampleRate int
	Channels   int

	// Buffer is the amount of audio the device may hold ahead of the
	// speaker. Zero selects the backend default.
	Buffer time.Duration
}

// InputDevice is a microphone.
//
// Open acquires the device and starts delivering samples. deliver is invoked
// on the device's realtime thread with mono samples in [-1, 1]; it must
// return quickly and must not retain the slice. Close stops delivery and
// releases the device; once Close returns, deliver is not called again.
type InputDevice interface {
	Open(cfg InputConfig, deliver func(samples []float32)) error
	Close() error
}

// OutputDevice is a speaker.
//
// Open acquires the device and starts pulling little-endian PCM16 from src.
// Reset drops whatever the device has already pulled but not yet played and
// resumes pulling from src. Close releases the device.
type OutputDevice interface {
	Open(cfg OutputConfig, src io.Reader) error
	Reset() error
	Close() error
}
