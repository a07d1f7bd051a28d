// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session keeps its own hysteresis state
// so that multiple audio streams can be processed independently.
//
// ProcessFrame is synchronous and returns immediately; it runs on the
// capture path, where it gates barge-in.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz of the frames passed to
	// ProcessFrame.
	SampleRate int

	// Threshold is the RMS level on normalized amplitude above which a frame
	// counts as speech. Typical: 0.01.
	Threshold float64

	// DebounceFrames is the number of consecutive speech frames required
	// before the session reports speech start.
	DebounceFrames int

	// HangoverFrames is the number of consecutive silent frames required
	// before an active speech segment is reported ended.
	HangoverFrames int

	// VolumeScale multiplies RMS into the display volume, which is then
	// clamped to 1.
	VolumeScale float64
}

// Default hysteresis parameters.
const (
	DefaultThreshold      = 0.01
	DefaultDebounceFrames = 2
	DefaultHangoverFrames = 20
	DefaultVolumeScale    = 5.0
)

// WithDefaults returns c with zero fields replaced by the package defaults.
func (c Config) WithDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.DebounceFrames <= 0 {
		c.DebounceFrames = DefaultDebounceFrames
	}
	if c.HangoverFrames <= 0 {
		c.HangoverFrames = DefaultHangoverFrames
	}
	if c.VolumeScale <= 0 {
		c.VolumeScale = DefaultVolumeScale
	}
	return c
}

// SessionHandle represents an active VAD session for a single audio stream. It is
// an interface so that test code can supply mock implementations without a live
// engine. Reset clears the detection state without closing the session.
type SessionHandle interface {
	// ProcessFrame analyses one frame of mono samples in [-1, 1] and returns
	// the detection result. It must not block. Returns an error after Close.
	ProcessFrame(samples []float32) (VADEvent, error)

	// Reset clears all accumulated detection state.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
