// Package capture turns an [audio.InputDevice] into a stream of fixed-size,
// VAD-annotated PCM16 frames.
//
// The device callback only slices incoming samples into frames and hands
// them to a bounded queue; it never blocks. A dedicated goroutine drains the
// queue, runs voice activity detection, reports the display volume, encodes
// the frame and hands the bytes to the chunk callback. When the queue is full
// the newest frame is dropped rather than stalling the device.
//
// Typical usage:
//
//	eng := capture.New(capture.Config{}, vadSession, capture.Callbacks{
//	    Chunk:    func(pcm []byte, f audio.Frame) { sess.SendAudio(ctx, pcm) },
//	    Volume:   meter.Set,
//	    Activity: func(ev vad.VADEvent) { ... },
//	})
//	if err := eng.Start(mic); err != nil { ... }
//	defer eng.Stop()
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// ErrRunning is returned by Start when the engine is already capturing.
var ErrRunning = errors.New("capture: engine already running")

const defaultQueueDepth = 8

// Config controls the captured stream.
type Config struct {
	// SampleRate requested from the device. Default 16000.
	SampleRate int

	// FrameSize is the number of samples per emitted frame. Default 4096.
	FrameSize int

	// QueueDepth bounds the number of frames waiting for processing.
	// Default 8.
	QueueDepth int

	// Device-level processing requested from the input device.
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool

	// VolumeScale is used for the display volume when no VAD session is
	// attached. Default [vad.DefaultVolumeScale].
	VolumeScale float64
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.InputSampleRate
	}
	if c.FrameSize <= 0 {
		c.FrameSize = audio.DefaultFrameSize
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.VolumeScale <= 0 {
		c.VolumeScale = vad.DefaultVolumeScale
	}
	return c
}

// Callbacks receive the processed stream. All of them run on the engine's
// processing goroutine, in frame order. Any of them may be nil. They must
// not call [Engine.Stop].
type Callbacks struct {
	// Chunk receives the PCM16 encoding of each frame.
	Chunk func(pcm []byte, frame audio.Frame)

	// Volume receives the display volume of every frame.
	Volume func(level float64)

	// Activity receives VAD speaking-state transitions only.
	Activity func(ev vad.VADEvent)
}

// Option configures an [Engine].
type Option func(*Engine)

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithDropHandler registers a function called (from the device thread) each
// time a frame is dropped because the queue is full.
func WithDropHandler(fn func()) Option {
	return func(e *Engine) { e.onDrop = fn }
}

// Engine owns one input device at a time.
type Engine struct {
	cfg      Config
	detector vad.SessionHandle
	cb       Callbacks
	log      *slog.Logger
	onDrop   func()

	mu  sync.Mutex
	cur *run

	dropped atomic.Uint64
}

// run is the state of a single Start/Stop cycle.
type run struct {
	device  audio.InputDevice
	frames  chan audio.Frame
	done    chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup

	// framer state, touched only from the device thread
	pending     []float32
	seq         uint64
	warnedDrops bool
}

// New creates an Engine. detector may be nil, in which case no Activity
// events are produced.
func New(cfg Config, detector vad.SessionHandle, cb Callbacks, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg.withDefaults(),
		detector: detector,
		cb:       cb,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start acquires device and begins capturing. A device that cannot be
// opened yields an error wrapping [audio.ErrDeviceUnavailable]; the engine
// stays stopped and may be started again.
func (e *Engine) Start(device audio.InputDevice) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur != nil {
		return ErrRunning
	}

	r := &run{
		device:  device,
		frames:  make(chan audio.Frame, e.cfg.QueueDepth),
		done:    make(chan struct{}),
		pending: make([]float32, 0, e.cfg.FrameSize*2),
	}

	inCfg := audio.InputConfig{
		SampleRate:       e.cfg.SampleRate,
		Channels:         1,
		EchoCancellation: e.cfg.EchoCancellation,
		NoiseSuppression: e.cfg.NoiseSuppression,
		AutoGainControl:  e.cfg.AutoGainControl,
	}
	if err := device.Open(inCfg, func(s []float32) { e.deliver(r, s) }); err != nil {
		if errors.Is(err, audio.ErrDeviceUnavailable) {
			return fmt.Errorf("capture: open input device: %w", err)
		}
		return fmt.Errorf("capture: open input device: %w: %w", audio.ErrDeviceUnavailable, err)
	}

	if e.detector != nil {
		e.detector.Reset()
	}

	r.wg.Add(1)
	go e.process(r)
	e.cur = r

	e.log.Debug("capture started",
		"sample_rate", e.cfg.SampleRate,
		"frame_size", e.cfg.FrameSize,
		"queue_depth", e.cfg.QueueDepth,
	)
	return nil
}

// Stop releases the device and waits for the processing goroutine to exit.
// No callback runs after Stop returns. Stop on a stopped engine is a no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	r := e.cur
	e.cur = nil
	e.mu.Unlock()
	if r == nil {
		return nil
	}

	r.stopped.Store(true)
	err := r.device.Close()
	close(r.done)
	r.wg.Wait()

	e.log.Debug("capture stopped", "frames", r.seq, "dropped", e.dropped.Load())
	if err != nil {
		return fmt.Errorf("capture: close input device: %w", err)
	}
	return nil
}

// Running reports whether the engine is capturing.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur != nil
}

// Dropped returns the number of frames dropped since the engine was created.
func (e *Engine) Dropped() uint64 {
	return e.dropped.Load()
}

// deliver runs on the device thread.
func (e *Engine) deliver(r *run, samples []float32) {
	if r.stopped.Load() {
		return
	}
	r.pending = append(r.pending, samples...)
	for len(r.pending) >= e.cfg.FrameSize {
		f := audio.Frame{
			Samples:    make([]float32, e.cfg.FrameSize),
			SampleRate: e.cfg.SampleRate,
			Seq:        r.seq,
			Timestamp:  time.Duration(r.seq) * time.Duration(e.cfg.FrameSize) * time.Second / time.Duration(e.cfg.SampleRate),
		}
		copy(f.Samples, r.pending)
		r.pending = append(r.pending[:0], r.pending[e.cfg.FrameSize:]...)
		r.seq++

		select {
		case r.frames <- f:
		default:
			e.dropped.Add(1)
			if e.onDrop != nil {
				e.onDrop()
			}
			if !r.warnedDrops {
				r.warnedDrops = true
				e.log.Warn("capture: processing queue full, dropping frames", "seq", f.Seq)
			}
		}
	}
}

func (e *Engine) process(r *run) {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case f := <-r.frames:
			if r.stopped.Load() {
				return
			}
			e.handle(f)
		}
	}
}

func (e *Engine) handle(f audio.Frame) {
	volume := math.Min(1, audio.RMS(f.Samples)*e.cfg.VolumeScale)
	if e.detector != nil {
		ev, err := e.detector.ProcessFrame(f.Samples)
		if err != nil {
			e.log.Debug("capture: vad failed", "seq", f.Seq, "err", err)
		} else {
			volume = ev.Volume
			if ev.Type.IsTransition() && e.cb.Activity != nil {
				e.cb.Activity(ev)
			}
		}
	}
	if e.cb.Volume != nil {
		e.cb.Volume(volume)
	}
	if e.cb.Chunk != nil {
		e.cb.Chunk(audio.EncodePCM16(f.Samples), f)
	}
}
