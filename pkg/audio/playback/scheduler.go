// Package playback schedules decoded model audio onto an output device
// without gaps or overlaps.
//
// The [Scheduler] is the device's sample source: the device pulls PCM16 from
// it through [Scheduler.Read], and the number of samples pulled so far is
// the device clock. Every accepted buffer is placed at
//
//	start = max(now, cursor)
//
// after which the cursor advances by the buffer length. Buffers therefore
// play back to back, and a producer that fell behind snaps forward to the
// device clock instead of scheduling into the past. All times are counted in
// samples so adjacent buffers meet exactly.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// Entry describes where a buffer landed on the device timeline.
type Entry struct {
	// Start is the device sample index of the buffer's first sample.
	Start int64

	// Samples is the buffer length.
	Samples int
}

// End returns the sample index just past the buffer.
func (e Entry) End() int64 { return e.Start + int64(e.Samples) }

type queued struct {
	start   int64
	samples []float32
}

func (q *queued) end() int64 { return q.start + int64(len(q.samples)) }

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithSampleRate sets the output rate. Default 24000.
func WithSampleRate(rate int) Option {
	return func(s *Scheduler) {
		if rate > 0 {
			s.rate = rate
		}
	}
}

// WithBuffer sets the device-side buffer passed to [audio.OutputDevice.Open].
func WithBuffer(d time.Duration) Option {
	return func(s *Scheduler) { s.buffer = d }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithDecodeErrorHandler registers a function called for every buffer that
// fails to decode.
func WithDecodeErrorHandler(fn func(err error)) Option {
	return func(s *Scheduler) { s.onDecodeError = fn }
}

// Scheduler owns one output device. It is safe for concurrent use.
type Scheduler struct {
	dev           audio.OutputDevice
	rate          int
	buffer        time.Duration
	log           *slog.Logger
	onDecodeError func(error)

	// gate keeps Enqueue out while Interrupt resets the device, so a new
	// buffer cannot be pulled into the device and then dropped with the
	// old audio. Read never takes it.
	gate sync.Mutex

	mu      sync.Mutex
	pos     int64 // samples pulled by the device
	cursor  int64 // next free start position
	queue   []*queued
	open    bool
	scratch []float32
}

// New creates a Scheduler for dev. The device is not acquired until Start.
func New(dev audio.OutputDevice, opts ...Option) *Scheduler {
	s := &Scheduler{
		dev:  dev,
		rate: audio.OutputSampleRate,
		log:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start acquires the output device. Failure wraps [audio.ErrDeviceUnavailable].
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.open {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	cfg := audio.OutputConfig{SampleRate: s.rate, Channels: 1, Buffer: s.buffer}
	if err := s.dev.Open(cfg, s); err != nil {
		if errors.Is(err, audio.ErrDeviceUnavailable) {
			return fmt.Errorf("playback: open output device: %w", err)
		}
		return fmt.Errorf("playback: open output device: %w: %w", audio.ErrDeviceUnavailable, err)
	}

	s.mu.Lock()
	s.open = true
	s.mu.Unlock()
	return nil
}

// Enqueue schedules samples right after everything already scheduled. The
// scheduler takes ownership of the slice. Empty buffers are ignored.
func (s *Scheduler) Enqueue(samples []float32) Entry {
	if len(samples) == 0 {
		return Entry{}
	}
	s.gate.Lock()
	defer s.gate.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule(samples)
}

// EnqueuePCM decodes little-endian PCM16 at the scheduler's rate and
// schedules it. A buffer that fails to decode is logged and skipped; the
// returned error is informational.
func (s *Scheduler) EnqueuePCM(pcm []byte) (Entry, error) {
	samples, err := audio.DecodePCM16(pcm)
	if err != nil {
		s.log.Warn("playback: skipping undecodable buffer", "bytes", len(pcm), "err", err)
		if s.onDecodeError != nil {
			s.onDecodeError(err)
		}
		return Entry{}, fmt.Errorf("playback: decode: %w", err)
	}
	return s.Enqueue(samples), nil
}

// schedule is the only place the cursor moves forward. s.mu must be held.
func (s *Scheduler) schedule(samples []float32) Entry {
	start := max(s.pos, s.cursor)
	s.queue = append(s.queue, &queued{start: start, samples: samples})
	s.cursor = start + int64(len(samples))
	return Entry{Start: start, Samples: len(samples)}
}

// Interrupt discards every queued and playing buffer, pulls the cursor back
// to the current device time and resets the device so audio it already
// buffered is dropped too. The device stays acquired for the next turn.
// Enqueue blocks until the reset has finished.
func (s *Scheduler) Interrupt() {
	s.gate.Lock()
	defer s.gate.Unlock()

	s.mu.Lock()
	dropped := s.pendingLocked()
	s.queue = nil
	s.cursor = s.pos
	open := s.open
	s.mu.Unlock()

	if !open {
		return
	}
	if err := s.dev.Reset(); err != nil {
		s.log.Warn("playback: device reset after interrupt failed", "err", err)
	}
	s.log.Debug("playback interrupted", "dropped_samples", dropped)
}

// Close flushes all audio and releases the device. Close is idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	s.queue = nil
	s.cursor = s.pos
	open := s.open
	s.open = false
	s.mu.Unlock()

	if !open {
		return nil
	}
	if err := s.dev.Close(); err != nil {
		return fmt.Errorf("playback: close output device: %w", err)
	}
	return nil
}

// Read implements [io.Reader] for the output device. It never blocks:
// samples not covered by a scheduled buffer render as silence.
func (s *Scheduler) Read(p []byte) (int, error) {
	n := len(p) / 2
	if n == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cap(s.scratch) < n {
		s.scratch = make([]float32, n)
	}
	out := s.scratch[:n]
	for i := range out {
		t := s.pos + int64(i)
		for len(s.queue) > 0 && t >= s.queue[0].end() {
			s.queue[0] = nil
			s.queue = s.queue[1:]
		}
		out[i] = 0
		if len(s.queue) > 0 && t >= s.queue[0].start {
			q := s.queue[0]
			out[i] = q.samples[t-q.start]
		}
	}
	audio.PutPCM16(p, out)
	s.pos += int64(n)
	return n * 2, nil
}

// Now returns the device clock in samples.
func (s *Scheduler) Now() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Cursor returns the next free start position in samples.
func (s *Scheduler) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Pending returns the number of scheduled samples not yet pulled.
func (s *Scheduler) Pending() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked()
}

func (s *Scheduler) pendingLocked() int64 {
	return max(0, s.cursor-s.pos)
}

// Duration converts a sample count at the scheduler's rate to time.
func (s *Scheduler) Duration(samples int64) time.Duration {
	return time.Duration(samples) * time.Second / time.Duration(s.rate)
}
