package audio

import "time"

// Pipeline sample rates. Input is what the capture side sends upstream,
// output is what the remote model speaks back.
const (
	InputSampleRate  = 16000
	OutputSampleRate = 24000

	// DefaultFrameSize is the number of samples per captured frame.
	DefaultFrameSize = 4096
)

// Frame is a fixed-length block of mono float32 samples in [-1, 1].
// A Frame is owned by whoever received it last; producers never touch
// Samples after handing the frame off.
type Frame struct {
	Samples []float32

	// SampleRate in Hz.
	SampleRate int

	// Seq numbers frames in capture order, starting at zero.
	Seq uint64

	// Timestamp is the offset of the first sample from capture start.
	Timestamp time.Duration
}

// Duration returns the playing time of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Chunk is mono PCM16 little-endian audio together with its format, as it
// travels over the wire in either direction.
type Chunk struct {
	Data   []byte
	Format Format

	// Turn is the number of turn signals the producing session had
	// delivered when the chunk was emitted. Zero for audio outside a
	// session.
	Turn uint64
}
