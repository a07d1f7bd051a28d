package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math"
)

// ErrOddLength is returned by [DecodePCM16] when the input is not a whole
// number of 16-bit samples.
var ErrOddLength = errors.New("audio: odd PCM16 byte count")

// EncodePCM16 converts float samples to little-endian signed 16-bit PCM.
// Samples are clamped to [-1, 1]; the negative half scales by 32768 and the
// positive half by 32767 so +1.0 never overflows.
func EncodePCM16(samples []float32) []byte {
	if len(samples) == 0 {
		return nil
	}
	out := make([]byte, len(samples)*2)
	PutPCM16(out, samples)
	return out
}

// PutPCM16 encodes samples into dst, which must hold at least
// 2*len(samples) bytes. It is the allocation-free form of [EncodePCM16].
func PutPCM16(dst []byte, samples []float32) {
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(floatToInt16(s)))
	}
}

// DecodePCM16 converts little-endian signed 16-bit PCM back to float samples
// by dividing by 32768, so full-scale positive decodes to 32767/32768.
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm) == 0 {
		return nil, nil
	}
	if len(pcm)%2 != 0 {
		return nil, ErrOddLength
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = int16ToFloat(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out, nil
}

// ToTransportText wraps PCM bytes in standard base64 for a JSON payload.
func ToTransportText(pcm []byte) string {
	if len(pcm) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(pcm)
}

// FromTransportText reverses [ToTransportText].
func FromTransportText(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// RMS returns the root-mean-square amplitude of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func floatToInt16(s float32) int16 {
	v := float64(s)
	switch {
	case v != v: // NaN
		return 0
	case v >= 1:
		return math.MaxInt16
	case v <= -1:
		return math.MinInt16
	case v < 0:
		return int16(math.Round(v * 32768))
	default:
		return int16(math.Round(v * 32767))
	}
}

func int16ToFloat(v int16) float32 {
	return float32(float64(v) / 32768)
}
