// Package audio converts between the sample formats that reach the
// wake-word gate: raw PCM16 little-endian bytes from the audio
// WebSocket, float32 frames from in-process pipelines, and the int16
// frames the detector consumes.
package audio

import (
	"encoding/binary"
	"math"
)

// SampleRate is the rate the wake-word models are trained on.
const SampleRate = 16000

// DecodePCM16 converts little-endian PCM16 bytes to samples. A trailing
// odd byte is ignored.
func DecodePCM16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// EncodePCM16 converts samples to little-endian PCM16 bytes.
func EncodePCM16(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// FloatToInt16 scales samples in [-1, 1] to int16. Out-of-range values
// are clipped.
func FloatToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, f := range samples {
		v := math.Round(float64(f) * math.MaxInt16)
		switch {
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		out[i] = int16(v)
	}
	return out
}

// Int16ToFloat scales int16 samples into [-1, 1].
func Int16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / math.MaxInt16
	}
	return out
}

// Resampler converts a chunked mono stream between rates by linear
// interpolation. It carries the read position and the previous chunk's
// last sample across calls, so chunk boundaries lose no samples. A
// Resampler belongs to one stream and is not safe for concurrent use.
type Resampler struct {
	step float64

	// pos is the next output position in input samples, relative to
	// the first sample of the next chunk. -1 addresses prev.
	pos    float64
	prev   int16
	primed bool
}

// NewResampler returns a Resampler from fromRate to toRate. Matching or
// invalid rates pass samples through unchanged.
func NewResampler(fromRate, toRate int) *Resampler {
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate {
		return &Resampler{}
	}
	return &Resampler{step: float64(fromRate) / float64(toRate)}
}

// Process resamples the next chunk. Output whose interpolation needs a
// sample not yet received is emitted on the following call.
func (r *Resampler) Process(samples []int16) []int16 {
	if r.step == 0 {
		return samples
	}
	if len(samples) == 0 {
		return []int16{}
	}
	if !r.primed {
		r.prev = samples[0]
		r.primed = true
	}

	at := func(i int) float64 {
		if i < 0 {
			return float64(r.prev)
		}
		return float64(samples[i])
	}

	n := float64(len(samples))
	out := make([]int16, 0, int(n/r.step)+1)
	for r.pos < n-1 {
		idx := int(math.Floor(r.pos))
		frac := r.pos - float64(idx)
		a, b := at(idx), at(idx+1)
		out = append(out, int16(a+frac*(b-a)))
		r.pos += r.step
	}
	r.pos -= n
	r.prev = samples[len(samples)-1]
	return out
}

// RMS returns the root mean square level of samples, normalized to
// [0, 1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / math.MaxInt16
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}
