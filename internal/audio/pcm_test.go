package audio

import (
	"math"
	"slices"
	"testing"
)

func TestPCM16RoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, math.MaxInt16, math.MinInt16, 1234}
	data := EncodePCM16(samples)
	if len(data) != len(samples)*2 {
		t.Fatalf("encoded %d bytes, want %d", len(data), len(samples)*2)
	}
	if data[2] != 0x01 || data[3] != 0x00 {
		t.Errorf("sample 1 bytes = % x, want little-endian 01 00", data[2:4])
	}
	if got := DecodePCM16(data); !slices.Equal(got, samples) {
		t.Errorf("DecodePCM16 = %v, want %v", got, samples)
	}
}

func TestDecodePCM16_OddTrailingByte(t *testing.T) {
	got := DecodePCM16([]byte{0x10, 0x00, 0xff})
	if !slices.Equal(got, []int16{16}) {
		t.Errorf("got %v", got)
	}
}

func TestFloatToInt16(t *testing.T) {
	tests := []struct {
		in   float32
		want int16
	}{
		{0, 0},
		{1, math.MaxInt16},
		{-1, -math.MaxInt16},
		{0.5, 16384},
		{2, math.MaxInt16},
		{-2, math.MinInt16},
	}
	for _, tt := range tests {
		got := FloatToInt16([]float32{tt.in})[0]
		if got != tt.want {
			t.Errorf("FloatToInt16(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestInt16ToFloat(t *testing.T) {
	got := Int16ToFloat([]int16{math.MaxInt16, 0})
	if got[0] != 1 || got[1] != 0 {
		t.Errorf("got %v", got)
	}
}

func TestResampler_ChunkedStream(t *testing.T) {
	tests := []struct {
		name     string
		from, to int
		chunk    int
		total    int
		wantLen  int
	}{
		{"48k to 16k in 1000-sample chunks", 48000, 16000, 1000, 48000, 16000},
		{"44.1k to 16k in 441-sample chunks", 44100, 16000, 441, 44100, 16000},
		{"8k to 16k in 160-sample chunks", 8000, 16000, 160, 8000, 15998},
		{"same rate", 16000, 16000, 1280, 16000, 16000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResampler(tt.from, tt.to)
			got := 0
			for sent := 0; sent < tt.total; sent += tt.chunk {
				got += len(r.Process(make([]int16, tt.chunk)))
			}
			if got < tt.wantLen-1 || got > tt.wantLen {
				t.Errorf("output = %d samples, want %d", got, tt.wantLen)
			}
		})
	}
}

func TestResampler_ContinuousAcrossChunks(t *testing.T) {
	ramp := make([]int16, 3000)
	for i := range ramp {
		ramp[i] = int16(i)
	}

	whole := NewResampler(48000, 16000).Process(ramp)

	r := NewResampler(48000, 16000)
	var chunked []int16
	for i := 0; i < len(ramp); i += 7 {
		end := min(i+7, len(ramp))
		chunked = append(chunked, r.Process(ramp[i:end])...)
	}

	if len(chunked) != len(whole) {
		t.Fatalf("chunked len = %d, whole len = %d", len(chunked), len(whole))
	}
	for i := range whole {
		if chunked[i] != whole[i] {
			t.Fatalf("sample %d = %d, want %d", i, chunked[i], whole[i])
		}
		if want := int16(3 * i); whole[i] != want {
			t.Fatalf("whole[%d] = %d, want %d", i, whole[i], want)
		}
	}
}

func TestRMS(t *testing.T) {
	if RMS(nil) != 0 {
		t.Error("RMS(nil) != 0")
	}
	if got := RMS([]int16{math.MaxInt16, -math.MaxInt16}); math.Abs(got-1) > 1e-9 {
		t.Errorf("full scale RMS = %v", got)
	}
}
