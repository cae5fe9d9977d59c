package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/voxlink/pkg/audio"
)

func TestFloatToPCM16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"zero", 0, 0},
		{"half", 0.5, 16384},
		{"negative half", -0.5, -16384},
		{"full scale positive clamps", 1.0, 32767},
		{"full scale negative", -1.0, -32768},
		{"over range", 1.7, 32767},
		{"under range", -3, -32768},
		{"nan", float32(math.NaN()), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := audio.FloatToPCM16([]float32{tt.in})
			if got[0] != tt.want {
				t.Errorf("FloatToPCM16(%v) = %d, want %d", tt.in, got[0], tt.want)
			}
		})
	}
}

func TestAppendFloatPCM16_Appends(t *testing.T) {
	t.Parallel()

	dst := []int16{7}
	dst = audio.AppendFloatPCM16(dst, []float32{0.25, -0.25})
	want := []int16{7, 8192, -8192}
	if len(dst) != len(want) {
		t.Fatalf("length: got %d, want %d", len(dst), len(want))
	}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, dst[i], want[i])
		}
	}
}

func TestPCM16ToFloat(t *testing.T) {
	t.Parallel()

	got := audio.PCM16ToFloat([]int16{-32768, 0, 16384})
	want := []float32{-1, 0, 0.5}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDownmixStereo(t *testing.T) {
	t.Parallel()

	got := audio.DownmixStereo([]int16{100, 200, -100, -200, 32767, 32767, 5})
	want := []int16{150, -150, 32767}
	if len(got) != len(want) {
		t.Fatalf("length: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampleMono(t *testing.T) {
	t.Parallel()

	t.Run("same rate is identity", func(t *testing.T) {
		t.Parallel()
		in := []int16{1, 2, 3}
		out := audio.ResampleMono(in, 24000, 24000)
		if len(out) != 3 || out[2] != 3 {
			t.Errorf("got %v, want %v", out, in)
		}
	})

	t.Run("upsample length", func(t *testing.T) {
		t.Parallel()
		in := make([]int16, 160)
		out := audio.ResampleMono(in, 16000, 24000)
		if len(out) != 240 {
			t.Errorf("length: got %d, want 240", len(out))
		}
	})

	t.Run("downsample interpolates", func(t *testing.T) {
		t.Parallel()
		in := []int16{0, 100, 200, 300}
		out := audio.ResampleMono(in, 48000, 24000)
		want := []int16{0, 200}
		if len(out) != len(want) {
			t.Fatalf("length: got %d, want %d", len(out), len(want))
		}
		for i := range want {
			if out[i] != want[i] {
				t.Errorf("sample %d: got %d, want %d", i, out[i], want[i])
			}
		}
	})
}

func TestDurations(t *testing.T) {
	t.Parallel()

	f := audio.Frame{Samples: make([]int16, 4096), SampleRate: 16000, Channels: 1}
	if got := f.Duration(); got.Milliseconds() != 256 {
		t.Errorf("Frame.Duration = %v, want 256ms", got)
	}
	if got := audio.SamplesDuration(12000, 24000, 1); got.Seconds() != 0.5 {
		t.Errorf("SamplesDuration = %v, want 500ms", got)
	}
	if got := audio.DurationSamples(f.Duration(), 16000); got != 4096 {
		t.Errorf("DurationSamples = %d, want 4096", got)
	}
}
