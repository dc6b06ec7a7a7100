package audio

import (
	"encoding/binary"
	"testing"
)

func TestStreamFormat_FrameBytes(t *testing.T) {
	tests := []struct {
		name   string
		format StreamFormat
		want   int
	}{
		{"48k stereo 20ms", DefaultFormat(), 3840},
		{"48k stereo 10ms", StreamFormat{48000, 2, 16, 10}, 1920},
		{"44.1k stereo 20ms", DefaultFormat().WithSampleRate(FallbackSampleRate), 3528},
		{"16k mono 20ms", StreamFormat{16000, 1, 16, 20}, 640},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.format.FrameBytes(); got != tc.want {
				t.Errorf("FrameBytes() = %d, want %d", got, tc.want)
			}
			if err := tc.format.Validate(); err != nil {
				t.Errorf("Validate() = %v", err)
			}
		})
	}
}

func TestStreamFormat_Validate(t *testing.T) {
	bad := []StreamFormat{
		{0, 2, 16, 20},
		{48000, 0, 16, 20},
		{48000, 2, 24, 20},
		{48000, 2, 16, 0},
	}
	for _, f := range bad {
		if err := f.Validate(); err == nil {
			t.Errorf("Validate(%v) = nil, want error", f)
		}
	}
}

func TestPeakAmplitude(t *testing.T) {
	b := make([]byte, 8)
	for i, s := range []int16{10, -3000, 2999, 0} {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	if got := PeakAmplitude(b); got != 3000 {
		t.Errorf("PeakAmplitude = %d, want 3000", got)
	}
	if got := SampleAt(b, 1); got != -3000 {
		t.Errorf("SampleAt(1) = %d, want -3000", got)
	}
	if got := PeakAmplitude([]byte{0x01}); got != 0 {
		t.Errorf("odd single byte peak = %d, want 0", got)
	}
}

func TestClampVolume(t *testing.T) {
	for in, want := range map[float32]float32{-1: 0, 0: 0, 0.5: 0.5, 1: 1, 3: 1} {
		if got := ClampVolume(in); got != want {
			t.Errorf("ClampVolume(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestController_RoleExclusion(t *testing.T) {
	c := NewController()

	if !c.StartSending() {
		t.Fatal("StartSending failed on idle controller")
	}
	if c.StartReceiving() {
		t.Fatal("StartReceiving succeeded while sending")
	}
	if c.Role() != RoleSender || !c.IsSending() || c.IsReceiving() {
		t.Fatalf("unexpected state: role=%q", c.Role())
	}
	if !c.StartSending() {
		t.Error("re-claiming the same role should succeed")
	}

	c.StopReceiving() // not held, no effect
	if !c.IsSending() {
		t.Fatal("StopReceiving released the sender role")
	}

	c.StopSending()
	if !c.StartReceiving() {
		t.Fatal("StartReceiving failed after StopSending")
	}
	if c.Role() != RoleListener {
		t.Errorf("role = %q, want listener", c.Role())
	}
}
