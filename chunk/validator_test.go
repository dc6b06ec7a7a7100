package chunk

import (
	"encoding/binary"
	"slices"
	"testing"

	"github.com/lisuiheng/audiolink-go/audio"
)

func pcmOf(n int, sample int16) []byte {
	b := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		binary.LittleEndian.PutUint16(b[i:], uint16(sample))
	}
	return b
}

func TestValidator_Flags(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		want Flag
	}{
		{"canonical 20ms with signal", pcmOf(3840, 1000), 0},
		{"canonical 10ms with signal", pcmOf(1920, -1000), 0},
		{"within tolerance", pcmOf(3600, 500), 0},
		{"odd size under ceiling", pcmOf(3000, 500), SizeMismatch},
		{"oversized", pcmOf(8000, 500), SizeMismatch | Oversized},
		{"silent canonical", pcmOf(3840, 3), LikelySilence},
		{"quiet but not silent", pcmOf(3840, 60), 0},
		{"tiny and silent", pcmOf(10, 0), SizeMismatch | LikelySilence},
	}

	v := NewValidator()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, r := v.Validate(tc.buf)
			if r.Flags != tc.want {
				t.Errorf("flags = %v, want %v", r.Flags, tc.want)
			}
		})
	}
}

func TestValidator_ReportsSampleStats(t *testing.T) {
	buf := pcmOf(3840, 5)
	quiet := int16(-40)
	binary.LittleEndian.PutUint16(buf[20:], uint16(quiet))
	// Beyond the inspected window; must not affect the report.
	binary.LittleEndian.PutUint16(buf[1000:], uint16(int16(30000)))

	_, r := NewValidator().Validate(buf)
	if r.Inspected != 100 {
		t.Errorf("inspected = %d, want 100", r.Inspected)
	}
	if r.Peak != 40 {
		t.Errorf("peak = %d, want 40", r.Peak)
	}
	if r.SilentSamples != 99 {
		t.Errorf("silent = %d, want 99", r.SilentSamples)
	}
	if r.HasSignal {
		t.Error("HasSignal set for quiet chunk")
	}
	if !r.Flags.Has(LikelySilence) {
		t.Error("expected LikelySilence")
	}
}

func TestValidator_NonDestructive(t *testing.T) {
	buf := pcmOf(8000, 0)
	orig := slices.Clone(buf)

	out, _ := NewValidator().Validate(buf)
	if &out[0] != &buf[0] || len(out) != len(buf) {
		t.Fatal("Validate returned a different slice")
	}
	if !slices.Equal(buf, orig) {
		t.Fatal("Validate modified the buffer")
	}

	var zero *Validator
	if out, _ := zero.Validate(buf); len(out) != len(buf) {
		t.Fatal("nil validator altered the buffer")
	}
}

func TestCanonicalSizes(t *testing.T) {
	if got := CanonicalSizes(audio.DefaultFormat()); !slices.Equal(got, DefaultSizes) {
		t.Errorf("48k sizes = %v, want %v", got, DefaultSizes)
	}
	got := CanonicalSizes(audio.DefaultFormat().WithSampleRate(audio.FallbackSampleRate))
	if !slices.Equal(got, []int{1764, 3528}) {
		t.Errorf("44.1k sizes = %v", got)
	}
}

func TestFlag_String(t *testing.T) {
	if s := (SizeMismatch | Oversized).String(); s != "size_mismatch|oversized" {
		t.Errorf("String() = %q", s)
	}
	if s := Flag(0).String(); s != "none" {
		t.Errorf("String() = %q", s)
	}
	if n := len((SizeMismatch | LikelySilence).Each()); n != 2 {
		t.Errorf("Each() returned %d flags", n)
	}
}
