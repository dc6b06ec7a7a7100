package chunk

import (
	"strings"

	"github.com/lisuiheng/audiolink-go/audio"
)

const (
	DefaultTolerance    = 0.10
	DefaultCeiling      = 4000
	DefaultInspectCount = 100

	signalThreshold  = 100
	silentThreshold  = 10
	silencePeakLimit = 50
)

// DefaultSizes are the 10 ms and 20 ms chunk sizes at 48 kHz stereo PCM16.
var DefaultSizes = []int{1920, 3840}

// Flag is an advisory observation about a chunk.
type Flag uint8

const (
	SizeMismatch Flag = 1 << iota
	Oversized
	LikelySilence
)

// Has reports whether every bit of f is set in fl.
func (fl Flag) Has(f Flag) bool { return fl&f == f }

func (fl Flag) String() string {
	if fl == 0 {
		return "none"
	}
	var names []string
	if fl.Has(SizeMismatch) {
		names = append(names, "size_mismatch")
	}
	if fl.Has(Oversized) {
		names = append(names, "oversized")
	}
	if fl.Has(LikelySilence) {
		names = append(names, "likely_silence")
	}
	return strings.Join(names, "|")
}

// Each returns the individual flags set in fl.
func (fl Flag) Each() []Flag {
	var out []Flag
	for _, f := range []Flag{SizeMismatch, Oversized, LikelySilence} {
		if fl.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

// Report describes one validated chunk.
type Report struct {
	Size          int
	Flags         Flag
	Peak          int
	SilentSamples int
	Inspected     int
	HasSignal     bool
}

// Validator inspects chunks without modifying or filtering them. The zero
// value uses the defaults.
type Validator struct {
	Sizes     []int
	Tolerance float64
	Ceiling   int
	Inspect   int
}

// NewValidator returns a Validator for chunks of the given canonical sizes.
func NewValidator(sizes ...int) *Validator {
	if len(sizes) == 0 {
		sizes = DefaultSizes
	}
	return &Validator{
		Sizes:     sizes,
		Tolerance: DefaultTolerance,
		Ceiling:   DefaultCeiling,
		Inspect:   DefaultInspectCount,
	}
}

// CanonicalSizes returns the 10 ms and 20 ms chunk sizes for format.
func CanonicalSizes(format audio.StreamFormat) []int {
	f := format
	f.FrameMs = 10
	short := f.FrameBytes()
	f.FrameMs = 20
	return []int{short, f.FrameBytes()}
}

// Validate returns buf unchanged, together with a report.
func (v *Validator) Validate(buf []byte) ([]byte, Report) {
	sizes, tol, ceiling, inspect := DefaultSizes, DefaultTolerance, DefaultCeiling, DefaultInspectCount
	if v != nil {
		if len(v.Sizes) > 0 {
			sizes = v.Sizes
		}
		if v.Tolerance > 0 {
			tol = v.Tolerance
		}
		if v.Ceiling > 0 {
			ceiling = v.Ceiling
		}
		if v.Inspect > 0 {
			inspect = v.Inspect
		}
	}

	r := Report{Size: len(buf)}

	if !withinTolerance(len(buf), sizes, tol) {
		r.Flags |= SizeMismatch
		if len(buf) > ceiling {
			r.Flags |= Oversized
		}
	}

	r.Inspected = min(inspect, len(buf)/2)
	for i := 0; i < r.Inspected; i++ {
		s := int(audio.SampleAt(buf, i))
		if s < 0 {
			s = -s
		}
		if s > signalThreshold {
			r.HasSignal = true
		}
		if s < silentThreshold {
			r.SilentSamples++
		}
		r.Peak = max(r.Peak, s)
	}
	if !r.HasSignal && r.Peak < silencePeakLimit {
		r.Flags |= LikelySilence
	}

	return buf, r
}

func withinTolerance(n int, sizes []int, tol float64) bool {
	for _, want := range sizes {
		if float64(n) >= float64(want)*(1-tol) && float64(n) <= float64(want)*(1+tol) {
			return true
		}
	}
	return false
}
