package audio

import (
	"errors"
	"fmt"
)

const (
	DefaultSampleRate    = 48000
	FallbackSampleRate   = 44100
	DefaultChannels      = 2
	DefaultBitsPerSample = 16
	DefaultFrameMs       = 20
)

// ErrUnsupportedFormat is returned by a CaptureDevice that cannot open the
// requested format. The recorder treats it as a cue to try the fallback rate.
var ErrUnsupportedFormat = errors.New("unsupported stream format")

// StreamFormat is negotiated once at capture start and never changes for the
// lifetime of the session.
type StreamFormat struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	FrameMs       int
}

// DefaultFormat returns 48 kHz stereo PCM16 in 20 ms frames.
func DefaultFormat() StreamFormat {
	return StreamFormat{
		SampleRate:    DefaultSampleRate,
		Channels:      DefaultChannels,
		BitsPerSample: DefaultBitsPerSample,
		FrameMs:       DefaultFrameMs,
	}
}

// FrameBytes is the byte length of one frame: rate * ms/1000 * channels * 2.
func (f StreamFormat) FrameBytes() int {
	return f.SampleRate * f.FrameMs / 1000 * f.Channels * f.BitsPerSample / 8
}

// BytesPerFrame is the byte width of a single interleaved sample frame.
func (f StreamFormat) BytesPerFrame() int {
	return f.Channels * f.BitsPerSample / 8
}

// WithSampleRate returns a copy of f using rate.
func (f StreamFormat) WithSampleRate(rate int) StreamFormat {
	f.SampleRate = rate
	return f
}

func (f StreamFormat) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("invalid channel count: %d", f.Channels)
	}
	if f.BitsPerSample != 16 {
		return fmt.Errorf("unsupported bits per sample: %d (only PCM16)", f.BitsPerSample)
	}
	if f.FrameMs <= 0 {
		return fmt.Errorf("invalid frame duration: %dms", f.FrameMs)
	}
	if f.FrameBytes() <= 0 {
		return fmt.Errorf("invalid frame size: %d", f.FrameBytes())
	}
	return nil
}

func (f StreamFormat) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit/%dms", f.SampleRate, f.Channels, f.BitsPerSample, f.FrameMs)
}
