// audio/interface.go
package audio

import "io"

// Controller guards the half-duplex role of a client: a device either sends
// captured audio or receives a stream, never both.
type Controller interface {
	StartSending() bool
	StopSending()
	StartReceiving() bool
	StopReceiving()
	IsSending() bool
	IsReceiving() bool
	Role() Role
}

// CaptureDevice opens capture sessions on an audio input.
type CaptureDevice interface {
	Open(format StreamFormat) (CaptureSession, error)
}

// CaptureSession delivers raw PCM reads. Read may return 0 bytes under load;
// that is not an error.
type CaptureSession interface {
	io.Reader
	Close() error
}

// Sink is the low-latency playback output. Write returns false when the sink
// is busy; the caller retries the same buffer later.
type Sink interface {
	Write(data []byte) bool
	SetVolume(volume float32) bool
	BufferedFrames() int
	UnderrunCount() int
	Close() error
}

// SinkOpener creates a Sink for a format.
type SinkOpener interface {
	OpenSink(format StreamFormat) (Sink, error)
}

// SinkOpenerFunc adapts a function to SinkOpener.
type SinkOpenerFunc func(format StreamFormat) (Sink, error)

func (f SinkOpenerFunc) OpenSink(format StreamFormat) (Sink, error) { return f(format) }
