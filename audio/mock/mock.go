// Package mock provides in-memory implementations of the capture and sink
// contracts in package audio for tests.
//
// All mocks are safe for concurrent use. Set the exported fields before use
// and inspect the recorded calls afterwards.
package mock

import (
	"io"
	"sync"

	"github.com/lisuiheng/audiolink-go/audio"
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// CaptureDevice hands out a Capture session scripted with Reads.
type CaptureDevice struct {
	mu sync.Mutex

	// Reads are returned in order by the session; an empty entry is a
	// zero-length read. After the script ends Read returns io.EOF, or blocks
	// returning 0 bytes if Endless is set.
	Reads [][]byte

	// Endless keeps the session returning zero-length reads after the script.
	Endless bool

	// OpenErrors are returned by successive Open calls until exhausted.
	OpenErrors []error

	// ReadError, when set, is returned after the script instead of io.EOF.
	ReadError error

	// Opened records every format passed to Open.
	Opened []audio.StreamFormat

	sessions []*Capture
}

var _ audio.CaptureDevice = (*CaptureDevice)(nil)

func (d *CaptureDevice) Open(format audio.StreamFormat) (audio.CaptureSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Opened = append(d.Opened, format)
	if len(d.OpenErrors) > 0 {
		err := d.OpenErrors[0]
		d.OpenErrors = d.OpenErrors[1:]
		if err != nil {
			return nil, err
		}
	}
	s := &Capture{reads: d.Reads, endless: d.Endless, readErr: d.ReadError}
	d.sessions = append(d.sessions, s)
	return s, nil
}

// Sessions returns the sessions opened so far.
func (d *CaptureDevice) Sessions() []*Capture {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Capture(nil), d.sessions...)
}

// Capture is a scripted audio.CaptureSession.
type Capture struct {
	mu      sync.Mutex
	reads   [][]byte
	pending []byte
	endless bool
	readErr error
	closed  bool

	CallCountRead  int
	CallCountClose int
}

func (c *Capture) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountRead++
	if c.closed {
		return 0, io.EOF
	}
	if len(c.pending) == 0 {
		if len(c.reads) == 0 {
			if c.endless {
				return 0, nil
			}
			if c.readErr != nil {
				return 0, c.readErr
			}
			return 0, io.EOF
		}
		c.pending = c.reads[0]
		c.reads = c.reads[1:]
		if len(c.pending) == 0 {
			return 0, nil
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.CallCountClose++
	return nil
}

// Closed reports whether Close was called.
func (c *Capture) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink records every accepted write.
type Sink struct {
	mu sync.Mutex

	// RejectNext makes the next N writes return false.
	RejectNext int

	// OnWrite, when set, is called with every accepted buffer.
	OnWrite func([]byte)

	Writes         [][]byte
	Rejected       int
	Volume         float32
	Underruns      int
	CallCountClose int
}

var _ audio.Sink = (*Sink)(nil)

func (s *Sink) Write(data []byte) bool {
	s.mu.Lock()
	if s.RejectNext > 0 {
		s.RejectNext--
		s.Rejected++
		s.mu.Unlock()
		return false
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.Writes = append(s.Writes, cp)
	fn := s.OnWrite
	s.mu.Unlock()
	if fn != nil {
		fn(cp)
	}
	return true
}

func (s *Sink) SetVolume(v float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Volume = audio.ClampVolume(v)
	return true
}

func (s *Sink) BufferedFrames() int { return 0 }

func (s *Sink) UnderrunCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Underruns
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return nil
}

// WriteCount returns the number of accepted writes.
func (s *Sink) WriteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Writes)
}

// Written returns a copy of the accepted writes.
func (s *Sink) Written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.Writes...)
}

// Closed reports whether Close was called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose > 0
}

// SinkOpener returns Result, or Err when set.
type SinkOpener struct {
	mu     sync.Mutex
	Result audio.Sink
	Err    error
	Opened []audio.StreamFormat
}

var _ audio.SinkOpener = (*SinkOpener)(nil)

func (o *SinkOpener) OpenSink(format audio.StreamFormat) (audio.Sink, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Opened = append(o.Opened, format)
	if o.Err != nil {
		return nil, o.Err
	}
	return o.Result, nil
}
