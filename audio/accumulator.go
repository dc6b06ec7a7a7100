package audio

import "sync"

// AccumulatorStats is a read-only snapshot of a FrameAccumulator's counters.
type AccumulatorStats struct {
	Reads      int64 `json:"reads"`
	EmptyReads int64 `json:"empty_reads"`
	Frames     int64 `json:"frames"`
	Bytes      int64 `json:"bytes"`
	Pending    int   `json:"pending"`
	FrameBytes int   `json:"frame_bytes"`
}

// EmptyReadRatio is the share of reads that delivered no bytes.
func (s AccumulatorStats) EmptyReadRatio() float64 {
	if s.Reads == 0 {
		return 0
	}
	return float64(s.EmptyReads) / float64(s.Reads)
}

// FrameAccumulator turns reads of arbitrary length into frames of exactly
// frameBytes. emit receives a fresh copy it may keep.
//
// Write and Flush must be called from a single goroutine; Stats may be called
// from any.
type FrameAccumulator struct {
	frameBytes int
	buf        []byte
	pos        int
	emit       func([]byte)

	mu    sync.Mutex
	stats AccumulatorStats
}

// NewFrameAccumulator panics if frameBytes is not positive.
func NewFrameAccumulator(frameBytes int, emit func([]byte)) *FrameAccumulator {
	if frameBytes <= 0 {
		panic("audio: frame size must be positive")
	}
	return &FrameAccumulator{
		frameBytes: frameBytes,
		buf:        make([]byte, frameBytes),
		emit:       emit,
		stats:      AccumulatorStats{FrameBytes: frameBytes},
	}
}

// FrameBytes returns the fixed frame length.
func (a *FrameAccumulator) FrameBytes() int { return a.frameBytes }

// Write copies p into the accumulation buffer and emits every frame it
// completes. A single read may finish one frame and start the next.
func (a *FrameAccumulator) Write(p []byte) int {
	a.mu.Lock()
	a.stats.Reads++
	if len(p) == 0 {
		a.stats.EmptyReads++
	}
	a.stats.Bytes += int64(len(p))
	a.mu.Unlock()

	emitted := 0
	for off := 0; off < len(p); {
		n := copy(a.buf[a.pos:], p[off:])
		a.pos += n
		off += n
		if a.pos == a.frameBytes {
			a.send(a.pos)
			emitted++
		}
	}

	a.mu.Lock()
	a.stats.Pending = a.pos
	a.mu.Unlock()
	return emitted
}

// Flush emits the partially filled buffer, truncated to what was written, as
// a final short frame. It returns 1 if a frame was emitted.
func (a *FrameAccumulator) Flush() int {
	if a.pos == 0 {
		return 0
	}
	a.send(a.pos)
	a.mu.Lock()
	a.stats.Pending = 0
	a.mu.Unlock()
	return 1
}

func (a *FrameAccumulator) send(n int) {
	frame := make([]byte, n)
	copy(frame, a.buf[:n])
	a.pos = 0

	a.mu.Lock()
	a.stats.Frames++
	a.mu.Unlock()

	if a.emit != nil {
		a.emit(frame)
	}
}

// Stats returns a snapshot of the counters.
func (a *FrameAccumulator) Stats() AccumulatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
