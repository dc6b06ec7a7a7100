package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lisuiheng/audiolink-go/observe"
)

const (
	defaultEmptyReadDelay = time.Millisecond
	frameLogInterval      = 50
	emptyReadLogInterval  = 500
)

// Config describes the capture format requested from the device.
type Config struct {
	SampleRate         int
	FallbackSampleRate int
	Channels           int
	FrameDuration      int // milliseconds
	EmptyReadDelay     time.Duration
}

// Format returns the primary StreamFormat for c.
func (c Config) Format() StreamFormat {
	return StreamFormat{
		SampleRate:    c.SampleRate,
		Channels:      c.Channels,
		BitsPerSample: DefaultBitsPerSample,
		FrameMs:       c.FrameDuration,
	}
}

// Recorder is the capture loop: it pulls reads from a CaptureDevice, frames
// them with a FrameAccumulator and hands every frame to emit.
type Recorder struct {
	config  Config
	device  CaptureDevice
	logger  *slog.Logger
	metrics *observe.Metrics

	mu     sync.Mutex
	format StreamFormat
	acc    *FrameAccumulator
	onOpen func(StreamFormat)
}

func NewRecorder(cfg Config, device CaptureDevice, logger *slog.Logger, metrics *observe.Metrics) (*Recorder, error) {
	if device == nil {
		return nil, errors.New("capture device cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Format().Validate(); err != nil {
		return nil, fmt.Errorf("invalid capture config: %w", err)
	}
	if cfg.EmptyReadDelay <= 0 {
		cfg.EmptyReadDelay = defaultEmptyReadDelay
	}

	return &Recorder{
		config:  cfg,
		device:  device,
		logger:  logger.With("component", "recorder"),
		metrics: metrics,
	}, nil
}

// Record runs until ctx is cancelled or the device fails. A device that
// cannot be opened is returned as an error and nothing is emitted. On
// cancellation the trailing partial frame is emitted before returning.
func (r *Recorder) Record(ctx context.Context, emit func(frame []byte)) error {
	session, format, err := r.open()
	if err != nil {
		return err
	}
	r.mu.Lock()
	onOpen := r.onOpen
	r.mu.Unlock()
	if onOpen != nil {
		onOpen(format)
	}
	defer func() {
		if err := session.Close(); err != nil {
			r.logger.Warn("Failed to close capture session", "error", err)
		}
	}()

	frameBytes := format.FrameBytes()
	// Reading a quarter frame at a time keeps the cursor moving smoothly.
	readBuf := make([]byte, max(frameBytes/4, format.BytesPerFrame()))

	var (
		emitted   int64
		lastBatch = time.Now()
	)
	acc := NewFrameAccumulator(frameBytes, func(frame []byte) {
		emitted++
		r.metrics.RecordCaptureFrame(ctx)
		emit(frame)

		if emitted < 3 {
			r.logger.Debug("Frame emitted", "frame", emitted, "size", len(frame), "peak", PeakAmplitude(frame))
		}
		if emitted%frameLogInterval == 0 {
			now := time.Now()
			st := r.Stats()
			r.logger.Debug("Capture cadence",
				"frames", emitted,
				"interval_ms", float64(now.Sub(lastBatch).Milliseconds())/frameLogInterval,
				"peak", PeakAmplitude(frame),
				"empty_reads", st.EmptyReads,
				"reads", st.Reads)
			lastBatch = now
		}
	})

	r.mu.Lock()
	r.acc = acc
	r.mu.Unlock()

	r.logger.Info("Audio capture started",
		"format", format.String(),
		"frame_bytes", frameBytes,
		"read_buffer", len(readBuf))

	for {
		select {
		case <-ctx.Done():
			if acc.Flush() > 0 {
				r.logger.Debug("Flushed trailing partial frame")
			}
			r.logger.Info("Audio capture stopped", "frames", acc.Stats().Frames)
			return nil
		default:
		}

		n, err := session.Read(readBuf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				acc.Flush()
				r.logger.Info("Capture device reached end of stream")
				return nil
			}
			return fmt.Errorf("capture read failed: %w", err)
		}

		if n == 0 {
			acc.Write(nil)
			r.metrics.RecordEmptyRead(ctx)
			if st := acc.Stats(); st.EmptyReads%emptyReadLogInterval == 0 {
				r.logger.Warn("Capture device returning empty reads",
					"empty_reads", st.EmptyReads,
					"reads", st.Reads)
			}
			select {
			case <-ctx.Done():
			case <-time.After(r.config.EmptyReadDelay):
			}
			continue
		}

		acc.Write(readBuf[:n])
	}
}

func (r *Recorder) open() (CaptureSession, StreamFormat, error) {
	format := r.config.Format()

	session, err := r.device.Open(format)
	if errors.Is(err, ErrUnsupportedFormat) && r.config.FallbackSampleRate > 0 &&
		r.config.FallbackSampleRate != format.SampleRate {
		r.logger.Warn("Sample rate not supported, falling back",
			"rate", format.SampleRate,
			"fallback", r.config.FallbackSampleRate)
		format = format.WithSampleRate(r.config.FallbackSampleRate)
		session, err = r.device.Open(format)
	}
	if err != nil {
		return nil, format, fmt.Errorf("failed to open capture device: %w", err)
	}

	r.mu.Lock()
	r.format = format
	r.mu.Unlock()
	return session, format, nil
}

// OnOpen registers fn to run with the negotiated format once the device is
// open and before the first read.
func (r *Recorder) OnOpen(fn func(StreamFormat)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onOpen = fn
}

// Format returns the negotiated format, zero before the first Record call.
func (r *Recorder) Format() StreamFormat {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.format
}

// Stats returns the accumulator snapshot of the current or last session.
func (r *Recorder) Stats() AccumulatorStats {
	r.mu.Lock()
	acc := r.acc
	r.mu.Unlock()
	if acc == nil {
		return AccumulatorStats{}
	}
	return acc.Stats()
}
