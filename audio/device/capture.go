// Package device binds the capture and sink contracts of package audio to
// real hardware: miniaudio (malgo) for capture and PortAudio for playback.
package device

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/lisuiheng/audiolink-go/audio"
)

const (
	defaultReadTimeout  = 20 * time.Millisecond
	captureQueuePeriods = 64
)

// MalgoCapture opens capture sessions on the default input device.
type MalgoCapture struct {
	logger      *slog.Logger
	readTimeout time.Duration
}

var _ audio.CaptureDevice = (*MalgoCapture)(nil)

func NewMalgoCapture(logger *slog.Logger) *MalgoCapture {
	return &MalgoCapture{
		logger:      logger.With("component", "malgo"),
		readTimeout: defaultReadTimeout,
	}
}

// Open initialises and starts a capture device for format. Device init
// failures are reported as audio.ErrUnsupportedFormat so the recorder can
// retry with its fallback rate.
func (m *MalgoCapture) Open(format audio.StreamFormat) (audio.CaptureSession, error) {
	ctxMalgo, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		m.logger.Debug("malgo", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(format.Channels)
	deviceConfig.SampleRate = uint32(format.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(format.SampleRate * format.FrameMs / 1000)

	s := &malgoSession{
		data:        make(chan []byte, captureQueuePeriods),
		done:        make(chan struct{}),
		readTimeout: m.readTimeout,
		logger:      m.logger,
	}

	device, err := malgo.InitDevice(ctxMalgo.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: s.onData,
	})
	if err != nil {
		_ = ctxMalgo.Uninit()
		ctxMalgo.Free()
		return nil, fmt.Errorf("%w: %s: %v", audio.ErrUnsupportedFormat, format, err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctxMalgo.Uninit()
		ctxMalgo.Free()
		return nil, fmt.Errorf("failed to start audio device: %w", err)
	}

	s.ctx = ctxMalgo
	s.device = device
	m.logger.Info("Capture device started", "format", format.String())
	return s, nil
}

type malgoSession struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	data        chan []byte
	pending     []byte
	done        chan struct{}
	closeOnce   sync.Once
	readTimeout time.Duration
	overruns    atomic.Int64
	logger      *slog.Logger
}

// onData runs on the audio thread; it must never block.
func (s *malgoSession) onData(_, pcm []byte, _ uint32) {
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	select {
	case s.data <- buf:
	default:
		if n := s.overruns.Add(1); n%100 == 1 {
			s.logger.Warn("Capture queue full, dropping period", "overruns", n)
		}
	}
}

// Read copies pending capture data into p. It waits at most readTimeout and
// returns 0 bytes when nothing arrived, mirroring a device read under load.
func (s *malgoSession) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		timer := time.NewTimer(s.readTimeout)
		defer timer.Stop()
		select {
		case <-s.done:
			return 0, io.EOF
		case buf := <-s.data:
			s.pending = buf
		case <-timer.C:
			return 0, nil
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *malgoSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.device.Stop(); err != nil {
			s.logger.Warn("Failed to stop capture device", "error", err)
		}
		s.device.Uninit()
		_ = s.ctx.Uninit()
		s.ctx.Free()
	})
	return nil
}
