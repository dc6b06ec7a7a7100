package device

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
	"github.com/lisuiheng/audiolink-go/audio"
)

const defaultSinkQueue = 50

// PortAudioOpener opens PortAudio output sinks.
type PortAudioOpener struct {
	Logger *slog.Logger
	// QueueChunks bounds the chunks the sink holds ahead of the callback.
	QueueChunks int
}

var _ audio.SinkOpener = (*PortAudioOpener)(nil)

func (o *PortAudioOpener) OpenSink(format audio.StreamFormat) (audio.Sink, error) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queue := o.QueueChunks
	if queue <= 0 {
		queue = defaultSinkQueue
	}
	return NewPCMPlayer(format, queue, logger)
}

// PCMPlayer is a PortAudio-backed audio.Sink. Writes queue interleaved PCM16
// chunks; the stream callback drains them, applies volume and fills silence
// on underrun.
type PCMPlayer struct {
	format audio.StreamFormat
	buffer chan []int16
	done   chan struct{}
	logger *slog.Logger
	stream *portaudio.Stream

	// Touched only by the callback goroutine.
	current []int16

	volume    atomic.Uint32 // math.Float32bits
	buffered  atomic.Int64  // samples queued, not yet played
	underruns atomic.Int64
	misalign  sync.Once
	closeOnce sync.Once
}

var _ audio.Sink = (*PCMPlayer)(nil)

func NewPCMPlayer(format audio.StreamFormat, queueChunks int, logger *slog.Logger) (*PCMPlayer, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	player := &PCMPlayer{
		format: format,
		buffer: make(chan []int16, queueChunks),
		done:   make(chan struct{}),
		logger: logger.With("component", "portaudio"),
	}
	player.volume.Store(math.Float32bits(1))

	framesPerBuffer := format.SampleRate * format.FrameMs / 1000
	stream, err := portaudio.OpenDefaultStream(
		0,
		format.Channels,
		float64(format.SampleRate),
		framesPerBuffer,
		player.audioCallback,
	)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to open audio stream: %w", err)
	}
	player.stream = stream

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to start audio stream: %w", err)
	}

	player.logger.Info("Playback stream started", "format", format.String(), "queue", queueChunks)
	return player, nil
}

// audioCallback fills out with interleaved samples.
func (p *PCMPlayer) audioCallback(out []int16) {
	filled := 0
	for filled < len(out) {
		if len(p.current) == 0 {
			select {
			case data := <-p.buffer:
				p.current = data
			default:
			}
		}
		if len(p.current) == 0 {
			clear(out[filled:])
			p.underruns.Add(1)
			break
		}
		n := copy(out[filled:], p.current)
		p.current = p.current[n:]
		p.buffered.Add(int64(-n))
		filled += n
	}

	vol := math.Float32frombits(p.volume.Load())
	switch {
	case vol >= 0.99:
	case vol <= 0.01:
		clear(out)
	default:
		for i, s := range out {
			out[i] = int16(float32(s) * vol)
		}
	}
}

// Write queues data without blocking. A trailing partial sample frame is
// trimmed. It returns false when the queue is full or the player closed.
func (p *PCMPlayer) Write(data []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}

	align := p.format.BytesPerFrame()
	if rem := len(data) % align; rem != 0 {
		p.misalign.Do(func() {
			p.logger.Warn("Chunk not aligned to sample frames, trimming",
				"bytes", len(data),
				"align", align)
		})
		data = data[:len(data)-rem]
	}
	if len(data) == 0 {
		return true
	}

	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}

	select {
	case p.buffer <- pcm:
		p.buffered.Add(int64(len(pcm)))
		return true
	default:
		return false
	}
}

func (p *PCMPlayer) SetVolume(volume float32) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	p.volume.Store(math.Float32bits(audio.ClampVolume(volume)))
	return true
}

func (p *PCMPlayer) BufferedFrames() int {
	return int(p.buffered.Load()) / p.format.Channels
}

func (p *PCMPlayer) UnderrunCount() int {
	return int(p.underruns.Load())
}

func (p *PCMPlayer) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)

		if p.stream != nil {
			if err := p.stream.Stop(); err != nil {
				p.logger.Error("failed to stop audio stream", "error", err)
			}
			if err := p.stream.Close(); err != nil {
				p.logger.Error("failed to close audio stream", "error", err)
			}
		}

		portaudio.Terminate()
	})
	return nil
}
