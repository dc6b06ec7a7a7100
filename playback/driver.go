// Package playback drains the jitter queue into an audio sink.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lisuiheng/audiolink-go/audio"
	"github.com/lisuiheng/audiolink-go/jitter"
	"github.com/lisuiheng/audiolink-go/observe"
)

var (
	ErrAlreadyStarted = errors.New("playback driver already started")
	ErrStopped        = errors.New("playback driver stopped")
)

// State is the lifecycle phase of a Driver.
type State int32

const (
	StateCreated State = iota
	StatePreBuffering
	StateStreaming
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePreBuffering:
		return "prebuffering"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config tunes the driver loop.
type Config struct {
	Format           audio.StreamFormat
	PrebufferChunks  int // 0 means the default; negative disables the gate
	PrebufferPoll    time.Duration
	PrebufferTimeout time.Duration
	DequeueTimeout   time.Duration
	RetryBackoff     time.Duration
	StallThreshold   time.Duration
	ReportEvery      int
	Volume           float32
}

// DefaultConfig returns the settings used for 48 kHz stereo streams.
func DefaultConfig() Config {
	return Config{
		Format:           audio.DefaultFormat(),
		PrebufferChunks:  50,
		PrebufferPoll:    50 * time.Millisecond,
		PrebufferTimeout: 3 * time.Second,
		DequeueTimeout:   50 * time.Millisecond,
		RetryBackoff:     time.Millisecond,
		StallThreshold:   5 * time.Second,
		ReportEvery:      100,
		Volume:           1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Format == (audio.StreamFormat{}) {
		c.Format = d.Format
	}
	switch {
	case c.PrebufferChunks == 0:
		c.PrebufferChunks = d.PrebufferChunks
	case c.PrebufferChunks < 0:
		c.PrebufferChunks = 0
	}
	if c.PrebufferPoll <= 0 {
		c.PrebufferPoll = d.PrebufferPoll
	}
	if c.PrebufferTimeout <= 0 {
		c.PrebufferTimeout = d.PrebufferTimeout
	}
	if c.DequeueTimeout <= 0 {
		c.DequeueTimeout = d.DequeueTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = d.StallThreshold
	}
	if c.ReportEvery <= 0 {
		c.ReportEvery = d.ReportEvery
	}
	c.Volume = audio.ClampVolume(c.Volume)
	return c
}

// Snapshot is a read-only view of the driver counters.
type Snapshot struct {
	State           string        `json:"state"`
	Stalled         bool          `json:"stalled"`
	Connected       bool          `json:"connected"`
	Forwarded       int64         `json:"forwarded"`
	SinkRejections  int64         `json:"sink_rejections"`
	DequeueTimeouts int64         `json:"dequeue_timeouts"`
	ForwardRate     float64       `json:"forward_rate"` // chunks per second while streaming
	PrebufferWait   time.Duration `json:"prebuffer_wait"`
	BufferedFrames  int           `json:"buffered_frames"`
	Underruns       int           `json:"underruns"`
	Volume          float32       `json:"volume"`
	Queue           jitter.Stats  `json:"queue"`
}

// Driver moves chunks from a jitter.Queue to an audio.Sink at the pace the
// sink accepts them. A Driver runs once; create a new one per session.
type Driver struct {
	queue   *jitter.Queue
	opener  audio.SinkOpener
	config  Config
	logger  *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time

	mu         sync.Mutex
	sink       audio.Sink
	volume     float32
	cancel     context.CancelFunc
	done       chan struct{}
	started    bool
	streamAt   time.Time
	prebufWait time.Duration
	stopOnce   sync.Once

	state      atomic.Int32
	stalled    atomic.Bool
	connected  atomic.Bool
	forwarded  atomic.Int64
	rejections atomic.Int64
	timeouts   atomic.Int64
	lastChunk  atomic.Int64 // unix nanos of the last dequeue
}

func New(queue *jitter.Queue, opener audio.SinkOpener, cfg Config, logger *slog.Logger, metrics *observe.Metrics) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Driver{
		queue:   queue,
		opener:  opener,
		config:  cfg,
		logger:  logger.With("component", "playback"),
		metrics: metrics,
		now:     time.Now,
		volume:  cfg.Volume,
	}
}

// Start opens the sink and launches the loop. If the sink cannot be opened
// the error is returned and no loop runs.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case State(d.state.Load()) == StateStopped:
		return ErrStopped
	case d.started:
		return ErrAlreadyStarted
	}

	sink, err := d.opener.OpenSink(d.config.Format)
	if err != nil {
		d.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to open playback sink: %w", err)
	}
	sink.SetVolume(d.volume)

	loopCtx, cancel := context.WithCancel(ctx)
	d.sink = sink
	d.cancel = cancel
	d.done = make(chan struct{})
	d.started = true
	d.state.Store(int32(StatePreBuffering))

	go d.run(loopCtx, sink, d.done)

	d.logger.Info("Playback started",
		"format", d.config.Format.String(),
		"prebuffer_chunks", d.config.PrebufferChunks,
		"queue_capacity", d.queue.Cap())
	return nil
}

func (d *Driver) run(ctx context.Context, sink audio.Sink, done chan struct{}) {
	defer close(done)

	if !d.prebuffer(ctx) {
		return
	}

	var pending []byte
	for {
		if ctx.Err() != nil {
			return
		}

		if pending == nil {
			b, err := d.queue.Dequeue(ctx, d.config.DequeueTimeout)
			switch {
			case err == nil:
				pending = b
				d.lastChunk.Store(d.now().UnixNano())
				d.clearStall(ctx)
			case errors.Is(err, jitter.ErrTimeout):
				d.timeouts.Add(1)
				d.checkStall(ctx, sink)
				continue
			default:
				return
			}
		}

		if !sink.Write(pending) {
			d.rejections.Add(1)
			d.metrics.RecordSinkRejection(ctx)
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.config.RetryBackoff):
			}
			continue
		}
		pending = nil
		d.forwarded.Add(1)
		d.metrics.RecordForwarded(ctx)
		d.metrics.RecordQueueDepth(ctx, d.queue.Len())

		if n := d.forwarded.Load(); n%int64(d.config.ReportEvery) == 0 {
			d.logger.Debug("Playback progress",
				"forwarded", n,
				"rate", d.Snapshot().ForwardRate,
				"queue", d.queue.Len(),
				"sink_buffered", sink.BufferedFrames(),
				"underruns", sink.UnderrunCount())
		}
	}
}

// prebuffer waits for the queue to fill before streaming. It reports false
// when the driver is stopping.
func (d *Driver) prebuffer(ctx context.Context) bool {
	start := d.now()
	n, err := d.queue.WaitFor(ctx, d.config.PrebufferChunks, d.config.PrebufferPoll, d.config.PrebufferTimeout)
	if err != nil {
		return false
	}
	wait := d.now().Sub(start)
	d.metrics.RecordPrebuffer(ctx, wait.Seconds())

	if target := min(d.config.PrebufferChunks, d.queue.Cap()); n < target {
		d.logger.Warn("Pre-buffer timed out, starting with what arrived",
			"buffered", n,
			"target", target,
			"waited", wait)
	} else {
		d.logger.Info("Pre-buffer filled", "buffered", n, "waited", wait)
	}

	d.mu.Lock()
	d.prebufWait = wait
	d.streamAt = d.now()
	d.mu.Unlock()
	return d.state.CompareAndSwap(int32(StatePreBuffering), int32(StateStreaming))
}

func (d *Driver) checkStall(ctx context.Context, sink audio.Sink) {
	last := d.lastChunk.Load()
	if !d.connected.Load() || last == 0 || d.stalled.Load() {
		return
	}
	since := d.now().Sub(time.Unix(0, last))
	if since <= d.config.StallThreshold {
		return
	}
	d.stalled.Store(true)
	d.metrics.RecordStalled(ctx, true)
	d.logger.Warn("Playback stalled, no chunks arriving",
		"since_last", since,
		"forwarded", d.forwarded.Load(),
		"queue", d.queue.Len(),
		"sink_buffered", sink.BufferedFrames(),
		"underruns", sink.UnderrunCount())
}

func (d *Driver) clearStall(ctx context.Context) {
	if d.stalled.CompareAndSwap(true, false) {
		d.metrics.RecordStalled(ctx, false)
		d.logger.Info("Playback resumed")
	}
}

// Stop cancels the loop, waits for it, closes and drains the queue and closes
// the sink. Safe to call more than once and from any goroutine.
func (d *Driver) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		cancel, done, sink := d.cancel, d.done, d.sink
		d.state.Store(int32(StateStopped))
		d.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}

		d.queue.Close()
		dropped := d.queue.Drain()

		if sink != nil {
			if err := sink.Close(); err != nil {
				d.logger.Warn("Failed to close playback sink", "error", err)
			}
		}
		d.stalled.Store(false)

		d.logger.Info("Playback stopped",
			"forwarded", d.forwarded.Load(),
			"sink_rejections", d.rejections.Load(),
			"dropped", dropped)
	})
}

// Done is closed when the loop exits. It is nil before Start.
func (d *Driver) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// SetConnected tells the driver whether the transport is up. Stall detection
// only runs while connected.
func (d *Driver) SetConnected(connected bool) {
	d.connected.Store(connected)
	if !connected {
		d.stalled.Store(false)
	}
}

// SetVolume clamps v to [0, 1] and applies it to the sink when one is open.
// The value is kept for a sink opened later.
func (d *Driver) SetVolume(v float32) bool {
	v = audio.ClampVolume(v)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.volume = v
	if d.sink != nil && State(d.state.Load()) != StateStopped {
		return d.sink.SetVolume(v)
	}
	return true
}

func (d *Driver) State() State { return State(d.state.Load()) }

func (d *Driver) Stalled() bool { return d.stalled.Load() }

func (d *Driver) Snapshot() Snapshot {
	d.mu.Lock()
	sink, volume, streamAt, wait := d.sink, d.volume, d.streamAt, d.prebufWait
	d.mu.Unlock()

	s := Snapshot{
		State:           d.State().String(),
		Stalled:         d.stalled.Load(),
		Connected:       d.connected.Load(),
		Forwarded:       d.forwarded.Load(),
		SinkRejections:  d.rejections.Load(),
		DequeueTimeouts: d.timeouts.Load(),
		PrebufferWait:   wait,
		Volume:          volume,
		Queue:           d.queue.Stats(),
	}
	if !streamAt.IsZero() {
		if elapsed := d.now().Sub(streamAt).Seconds(); elapsed > 0 {
			s.ForwardRate = float64(s.Forwarded) / elapsed
		}
	}
	if sink != nil {
		s.BufferedFrames = sink.BufferedFrames()
		s.Underruns = sink.UnderrunCount()
	}
	return s
}
