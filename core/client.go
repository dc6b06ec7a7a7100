package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/lisuiheng/audiolink-go/audio"
	"github.com/lisuiheng/audiolink-go/chunk"
	"github.com/lisuiheng/audiolink-go/jitter"
	"github.com/lisuiheng/audiolink-go/observe"
	"github.com/lisuiheng/audiolink-go/pkg/interfaces"
	"github.com/lisuiheng/audiolink-go/playback"
	"github.com/lisuiheng/audiolink-go/protocols/websocket"
	"github.com/lisuiheng/audiolink-go/utils"
)

const (
	chunkLogInterval = 100
	dropLogInterval  = 100
	emitLogInterval  = 50
	detailLogChunks  = 5
)

// DeviceState is the client's connection and activity state.
type DeviceState string

const (
	DeviceStateUnknown      DeviceState = "unknown"
	DeviceStateConnecting   DeviceState = "connecting"
	DeviceStateIdle         DeviceState = "idle"
	DeviceStateSending      DeviceState = "sending"
	DeviceStateListening    DeviceState = "listening"
	DeviceStateDisconnected DeviceState = "disconnected"
)

// TransportFactory creates a transport for one connection attempt.
type TransportFactory func(cfg Config, clientID, sessionID string, logger *slog.Logger) (interfaces.TransportProtocol, error)

// Dependencies are the external collaborators of a Client. Capture is only
// needed by senders, Sinks only by listeners.
type Dependencies struct {
	Capture   audio.CaptureDevice
	Sinks     audio.SinkOpener
	Transport TransportFactory
	Metrics   *observe.Metrics
}

// StreamInfo is sent with start-stream so listeners can match the format.
type StreamInfo struct {
	ClientID      string `json:"clientId"`
	SampleRate    int    `json:"sampleRate"`
	Channels      int    `json:"channels"`
	BitsPerSample int    `json:"bitsPerSample"`
	FrameMs       int    `json:"frameMs"`
	FrameBytes    int    `json:"frameBytes"`
}

// Status is a snapshot of the client.
type Status struct {
	Role           audio.Role              `json:"role"`
	State          DeviceState             `json:"state"`
	ClientID       string                  `json:"client_id"`
	SessionID      string                  `json:"session_id"`
	Connected      bool                    `json:"connected"`
	Stream         StreamStats             `json:"stream"`
	Sender         *StreamInfo             `json:"sender,omitempty"`
	Volume         float32                 `json:"volume"`
	ChunksReceived int64                   `json:"chunks_received"`
	DecodeErrors   int64                   `json:"decode_errors"`
	ChunksDropped  int64                   `json:"chunks_dropped"`
	FramesSent     int64                   `json:"frames_sent"`
	Capture        *audio.AccumulatorStats `json:"capture,omitempty"`
	Playback       *playback.Snapshot      `json:"playback,omitempty"`
}

type Client struct {
	config     Config
	deps       Dependencies
	logger     *slog.Logger
	metrics    *observe.Metrics
	role       audio.Role
	clientID   string
	audioCtrl  audio.Controller
	decoder    chunk.Decoder
	validator  *chunk.Validator
	state      DeviceState
	stateMutex sync.RWMutex

	mu        sync.Mutex
	transport interfaces.TransportProtocol
	sessionID string
	lost      chan struct{}
	stats     StreamStats
	sender    *StreamInfo
	volume    float32

	// sender session
	recorder   *audio.Recorder
	sendCancel context.CancelFunc
	sendDone   chan struct{}
	framesSent atomic.Int64
	emitErrors atomic.Int64

	// listener session
	queue  *jitter.Queue
	driver *playback.Driver

	active    atomic.Bool
	connected atomic.Bool
	received  atomic.Int64
	decodeErr atomic.Int64
	dropped   atomic.Int64

	closeChan chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient creates a client for the role in cfg.
func NewClient(cfg Config, deps Dependencies, log *slog.Logger) (*Client, error) {
	if log == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Transport == nil {
		deps.Transport = NewProtocol
	}

	clientID := cfg.System.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	role := audio.Role(cfg.System.Role)

	return &Client{
		config:    cfg,
		deps:      deps,
		logger:    log.With("component", "client", "role", string(role)),
		metrics:   deps.Metrics,
		role:      role,
		clientID:  clientID,
		audioCtrl: audio.NewController(),
		decoder:   chunk.Decoder{Prefix: cfg.Audio.PayloadPrefix},
		validator: chunk.NewValidator(cfg.ValidSizes()...),
		state:     DeviceStateUnknown,
		volume:    float32(cfg.Playback.Volume),
		closeChan: make(chan struct{}),
	}, nil
}

// NewProtocol creates the transport named by the config.
func NewProtocol(cfg Config, clientID, sessionID string, logger *slog.Logger) (interfaces.TransportProtocol, error) {
	switch cfg.System.Network.Transport {
	case "websocket":
		ws := cfg.System.Network.Websocket
		if ws == nil {
			return nil, errors.New("websocket config missing")
		}
		return websocket.NewWebSocketProtocol(websocket.Config{
			URL:              ws.URL,
			AccessToken:      ws.AccessToken,
			ClientID:         clientID,
			SessionID:        sessionID,
			Role:             cfg.System.Role,
			HandshakeTimeout: ws.HandshakeTimeout,
		}, logger)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, cfg.System.Network.Transport)
	}
}

// Connect opens a transport, announces the client and resumes the role
// activity that was running before a disconnect.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.closeChan:
		return ErrClosed
	default:
	}

	if c.currentTransport() != nil {
		return nil
	}

	c.setState(DeviceStateConnecting)
	sessionID := uuid.NewString()
	c.logger.Info("Connecting to server",
		"url", c.serverURL(),
		"transport", c.config.System.Network.Transport,
		"session", sessionID)

	transport, err := c.deps.Transport(c.config, c.clientID, sessionID, c.logger)
	if err != nil {
		c.setState(DeviceStateDisconnected)
		return fmt.Errorf("failed to create transport: %w", err)
	}
	if err := transport.Connect(ctx); err != nil {
		_ = transport.Close()
		c.setState(DeviceStateDisconnected)
		return fmt.Errorf("failed to connect to server: %w", err)
	}

	lost := make(chan struct{})
	c.mu.Lock()
	c.transport = transport
	c.sessionID = sessionID
	c.lost = lost
	c.mu.Unlock()
	c.connected.Store(true)

	c.wg.Add(1)
	go c.messageHandler(transport, lost)

	if c.role == audio.RoleListener {
		if err := transport.Emit(interfaces.EventJoinStream, map[string]string{"clientId": c.clientID}); err != nil {
			c.logger.Warn("Failed to join stream", "error", err)
		}
	}
	if err := transport.Emit(interfaces.EventRequestStats, nil); err != nil {
		c.logger.Warn("Failed to request stats", "error", err)
	}

	c.setState(DeviceStateIdle)
	c.logger.Info("Connected", "session", sessionID)

	if c.active.Load() {
		if err := c.startRole(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			c.logger.Error("Failed to resume after reconnect", "error", err)
		}
	}
	return nil
}

func (c *Client) serverURL() string {
	if ws := c.config.System.Network.Websocket; ws != nil {
		return ws.URL
	}
	return ""
}

// Run connects and keeps the client connected until ctx is cancelled or
// Close is called. Lost connections are retried with exponential backoff
// when reconnect is enabled.
func (c *Client) Run(ctx context.Context) error {
	c.logger.Info("Starting client main loop")
	defer c.logger.Info("Client main loop stopped")

	rc := c.config.System.Network.Reconnect
	backoff := utils.NewExponentialBackoffWith(rc.InitialDelay, rc.MaxDelay)

	if c.config.System.AutoStart {
		c.active.Store(true)
	}

	for {
		err := c.Connect(ctx)
		if err == nil {
			backoff.Reset()
			c.mu.Lock()
			lost := c.lost
			c.mu.Unlock()

			select {
			case <-ctx.Done():
				c.logger.Info("Context cancelled, stopping client")
				return nil
			case <-c.closeChan:
				c.logger.Info("Close signal received, stopping client")
				return nil
			case <-lost:
			}
		} else if errors.Is(err, ErrClosed) {
			return nil
		} else {
			c.logger.Error("Connection attempt failed", "error", err)
		}

		if !rc.Enabled {
			if err != nil {
				return err
			}
			return ErrConnectionLost
		}

		delay := backoff.NextDelay()
		c.logger.Info("Reconnecting", "delay", delay, "attempt", backoff.Attempts())
		select {
		case <-ctx.Done():
			return nil
		case <-c.closeChan:
			return nil
		case <-time.After(delay):
		}
	}
}

func (c *Client) messageHandler(transport interfaces.TransportProtocol, lost chan struct{}) {
	defer c.wg.Done()
	for ev := range transport.Receive() {
		c.handleEvent(ev)
	}

	select {
	case <-c.closeChan:
		return
	default:
	}
	c.handleDisconnect(transport)
	close(lost)
}

func (c *Client) handleEvent(ev interfaces.Event) {
	switch ev.Name {
	case interfaces.EventAudioChunk:
		c.handleAudioChunk(ev)
	case interfaces.EventStreamStats:
		c.handleStreamStats(ev.Data)
	case interfaces.EventStreamStarted:
		c.handleStreamStarted(ev.Data)
	case interfaces.EventStreamStopped:
		c.mu.Lock()
		c.sender = nil
		c.mu.Unlock()
		c.logger.Info("Stream stopped by sender", "data", string(ev.Data))
	case interfaces.EventError:
		c.logger.Warn("Server reported error", "data", string(ev.Data))
	default:
		c.logger.Debug("Ignoring event", "event", ev.Name, "type", ev.Type.String())
	}
}

// handleAudioChunk runs on the receive goroutine and never blocks: the chunk
// is decoded, inspected and offered to the jitter queue, or dropped.
func (c *Client) handleAudioChunk(ev interfaces.Event) {
	ctx := context.Background()

	c.mu.Lock()
	queue := c.queue
	c.mu.Unlock()
	if queue == nil {
		c.dropped.Add(1)
		c.metrics.RecordChunk(ctx, observe.StatusDropped)
		return
	}

	raw, err := chunk.FromEvent(ev)
	var pcm []byte
	if err == nil {
		pcm, err = c.decoder.Decode(raw)
	}
	if err != nil {
		n := c.decodeErr.Add(1)
		c.metrics.RecordDecodeError(ctx, decodeReason(err))
		c.metrics.RecordChunk(ctx, observe.StatusDropped)
		if n <= detailLogChunks || n%dropLogInterval == 0 {
			c.logger.Warn("Dropping undecodable chunk", "error", err, "decode_errors", n)
		}
		return
	}

	pcm, report := c.validator.Validate(pcm)
	for _, f := range report.Flags.Each() {
		c.metrics.RecordValidationFlag(ctx, f.String())
	}
	seq := c.received.Load()
	if report.Flags.Has(chunk.Oversized) {
		c.logger.Warn("Chunk size outside expected range",
			"size", report.Size,
			"expected", c.validator.Sizes)
	}
	if seq < detailLogChunks {
		c.logger.Debug("Chunk inspected",
			"seq", seq,
			"size", report.Size,
			"peak", report.Peak,
			"signal", report.HasSignal,
			"silent", report.SilentSamples,
			"inspected", report.Inspected,
			"flags", report.Flags.String())
	}

	switch err := queue.Enqueue(pcm); {
	case err == nil:
		n := c.received.Add(1)
		c.metrics.RecordChunk(ctx, observe.StatusAccepted)
		c.metrics.RecordQueueDepth(ctx, queue.Len())
		if n%chunkLogInterval == 0 {
			c.logger.Debug("Chunks received", "count", n, "queue", queue.Len())
		}
	case errors.Is(err, jitter.ErrFull):
		n := c.dropped.Add(1)
		c.metrics.RecordChunk(ctx, observe.StatusBackpressure)
		if n%dropLogInterval == 1 {
			c.logger.Warn("Jitter queue full, dropping chunk", "dropped", n, "capacity", queue.Cap())
		}
	default:
		c.dropped.Add(1)
		c.metrics.RecordChunk(ctx, observe.StatusDropped)
	}
}

func decodeReason(err error) string {
	switch {
	case errors.Is(err, chunk.ErrEmptyPayload):
		return "empty"
	case errors.Is(err, chunk.ErrInvalidBase64):
		return "base64"
	case errors.Is(err, chunk.ErrInvalidJSON):
		return "json"
	case errors.Is(err, chunk.ErrUnrecognizedEnvelope):
		return "envelope"
	case errors.Is(err, chunk.ErrUnsupportedShape):
		return "shape"
	case errors.Is(err, chunk.ErrTooDeep):
		return "depth"
	default:
		return "unknown"
	}
}

// handleStreamStarted records the sender's announced format. Playback runs at
// the configured format, so a sender on another rate or channel count is
// reported.
func (c *Client) handleStreamStarted(data []byte) {
	var info StreamInfo
	if err := sonic.Unmarshal(data, &info); err != nil || info.SampleRate == 0 {
		c.logger.Info("Stream started by sender", "data", string(data))
		return
	}

	c.mu.Lock()
	c.sender = &info
	c.mu.Unlock()

	want := c.config.Format()
	if info.SampleRate != want.SampleRate || info.Channels != want.Channels {
		c.logger.Warn("Sender format differs from playback format",
			"sender", info.ClientID,
			"sender_rate", info.SampleRate,
			"sender_channels", info.Channels,
			"playback_rate", want.SampleRate,
			"playback_channels", want.Channels)
		return
	}
	c.logger.Info("Stream started by sender",
		"sender", info.ClientID,
		"rate", info.SampleRate,
		"channels", info.Channels)
}

// FormatMismatch reports whether the announced sender format differs from the
// playback format.
func (c *Client) FormatMismatch() bool {
	c.mu.Lock()
	sender := c.sender
	c.mu.Unlock()
	if sender == nil {
		return false
	}
	want := c.config.Format()
	return sender.SampleRate != want.SampleRate || sender.Channels != want.Channels
}

func (c *Client) handleStreamStats(data []byte) {
	stats, ok := ParseStreamStats(data)
	if !ok {
		c.logger.Debug("Ignoring unparseable stream stats", "data", string(data))
		return
	}
	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
	c.metrics.RecordStreamStats(context.Background(), stats.Senders, stats.Listeners)
	c.logger.Info("Stream stats", "senders", stats.Senders, "listeners", stats.Listeners)
}

// handleDisconnect stops local activity after the transport dropped. The
// role intent is kept so Connect can resume it.
func (c *Client) handleDisconnect(transport interfaces.TransportProtocol) {
	c.logger.Warn("Connection lost")
	c.connected.Store(false)

	c.mu.Lock()
	if c.transport == transport {
		c.transport = nil
	}
	c.stats = StreamStats{}
	c.sender = nil
	driver := c.driver
	c.mu.Unlock()

	c.metrics.RecordStreamStats(context.Background(), 0, 0)
	if driver != nil {
		driver.SetConnected(false)
	}
	c.stopSending(false)
	c.stopListening()
	_ = transport.Close()
	c.setState(DeviceStateDisconnected)
}

// Start begins the activity of the configured role: capturing and sending
// for a sender, playback for a listener.
func (c *Client) Start(ctx context.Context) error {
	c.active.Store(true)
	return c.startRole(ctx)
}

// Stop ends the role activity and keeps the connection.
func (c *Client) Stop() {
	c.active.Store(false)
	if c.role == audio.RoleSender {
		c.stopSending(true)
	} else {
		c.stopListening()
	}
}

func (c *Client) startRole(ctx context.Context) error {
	if c.role == audio.RoleSender {
		return c.StartSending(ctx)
	}
	return c.StartListening(ctx)
}

// StartSending opens the capture device and streams frames to the server
// until StopSending, Close or a capture failure.
func (c *Client) StartSending(ctx context.Context) error {
	if c.deps.Capture == nil {
		return ErrNoCaptureDevice
	}
	transport := c.currentTransport()
	if transport == nil {
		return ErrNotConnected
	}
	if c.audioCtrl.IsSending() {
		return ErrAlreadyRunning
	}
	if !c.audioCtrl.StartSending() {
		return fmt.Errorf("%w: cannot send while %s", ErrRoleConflict, c.audioCtrl.Role())
	}

	recorder, err := audio.NewRecorder(c.config.RecorderConfig(), c.deps.Capture, c.logger, c.metrics)
	if err != nil {
		c.audioCtrl.StopSending()
		return fmt.Errorf("failed to create audio recorder: %w", err)
	}

	sendCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	opened := make(chan error, 1)

	c.mu.Lock()
	c.recorder = recorder
	c.sendCancel = cancel
	c.sendDone = done
	c.mu.Unlock()

	go c.captureLoop(sendCtx, recorder, transport, opened, done)

	if err := <-opened; err != nil {
		cancel()
		<-done
		c.mu.Lock()
		c.sendCancel, c.sendDone = nil, nil
		c.mu.Unlock()
		c.audioCtrl.StopSending()
		return err
	}
	return nil
}

func (c *Client) captureLoop(ctx context.Context, recorder *audio.Recorder, transport interfaces.TransportProtocol, opened chan<- error, done chan struct{}) {
	defer close(done)

	announced := false
	recorder.OnOpen(func(f audio.StreamFormat) {
		info := StreamInfo{
			ClientID:      c.clientID,
			SampleRate:    f.SampleRate,
			Channels:      f.Channels,
			BitsPerSample: f.BitsPerSample,
			FrameMs:       f.FrameMs,
			FrameBytes:    f.FrameBytes(),
		}
		if err := transport.Emit(interfaces.EventStartStream, info); err != nil {
			c.logger.Warn("Failed to announce stream", "error", err)
		}
		announced = true
		c.setState(DeviceStateSending)
		opened <- nil
	})

	err := recorder.Record(ctx, func(frame []byte) {
		if err := transport.Emit(interfaces.EventAudioChunk, frame); err != nil {
			if n := c.emitErrors.Add(1); n%emitLogInterval == 1 {
				c.logger.Warn("Failed to emit audio chunk", "error", err, "failures", n)
			}
			return
		}
		c.framesSent.Add(1)
	})
	if !announced {
		opened <- err
	}
	if err != nil {
		c.logger.Error("Audio capture failed", "error", err)
	}

	c.audioCtrl.StopSending()
	if c.GetState() == DeviceStateSending {
		c.setState(DeviceStateIdle)
	}
}

// StopSending stops the capture loop and tells the server the stream ended.
func (c *Client) StopSending() {
	c.stopSending(true)
}

func (c *Client) stopSending(notify bool) {
	c.mu.Lock()
	cancel, done := c.sendCancel, c.sendDone
	c.sendCancel, c.sendDone = nil, nil
	transport := c.transport
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	if notify && transport != nil {
		if err := transport.Emit(interfaces.EventStopStream, map[string]string{"clientId": c.clientID}); err != nil {
			c.logger.Warn("Failed to send stop-stream", "error", err)
		}
	}
	c.audioCtrl.StopSending()
	if c.GetState() == DeviceStateSending {
		c.setState(DeviceStateIdle)
	}
	c.logger.Info("Sending stopped", "frames_sent", c.framesSent.Load())
}

// StartListening creates a fresh jitter queue and playback driver. Chunks
// that arrive before it are dropped.
func (c *Client) StartListening(ctx context.Context) error {
	if c.deps.Sinks == nil {
		return ErrNoSink
	}
	if c.audioCtrl.IsReceiving() {
		return ErrAlreadyRunning
	}
	if !c.audioCtrl.StartReceiving() {
		return fmt.Errorf("%w: cannot receive while %s", ErrRoleConflict, c.audioCtrl.Role())
	}

	queue := jitter.New(c.config.Playback.QueueCapacity)
	driver := playback.New(queue, c.deps.Sinks, c.config.PlaybackConfig(), c.logger, c.metrics)

	c.mu.Lock()
	driver.SetVolume(c.volume)
	c.mu.Unlock()
	driver.SetConnected(c.connected.Load())

	if err := driver.Start(context.WithoutCancel(ctx)); err != nil {
		c.audioCtrl.StopReceiving()
		return err
	}

	c.mu.Lock()
	c.queue = queue
	c.driver = driver
	c.mu.Unlock()

	c.setState(DeviceStateListening)
	return nil
}

// StopListening stops playback and discards buffered chunks.
func (c *Client) StopListening() {
	c.stopListening()
}

func (c *Client) stopListening() {
	c.mu.Lock()
	driver := c.driver
	c.driver, c.queue = nil, nil
	c.mu.Unlock()

	if driver == nil {
		return
	}
	driver.Stop()
	c.audioCtrl.StopReceiving()
	if c.GetState() == DeviceStateListening {
		c.setState(DeviceStateIdle)
	}
}

// SetVolume clamps v to [0, 1] and applies it to playback.
func (c *Client) SetVolume(v float32) bool {
	v = audio.ClampVolume(v)
	c.mu.Lock()
	c.volume = v
	driver := c.driver
	c.mu.Unlock()

	if driver != nil {
		return driver.SetVolume(v)
	}
	return true
}

// RequestStats asks the server for a stream-stats update.
func (c *Client) RequestStats() error {
	transport := c.currentTransport()
	if transport == nil {
		return ErrNotConnected
	}
	return transport.Emit(interfaces.EventRequestStats, nil)
}

func (c *Client) currentTransport() interfaces.TransportProtocol {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

func (c *Client) Status() Status {
	c.mu.Lock()
	s := Status{
		Role:      c.role,
		ClientID:  c.clientID,
		SessionID: c.sessionID,
		Stream:    c.stats,
		Sender:    c.sender,
		Volume:    c.volume,
	}
	recorder, driver := c.recorder, c.driver
	c.mu.Unlock()

	s.State = c.GetState()
	s.Connected = c.connected.Load()
	s.ChunksReceived = c.received.Load()
	s.DecodeErrors = c.decodeErr.Load()
	s.ChunksDropped = c.dropped.Load()
	s.FramesSent = c.framesSent.Load()
	if recorder != nil {
		st := recorder.Stats()
		s.Capture = &st
	}
	if driver != nil {
		snap := driver.Snapshot()
		s.Playback = &snap
	}
	return s
}

// Close stops all activity and the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.logger.Info("Closing client")
		close(c.closeChan)

		c.stopSending(true)
		c.stopListening()

		c.mu.Lock()
		transport := c.transport
		c.transport = nil
		c.mu.Unlock()
		c.connected.Store(false)

		if transport != nil {
			if cerr := transport.Close(); cerr != nil {
				c.logger.Error("Failed to close transport", "error", cerr)
				err = cerr
			}
		}

		c.wg.Wait()
		c.setState(DeviceStateDisconnected)
		c.logger.Info("Client closed")
	})
	return err
}

func (c *Client) GetState() DeviceState {
	c.stateMutex.RLock()
	defer c.stateMutex.RUnlock()
	return c.state
}

func (c *Client) setState(newState DeviceState) {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()

	if oldState := c.state; oldState != newState {
		c.state = newState
		c.logger.Info("State changed", "from", oldState, "to", newState)
	}
}
