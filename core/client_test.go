package core

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lisuiheng/audiolink-go/audio"
	"github.com/lisuiheng/audiolink-go/audio/mock"
	"github.com/lisuiheng/audiolink-go/observe"
	"github.com/lisuiheng/audiolink-go/pkg/interfaces"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// ─── fake transport ───────────────────────────────────────────────────────────

type emitted struct {
	event   string
	payload any
}

type fakeTransport struct {
	events     chan interfaces.Event
	connectErr error
	onEmit     func(event string, payload any)

	mu     sync.Mutex
	emits  []emitted
	closed bool
}

var _ interfaces.TransportProtocol = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan interfaces.Event, 1024)}
}

func (f *fakeTransport) Connect(context.Context) error { return f.connectErr }

func (f *fakeTransport) Emit(event string, payload any) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return interfaces.ErrNotConnected
	}
	if b, ok := payload.([]byte); ok {
		payload = bytes.Clone(b)
	}
	f.emits = append(f.emits, emitted{event: event, payload: payload})
	hook := f.onEmit
	f.mu.Unlock()

	if hook != nil {
		hook(event, payload)
	}
	return nil
}

func (f *fakeTransport) Receive() <-chan interfaces.Event { return f.events }

// Close doubles as a server-side drop: the receive channel closes.
func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeTransport) ProtocolType() string { return "fake" }

func (f *fakeTransport) push(ev interfaces.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.events <- ev
	return true
}

func (f *fakeTransport) sent() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted(nil), f.emits...)
}

func (f *fakeTransport) emittedNames() []string {
	var names []string
	for _, e := range f.sent() {
		names = append(names, e.event)
	}
	return names
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(role audio.Role) Config {
	cfg := DefaultConfig()
	cfg.System.ClientID = "test-" + string(role)
	cfg.System.Role = string(role)
	cfg.System.AutoStart = false
	cfg.System.Network.Reconnect.InitialDelay = 5 * time.Millisecond
	cfg.System.Network.Reconnect.MaxDelay = 20 * time.Millisecond
	cfg.Playback.PrebufferChunks = 10
	cfg.Playback.PrebufferPoll = time.Millisecond
	cfg.Playback.DequeueTimeout = 5 * time.Millisecond
	cfg.Playback.RetryBackoff = 100 * time.Microsecond
	return cfg
}

func newTestClient(t *testing.T, cfg Config, deps Dependencies, tr *fakeTransport) *Client {
	t.Helper()
	if tr != nil {
		deps.Transport = func(Config, string, string, *slog.Logger) (interfaces.TransportProtocol, error) {
			return tr, nil
		}
	}
	c, err := NewClient(cfg, deps, discardLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func binaryChunk(b []byte) interfaces.Event {
	return interfaces.Event{Name: interfaces.EventAudioChunk, Type: interfaces.MsgBinary, Binary: b}
}

func textEvent(name, data string) interfaces.Event {
	return interfaces.Event{Name: name, Type: interfaces.MsgText, Data: []byte(data)}
}

func testFrame(i, size int) []byte {
	b := make([]byte, size)
	for j := range b {
		b[j] = byte(i + j)
	}
	return b
}

// ─── tests ────────────────────────────────────────────────────────────────────

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient(testConfig(audio.RoleListener), Dependencies{}, nil); err == nil {
		t.Error("expected error for nil logger")
	}

	cfg := testConfig(audio.RoleListener)
	cfg.System.Role = "speaker"
	if _, err := NewClient(cfg, Dependencies{}, discardLogger()); err == nil {
		t.Error("expected error for invalid role")
	}

	cfg = testConfig(audio.RoleListener)
	cfg.System.ClientID = ""
	c, err := NewClient(cfg, Dependencies{}, discardLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.Status().ClientID == "" {
		t.Error("expected generated client id")
	}
}

func TestClient_ConnectAnnounces(t *testing.T) {
	tests := []struct {
		role audio.Role
		want []string
	}{
		{audio.RoleListener, []string{interfaces.EventJoinStream, interfaces.EventRequestStats}},
		{audio.RoleSender, []string{interfaces.EventRequestStats}},
	}
	for _, tc := range tests {
		t.Run(string(tc.role), func(t *testing.T) {
			tr := newFakeTransport()
			c := newTestClient(t, testConfig(tc.role), Dependencies{}, tr)

			if err := c.Connect(context.Background()); err != nil {
				t.Fatalf("Connect: %v", err)
			}
			got := tr.emittedNames()
			if len(got) != len(tc.want) {
				t.Fatalf("emitted %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("emit[%d] = %s, want %s", i, got[i], tc.want[i])
				}
			}

			st := c.Status()
			if !st.Connected || st.SessionID == "" || st.State != DeviceStateIdle {
				t.Errorf("status = %+v", st)
			}

			// A second Connect while connected is a no-op.
			if err := c.Connect(context.Background()); err != nil {
				t.Fatalf("second Connect: %v", err)
			}
			if n := len(tr.sent()); n != len(tc.want) {
				t.Errorf("second Connect emitted again: %d events", n)
			}
		})
	}
}

func TestClient_NotConnected(t *testing.T) {
	cfg := testConfig(audio.RoleSender)
	c := newTestClient(t, cfg, Dependencies{Capture: &mock.CaptureDevice{Endless: true}}, newFakeTransport())

	if err := c.StartSending(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("StartSending = %v, want ErrNotConnected", err)
	}
	if err := c.RequestStats(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("RequestStats = %v, want ErrNotConnected", err)
	}
}

func TestClient_MissingDevices(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(t, testConfig(audio.RoleListener), Dependencies{}, tr)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.StartSending(context.Background()); !errors.Is(err, ErrNoCaptureDevice) {
		t.Errorf("StartSending = %v, want ErrNoCaptureDevice", err)
	}
	if err := c.StartListening(context.Background()); !errors.Is(err, ErrNoSink) {
		t.Errorf("StartListening = %v, want ErrNoSink", err)
	}
}

// A sender's capture frames travel through the listener's queue and driver
// into the sink unchanged and in order.
func TestClient_SenderToListener(t *testing.T) {
	const frames = 100
	frameBytes := audio.DefaultFormat().FrameBytes()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	// Listener.
	sink := &mock.Sink{}
	listenerTr := newFakeTransport()
	listener := newTestClient(t, testConfig(audio.RoleListener),
		Dependencies{Sinks: &mock.SinkOpener{Result: sink}, Metrics: metrics}, listenerTr)

	ctx := context.Background()
	if err := listener.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := listener.Start(ctx); err != nil {
		t.Fatalf("listener Start: %v", err)
	}
	if got := listener.GetState(); got != DeviceStateListening {
		t.Fatalf("listener state = %s", got)
	}

	// Sender, wired straight into the listener's receive channel.
	var want [][]byte
	var reads [][]byte
	for i := range frames {
		f := testFrame(i, frameBytes)
		want = append(want, f)
		reads = append(reads, f)
	}
	senderTr := newFakeTransport()
	senderTr.onEmit = func(event string, payload any) {
		if b, ok := payload.([]byte); ok && event == interfaces.EventAudioChunk {
			listenerTr.push(binaryChunk(b))
		}
	}
	sender := newTestClient(t, testConfig(audio.RoleSender),
		Dependencies{Capture: &mock.CaptureDevice{Reads: reads}}, senderTr)

	if err := sender.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := sender.Start(ctx); err != nil {
		t.Fatalf("sender Start: %v", err)
	}

	waitUntil(t, 5*time.Second, func() bool { return sink.WriteCount() == frames }, "all frames played")

	got := sink.Written()
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("frame %d differs", i)
		}
	}

	if n := sender.Status().FramesSent; n != frames {
		t.Errorf("FramesSent = %d, want %d", n, frames)
	}
	st := listener.Status()
	if st.ChunksReceived != frames || st.ChunksDropped != 0 || st.DecodeErrors != 0 {
		t.Errorf("listener status = %+v", st)
	}

	// start-stream precedes the first chunk and carries the format.
	emits := senderTr.sent()
	var startIdx, firstChunk = -1, -1
	for i, e := range emits {
		if e.event == interfaces.EventStartStream && startIdx < 0 {
			startIdx = i
			info, ok := e.payload.(StreamInfo)
			if !ok || info.FrameBytes != frameBytes || info.ClientID != "test-sender" {
				t.Errorf("start-stream payload = %#v", e.payload)
			}
		}
		if e.event == interfaces.EventAudioChunk && firstChunk < 0 {
			firstChunk = i
		}
	}
	if startIdx < 0 || firstChunk < 0 || startIdx > firstChunk {
		t.Errorf("start-stream at %d, first chunk at %d", startIdx, firstChunk)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatal(err)
	}
	if n := acceptedChunks(rm); n != frames {
		t.Errorf("accepted metric = %d, want %d", n, frames)
	}
}

func acceptedChunks(rm metricdata.ResourceMetrics) int64 {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "audiolink.receive.chunks" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				return -1
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("status")); ok && v.AsString() == observe.StatusAccepted {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func TestClient_DropsChunksWhenNotListening(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(t, testConfig(audio.RoleListener), Dependencies{}, tr)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	tr.push(binaryChunk(make([]byte, 3840)))
	tr.push(binaryChunk(make([]byte, 3840)))

	waitUntil(t, time.Second, func() bool { return c.Status().ChunksDropped == 2 }, "dropped chunks")
	if n := c.Status().ChunksReceived; n != 0 {
		t.Errorf("ChunksReceived = %d, want 0", n)
	}
}

func TestClient_TextChunksAndDecodeErrors(t *testing.T) {
	cfg := testConfig(audio.RoleListener)
	cfg.Playback.PrebufferChunks = -1
	sink := &mock.Sink{}
	tr := newFakeTransport()
	c := newTestClient(t, cfg, Dependencies{Sinks: &mock.SinkOpener{Result: sink}}, tr)

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.StartListening(ctx); err != nil {
		t.Fatal(err)
	}

	pcm := testFrame(7, 1920)
	b64 := base64.StdEncoding.EncodeToString(pcm)

	tr.push(textEvent(interfaces.EventAudioChunk, `"AUDIO_DATA:@@@@"`))
	tr.push(textEvent(interfaces.EventAudioChunk, `{"chunk":1,"timestamp":1700000000,"data":"`+b64+`"}`))
	tr.push(textEvent(interfaces.EventAudioChunk, `{"unexpected":true}`))

	waitUntil(t, 2*time.Second, func() bool { return sink.WriteCount() == 1 }, "decoded chunk played")
	waitUntil(t, time.Second, func() bool { return c.Status().DecodeErrors == 2 }, "decode errors")

	if !bytes.Equal(sink.Written()[0], pcm) {
		t.Error("decoded PCM differs")
	}
	if n := c.Status().ChunksReceived; n != 1 {
		t.Errorf("ChunksReceived = %d, want 1", n)
	}
}

func TestClient_StreamStats(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(t, testConfig(audio.RoleListener), Dependencies{}, tr)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	tr.push(textEvent(interfaces.EventStreamStats, `{"senders":1,"listeners":3}`))
	want := StreamStats{Senders: 1, Listeners: 3}
	waitUntil(t, time.Second, func() bool { return c.Status().Stream == want }, "stream stats")

	// Unparseable stats leave the last value in place.
	tr.push(textEvent(interfaces.EventStreamStats, `[1,2]`))
	tr.push(textEvent(interfaces.EventStreamStats, `{"senders":0,"listeners":2}`))
	want = StreamStats{Listeners: 2}
	waitUntil(t, time.Second, func() bool { return c.Status().Stream == want }, "updated stream stats")
}

func TestClient_StreamStartedFormat(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(t, testConfig(audio.RoleListener), Dependencies{}, tr)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	tr.push(textEvent(interfaces.EventStreamStarted,
		`{"clientId":"desk","sampleRate":44100,"channels":2,"bitsPerSample":16,"frameMs":20,"frameBytes":3528}`))
	waitUntil(t, time.Second, func() bool { return c.Status().Sender != nil }, "sender format")
	if got := c.Status().Sender; got.SampleRate != 44100 || got.ClientID != "desk" {
		t.Errorf("sender = %+v", got)
	}
	if !c.FormatMismatch() {
		t.Error("44.1 kHz sender not reported against 48 kHz playback")
	}

	tr.push(textEvent(interfaces.EventStreamStarted,
		`{"clientId":"desk","sampleRate":48000,"channels":2,"bitsPerSample":16,"frameMs":20,"frameBytes":3840}`))
	waitUntil(t, time.Second, func() bool { return c.Status().Sender.SampleRate == 48000 }, "updated sender format")
	if c.FormatMismatch() {
		t.Error("matching format reported as a mismatch")
	}

	tr.push(textEvent(interfaces.EventStreamStopped, `{"clientId":"desk"}`))
	waitUntil(t, time.Second, func() bool { return c.Status().Sender == nil }, "sender cleared")
}

func TestClient_DisconnectStopsPlayback(t *testing.T) {
	sink := &mock.Sink{}
	tr := newFakeTransport()
	c := newTestClient(t, testConfig(audio.RoleListener), Dependencies{Sinks: &mock.SinkOpener{Result: sink}}, tr)

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	tr.push(textEvent(interfaces.EventStreamStats, `{"senders":1,"listeners":1}`))
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, time.Second, func() bool { return c.Status().Stream.Senders == 1 }, "stats")

	_ = tr.Close()

	waitUntil(t, 2*time.Second, func() bool { return c.GetState() == DeviceStateDisconnected }, "disconnected state")
	st := c.Status()
	if st.Connected || st.Playback != nil || st.Stream != (StreamStats{}) {
		t.Errorf("status after drop = %+v", st)
	}
	if !sink.Closed() {
		t.Error("sink not closed after disconnect")
	}
}

func TestClient_RoleConflict(t *testing.T) {
	tr := newFakeTransport()
	deps := Dependencies{
		Capture: &mock.CaptureDevice{Endless: true},
		Sinks:   &mock.SinkOpener{Result: &mock.Sink{}},
	}
	c := newTestClient(t, testConfig(audio.RoleSender), deps, tr)

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.StartListening(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.StartSending(ctx); !errors.Is(err, ErrRoleConflict) {
		t.Errorf("StartSending while listening = %v, want ErrRoleConflict", err)
	}
	if err := c.StartListening(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second StartListening = %v, want ErrAlreadyRunning", err)
	}

	c.StopListening()
	if err := c.StartSending(ctx); err != nil {
		t.Fatalf("StartSending after StopListening: %v", err)
	}
	if got := c.GetState(); got != DeviceStateSending {
		t.Errorf("state = %s, want sending", got)
	}
}

func TestClient_StartSendingOpenFailure(t *testing.T) {
	openErr := errors.New("no input device")
	dev := &mock.CaptureDevice{Endless: true, OpenErrors: []error{openErr}}
	tr := newFakeTransport()
	c := newTestClient(t, testConfig(audio.RoleSender), Dependencies{Capture: dev}, tr)

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	if err := c.StartSending(ctx); !errors.Is(err, openErr) {
		t.Fatalf("StartSending = %v, want %v", err, openErr)
	}
	if got := c.GetState(); got == DeviceStateSending {
		t.Error("state is sending after open failure")
	}
	for _, name := range tr.emittedNames() {
		if name == interfaces.EventStartStream {
			t.Error("start-stream emitted for a device that never opened")
		}
	}

	// The role is released, so a retry with a working device succeeds.
	if err := c.StartSending(ctx); err != nil {
		t.Fatalf("retry StartSending: %v", err)
	}
	c.StopSending()

	names := tr.emittedNames()
	if last := names[len(names)-1]; last != interfaces.EventStopStream {
		t.Errorf("last emit = %s, want stop-stream", last)
	}
	if got := c.GetState(); got != DeviceStateIdle {
		t.Errorf("state after StopSending = %s, want idle", got)
	}
}

func TestClient_SetVolume(t *testing.T) {
	sink := &mock.Sink{}
	tr := newFakeTransport()
	c := newTestClient(t, testConfig(audio.RoleListener), Dependencies{Sinks: &mock.SinkOpener{Result: sink}}, tr)

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	c.SetVolume(0.25)
	if err := c.StartListening(ctx); err != nil {
		t.Fatal(err)
	}
	if v := c.Status().Playback.Volume; v != 0.25 {
		t.Errorf("volume applied at start = %v, want 0.25", v)
	}

	c.SetVolume(1.5)
	if v := c.Status().Volume; v != 1 {
		t.Errorf("clamped volume = %v, want 1", v)
	}
}

func TestClient_CloseIdempotent(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(t, testConfig(audio.RoleListener), Dependencies{}, tr)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
	if got := c.GetState(); got != DeviceStateDisconnected {
		t.Errorf("state = %s", got)
	}
}

func TestClient_RunReconnectsAndResumes(t *testing.T) {
	cfg := testConfig(audio.RoleListener)
	cfg.System.AutoStart = true

	created := make(chan *fakeTransport, 8)
	var attempts atomic.Int32
	deps := Dependencies{
		Sinks: &mock.SinkOpener{Result: &mock.Sink{}},
		Transport: func(Config, string, string, *slog.Logger) (interfaces.TransportProtocol, error) {
			tr := newFakeTransport()
			if attempts.Add(1) == 1 {
				tr.connectErr = errors.New("connection refused")
			}
			created <- tr
			return tr, nil
		},
	}
	c := newTestClient(t, cfg, deps, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	next := func() *fakeTransport {
		t.Helper()
		select {
		case tr := <-created:
			return tr
		case <-time.After(2 * time.Second):
			t.Fatal("no connection attempt")
			return nil
		}
	}

	next() // refused
	second := next()
	waitUntil(t, 2*time.Second, func() bool { return c.GetState() == DeviceStateListening }, "listening after connect")
	firstSession := c.Status().SessionID

	_ = second.Close()
	next()
	waitUntil(t, 2*time.Second, func() bool {
		st := c.Status()
		return st.State == DeviceStateListening && st.SessionID != firstSession
	}, "listening resumed on a new session")

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClient_RunWithoutReconnect(t *testing.T) {
	cfg := testConfig(audio.RoleListener)
	cfg.System.Network.Reconnect.Enabled = false
	refused := errors.New("connection refused")

	tr := newFakeTransport()
	tr.connectErr = refused
	c := newTestClient(t, cfg, Dependencies{}, tr)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, refused) {
			t.Errorf("Run = %v, want %v", err, refused)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
