// protocols/websocket/transport.go
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/lisuiheng/audiolink-go/pkg/interfaces"
)

var _ interfaces.TransportProtocol = (*WSProtocol)(nil)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReceiveBuffer    = 256
	writeWait               = 5 * time.Second
)

// Envelope is the text-frame wrapper for every non-audio event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type WSProtocol struct {
	conn      *websocket.Conn
	config    Config
	logger    *slog.Logger
	events    chan interfaces.Event
	closeChan chan struct{}
	closeOnce sync.Once

	// mu guards conn; writeMu serializes frames, gorilla allows one writer.
	mu      sync.Mutex
	writeMu sync.Mutex
}

// Config holds the websocket connection settings.
type Config struct {
	URL              string
	AccessToken      string
	ClientID         string
	SessionID        string
	Role             string
	HandshakeTimeout time.Duration
	ReceiveBuffer    int
}

func NewWebSocketProtocol(config Config, logger *slog.Logger) (*WSProtocol, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("%w: empty websocket url", interfaces.ErrConnectionFailed)
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaultHandshakeTimeout
	}
	if config.ReceiveBuffer <= 0 {
		config.ReceiveBuffer = defaultReceiveBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WSProtocol{
		config:    config,
		logger:    logger.With("component", "websocket"),
		events:    make(chan interfaces.Event, config.ReceiveBuffer),
		closeChan: make(chan struct{}),
	}, nil
}

func (p *WSProtocol) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.closeChan:
		return fmt.Errorf("%w: transport closed", interfaces.ErrConnectionFailed)
	default:
	}
	if p.conn != nil {
		return nil
	}

	headers := http.Header{}
	if p.config.AccessToken != "" {
		headers.Set("Authorization", fmt.Sprintf("Bearer %s", p.config.AccessToken))
	}
	headers.Set("Client-Id", p.config.ClientID)
	headers.Set("Session-Id", p.config.SessionID)
	headers.Set("Client-Role", p.config.Role)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: p.config.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, p.config.URL, headers)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrConnectionFailed, err)
	}
	p.conn = conn

	p.logger.Info("Connected", "url", p.config.URL, "session", p.config.SessionID)
	go p.readPump(conn)
	return nil
}

func (p *WSProtocol) readPump(conn *websocket.Conn) {
	defer close(p.events)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-p.closeChan:
			default:
				p.logger.Warn("Connection lost", "error", err)
			}
			return
		}

		ev, ok := p.toEvent(msgType, data)
		if !ok {
			continue
		}
		select {
		case p.events <- ev:
		case <-p.closeChan:
			return
		}
	}
}

func (p *WSProtocol) toEvent(msgType int, data []byte) (interfaces.Event, bool) {
	switch msgType {
	case websocket.BinaryMessage:
		return interfaces.Event{
			Name:   interfaces.EventAudioChunk,
			Type:   interfaces.MsgBinary,
			Binary: data,
		}, true
	case websocket.TextMessage:
		var env Envelope
		if err := sonic.Unmarshal(data, &env); err != nil || env.Event == "" {
			p.logger.Warn("Dropping malformed envelope", "bytes", len(data), "error", err)
			return interfaces.Event{}, false
		}
		return interfaces.Event{
			Name: env.Event,
			Type: interfaces.MsgText,
			Data: env.Data,
		}, true
	default:
		return interfaces.Event{}, false
	}
}

// Emit sends event. A []byte payload for an audio chunk goes out as a binary
// frame; any other payload is marshaled into a text envelope.
func (p *WSProtocol) Emit(event string, payload any) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return interfaces.ErrNotConnected
	}

	if b, ok := payload.([]byte); ok && event == interfaces.EventAudioChunk {
		return p.write(conn, websocket.BinaryMessage, b)
	}

	env := Envelope{Event: event}
	if payload != nil {
		raw, err := sonic.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", event, err)
		}
		env.Data = raw
	}
	msg, err := sonic.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope: %w", event, err)
	}
	return p.write(conn, websocket.TextMessage, msg)
}

func (p *WSProtocol) write(conn *websocket.Conn, msgType int, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(msgType, data)
}

// Receive returns the inbound event stream. It is closed when the connection
// drops or Close is called.
func (p *WSProtocol) Receive() <-chan interfaces.Event {
	return p.events
}

func (p *WSProtocol) ProtocolType() string { return "websocket" }

func (p *WSProtocol) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closeChan)

		p.mu.Lock()
		conn := p.conn
		p.mu.Unlock()
		if conn == nil {
			close(p.events)
			return
		}

		p.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		p.writeMu.Unlock()

		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	})
	return err
}
