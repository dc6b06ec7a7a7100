// pkg/interfaces/transport.go
package interfaces

import (
	"context"
	"errors"
)

var (
	ErrConnectionFailed    = errors.New("connection failed")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrNotConnected        = errors.New("transport not connected")
)

// Event names exchanged with the relay server.
const (
	EventAudioChunk    = "audio-chunk"
	EventStartStream   = "start-stream"
	EventStopStream    = "stop-stream"
	EventJoinStream    = "join-stream"
	EventRequestStats  = "request-stats"
	EventStreamStats   = "stream-stats"
	EventStreamStarted = "stream-started"
	EventStreamStopped = "stream-stopped"
	EventError         = "error"
)

// TransportProtocol carries named events. Audio chunks emitted as []byte
// travel as binary frames; everything else as a JSON envelope.
type TransportProtocol interface {
	Connect(ctx context.Context) error
	Emit(event string, payload any) error
	// Receive is closed when the connection is lost or closed.
	Receive() <-chan Event
	Close() error
	ProtocolType() string
}

// Event is one inbound message. Binary frames fill Binary; text frames fill
// Data with the raw JSON of the envelope's data field.
type Event struct {
	Name   string
	Type   MessageType
	Binary []byte
	Data   []byte
}

type MessageType int

const (
	MsgText    MessageType = iota // JSON envelope
	MsgBinary                     // raw PCM
	MsgControl                    // ping/pong/close
)

func (t MessageType) String() string {
	switch t {
	case MsgText:
		return "text"
	case MsgBinary:
		return "binary"
	default:
		return "control"
	}
}
