// Package chunk normalizes inbound audio payloads into raw PCM bytes and
// inspects them for obvious anomalies.
//
// Senders disagree on how a chunk is shaped on the wire: raw binary frames,
// Base64 text with or without an "AUDIO_DATA:" prefix, JSON arrays of byte
// values, or one of several object envelopes. The Decoder maps all of them to
// the same []byte. It never logs and never blocks; the caller decides what to
// do with a failed chunk.
package chunk

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/lisuiheng/audiolink-go/pkg/interfaces"
)

const (
	DefaultPrefix   = "AUDIO_DATA:"
	DefaultMaxDepth = 8

	audioChunkType = "audio-chunk"
)

var (
	ErrEmptyPayload         = errors.New("empty payload")
	ErrInvalidBase64        = errors.New("invalid base64")
	ErrInvalidJSON          = errors.New("invalid json")
	ErrUnrecognizedEnvelope = errors.New("unrecognized envelope")
	ErrUnsupportedShape     = errors.New("unsupported payload shape")
	ErrTooDeep              = errors.New("envelope nested too deeply")
)

// RawChunk is one of Binary, Text, JSONArray, Object or List.
type RawChunk interface {
	rawChunk()
}

// Binary is an opaque byte sequence received as a binary frame.
type Binary []byte

// Text is Base64, optionally prefixed, or a JSON document.
type Text string

// JSONArray is a parsed JSON array of byte values.
type JSONArray []any

// Object is a parsed JSON object envelope.
type Object map[string]any

// List is a generic sequence of numbers, as produced by transport libraries
// that hand over decoded arrays.
type List []any

func (Binary) rawChunk()    {}
func (Text) rawChunk()      {}
func (JSONArray) rawChunk() {}
func (Object) rawChunk()    {}
func (List) rawChunk()      {}

// Decoder converts RawChunk values to PCM bytes. The zero value is usable.
type Decoder struct {
	// Prefix is stripped from Text payloads. Empty means DefaultPrefix.
	Prefix string
	// MaxDepth bounds envelope recursion. Zero means DefaultMaxDepth.
	MaxDepth int
}

// Decode returns the PCM bytes carried by raw. The result never aliases a
// Binary input.
func (d *Decoder) Decode(raw RawChunk) ([]byte, error) {
	out, err := d.decode(raw, 0)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrEmptyPayload
	}
	return out, nil
}

func (d *Decoder) prefix() string {
	if d == nil || d.Prefix == "" {
		return DefaultPrefix
	}
	return d.Prefix
}

func (d *Decoder) maxDepth() int {
	if d == nil || d.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return d.MaxDepth
}

func (d *Decoder) decode(raw RawChunk, depth int) ([]byte, error) {
	if depth > d.maxDepth() {
		return nil, ErrTooDeep
	}

	switch v := raw.(type) {
	case Binary:
		if len(v) == 0 {
			return nil, ErrEmptyPayload
		}
		return slices.Clone([]byte(v)), nil
	case Text:
		return d.decodeText(string(v), depth)
	case JSONArray:
		return coerceBytes(v), nil
	case List:
		return coerceBytes(v), nil
	case Object:
		return d.decodeObject(v, depth)
	case nil:
		return nil, ErrEmptyPayload
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedShape, raw)
	}
}

func (d *Decoder) decodeText(s string, depth int) ([]byte, error) {
	s = strings.TrimPrefix(s, d.prefix())
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, ErrEmptyPayload
	}

	switch trimmed[0] {
	case '[':
		var arr []any
		if err := sonic.UnmarshalString(trimmed, &arr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
		return d.decode(JSONArray(arr), depth+1)
	case '{':
		var obj map[string]any
		if err := sonic.UnmarshalString(trimmed, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
		return d.decode(Object(obj), depth+1)
	}
	return decodeBase64(trimmed)
}

func (d *Decoder) decodeObject(obj Object, depth int) ([]byte, error) {
	data, hasData := obj["data"]

	if typ, _ := obj["type"].(string); hasData && typ == audioChunkType {
		if s, ok := data.(string); ok {
			return decodeBase64(s)
		}
		return d.decodeValue(data, depth)
	}

	_, hasChunk := obj["chunk"]
	_, hasTimestamp := obj["timestamp"]
	if hasData && hasChunk && hasTimestamp {
		if arr, ok := data.([]any); ok {
			return coerceBytes(arr), nil
		}
		return d.decodeValue(data, depth)
	}

	for _, key := range []string{"data", "audio", "buffer"} {
		if v, ok := obj[key]; ok {
			return d.decodeValue(v, depth)
		}
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return nil, fmt.Errorf("%w: keys [%s]", ErrUnrecognizedEnvelope, strings.Join(keys, ", "))
}

// decodeValue classifies a value pulled out of an envelope and recurses.
func (d *Decoder) decodeValue(v any, depth int) ([]byte, error) {
	raw, err := classify(v)
	if err != nil {
		return nil, err
	}
	return d.decode(raw, depth+1)
}

func classify(v any) (RawChunk, error) {
	switch t := v.(type) {
	case nil:
		return nil, ErrEmptyPayload
	case RawChunk:
		return t, nil
	case []byte:
		return Binary(t), nil
	case string:
		return Text(t), nil
	case []any:
		return List(t), nil
	case map[string]any:
		return Object(t), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedShape, v)
	}
}

// coerceBytes narrows each element to a byte, wrapping like a two's
// complement cast. Fractions are truncated; anything else becomes 0.
func coerceBytes(items []any) []byte {
	out := make([]byte, len(items))
	for i, item := range items {
		switch n := item.(type) {
		case float64:
			out[i] = floatByte(n)
		case float32:
			out[i] = floatByte(float64(n))
		case int:
			out[i] = byte(n)
		case int64:
			out[i] = byte(n)
		case int32:
			out[i] = byte(n)
		case uint8:
			out[i] = n
		}
	}
	return out
}

func floatByte(f float64) byte {
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) >= math.MaxInt64 {
		return 0
	}
	return byte(int64(f))
}

// decodeBase64 accepts standard Base64 with embedded whitespace and
// optional padding.
func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
	s = strings.TrimRight(s, "=")
	if s == "" {
		return nil, ErrEmptyPayload
	}
	b, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBase64, err)
	}
	return b, nil
}

// FromEvent classifies a transport event as a RawChunk.
func FromEvent(ev interfaces.Event) (RawChunk, error) {
	if ev.Type == interfaces.MsgBinary {
		if len(ev.Binary) == 0 {
			return nil, ErrEmptyPayload
		}
		return Binary(ev.Binary), nil
	}
	if len(ev.Data) == 0 {
		return nil, ErrEmptyPayload
	}

	var v any
	if err := sonic.Unmarshal(ev.Data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return classify(v)
}
