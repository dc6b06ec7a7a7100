package core

import (
	"math"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

// StreamStats is the server's view of who is on the stream.
type StreamStats struct {
	Senders   int `json:"senders"`
	Listeners int `json:"listeners"`
}

// ParseStreamStats accepts the shapes a stream-stats payload arrives in:
// StreamStats, *StreamStats, a decoded object, a JSON string or raw JSON
// bytes. Missing fields read as zero. Anything else reports false.
func ParseStreamStats(payload any) (StreamStats, bool) {
	switch v := payload.(type) {
	case StreamStats:
		return v, true
	case *StreamStats:
		if v == nil {
			return StreamStats{}, false
		}
		return *v, true
	case map[string]any:
		return StreamStats{
			Senders:   toInt(v["senders"]),
			Listeners: toInt(v["listeners"]),
		}, true
	case string:
		return parseStatsJSON([]byte(strings.TrimSpace(v)))
	case []byte:
		return parseStatsJSON(v)
	default:
		return StreamStats{}, false
	}
}

func parseStatsJSON(data []byte) (StreamStats, bool) {
	var obj map[string]any
	if err := sonic.Unmarshal(data, &obj); err != nil || obj == nil {
		// Some relays double-encode the payload as a JSON string.
		var s string
		if sonic.Unmarshal(data, &s) == nil && s != "" {
			return parseStatsJSON([]byte(s))
		}
		return StreamStats{}, false
	}
	return ParseStreamStats(obj)
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0
		}
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}
