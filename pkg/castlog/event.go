// Package castlog implements the cast-event codec, the tailing file reader,
// and the cast output hub: the append-only session log side of the core.
package castlog

import (
	"encoding/json"
)

// Kind tags the shape of a parsed cast log line.
type Kind int

const (
	KindHeader Kind = iota
	KindOutput
	KindInput
	KindResize
	KindExit
	KindUnknown
)

// Header is line 0 of a cast log.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp,omitempty"`
	Command   string            `json:"command,omitempty"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Line is one parsed cast log line. Only the fields relevant to Kind are
// populated; the rest are zero. Raw always holds the bytes this Line was
// parsed from, so an Unknown line can still be forwarded verbatim.
type Line struct {
	Kind      Kind
	Header    *Header
	Time      float64
	Data      string
	ExitCode  int
	SessionID string
	Raw       []byte
}

// ParseLine classifies one cast log line. It never errors: lines that fail
// to parse as JSON, or whose shape doesn't match a known variant, come back
// as KindUnknown with Raw set to the original bytes.
func ParseLine(raw []byte) Line {
	line := Line{Kind: KindUnknown, Raw: raw}

	var array []json.RawMessage
	if err := json.Unmarshal(raw, &array); err == nil {
		if parsed, ok := parseEventArray(array); ok {
			parsed.Raw = raw
			return parsed
		}
		return line
	}

	var header Header
	if err := json.Unmarshal(raw, &header); err == nil {
		// Distinguish a genuine header object from `{}`/other stray objects:
		// a cast log header always carries nonzero width and height.
		if header.Width > 0 && header.Height > 0 {
			line.Kind = KindHeader
			line.Header = &header
			return line
		}
	}

	return line
}

func parseEventArray(array []json.RawMessage) (Line, bool) {
	if len(array) != 3 {
		return Line{}, false
	}

	var asString string
	if err := json.Unmarshal(array[0], &asString); err == nil && asString == "exit" {
		var code int
		var sessionID string
		if err := json.Unmarshal(array[1], &code); err != nil {
			return Line{}, false
		}
		if err := json.Unmarshal(array[2], &sessionID); err != nil {
			return Line{}, false
		}
		return Line{Kind: KindExit, ExitCode: code, SessionID: sessionID}, true
	}

	var t float64
	if err := json.Unmarshal(array[0], &t); err != nil {
		return Line{}, false
	}
	var eventType string
	if err := json.Unmarshal(array[1], &eventType); err != nil {
		return Line{}, false
	}
	var data string
	if err := json.Unmarshal(array[2], &data); err != nil {
		return Line{}, false
	}

	switch eventType {
	case "o":
		return Line{Kind: KindOutput, Time: t, Data: data}, true
	case "i":
		return Line{Kind: KindInput, Time: t, Data: data}, true
	case "r":
		return Line{Kind: KindResize, Time: t, Data: data}, true
	default:
		return Line{}, false
	}
}
