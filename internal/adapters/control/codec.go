// Package control carries the advisory JSON side channel that runs next to
// the audio over the peer connection.
package control

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dkeye/voicelink/internal/domain"
)

const (
	TypeLog = "log"

	PauseDetected    = "pause_detected"
	ResponseStarting = "response_starting"
)

// Decode parses one inbound payload. Unknown types and data values are
// accepted; only unparsable envelopes fail.
func Decode(raw []byte) (domain.ControlMessage, error) {
	var m domain.ControlMessage
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return m, fmt.Errorf("%w: not a JSON object", domain.ErrMalformedMessage)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("%w: %w", domain.ErrMalformedMessage, err)
	}
	if m.Type == "" {
		return m, fmt.Errorf("%w: missing type", domain.ErrMalformedMessage)
	}
	return m, nil
}

func Encode(m domain.ControlMessage) ([]byte, error) {
	if m.Type == "" {
		return nil, fmt.Errorf("encode control message: missing type")
	}
	return json.Marshal(m)
}

// Log builds a {"type":"log","data":text} message.
func Log(text string) domain.ControlMessage {
	data, _ := json.Marshal(text)
	return domain.ControlMessage{Type: TypeLog, Data: data}
}

// Event names the advisory event m carries, or "" when it is not a log
// message with string data.
func Event(m domain.ControlMessage) string {
	if m.Type != TypeLog {
		return ""
	}
	return m.Text()
}
