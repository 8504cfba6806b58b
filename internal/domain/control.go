package domain

import "encoding/json"

// ControlMessage is the envelope exchanged over the control data channel.
type ControlMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Text returns Data when it is a JSON string, otherwise "".
func (m ControlMessage) Text() string {
	var s string
	if len(m.Data) == 0 || json.Unmarshal(m.Data, &s) != nil {
		return ""
	}
	return s
}
