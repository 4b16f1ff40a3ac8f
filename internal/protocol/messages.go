// Package protocol defines the websocket messages shared between the
// sentinel server and its builder clients.
package protocol

import (
	"encoding/json"
	"fmt"
)

// SentinelMessage is the envelope for server → builder messages, carried
// as JSON in a text frame. Exactly one field is set per message.
type SentinelMessage struct {
	// KeepAwake instructs the builder to suppress (true) or stop
	// suppressing (false) local sleep and idle power management.
	KeepAwake *bool `json:"KeepAwake,omitempty"`
}

// KeepAwake builds a keep-awake instruction.
func KeepAwake(wanted bool) SentinelMessage {
	return SentinelMessage{KeepAwake: &wanted}
}

// Encode renders the message as a text frame payload.
func (m SentinelMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a text frame payload. A frame that is valid JSON but not
// a known message is an error; the receiver logs and ignores it.
func Decode(data []byte) (SentinelMessage, error) {
	var m SentinelMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, err
	}
	if m.KeepAwake == nil {
		return m, fmt.Errorf("unrecognized sentinel message %q", data)
	}
	return m, nil
}
