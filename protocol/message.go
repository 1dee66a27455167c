// Package protocol implements the wire format shared by the mobile
// client and the gateway: UTF-8 JSON frames for small messages and a
// <CHUNK:i/N> fragment sequence with an END sentinel for payloads that
// exceed the link's MTU budget (profile images, mostly).
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is a decoded command or status payload. Keys are the JSON
// object keys of the wire payload (speed, trackingOn, action, name,
// image_base64, direction, timestamp, ...).
type Message map[string]any

// ParseMessage decodes a complete JSON payload into a Message.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	return m, nil
}

// Encode serializes the message to its wire JSON.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Stamp sets the timestamp field (ISO-8601) if the producer has not
// set one already, and returns the message for chaining.
func (m Message) Stamp() Message {
	if _, ok := m["timestamp"]; !ok {
		m["timestamp"] = time.Now().Format(time.RFC3339)
	}
	return m
}

// Action returns the action field, or "" if absent.
func (m Message) Action() string {
	s, _ := m["action"].(string)
	return s
}

// Type returns the type field, or "" if absent. Status and ACK
// messages from the gateway carry a type instead of an action.
func (m Message) Type() string {
	s, _ := m["type"].(string)
	return s
}

// Timestamp returns the timestamp field, or "" if absent.
func (m Message) Timestamp() string {
	s, _ := m["timestamp"].(string)
	return s
}

// Str returns a string-valued field, or "" if absent or not a string.
func (m Message) Str(key string) string {
	s, _ := m[key].(string)
	return s
}

// Has reports whether the key is present.
func (m Message) Has(key string) bool {
	_, ok := m[key]
	return ok
}
