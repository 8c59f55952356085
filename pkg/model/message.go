package model

import (
	"encoding/json"
	"errors"
)

// Kind classifies an envelope as a request, a response or a notification.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
	KindNotification
)

// ErrChannelClosed is reported by a message sink when the underlying
// communication channel of the client has already been closed.
var ErrChannelClosed = errors.New("channel closed")

// Message is a single Flockwave protocol envelope. The envelope carries a
// unique ID, a body with at least a "type" key, and, for responses, the
// ID of the request being answered. Unknown top-level keys of the wire
// representation are preserved verbatim across a decode/encode round trip.
type Message struct {
	ID            string
	Body          map[string]interface{}
	CorrelationID string

	kind  Kind
	extra map[string]interface{}
}

// Kind returns the discriminant of the envelope.
func (m *Message) Kind() Kind {
	return m.kind
}

// Type returns the protocol type found in the body of the envelope, or an
// empty string if the body carries no type.
func (m *Message) Type() string {
	if m.Body == nil {
		return ""
	}
	t, _ := m.Body["type"].(string)
	return t
}

// MarshalJSON implements json.Marshaler, re-attaching any preserved
// top-level keys next to id, body and correlationId.
func (m *Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(m.extra)+3)
	for k, v := range m.extra {
		out[k] = v
	}
	out["id"] = m.ID
	out["body"] = m.Body
	if m.CorrelationID != "" {
		out["correlationId"] = m.CorrelationID
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler. The decoded envelope is
// classified as a response when it carries a correlation ID and as a
// request otherwise; notifications are only ever built by the server.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	decoded := Message{extra: make(map[string]interface{})}
	for key, value := range raw {
		switch key {
		case "id":
			if err := json.Unmarshal(value, &decoded.ID); err != nil {
				return err
			}
		case "body":
			if err := json.Unmarshal(value, &decoded.Body); err != nil {
				return err
			}
		case "correlationId":
			if err := json.Unmarshal(value, &decoded.CorrelationID); err != nil {
				return err
			}
		default:
			decoded.extra[key] = value
		}
	}

	if decoded.CorrelationID != "" {
		decoded.kind = KindResponse
	} else {
		decoded.kind = KindRequest
	}

	*m = decoded
	return nil
}

// copyBody makes a shallow copy of a message body so that builder
// operations never mutate the body handed in by the caller.
func copyBody(body map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(body)+1)
	for k, v := range body {
		out[k] = v
	}
	return out
}
