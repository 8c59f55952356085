package model

import (
	"fmt"

	"github.com/google/uuid"
)

// Builder constructs outbound envelopes with globally unique identifiers.
type Builder struct{}

// NewBuilder creates a new message builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// CreateNotification creates a notification envelope around the given body.
func (b *Builder) CreateNotification(body map[string]interface{}) *Message {
	return &Message{
		ID:   uuid.New().String(),
		Body: copyBody(body),
		kind: KindNotification,
	}
}

// CreateResponseTo creates a response envelope answering the given request.
// When the body carries no type, the type of the request is copied over; an
// existing type is never overwritten. The input body is not mutated.
func (b *Builder) CreateResponseTo(request *Message, body map[string]interface{}) (*Message, error) {
	if request == nil || request.ID == "" {
		return nil, fmt.Errorf("cannot respond to a message without an ID")
	}

	responseBody := copyBody(body)
	if _, ok := responseBody["type"]; !ok {
		if requestType := request.Type(); requestType != "" {
			responseBody["type"] = requestType
		}
	}

	return &Message{
		ID:            uuid.New().String(),
		Body:          responseBody,
		CorrelationID: request.ID,
		kind:          KindResponse,
	}, nil
}

// Acknowledge creates a positive or negative acknowledgment of the given
// request. The reason is attached to negative acknowledgments only.
func (b *Builder) Acknowledge(request *Message, outcome bool, reason string) (*Message, error) {
	body := map[string]interface{}{"type": "ACK-ACK"}
	if !outcome {
		body["type"] = "ACK-NAK"
		if reason != "" {
			body["reason"] = reason
		}
	}
	return b.CreateResponseTo(request, body)
}
