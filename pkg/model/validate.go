package model

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// envelopeSchema is the JSON schema every incoming envelope must satisfy
// before it is dispatched to message handlers.
const envelopeSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["id", "body"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"body": {
			"type": "object",
			"required": ["type"],
			"properties": {
				"type": {"type": "string", "minLength": 1}
			}
		},
		"correlationId": {"type": "string", "minLength": 1}
	}
}`

var compiledEnvelopeSchema = gojsonschema.NewStringLoader(envelopeSchema)

// ValidationError is reported when an incoming envelope does not match the
// Flockwave message schema.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// FromRaw validates a decoded but unvalidated envelope against the message
// schema and converts it into a Message. Validation failures are reported
// as a *ValidationError.
func FromRaw(raw map[string]interface{}) (*Message, error) {
	result, err := gojsonschema.Validate(compiledEnvelopeSchema, gojsonschema.NewGoLoader(raw))
	if err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("unexpected error while validating message: %v", err)}
	}
	if !result.Valid() {
		reasons := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			reasons = append(reasons, desc.String())
		}
		return nil, &ValidationError{
			Reason: "message does not match schema: " + strings.Join(reasons, "; "),
		}
	}

	msg := &Message{
		ID:   raw["id"].(string),
		kind: KindRequest,
	}
	if body, ok := raw["body"].(map[string]interface{}); ok {
		msg.Body = body
	}
	if correlationID, ok := raw["correlationId"].(string); ok {
		msg.CorrelationID = correlationID
		msg.kind = KindResponse
	}
	for key, value := range raw {
		switch key {
		case "id", "body", "correlationId":
		default:
			if msg.extra == nil {
				msg.extra = make(map[string]interface{})
			}
			msg.extra[key] = value
		}
	}
	return msg, nil
}

// RawMessageID extracts the envelope ID from a raw decoded message, if it
// has one. Used to decide whether a validation failure can be NAKed.
func RawMessageID(raw map[string]interface{}) (string, bool) {
	id, ok := raw["id"].(string)
	return id, ok && id != ""
}
