package hub

import (
	"context"

	"flockwave/pkg/model"
)

// Handler processes one incoming envelope. Handlers run strictly in
// registration order for a given envelope, specific types before wildcard
// registrations. A handler reports what it did through the returned
// Result; a returned error (or a panic) is logged and counts as Declined.
type Handler func(ctx context.Context, msg *model.Message, sender *model.Client, h *Hub) (Result, error)

type resultKind int

const (
	resultDeclined resultKind = iota
	resultHandled
	resultBody
	resultResponse
)

// Result is the outcome of one handler invocation: declined, handled,
// a response body to be wrapped and sent, or an already-built response.
type Result struct {
	kind     resultKind
	body     map[string]interface{}
	response *model.Message
}

// Declined reports that the handler did not handle the message.
func Declined() Result {
	return Result{kind: resultDeclined}
}

// Handled reports that the handler took care of the message and no
// response has to be generated by the hub.
func Handled() Result {
	return Result{kind: resultHandled}
}

// Reply reports that the given body should be wrapped in a response to
// the incoming message and sent back to its sender.
func Reply(body map[string]interface{}) Result {
	return Result{kind: resultBody, body: body}
}

// ReplyWith reports that the given prebuilt response should be sent back
// to the sender. Its correlation ID must match the incoming message.
func ReplyWith(response *model.Message) Result {
	return Result{kind: resultResponse, response: response}
}
