package hub

import (
	"context"

	"flockwave/pkg/model"
)

// Inbound is one element of an iterated message stream: the body of an
// incoming message, its sender, and a responder that wraps a body in a
// response to that message and enqueues it without waiting for delivery.
type Inbound struct {
	Body   map[string]interface{}
	Sender *model.Client

	// Respond enqueues a response to the iterated message. It returns
	// immediately after queueing; delivery is not awaited.
	Respond func(body map[string]interface{}) error
}

// Iterate returns a pull-style stream of the incoming messages whose type
// matches one of the given types. While the stream is active, a handler
// registered for those types marks every matching message as handled; it
// runs after any previously registered handlers for the same types, so a
// type must not be shared between an iterator and a traditional handler.
//
// The internal hand-off is a rendezvous: a slow consumer back-pressures
// the incoming pipeline for the iterated types. The handler is removed
// and the returned channel is closed when the context is cancelled.
func (h *Hub) Iterate(ctx context.Context, types ...string) <-chan Inbound {
	out := make(chan Inbound)
	pipe := make(chan Inbound)

	handler := func(hctx context.Context, msg *model.Message, sender *model.Client, _ *Hub) (Result, error) {
		if len(msg.Body) == 0 {
			return Handled(), nil
		}
		item := Inbound{
			Body:   msg.Body,
			Sender: sender,
			Respond: func(body map[string]interface{}) error {
				return h.EnqueueBody(body, ToClient(sender), msg)
			},
		}
		select {
		case pipe <- item:
		case <-ctx.Done():
		case <-hctx.Done():
		}
		return Handled(), nil
	}

	release := h.UseHandler(handler, types...)

	go func() {
		defer close(out)
		defer release()
		for {
			select {
			case <-ctx.Done():
				return
			case item := <-pipe:
				select {
				case out <- item:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
