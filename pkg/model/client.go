package model

import "context"

// MessageSink accepts outbound envelopes destined to one client. A send
// either completes, fails with ErrChannelClosed when the client has
// disconnected, or fails with a generic transport error.
type MessageSink interface {
	Send(ctx context.Context, msg *Message) error
}

// Client is a connected operator client: a stable identifier, the channel
// type it is connected through, and the sink that delivers envelopes to it.
type Client struct {
	ID          string
	ChannelType string
	Channel     MessageSink
}

// Broadcaster fans a single envelope out to every client of one channel
// type natively, without going through per-client sinks.
type Broadcaster func(ctx context.Context, msg *Message) error

// ChannelTypeDescriptor describes one registered communication channel
// type. Broadcaster is optional; when it is nil, broadcasts iterate over
// the individual clients of the type.
type ChannelTypeDescriptor struct {
	ID          string
	Broadcaster Broadcaster
}
