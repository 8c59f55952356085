package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flockwave/internal/registries"
	"flockwave/pkg/logging"
	"flockwave/pkg/model"
)

// captureSink records every envelope delivered to one client.
type captureSink struct {
	mu     sync.Mutex
	msgs   []*model.Message
	closed bool
}

func (s *captureSink) Send(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.ErrChannelClosed
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *captureSink) messages() []*model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

type hubFixture struct {
	hub          *Hub
	clients      *registries.ClientRegistry
	channelTypes *registries.ChannelTypeRegistry
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()

	logger := logging.NewLogger()
	logger.SetOutput(io.Discard)

	h := New(logger, nil)
	clients := registries.NewClientRegistry()
	channelTypes := registries.NewChannelTypeRegistry()
	h.AttachClientRegistry(clients)
	h.AttachChannelTypeRegistry(channelTypes)
	require.NoError(t, channelTypes.Register(model.ChannelTypeDescriptor{ID: "test"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &hubFixture{hub: h, clients: clients, channelTypes: channelTypes}
}

func (f *hubFixture) addClient(t *testing.T, id string) (*model.Client, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	client := &model.Client{ID: id, ChannelType: "test", Channel: sink}
	require.NoError(t, f.clients.Add(client))
	return client, sink
}

func rawRequest(id, messageType string) map[string]interface{} {
	return map[string]interface{}{
		"id":   id,
		"body": map[string]interface{}{"type": messageType},
	}
}

func waitForMessages(t *testing.T, sink *captureSink, n int) []*model.Message {
	t.Helper()
	require.Eventually(t, func() bool {
		return sink.count() >= n
	}, time.Second, 5*time.Millisecond)
	return sink.messages()
}

func TestUnhandledMessageIsNegativelyAcknowledged(t *testing.T) {
	f := newHubFixture(t)
	client, sink := f.addClient(t, "c1")

	handled := f.hub.HandleIncoming(context.Background(), rawRequest("req-1", "X-TEST"), client)
	assert.False(t, handled)

	msgs := waitForMessages(t, sink, 1)
	nak := msgs[0]
	assert.Equal(t, "req-1", nak.CorrelationID)
	assert.Equal(t, "ACK-NAK", nak.Type())
	assert.Equal(t, "No handler managed to parse this message in the server", nak.Body["reason"])
}

func TestHandlerReplyBodyIsWrappedInResponse(t *testing.T) {
	f := newHubFixture(t)
	client, sink := f.addClient(t, "c1")

	f.hub.RegisterHandler(func(context.Context, *model.Message, *model.Client, *Hub) (Result, error) {
		return Reply(map[string]interface{}{"status": "ok"}), nil
	}, "X-TEST")

	handled := f.hub.HandleIncoming(context.Background(), rawRequest("req-2", "X-TEST"), client)
	assert.True(t, handled)

	msgs := waitForMessages(t, sink, 1)
	response := msgs[0]
	assert.Equal(t, "req-2", response.CorrelationID)
	assert.Equal(t, "X-TEST", response.Type())
	assert.Equal(t, "ok", response.Body["status"])
	assert.NotEmpty(t, response.ID)
	assert.NotEqual(t, "req-2", response.ID)
}

func TestHandlerPanicDoesNotStopDispatch(t *testing.T) {
	f := newHubFixture(t)
	client, sink := f.addClient(t, "c1")

	f.hub.RegisterHandler(func(context.Context, *model.Message, *model.Client, *Hub) (Result, error) {
		panic("boom")
	}, "X-TEST")
	f.hub.RegisterHandler(func(context.Context, *model.Message, *model.Client, *Hub) (Result, error) {
		return Reply(map[string]interface{}{"status": "ok"}), nil
	}, "X-TEST")

	handled := f.hub.HandleIncoming(context.Background(), rawRequest("req-3", "X-TEST"), client)
	assert.True(t, handled)

	msgs := waitForMessages(t, sink, 1)
	assert.Equal(t, "ok", msgs[0].Body["status"])
}

func TestHandlerErrorCountsAsDeclined(t *testing.T) {
	f := newHubFixture(t)
	client, sink := f.addClient(t, "c1")

	f.hub.RegisterHandler(func(context.Context, *model.Message, *model.Client, *Hub) (Result, error) {
		return Declined(), errors.New("database offline")
	}, "X-TEST")

	handled := f.hub.HandleIncoming(context.Background(), rawRequest("req-4", "X-TEST"), client)
	assert.False(t, handled)

	msgs := waitForMessages(t, sink, 1)
	assert.Equal(t, "ACK-NAK", msgs[0].Type())
}

func TestSpecificHandlersRunBeforeWildcard(t *testing.T) {
	f := newHubFixture(t)
	client, _ := f.addClient(t, "c1")

	var mu sync.Mutex
	var order []string
	record := func(label string) Handler {
		return func(context.Context, *model.Message, *model.Client, *Hub) (Result, error) {
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
			return Handled(), nil
		}
	}

	f.hub.RegisterHandler(record("wildcard"))
	f.hub.RegisterHandler(record("specific-1"), "X-TEST")
	f.hub.RegisterHandler(record("specific-2"), "X-TEST")

	f.hub.HandleIncoming(context.Background(), rawRequest("req-5", "X-TEST"), client)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"specific-1", "specific-2", "wildcard"}, order)
}

func TestReplyWithRejectsMismatchedCorrelation(t *testing.T) {
	f := newHubFixture(t)
	client, sink := f.addClient(t, "c1")

	f.hub.RegisterHandler(func(_ context.Context, _ *model.Message, _ *model.Client, h *Hub) (Result, error) {
		other, err := h.CreateResponseTo(&model.Message{ID: "someone-else"}, map[string]interface{}{"type": "X-TEST"})
		require.NoError(t, err)
		return ReplyWith(other), nil
	}, "X-TEST")

	handled := f.hub.HandleIncoming(context.Background(), rawRequest("req-6", "X-TEST"), client)
	assert.False(t, handled)

	msgs := waitForMessages(t, sink, 1)
	assert.Equal(t, "ACK-NAK", msgs[0].Type())
	assert.Equal(t, "req-6", msgs[0].CorrelationID)
}

func TestUnregisterHandlerRemovesOneRegistration(t *testing.T) {
	f := newHubFixture(t)
	client, _ := f.addClient(t, "c1")

	var calls int32
	var mu sync.Mutex
	handler := func(context.Context, *model.Message, *model.Client, *Hub) (Result, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return Handled(), nil
	}

	f.hub.RegisterHandler(handler, "X-TEST")
	f.hub.RegisterHandler(handler, "X-TEST")

	f.hub.HandleIncoming(context.Background(), rawRequest("req-7", "X-TEST"), client)
	mu.Lock()
	assert.EqualValues(t, 2, calls)
	calls = 0
	mu.Unlock()

	f.hub.UnregisterHandler(handler, "X-TEST")
	f.hub.HandleIncoming(context.Background(), rawRequest("req-8", "X-TEST"), client)
	mu.Lock()
	defer mu.Unlock()
	assert.EqualValues(t, 1, calls)
}

func TestUnregisterHandlerMatchesByCodePointer(t *testing.T) {
	f := newHubFixture(t)
	client, _ := f.addClient(t, "c1")

	var mu sync.Mutex
	var order []string
	record := func(label string) Handler {
		return func(context.Context, *model.Message, *model.Client, *Hub) (Result, error) {
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
			return Handled(), nil
		}
	}
	first := record("first")
	second := record("second")
	f.hub.RegisterHandler(first, "X-TEST")
	f.hub.RegisterHandler(second, "X-TEST")

	// Both closures come from the same function literal, so removal by
	// code pointer drops the earliest registration regardless of which
	// closure instance is passed in. UseHandler is the precise variant.
	f.hub.UnregisterHandler(second, "X-TEST")

	f.hub.HandleIncoming(context.Background(), rawRequest("req-10", "X-TEST"), client)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"second"}, order)
}

func TestUseHandlerReleasesItsOwnRegistrationOnly(t *testing.T) {
	f := newHubFixture(t)
	client, _ := f.addClient(t, "c1")

	var calls int
	var mu sync.Mutex
	handler := func(context.Context, *model.Message, *model.Client, *Hub) (Result, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return Handled(), nil
	}

	f.hub.RegisterHandler(handler, "X-TEST")
	release := f.hub.UseHandler(handler, "X-TEST")
	release()
	release() // safe to call twice

	f.hub.HandleIncoming(context.Background(), rawRequest("req-9", "X-TEST"), client)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestValidationFailureIsNegativelyAcknowledged(t *testing.T) {
	f := newHubFixture(t)
	client, sink := f.addClient(t, "c1")

	raw := map[string]interface{}{"id": "bad-1"} // no body
	handled := f.hub.HandleIncoming(context.Background(), raw, client)
	assert.True(t, handled)

	msgs := waitForMessages(t, sink, 1)
	assert.Equal(t, "ACK-NAK", msgs[0].Type())
	assert.Equal(t, "bad-1", msgs[0].CorrelationID)
	assert.NotEmpty(t, msgs[0].Body["reason"])
}

func TestValidationFailureWithoutIDIsDroppedSilently(t *testing.T) {
	f := newHubFixture(t)
	client, sink := f.addClient(t, "c1")

	raw := map[string]interface{}{"body": map[string]interface{}{"type": "X-TEST"}}
	handled := f.hub.HandleIncoming(context.Background(), raw, client)
	assert.False(t, handled)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sink.count())
}

func TestErrorMessagesAreDroppedSilently(t *testing.T) {
	f := newHubFixture(t)
	client, sink := f.addClient(t, "c1")

	var called bool
	f.hub.RegisterHandler(func(context.Context, *model.Message, *model.Client, *Hub) (Result, error) {
		called = true
		return Handled(), nil
	}, "X-TEST")

	raw := rawRequest("err-1", "X-TEST")
	raw["error"] = map[string]interface{}{"code": 42}
	handled := f.hub.HandleIncoming(context.Background(), raw, client)
	assert.True(t, handled)

	time.Sleep(50 * time.Millisecond)
	assert.False(t, called)
	assert.Zero(t, sink.count())
}

func TestBroadcastSkipsRemovedClients(t *testing.T) {
	f := newHubFixture(t)
	_, sinkA := f.addClient(t, "a")
	_, sinkB := f.addClient(t, "b")

	require.NoError(t, f.hub.EnqueueBroadcast(f.hub.CreateNotification(
		map[string]interface{}{"type": "SYS-MSG", "seq": 1})))
	waitForMessages(t, sinkA, 1)
	waitForMessages(t, sinkB, 1)

	f.clients.Remove("b")

	require.NoError(t, f.hub.EnqueueBroadcast(f.hub.CreateNotification(
		map[string]interface{}{"type": "SYS-MSG", "seq": 2})))
	waitForMessages(t, sinkA, 2)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sinkB.count())
}

func TestBroadcastPrefersNativeBroadcaster(t *testing.T) {
	f := newHubFixture(t)

	var mu sync.Mutex
	var broadcasts int
	require.NoError(t, f.channelTypes.Register(model.ChannelTypeDescriptor{
		ID: "native",
		Broadcaster: func(context.Context, *model.Message) error {
			mu.Lock()
			broadcasts++
			mu.Unlock()
			return nil
		},
	}))

	// No clients of the native type yet: the broadcaster must stay idle.
	require.NoError(t, f.hub.EnqueueBroadcast(f.hub.CreateNotification(
		map[string]interface{}{"type": "SYS-MSG"})))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, broadcasts)
	mu.Unlock()

	sink := &captureSink{}
	require.NoError(t, f.clients.Add(&model.Client{ID: "n1", ChannelType: "native", Channel: sink}))

	require.NoError(t, f.hub.EnqueueBroadcast(f.hub.CreateNotification(
		map[string]interface{}{"type": "SYS-MSG"})))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return broadcasts == 1
	}, time.Second, 5*time.Millisecond)

	// The native fan-out replaces the per-client delivery.
	assert.Zero(t, sink.count())
}

func TestUnicastToRemovedClientIsDropped(t *testing.T) {
	f := newHubFixture(t)
	client, sink := f.addClient(t, "c1")
	f.clients.Remove("c1")

	require.NoError(t, f.hub.Enqueue(
		f.hub.CreateNotification(map[string]interface{}{"type": "SYS-MSG"}),
		To(client.ID), nil))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sink.count())
}

func TestBroadcastValidation(t *testing.T) {
	f := newHubFixture(t)

	response, err := f.hub.CreateResponseTo(
		&model.Message{ID: "req"}, map[string]interface{}{"type": "X-TEST"})
	require.NoError(t, err)

	assert.Error(t, f.hub.Enqueue(response, Broadcast, nil))

	notification := f.hub.CreateNotification(map[string]interface{}{"type": "SYS-MSG"})
	assert.Error(t, f.hub.Enqueue(notification, Broadcast, &model.Message{ID: "req"}))
}

func TestEnqueueFailsWhenQueueIsFull(t *testing.T) {
	logger := logging.NewLogger()
	logger.SetOutput(io.Discard)
	h := New(logger, nil) // not running, so nothing consumes the queue

	notification := h.CreateNotification(map[string]interface{}{"type": "SYS-MSG"})
	for i := 0; i < outboundQueueSize; i++ {
		require.NoError(t, h.EnqueueBroadcast(notification))
	}
	assert.ErrorIs(t, h.EnqueueBroadcast(notification), ErrQueueFull)
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	f := newHubFixture(t)
	f.hub.Close()

	notification := f.hub.CreateNotification(map[string]interface{}{"type": "SYS-MSG"})
	assert.ErrorIs(t, f.hub.EnqueueBroadcast(notification), ErrHubClosed)
}

func TestResponsesCarryUniqueIDs(t *testing.T) {
	f := newHubFixture(t)
	client, sink := f.addClient(t, "c1")

	f.hub.RegisterHandler(func(context.Context, *model.Message, *model.Client, *Hub) (Result, error) {
		return Reply(map[string]interface{}{}), nil
	}, "X-TEST")

	for i := 0; i < 10; i++ {
		f.hub.HandleIncoming(context.Background(), rawRequest(fmt.Sprintf("req-%d", i), "X-TEST"), client)
	}

	msgs := waitForMessages(t, sink, 10)
	seen := make(map[string]bool)
	for _, msg := range msgs {
		assert.False(t, seen[msg.ID], "duplicate message ID %s", msg.ID)
		seen[msg.ID] = true
	}
}
