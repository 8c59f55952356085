// Package hub implements the message hub of the Flockwave server: the
// central mailbox that validates and dispatches incoming envelopes to
// registered handlers, queues outbound messages towards one client or all
// connected clients, and keeps a cached broadcast plan over the client and
// channel type registries.
package hub

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"flockwave/internal/metrics"
	"flockwave/internal/registries"
	"flockwave/pkg/logging"
	"flockwave/pkg/model"
)

// outboundQueueSize is the capacity of the bounded outbound message queue.
const outboundQueueSize = 4096

// unhandledMessageReason is the NAK reason sent back when no handler
// managed the incoming message.
const unhandledMessageReason = "No handler managed to parse this message in the server"

var (
	// ErrQueueFull is reported by Enqueue when the outbound queue is at
	// capacity. The caller decides whether to log, drop or retry.
	ErrQueueFull = errors.New("outbound message queue is full")

	// ErrHubClosed is reported when a message is submitted after Close.
	ErrHubClosed = errors.New("message hub is closed")
)

// Recipient designates the destination of an outbound message: a client
// ID, a resolved client object, or, as the zero value, every connected
// client.
type Recipient struct {
	id     string
	client *model.Client
}

// Broadcast designates all connected clients.
var Broadcast = Recipient{}

// To designates the client with the given ID; the ID is resolved against
// the client registry at delivery time.
func To(id string) Recipient {
	return Recipient{id: id}
}

// ToClient designates an already-resolved client object.
func ToClient(client *model.Client) Recipient {
	return Recipient{client: client}
}

func (r Recipient) isBroadcast() bool {
	return r.id == "" && r.client == nil
}

// request is a single queued send or broadcast.
type request struct {
	message      *model.Message
	to           Recipient
	inResponseTo *model.Message
}

// handlerEntry associates a registered handler with an identity that
// survives duplicate registrations of the same function.
type handlerEntry struct {
	fn  Handler
	key uintptr
}

// Hub is the central message hub of a Flockwave server.
type Hub struct {
	logger  logging.Logger
	builder *model.Builder
	metrics *metrics.Metrics

	mu             sync.RWMutex
	handlersByType map[string][]*handlerEntry // "" is the wildcard slot

	queue     chan request
	done      chan struct{}
	closeOnce sync.Once

	planMu        sync.Mutex
	broadcastPlan []planEntry // nil means the plan is stale

	clientRegistry      *registries.ClientRegistry
	channelTypeRegistry *registries.ChannelTypeRegistry
	detachFns           []func()
}

// planEntry is one fan-out step of a committed broadcast plan.
type planEntry struct {
	channelType string
	send        model.Broadcaster
}

// New creates a message hub. The metrics set may be nil.
func New(logger logging.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		logger:         logger,
		builder:        model.NewBuilder(),
		metrics:        m,
		handlersByType: make(map[string][]*handlerEntry),
		queue:          make(chan request, outboundQueueSize),
		done:           make(chan struct{}),
	}
}

// Builder returns the envelope builder of the hub.
func (h *Hub) Builder() *model.Builder {
	return h.builder
}

// QueueDepth returns the occupancy and the capacity of the outbound queue.
func (h *Hub) QueueDepth() (int, int) {
	return len(h.queue), cap(h.queue)
}

// AttachClientRegistry wires the hub to the registry of connected clients
// and invalidates the broadcast plan whenever the registry changes.
func (h *Hub) AttachClientRegistry(registry *registries.ClientRegistry) {
	h.clientRegistry = registry
	if registry != nil {
		h.detachFns = append(h.detachFns,
			registry.Added.Connect(func(*model.Client) { h.invalidateBroadcastPlan() }),
			registry.Removed.Connect(func(*model.Client) { h.invalidateBroadcastPlan() }),
		)
	}
	h.invalidateBroadcastPlan()
}

// AttachChannelTypeRegistry wires the hub to the registry of channel
// types and invalidates the broadcast plan whenever the registry changes.
func (h *Hub) AttachChannelTypeRegistry(registry *registries.ChannelTypeRegistry) {
	h.channelTypeRegistry = registry
	if registry != nil {
		h.detachFns = append(h.detachFns,
			registry.Added.Connect(func(model.ChannelTypeDescriptor) { h.invalidateBroadcastPlan() }),
			registry.Removed.Connect(func(model.ChannelTypeDescriptor) { h.invalidateBroadcastPlan() }),
		)
	}
	h.invalidateBroadcastPlan()
}

// Detach unsubscribes the hub from the registries it was attached to.
func (h *Hub) Detach() {
	for _, detach := range h.detachFns {
		detach()
	}
	h.detachFns = nil
}

// Acknowledge creates a positive or negative acknowledgment of the given
// message. The reason is only attached to negative acknowledgments.
func (h *Hub) Acknowledge(request *model.Message, outcome bool, reason string) (*model.Message, error) {
	return h.builder.Acknowledge(request, outcome, reason)
}

// CreateNotification creates a notification envelope around the body.
func (h *Hub) CreateNotification(body map[string]interface{}) *model.Message {
	return h.builder.CreateNotification(body)
}

// CreateResponseTo creates a response envelope answering the message.
func (h *Hub) CreateResponseTo(request *model.Message, body map[string]interface{}) (*model.Message, error) {
	return h.builder.CreateResponseTo(request, body)
}

// createResponseOrNotification wraps a raw body: as a response when the
// request being answered is known, as a notification otherwise.
func (h *Hub) createResponseOrNotification(body map[string]interface{}, inResponseTo *model.Message) (*model.Message, error) {
	if inResponseTo == nil {
		return h.builder.CreateNotification(body), nil
	}
	return h.builder.CreateResponseTo(inResponseTo, body)
}

// ---------------------------------------------------------------------------
// Handler registration

// RegisterHandler registers a handler for the given message types. With no
// types, the handler becomes a wildcard handler that sees every incoming
// message after the type-specific handlers. Registering the same handler
// multiple times is allowed; every registration is dispatched separately.
func (h *Hub) RegisterHandler(handler Handler, types ...string) {
	h.registerEntries(h.newEntries(handler, types), types)
}

// UnregisterHandler removes the first matching registration of the handler
// from each of the given type lists; missing registrations are ignored.
// With no types, the wildcard registration is removed. Handlers are
// matched by code pointer, so two closures built from the same function
// literal are indistinguishable here; when that matters, register with
// UseHandler instead and call the returned release function, which removes
// exactly its own registrations.
func (h *Hub) UnregisterHandler(handler Handler, types ...string) {
	key := reflect.ValueOf(handler).Pointer()

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, messageType := range normalizeTypes(types) {
		entries := h.handlersByType[messageType]
		for i, entry := range entries {
			if entry.key == key {
				h.handlersByType[messageType] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
	}
}

// UseHandler registers a handler and returns a release function that
// removes exactly the registrations made by this call. The release
// function must be called on every exit path of the scope.
func (h *Hub) UseHandler(handler Handler, types ...string) (release func()) {
	entries := h.newEntries(handler, types)
	h.registerEntries(entries, types)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for i, messageType := range normalizeTypes(types) {
				list := h.handlersByType[messageType]
				for j, entry := range list {
					if entry == entries[i] {
						h.handlersByType[messageType] = append(list[:j:j], list[j+1:]...)
						break
					}
				}
			}
		})
	}
}

func (h *Hub) newEntries(handler Handler, types []string) []*handlerEntry {
	key := reflect.ValueOf(handler).Pointer()
	entries := make([]*handlerEntry, len(normalizeTypes(types)))
	for i := range entries {
		entries[i] = &handlerEntry{fn: handler, key: key}
	}
	return entries
}

func (h *Hub) registerEntries(entries []*handlerEntry, types []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, messageType := range normalizeTypes(types) {
		h.handlersByType[messageType] = append(h.handlersByType[messageType], entries[i])
	}
}

// normalizeTypes maps an empty type list to the single wildcard slot.
func normalizeTypes(types []string) []string {
	if len(types) == 0 {
		return []string{""}
	}
	return types
}

// handlersFor snapshots the handlers applicable to a message type:
// type-specific registrations first, wildcard registrations after.
func (h *Hub) handlersFor(messageType string) []*handlerEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	specific := h.handlersByType[messageType]
	wildcard := h.handlersByType[""]
	snapshot := make([]*handlerEntry, 0, len(specific)+len(wildcard))
	snapshot = append(snapshot, specific...)
	snapshot = append(snapshot, wildcard...)
	return snapshot
}

// ---------------------------------------------------------------------------
// Outbound queue

// Send places a message in the outbound queue, blocking while the queue is
// at capacity. An empty recipient broadcasts the message, in which case it
// must be a notification and must not respond to anything.
func (h *Hub) Send(ctx context.Context, msg *model.Message, to Recipient, inResponseTo *model.Message) error {
	req, err := h.newRequest(msg, to, inResponseTo)
	if err != nil {
		return err
	}
	select {
	case h.queue <- req:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendBody wraps a raw body in an appropriate envelope (a response when
// inResponseTo is given, a notification otherwise) and sends it.
func (h *Hub) SendBody(ctx context.Context, body map[string]interface{}, to Recipient, inResponseTo *model.Message) error {
	msg, err := h.createResponseOrNotification(body, inResponseTo)
	if err != nil {
		return err
	}
	return h.Send(ctx, msg, to, inResponseTo)
}

// Enqueue places a message in the outbound queue without blocking. When
// the queue is full, ErrQueueFull is returned and the message is dropped;
// typical callers log and move on.
func (h *Hub) Enqueue(msg *model.Message, to Recipient, inResponseTo *model.Message) error {
	req, err := h.newRequest(msg, to, inResponseTo)
	if err != nil {
		return err
	}
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}
	select {
	case h.queue <- req:
		return nil
	default:
		h.metrics.CountDropped("queue_full")
		return ErrQueueFull
	}
}

// EnqueueBody wraps a raw body in an appropriate envelope and enqueues it
// without blocking.
func (h *Hub) EnqueueBody(body map[string]interface{}, to Recipient, inResponseTo *model.Message) error {
	msg, err := h.createResponseOrNotification(body, inResponseTo)
	if err != nil {
		return err
	}
	return h.Enqueue(msg, to, inResponseTo)
}

// EnqueueBroadcast enqueues a notification towards every connected client
// without blocking.
func (h *Hub) EnqueueBroadcast(msg *model.Message) error {
	return h.Enqueue(msg, Broadcast, nil)
}

func (h *Hub) newRequest(msg *model.Message, to Recipient, inResponseTo *model.Message) (request, error) {
	if msg == nil {
		return request{}, fmt.Errorf("message must not be nil")
	}
	if to.isBroadcast() {
		if inResponseTo != nil {
			return request{}, fmt.Errorf("broadcast messages cannot be sent in response to a particular message")
		}
		if msg.Kind() != model.KindNotification {
			return request{}, fmt.Errorf("only notifications may be broadcast")
		}
	}
	return request{message: msg, to: to, inResponseTo: inResponseTo}, nil
}

// Close shuts the outbound queue down. Queued messages are still
// dispatched; new submissions fail with ErrHubClosed and the dispatch
// loop terminates once the queue has drained.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Run consumes the outbound queue and spawns one delivery worker per
// request until the context is cancelled or the hub is closed. Deliveries
// to different clients run concurrently; the hub does not order messages
// sent to the same client.
func (h *Hub) Run(ctx context.Context) error {
	var workers sync.WaitGroup
	defer workers.Wait()

	dispatch := func(req request) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if req.to.isBroadcast() {
				h.broadcastMessage(ctx, req.message)
			} else {
				h.sendToRecipient(ctx, req)
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.done:
			// Drain whatever was queued before the hub was closed.
			for {
				select {
				case req := <-h.queue:
					dispatch(req)
				default:
					return nil
				}
			}
		case req := <-h.queue:
			dispatch(req)
		}
	}
}

// ---------------------------------------------------------------------------
// Unicast delivery

func (h *Hub) sendToRecipient(ctx context.Context, req request) {
	h.logMessageSending(req.message, req.to, req.inResponseTo)

	client := req.to.client
	if client == nil {
		resolved, ok := h.lookupClient(req.to.id)
		if !ok {
			h.logger.WithField("id", req.to.id).Warn("Client is gone; not sending message")
			h.metrics.CountDropped("client_gone")
			return
		}
		client = resolved
	}

	err := client.Channel.Send(ctx, req.message)
	switch {
	case err == nil:
		h.metrics.CountSent(req.message.Type(), "unicast")
	case errors.Is(err, model.ErrChannelClosed):
		h.logger.WithField("id", client.ID).Warn("Client is gone; not sending message")
		h.metrics.CountDropped("channel_closed")
	default:
		h.logger.WithError(err).WithField("id", client.ID).Error("Error while sending message to client")
		h.metrics.CountDropped("send_error")
	}
}

func (h *Hub) lookupClient(id string) (*model.Client, bool) {
	if h.clientRegistry == nil {
		return nil, false
	}
	return h.clientRegistry.Lookup(id)
}

// ---------------------------------------------------------------------------
// Broadcast delivery and plan cache

func (h *Hub) invalidateBroadcastPlan() {
	h.planMu.Lock()
	h.broadcastPlan = nil
	h.planMu.Unlock()
}

// broadcastPlanSnapshot returns the current broadcast plan, rebuilding it
// first when a registry change invalidated it.
func (h *Hub) broadcastPlanSnapshot() ([]planEntry, error) {
	h.planMu.Lock()
	defer h.planMu.Unlock()

	if h.broadcastPlan == nil {
		plan, err := h.commitBroadcastPlan()
		if err != nil {
			return nil, err
		}
		h.broadcastPlan = plan
	}
	return h.broadcastPlan, nil
}

// commitBroadcastPlan derives the fan-out steps covering every connected
// client: the native broadcaster of a channel type when it has one and at
// least one connected client, a bound per-client send otherwise.
func (h *Hub) commitBroadcastPlan() ([]planEntry, error) {
	if h.clientRegistry == nil {
		return nil, fmt.Errorf("message hub does not have a client registry yet")
	}
	if h.channelTypeRegistry == nil {
		return nil, fmt.Errorf("message hub does not have a channel type registry yet")
	}

	plan := make([]planEntry, 0)
	for _, channelTypeID := range h.channelTypeRegistry.IDs() {
		descriptor, ok := h.channelTypeRegistry.Lookup(channelTypeID)
		if !ok {
			continue
		}
		if descriptor.Broadcaster != nil {
			if h.clientRegistry.HasClientsForChannelType(descriptor.ID) {
				plan = append(plan, planEntry{channelType: descriptor.ID, send: descriptor.Broadcaster})
			}
		} else {
			for _, clientID := range h.clientRegistry.ClientIDsForChannelType(descriptor.ID) {
				plan = append(plan, planEntry{
					channelType: descriptor.ID,
					send:        h.boundSend(clientID),
				})
			}
		}
	}
	return plan, nil
}

// boundSend returns a broadcast plan step delivering to one client by ID.
// A client that disappeared since the plan was committed is treated the
// same way as a closed channel.
func (h *Hub) boundSend(clientID string) model.Broadcaster {
	return func(ctx context.Context, msg *model.Message) error {
		client, ok := h.lookupClient(clientID)
		if !ok {
			return model.ErrChannelClosed
		}
		return client.Channel.Send(ctx, msg)
	}
}

func (h *Hub) broadcastMessage(ctx context.Context, msg *model.Message) {
	plan, err := h.broadcastPlanSnapshot()
	if err != nil {
		h.logger.WithError(err).Error("Cannot broadcast message")
		h.metrics.CountDropped("no_broadcast_plan")
		return
	}
	if len(plan) == 0 {
		return
	}

	h.logMessageSending(msg, Broadcast, nil)

	failures := 0
	for _, entry := range plan {
		err := entry.send(ctx, msg)
		switch {
		case err == nil:
		case errors.Is(err, model.ErrChannelClosed):
			// Client is probably gone; no problem.
		default:
			failures++
			if h.metrics != nil {
				h.metrics.BroadcastFailures.WithLabelValues(entry.channelType).Inc()
			}
		}
	}
	h.metrics.CountSent(msg.Type(), "broadcast")

	if failures > 0 {
		h.logger.Errorf("Error while broadcasting message to %d client(s)", failures)
	}
}

// ---------------------------------------------------------------------------
// Incoming pipeline

// HandleIncoming validates a decoded but unvalidated envelope, dispatches
// it to the registered handlers and arranges for an ACK-NAK when nobody
// handled it. It returns whether the message was handled by at least one
// handler or internally by the hub itself.
func (h *Hub) HandleIncoming(ctx context.Context, raw map[string]interface{}, sender *model.Client) bool {
	msg, err := model.FromRaw(raw)
	if err != nil {
		h.logger.WithError(err).Error("Failed to validate incoming message")
		if id, ok := model.RawMessageID(raw); ok {
			nak, ackErr := h.builder.Acknowledge(&model.Message{ID: id}, false, err.Error())
			if ackErr == nil {
				if sendErr := h.Send(ctx, nak, ToClient(sender), &model.Message{ID: id}); sendErr != nil {
					h.logger.WithError(sendErr).Warn("Failed to send validation NAK")
				}
			}
			return true
		}
		// The protocol permits no well-formed response without an ID.
		return false
	}

	if _, hasError := raw["error"]; hasError {
		h.logger.Warn("Error message from client silently dropped")
		return true
	}

	h.logger.WithFields(logging.Fields{
		"id":        msg.ID,
		"semantics": logging.SemanticsRequest,
	}).Infof("Received %s message", msg.Type())
	h.metrics.CountReceived(msg.Type())

	handled := h.feedMessageToHandlers(ctx, msg, sender)

	if !handled {
		h.logger.WithField("id", msg.ID).Warnf("Unhandled message: %s", msg.Type())
		nak, err := h.builder.Acknowledge(msg, false, unhandledMessageReason)
		if err == nil {
			if sendErr := h.Send(ctx, nak, ToClient(sender), msg); sendErr != nil {
				h.logger.WithError(sendErr).Warn("Failed to send unhandled-message NAK")
			}
		}
		return false
	}
	return true
}

// feedMessageToHandlers runs the applicable handlers strictly in order and
// interprets their results. Failures inside a handler are isolated: they
// are logged and the next handler still runs.
func (h *Hub) feedMessageToHandlers(ctx context.Context, msg *model.Message, sender *model.Client) bool {
	handled := false
	for _, entry := range h.handlersFor(msg.Type()) {
		result, err := h.callHandler(ctx, entry.fn, msg, sender)
		if err != nil {
			h.logger.WithError(err).WithField("id", msg.ID).Error(
				"Error while calling handler for incoming message; proceeding with next handler (if any)")
			continue
		}

		switch result.kind {
		case resultDeclined:
		case resultHandled:
			handled = true
		case resultBody:
			h.sendResponseBody(ctx, result.body, sender, msg)
			handled = true
		case resultResponse:
			if result.response == nil || result.response.CorrelationID != msg.ID {
				h.logger.WithField("id", msg.ID).Error(
					"Handler returned a response that does not match the request; dropping it")
				continue
			}
			if err := h.Send(ctx, result.response, ToClient(sender), msg); err != nil {
				h.logger.WithError(err).WithField("id", msg.ID).Warn("Failed to send handler response")
			}
			handled = true
		}
	}
	return handled
}

// callHandler invokes one handler behind a failure boundary: a panic is
// recovered and surfaces as an error.
func (h *Hub) callHandler(ctx context.Context, fn Handler, msg *model.Message, sender *model.Client) (result Result, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = Declined()
			err = fmt.Errorf("handler panicked: %v", recovered)
		}
	}()
	return fn(ctx, msg, sender, h)
}

// sendResponseBody wraps a handler-returned body in a response envelope
// and sends it back to the sender of the request.
func (h *Hub) sendResponseBody(ctx context.Context, body map[string]interface{}, sender *model.Client, inResponseTo *model.Message) {
	response, err := h.builder.CreateResponseTo(inResponseTo, body)
	if err != nil {
		h.logger.WithError(err).WithField("id", inResponseTo.ID).Error("Failed to create response")
		return
	}
	if err := h.Send(ctx, response, ToClient(sender), inResponseTo); err != nil {
		h.logger.WithError(err).WithField("id", inResponseTo.ID).Warn("Failed to send response")
	}
}

// ---------------------------------------------------------------------------
// Egress logging

// telemetryTypes are covered by rate limiter logs already and are kept
// out of the per-message egress log.
var telemetryTypes = map[string]bool{"UAV-INF": true, "DEV-INF": true}

func (h *Hub) logMessageSending(msg *model.Message, to Recipient, inResponseTo *model.Message) {
	messageType := msg.Type()
	if messageType == "" {
		messageType = "NO-TYPE"
	}

	switch {
	case to.isBroadcast():
		if !telemetryTypes[messageType] {
			h.logger.WithFields(logging.Fields{
				"id":        msg.ID,
				"semantics": logging.SemanticsNotification,
			}).Infof("Broadcasting %s notification", messageType)
		}
	case inResponseTo != nil:
		h.logger.WithFields(logging.Fields{
			"id":        inResponseTo.ID,
			"semantics": logging.SemanticsResponse,
		}).Infof("Sending %s response", messageType)
	case msg.Kind() == model.KindNotification:
		if !telemetryTypes[messageType] {
			h.logger.WithFields(logging.Fields{
				"id":        msg.ID,
				"semantics": logging.SemanticsNotification,
			}).Infof("Sending %s notification", messageType)
		}
	default:
		h.logger.WithFields(logging.Fields{
			"id":        msg.ID,
			"semantics": logging.SemanticsResponse,
		}).Infof("Sending %s message", messageType)
	}
}
