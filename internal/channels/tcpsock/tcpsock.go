// Package tcpsock exposes the Flockwave message hub over a plain TCP
// socket speaking newline-delimited JSON envelopes. The channel has no
// native broadcaster; broadcasts iterate over the individual clients.
package tcpsock

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"flockwave/internal/hub"
	"flockwave/internal/metrics"
	"flockwave/internal/registries"
	"flockwave/pkg/logging"
	"flockwave/pkg/model"
)

// ChannelTypeID is the identifier the TCP channel registers under.
const ChannelTypeID = "tcp"

// writeWait bounds a single envelope write towards a client.
const writeWait = 10 * time.Second

// Listener accepts TCP connections and attaches each one to the message
// hub as a client.
type Listener struct {
	logger   logging.Logger
	hub      *hub.Hub
	registry *registries.ClientRegistry
	metrics  *metrics.Metrics
	addr     string

	mu sync.Mutex
	ln net.Listener
}

// NewListener creates a TCP channel listener bound to the given address.
func NewListener(addr string, h *hub.Hub, registry *registries.ClientRegistry, m *metrics.Metrics, logger logging.Logger) *Listener {
	return &Listener{
		logger:   logger,
		hub:      h,
		registry: registry,
		metrics:  m,
		addr:     addr,
	}
}

// Descriptor returns the channel type descriptor to be placed in the
// channel type registry.
func (l *Listener) Descriptor() model.ChannelTypeDescriptor {
	return model.ChannelTypeDescriptor{ID: ChannelTypeID}
}

// Addr returns the bound address once Run has started listening.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Run listens for connections until the context is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	l.logger.WithField("addr", ln.Addr().String()).Info("TCP channel listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		netConn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go l.serve(ctx, netConn)
	}
}

// serve attaches one accepted connection to the hub and pumps envelopes
// out of it until it closes.
func (l *Listener) serve(ctx context.Context, netConn net.Conn) {
	sink := NewSink(netConn)
	client := &model.Client{
		ID:          uuid.New().String(),
		ChannelType: ChannelTypeID,
		Channel:     sink,
	}

	if err := l.registry.Add(client); err != nil {
		l.logger.WithError(err).Error("Failed to register TCP client")
		netConn.Close()
		return
	}
	if l.metrics != nil {
		l.metrics.ClientsConnected.WithLabelValues(ChannelTypeID).Inc()
	}
	l.logger.WithFields(logging.Fields{
		"id":     client.ID,
		"remote": netConn.RemoteAddr().String(),
	}).Info("Client connected")

	defer func() {
		sink.Close()
		l.registry.Remove(client.ID)
		if l.metrics != nil {
			l.metrics.ClientsConnected.WithLabelValues(ChannelTypeID).Dec()
		}
		l.logger.WithField("id", client.ID).Info("Client disconnected")
	}()

	dec := json.NewDecoder(netConn)
	for {
		var raw map[string]interface{}
		if err := dec.Decode(&raw); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				l.logger.WithError(err).WithField("id", client.ID).Warn("Closing connection after a malformed frame")
			}
			return
		}
		l.hub.HandleIncoming(ctx, raw, client)
	}
}

// Sink delivers envelopes to one TCP client as JSON lines. Writes are
// serialized; concurrent sends to the same client do not interleave.
type Sink struct {
	mu     sync.Mutex
	conn   net.Conn
	enc    *json.Encoder
	closed bool
}

// NewSink wraps a network connection into a JSON-lines message sink.
func NewSink(conn net.Conn) *Sink {
	return &Sink{conn: conn, enc: json.NewEncoder(conn)}
}

// Send implements model.MessageSink.
func (s *Sink) Send(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return model.ErrChannelClosed
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.enc.Encode(msg); err != nil {
		return err
	}
	return nil
}

// Close marks the sink closed and tears the connection down. Subsequent
// sends fail with ErrChannelClosed.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.conn.Close()
	}
}
