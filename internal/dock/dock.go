// Package dock accepts the connection of a docking station. Unlike the
// general TCP channel, the dock listener holds a single slot: while a
// dock is connected, further connection attempts are rejected outright.
package dock

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"

	"flockwave/internal/channels/tcpsock"
	"flockwave/internal/hub"
	"flockwave/internal/registries"
	"flockwave/pkg/logging"
	"flockwave/pkg/model"
)

// ChannelTypeID is the identifier the dock channel registers under.
const ChannelTypeID = "dock"

// Listener accepts one docking station connection at a time.
type Listener struct {
	logger   logging.Logger
	hub      *hub.Hub
	registry *registries.ClientRegistry
	addr     string

	mu   sync.Mutex
	ln   net.Listener
	busy bool
}

// NewListener creates a dock listener bound to the given address.
func NewListener(addr string, h *hub.Hub, registry *registries.ClientRegistry, logger logging.Logger) *Listener {
	return &Listener{
		logger:   logger,
		hub:      h,
		registry: registry,
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

// Run listens for dock connections until the context is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	l.logger.WithField("addr", ln.Addr().String()).Info("Dock channel listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if !l.acquireSlot() {
			l.logger.WithField("remote", conn.RemoteAddr().String()).Warn(
				"Rejecting dock connection; another dock is already connected")
			conn.Close()
			continue
		}
		go l.serve(ctx, conn)
	}
}

func (l *Listener) acquireSlot() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy {
		return false
	}
	l.busy = true
	return true
}

func (l *Listener) releaseSlot() {
	l.mu.Lock()
	l.busy = false
	l.mu.Unlock()
}

// serve attaches the dock connection to the hub. The slot is released on
// every exit path so a crashed dock can reconnect.
func (l *Listener) serve(ctx context.Context, conn net.Conn) {
	defer l.releaseSlot()

	sink := tcpsock.NewSink(conn)
	client := &model.Client{
		ID:          "dock:" + uuid.New().String(),
		ChannelType: ChannelTypeID,
		Channel:     sink,
	}

	if err := l.registry.Add(client); err != nil {
		l.logger.WithError(err).Error("Failed to register dock client")
		conn.Close()
		return
	}
	l.logger.WithFields(logging.Fields{
		"id":     client.ID,
		"remote": conn.RemoteAddr().String(),
	}).Info("Dock connected")

	defer func() {
		sink.Close()
		l.registry.Remove(client.ID)
		l.logger.WithField("id", client.ID).Info("Dock disconnected")
	}()

	dec := json.NewDecoder(conn)
	for {
		var raw map[string]interface{}
		if err := dec.Decode(&raw); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				l.logger.WithError(err).WithField("id", client.ID).Warn("Closing dock connection after a malformed frame")
			}
			return
		}
		l.hub.HandleIncoming(ctx, raw, client)
	}
}
