package dock

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flockwave/internal/hub"
	"flockwave/internal/registries"
	"flockwave/pkg/logging"
)

func newDockFixture(t *testing.T) (*Listener, *registries.ClientRegistry) {
	t.Helper()

	logger := logging.NewLogger()
	logger.SetOutput(io.Discard)

	clients := registries.NewClientRegistry()
	channelTypes := registries.NewChannelTypeRegistry()
	h := hub.New(logger, nil)
	h.AttachClientRegistry(clients)
	h.AttachChannelTypeRegistry(channelTypes)

	listener := NewListener("127.0.0.1:0", h, clients, logger)
	require.NoError(t, channelTypes.Register(listener.Descriptor()))

	ctx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		_ = h.Run(ctx)
	}()
	listenerDone := make(chan struct{})
	go func() {
		defer close(listenerDone)
		_ = listener.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		return listener.Addr() != nil
	}, time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		<-listenerDone
		<-hubDone
	})

	return listener, clients
}

func TestDockAcceptsSingleConnection(t *testing.T) {
	listener, clients := newDockFixture(t)

	first, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool {
		return clients.Count() == 1
	}, time.Second, 5*time.Millisecond)

	// The second connection must be rejected while the slot is occupied.
	second, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(time.Second))
	_, err = bufio.NewReader(second).ReadByte()
	assert.Error(t, err)
	assert.Equal(t, 1, clients.Count())
}

func TestDockSlotIsReleasedOnDisconnect(t *testing.T) {
	listener, clients := newDockFixture(t)

	first, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return clients.Count() == 1
	}, time.Second, 5*time.Millisecond)

	first.Close()
	require.Eventually(t, func() bool {
		return clients.Count() == 0
	}, time.Second, 5*time.Millisecond)

	// A new dock can take the slot now.
	second, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer second.Close()
	require.Eventually(t, func() bool {
		return clients.Count() == 1
	}, time.Second, 5*time.Millisecond)
}
