package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"flockwave/pkg/logging"
	"flockwave/pkg/model"
)

const (
	// settleWait is how long a transitioning connection may settle before
	// its state change is reported anyway.
	settleWait = 100 * time.Millisecond

	// requestBacklog bounds the number of not-yet-processed state change
	// requests; excess requests are dropped.
	requestBacklog = 256
)

// stateChange is one queued connection state transition.
type stateChange struct {
	id       string
	oldState model.ConnectionState
	newState model.ConnectionState
}

// entry tracks one connection whose transition is being waited out. The
// last stable state is the state the connection left when the wait began;
// settling back into it suppresses the report.
type entry struct {
	lastStable model.ConnectionState
	settled    chan struct{}
	once       sync.Once
}

func (e *entry) notifySettled() {
	e.once.Do(func() { close(e.settled) })
}

// ConnectionStateLimiter reports connection state changes. Changes into a
// stable state are reported immediately, except when the connection just
// settled back into the stable state it started transitioning from.
// Changes into a transitioning state are held back briefly to see whether
// the transition completes; a transition that does not settle in time is
// reported anyway.
type ConnectionStateLimiter struct {
	factory Factory
	logger  logging.Logger

	requests chan stateChange
	pending  chan string

	mu      sync.Mutex
	name    string
	waiting map[string]*entry
}

// NewConnectionStateLimiter creates a limiter for connection state change
// notifications.
func NewConnectionStateLimiter(factory Factory, logger logging.Logger) *ConnectionStateLimiter {
	return &ConnectionStateLimiter{
		factory:  factory,
		logger:   logger,
		requests: make(chan stateChange, requestBacklog),
		pending:  make(chan string),
		waiting:  make(map[string]*entry),
	}
}

// SetName records the message group name for log messages.
func (c *ConnectionStateLimiter) SetName(name string) {
	c.mu.Lock()
	c.name = name
	c.mu.Unlock()
}

// AddRequest submits a state transition as a connection ID followed by the
// old and the new state. The request is dropped when the backlog is full.
func (c *ConnectionStateLimiter) AddRequest(args ...interface{}) error {
	if len(args) != 3 {
		return fmt.Errorf("expected connection ID, old state and new state, got %d argument(s)", len(args))
	}
	id, ok := args[0].(string)
	if !ok {
		return fmt.Errorf("expected string connection ID, got %T", args[0])
	}
	oldState, ok := args[1].(model.ConnectionState)
	if !ok {
		return fmt.Errorf("expected old connection state, got %T", args[1])
	}
	newState, ok := args[2].(model.ConnectionState)
	if !ok {
		return fmt.Errorf("expected new connection state, got %T", args[2])
	}

	select {
	case c.requests <- stateChange{id: id, oldState: oldState, newState: newState}:
	default:
		c.logger.WithFields(logrus.Fields{
			"id":    id,
			"group": c.groupName(),
		}).Warn("Dropping connection state change request; backlog is full")
	}
	return nil
}

// Run processes state change requests until the context is cancelled.
func (c *ConnectionStateLimiter) Run(ctx context.Context, dispatch Dispatcher) error {
	go c.dispatcherTask(ctx, dispatch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case req := <-c.requests:
			send := false
			if req.newState.IsTransitioning() {
				if req.oldState.IsTransitioning() {
					// A transition into another transition is odd; report
					// the new state straight away.
					send = true
				} else if c.lookupEntry(req.id) == nil {
					e := &entry{lastStable: req.oldState, settled: make(chan struct{})}
					c.storeEntry(req.id, e)
					go c.waitToSeeIfSettles(ctx, req.id, e)
				}
			} else {
				send = true
				if e := c.lookupEntry(req.id); e != nil {
					e.notifySettled()
					if e.lastStable == req.newState {
						// The connection settled back into the state it
						// started from; nothing to say.
						send = false
					}
				}
			}

			if send {
				select {
				case c.pending <- req.id:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// dispatcherTask serializes the actual emissions. Waiter entries are
// removed here, after the dispatch, and nowhere else.
func (c *ConnectionStateLimiter) dispatcherTask(ctx context.Context, dispatch Dispatcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-c.pending:
			c.removeEntry(id)
			c.emit(ctx, dispatch, id)
		}
	}
}

// waitToSeeIfSettles reports the connection after the settle period unless
// a stable state arrived for it in the meantime.
func (c *ConnectionStateLimiter) waitToSeeIfSettles(ctx context.Context, id string, e *entry) {
	timer := time.NewTimer(settleWait)
	defer timer.Stop()

	select {
	case <-e.settled:
	case <-ctx.Done():
	case <-timer.C:
		// The transition did not settle; dispatch on our own.
		select {
		case c.pending <- id:
		case <-ctx.Done():
		}
	}
}

func (c *ConnectionStateLimiter) lookupEntry(id string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting[id]
}

func (c *ConnectionStateLimiter) storeEntry(id string, e *entry) {
	c.mu.Lock()
	c.waiting[id] = e
	c.mu.Unlock()
}

func (c *ConnectionStateLimiter) removeEntry(id string) {
	c.mu.Lock()
	delete(c.waiting, id)
	c.mu.Unlock()
}

func (c *ConnectionStateLimiter) emit(ctx context.Context, dispatch Dispatcher, id string) {
	msg, err := c.factory([]string{id})
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"id":    id,
			"group": c.groupName(),
			"error": err.Error(),
		}).Error("Failed to create connection state message")
		return
	}
	if err := dispatch(ctx, msg); err != nil {
		c.logger.WithFields(logrus.Fields{
			"id":    id,
			"group": c.groupName(),
			"error": err.Error(),
		}).Error("Failed to dispatch connection state message")
	}
}

func (c *ConnectionStateLimiter) groupName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}
