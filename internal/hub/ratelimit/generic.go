package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"flockwave/pkg/logging"
)

const defaultBatchDelay = 100 * time.Millisecond

// GenericLimiter coalesces entity IDs into batches. The first request
// after an idle period is emitted immediately; while requests keep
// arriving, consecutive batches are separated by at least the configured
// delay.
type GenericLimiter struct {
	factory Factory
	delay   time.Duration
	logger  logging.Logger

	mu      sync.Mutex
	name    string
	pending map[string]struct{}
	wake    chan struct{}
}

// NewGenericLimiter creates a limiter that builds outbound envelopes with
// the given factory. A non-positive delay falls back to the default of
// 100 milliseconds.
func NewGenericLimiter(factory Factory, delay time.Duration, logger logging.Logger) *GenericLimiter {
	if delay <= 0 {
		delay = defaultBatchDelay
	}
	return &GenericLimiter{
		factory: factory,
		delay:   delay,
		logger:  logger,
		pending: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// SetName records the message group name for log messages.
func (g *GenericLimiter) SetName(name string) {
	g.mu.Lock()
	g.name = name
	g.mu.Unlock()
}

// AddRequest adds one or more entity IDs to the pending set. IDs already
// pending are absorbed into the upcoming batch.
func (g *GenericLimiter) AddRequest(args ...interface{}) error {
	g.mu.Lock()
	for _, arg := range args {
		id, ok := arg.(string)
		if !ok {
			g.mu.Unlock()
			return fmt.Errorf("expected string entity ID, got %T", arg)
		}
		g.pending[id] = struct{}{}
	}
	g.mu.Unlock()

	select {
	case g.wake <- struct{}{}:
	default:
	}
	return nil
}

// take removes and returns the pending set, sorted for deterministic
// envelopes.
func (g *GenericLimiter) take() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.pending) == 0 {
		return nil
	}
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	g.pending = make(map[string]struct{})
	sort.Strings(ids)
	return ids
}

// Run emits batches until the context is cancelled. Factory failures are
// logged and the affected batch is dropped; the cadence continues.
func (g *GenericLimiter) Run(ctx context.Context, dispatch Dispatcher) error {
	timer := time.NewTimer(g.delay)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.wake:
		}

		for {
			ids := g.take()
			if len(ids) == 0 {
				break
			}
			g.emit(ctx, dispatch, ids)

			timer.Reset(g.delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
}

func (g *GenericLimiter) emit(ctx context.Context, dispatch Dispatcher, ids []string) {
	msg, err := g.factory(ids)
	if err != nil {
		g.logger.WithFields(logrus.Fields{
			"group": g.groupName(),
			"error": err.Error(),
		}).Error("Failed to create rate limited message")
		return
	}
	if err := dispatch(ctx, msg); err != nil {
		g.logger.WithFields(logrus.Fields{
			"group": g.groupName(),
			"error": err.Error(),
		}).Error("Failed to dispatch rate limited message")
	}
}

func (g *GenericLimiter) groupName() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.name
}
