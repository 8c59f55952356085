// Package ratelimit collapses bursts of per-entity update requests into a
// paced stream of batched envelopes dispatched through the message hub.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"flockwave/pkg/logging"
	"flockwave/pkg/model"
)

// Dispatcher sends one envelope produced by a rate limiter through the
// message hub, typically as a broadcast.
type Dispatcher func(ctx context.Context, msg *model.Message) error

// Factory builds the envelope for a batch of entity IDs.
type Factory func(ids []string) (*model.Message, error)

// ErrAlreadyRunning is reported when a limiter is registered after the
// rate limiting tasks have been started; this is a misuse by extension
// code, not a runtime condition.
var ErrAlreadyRunning = errors.New("rate limiters are already running")

// Limiter is a task that accepts add-requests and emits batched messages
// through a dispatcher as soon as its rate limiting rules allow it.
type Limiter interface {
	// AddRequest submits a request; the interpretation of the arguments
	// is specific to each limiter implementation.
	AddRequest(args ...interface{}) error

	// Run executes the limiter until the context is cancelled.
	Run(ctx context.Context, dispatch Dispatcher) error
}

// named is implemented by limiters that want to know the message group
// name they were registered under.
type named interface {
	SetName(name string)
}

// Registry maps message group names to rate limiters and runs them in one
// supervised group.
type Registry struct {
	logger     logging.Logger
	dispatcher Dispatcher

	mu       sync.Mutex
	limiters map[string]Limiter
	running  bool
}

// NewRegistry creates a limiter registry that emits messages through the
// given dispatcher.
func NewRegistry(dispatcher Dispatcher, logger logging.Logger) *Registry {
	return &Registry{
		logger:     logger,
		dispatcher: dispatcher,
		limiters:   make(map[string]Limiter),
	}
}

// Register associates a message group name with a rate limiter. Limiters
// cannot be registered while the rate limiting tasks are running.
func (r *Registry) Register(name string, limiter Limiter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrAlreadyRunning
	}
	r.limiters[name] = limiter
	if n, ok := limiter.(named); ok {
		n.SetName(name)
	}
	return nil
}

// RequestToSend forwards a request to the rate limiter registered under
// the given message group name.
func (r *Registry) RequestToSend(name string, args ...interface{}) error {
	r.mu.Lock()
	limiter, ok := r.limiters[name]
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("no rate limiter registered for %q", name)
	}
	return limiter.AddRequest(args...)
}

// Run starts every registered limiter in one supervised group and blocks
// until all of them terminate.
func (r *Registry) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.running = true
	limiters := make([]Limiter, 0, len(r.limiters))
	for _, limiter := range r.limiters {
		limiters = append(limiters, limiter)
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	r.logger.WithField("count", len(limiters)).Info("Starting rate limiters")

	g, ctx := errgroup.WithContext(ctx)
	for _, limiter := range limiters {
		limiter := limiter
		g.Go(func() error {
			return limiter.Run(ctx, r.dispatcher)
		})
	}
	return g.Wait()
}
