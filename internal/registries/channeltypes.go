package registries

import (
	"fmt"
	"sort"
	"sync"

	"flockwave/pkg/model"
)

// ChannelTypeRegistry tracks the communication channel types the server
// can deliver messages on (e.g. "ws", "tcp").
type ChannelTypeRegistry struct {
	mu    sync.RWMutex
	types map[string]model.ChannelTypeDescriptor

	// Added fires after a channel type is registered; Removed after one is
	// deregistered.
	Added   Signal[model.ChannelTypeDescriptor]
	Removed Signal[model.ChannelTypeDescriptor]
}

// NewChannelTypeRegistry creates an empty channel type registry.
func NewChannelTypeRegistry() *ChannelTypeRegistry {
	return &ChannelTypeRegistry{
		types: make(map[string]model.ChannelTypeDescriptor),
	}
}

// Register adds a channel type descriptor to the registry.
func (r *ChannelTypeRegistry) Register(descriptor model.ChannelTypeDescriptor) error {
	if descriptor.ID == "" {
		return fmt.Errorf("channel type must have an ID")
	}

	r.mu.Lock()
	if _, exists := r.types[descriptor.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("channel type %q is already registered", descriptor.ID)
	}
	r.types[descriptor.ID] = descriptor
	r.mu.Unlock()

	r.Added.Emit(descriptor)
	return nil
}

// Unregister removes a channel type; unknown IDs are ignored.
func (r *ChannelTypeRegistry) Unregister(id string) {
	r.mu.Lock()
	descriptor, exists := r.types[id]
	if exists {
		delete(r.types, id)
	}
	r.mu.Unlock()

	if exists {
		r.Removed.Emit(descriptor)
	}
}

// Lookup finds a channel type descriptor by ID.
func (r *ChannelTypeRegistry) Lookup(id string) (model.ChannelTypeDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descriptor, ok := r.types[id]
	return descriptor, ok
}

// IDs returns the registered channel type IDs in deterministic order.
func (r *ChannelTypeRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.types))
	for id := range r.types {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
