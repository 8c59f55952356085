// Package registries keeps track of the entities a running server knows
// about: connected clients and the channel types they are reachable on.
// Registries emit added/removed events so that derived state elsewhere
// (such as the message hub's broadcast plan) can be invalidated.
package registries

import (
	"fmt"
	"sort"
	"sync"

	"flockwave/pkg/model"
)

// ClientRegistry tracks the clients currently connected to the server.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*model.Client

	// Added fires after a client is inserted; Removed after one is deleted.
	Added   Signal[*model.Client]
	Removed Signal[*model.Client]
}

// NewClientRegistry creates an empty client registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*model.Client),
	}
}

// Add inserts a newly connected client into the registry.
func (r *ClientRegistry) Add(client *model.Client) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("client must have an ID")
	}

	r.mu.Lock()
	if _, exists := r.clients[client.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("client ID %q is already registered", client.ID)
	}
	r.clients[client.ID] = client
	r.mu.Unlock()

	r.Added.Emit(client)
	return nil
}

// Remove deletes a client from the registry; unknown IDs are ignored.
func (r *ClientRegistry) Remove(id string) {
	r.mu.Lock()
	client, exists := r.clients[id]
	if exists {
		delete(r.clients, id)
	}
	r.mu.Unlock()

	if exists {
		r.Removed.Emit(client)
	}
}

// Lookup finds a client by ID.
func (r *ClientRegistry) Lookup(id string) (*model.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[id]
	return client, ok
}

// ClientIDsForChannelType returns the IDs of the clients connected through
// the given channel type, in deterministic order.
func (r *ClientRegistry) ClientIDsForChannelType(channelTypeID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, client := range r.clients {
		if client.ChannelType == channelTypeID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// HasClientsForChannelType returns whether at least one client is
// connected through the given channel type.
func (r *ClientRegistry) HasClientsForChannelType(channelTypeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, client := range r.clients {
		if client.ChannelType == channelTypeID {
			return true
		}
	}
	return false
}

// Count returns the number of connected clients.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
