// Package registry maps queue names to the handlers that process them.
package registry

import (
	"sort"
	"sync"

	"github.com/BranchIntl/mailqueue/core"
	"github.com/BranchIntl/mailqueue/errors"
)

// Registry is a thread-safe queue handler registry
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]core.Handler
}

// NewRegistry creates a new registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]core.Handler),
	}
}

// Register sets the handler for a queue, replacing any previous one
func (r *Registry) Register(queue string, handler core.Handler) error {
	if queue == "" {
		return errors.ErrEmptyQueueName
	}

	if handler == nil {
		return errors.ErrNilHandler
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[queue] = handler
	return nil
}

// Get retrieves the handler for a queue
func (r *Registry) Get(queue string) (core.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[queue]
	return handler, ok
}

// Queues returns the registered queue names in sorted order
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	queues := make([]string, 0, len(r.handlers))
	for queue := range r.handlers {
		queues = append(queues, queue)
	}
	sort.Strings(queues)

	return queues
}

// Remove unregisters the handler for a queue
func (r *Registry) Remove(queue string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.handlers, queue)
}
