// Copyright 2025 ModernShop, Inc. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package mailq

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps job types to their handlers.
// Safe for concurrent use; registration typically happens at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds h to jobType. Registering an empty type, a nil handler, or
// a type that already has a handler is an error.
func (r *Registry) Register(jobType string, h Handler) error {
	if jobType == "" {
		return fmt.Errorf("mailq: cannot register handler for empty job type")
	}
	if h == nil {
		return fmt.Errorf("mailq: nil handler for job type %q", jobType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[jobType]; ok {
		return fmt.Errorf("mailq: handler already registered for job type %q", jobType)
	}
	r.handlers[jobType] = h
	return nil
}

// Lookup returns the handler for jobType, if one is registered.
func (r *Registry) Lookup(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
