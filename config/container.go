package config

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
)

// Container holds the config safely for concurrent access.
type Container[T any] struct {
	store    atomic.Pointer[T]
	mu       sync.Mutex // Only for writing updates
	validate *validator.Validate

	listeners []func(prev, next *T)
}

// NewContainer initializes the config container.
func NewContainer[T any](initial T) *Container[T] {
	c := &Container[T]{
		validate: validator.New(),
	}
	c.store.Store(&initial)
	return c
}

// Get returns the current snapshot of the config. Lock-free.
func (c *Container[T]) Get() *T {
	return c.store.Load()
}

// OnChange registers fn to run after every accepted Update, in registration order.
func (c *Container[T]) OnChange(fn func(prev, next *T)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Update validates newConfig and swaps it in. An invalid config leaves the current one in place.
func (c *Container[T]) Update(newConfig T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.validate.Struct(newConfig); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	prev := c.store.Swap(&newConfig)
	for _, fn := range c.listeners {
		fn(prev, &newConfig)
	}
	return nil
}
