// Package listctl holds ordered, id-keyed collections of remote rows with a
// single selection.
package listctl

import "sync"

// Identifiable is anything keyed by a stable string id.
type Identifiable interface {
	GetID() string
}

// Controller keeps an ordered collection without duplicate ids. Items are
// removed only by Replace or Clear.
type Controller[T Identifiable] struct {
	mu       sync.RWMutex
	items    []T
	selected string
}

func New[T Identifiable]() *Controller[T] {
	return &Controller[T]{}
}

// Replace swaps the collection wholesale. Later duplicates of an id are
// dropped. The selection survives only if its id is still present.
func (c *Controller[T]) Replace(items []T) {
	next := make([]T, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		id := item.GetID()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		next = append(next, item)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = next
	if _, ok := seen[c.selected]; !ok {
		c.selected = ""
	}
}

// Prepend inserts item at index 0, removing any existing item with the same
// id. It reports whether an existing item was displaced.
func (c *Controller[T]) Prepend(item T) bool {
	id := item.GetID()
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make([]T, 0, len(c.items)+1)
	next = append(next, item)
	replaced := false
	for _, existing := range c.items {
		if existing.GetID() == id {
			replaced = true
			continue
		}
		next = append(next, existing)
	}
	c.items = next
	return replaced
}

// Select marks id as selected when it is present.
func (c *Controller[T]) Select(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.indexLocked(id) < 0 {
		return false
	}
	c.selected = id
	return true
}

// Selected looks the selected id up in the current collection.
func (c *Controller[T]) Selected() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var zero T
	if c.selected == "" {
		return zero, false
	}
	idx := c.indexLocked(c.selected)
	if idx < 0 {
		return zero, false
	}
	return c.items[idx], true
}

func (c *Controller[T]) SelectedID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selected
}

func (c *Controller[T]) ClearSelection() {
	c.mu.Lock()
	c.selected = ""
	c.mu.Unlock()
}

// Clear empties the collection and its selection.
func (c *Controller[T]) Clear() {
	c.mu.Lock()
	c.items = nil
	c.selected = ""
	c.mu.Unlock()
}

// Items returns a copy of the collection in order.
func (c *Controller[T]) Items() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Controller[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Get returns the item with id.
func (c *Controller[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var zero T
	idx := c.indexLocked(id)
	if idx < 0 {
		return zero, false
	}
	return c.items[idx], true
}

func (c *Controller[T]) indexLocked(id string) int {
	for i, item := range c.items {
		if item.GetID() == id {
			return i
		}
	}
	return -1
}
