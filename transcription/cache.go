package transcription

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ModelCache holds loaded models for the life of the process. Concurrent
// requests for the same key share one load. Models leave only via Release.
type ModelCache struct {
	mu     sync.RWMutex
	models map[ModelKey]Model
	group  singleflight.Group
}

// NewModelCache creates an empty cache.
func NewModelCache() *ModelCache {
	return &ModelCache{models: make(map[ModelKey]Model)}
}

var defaultCache = NewModelCache()

// DefaultCache returns the process-wide cache.
func DefaultCache() *ModelCache { return defaultCache }

// Get returns the cached model for key or loads it through b. hit reports
// whether the model was already resident.
func (c *ModelCache) Get(ctx context.Context, b Backend, key ModelKey) (m Model, hit bool, err error) {
	c.mu.RLock()
	m, ok := c.models[key]
	c.mu.RUnlock()
	if ok {
		return m, true, nil
	}

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		c.mu.RLock()
		existing, ok := c.models[key]
		c.mu.RUnlock()
		if ok {
			return existing, nil
		}
		loaded, err := b.LoadModel(ctx, key)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.models[key] = loaded
		c.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(Model), false, nil
}

// Release evicts every cached model matching model and device, across
// backends, and closes it.
func (c *ModelCache) Release(ctx context.Context, model, device string) error {
	c.mu.Lock()
	var victims []Model
	for k, m := range c.models {
		if k.Model == model && k.Device == device {
			victims = append(victims, m)
			delete(c.models, k)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, m := range victims {
		if err := m.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Keys lists resident models in a stable order.
func (c *ModelCache) Keys() []ModelKey {
	c.mu.RLock()
	keys := make([]ModelKey, 0, len(c.models))
	for k := range c.models {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	slices.SortFunc(keys, func(a, b ModelKey) int {
		return strings.Compare(a.String(), b.String())
	})
	return keys
}
