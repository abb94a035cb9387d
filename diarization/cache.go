package diarization

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"
)

// PipelineCache holds loaded pipelines for the life of the process.
// Concurrent loads of the same key share one call.
type PipelineCache struct {
	mu        sync.RWMutex
	pipelines map[PipelineKey]Pipeline
	group     singleflight.Group
}

// NewPipelineCache creates an empty cache.
func NewPipelineCache() *PipelineCache {
	return &PipelineCache{pipelines: make(map[PipelineKey]Pipeline)}
}

var defaultCache = NewPipelineCache()

// DefaultCache returns the process-wide cache.
func DefaultCache() *PipelineCache { return defaultCache }

// Get returns the cached pipeline for key or loads it through b.
func (c *PipelineCache) Get(ctx context.Context, b Backend, key PipelineKey, token string) (Pipeline, bool, error) {
	c.mu.RLock()
	p, ok := c.pipelines[key]
	c.mu.RUnlock()
	if ok {
		return p, true, nil
	}
	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		c.mu.RLock()
		existing, ok := c.pipelines[key]
		c.mu.RUnlock()
		if ok {
			return existing, nil
		}
		loaded, err := b.LoadPipeline(ctx, key, token)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.pipelines[key] = loaded
		c.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(Pipeline), false, nil
}

// Release closes and evicts every pipeline named name on device.
func (c *PipelineCache) Release(ctx context.Context, name, device string) error {
	c.mu.Lock()
	var victims []Pipeline
	for k, p := range c.pipelines {
		if k.Pipeline == name && k.Device == device {
			victims = append(victims, p)
			delete(c.pipelines, k)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, p := range victims {
		if err := p.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of resident pipelines.
func (c *PipelineCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pipelines)
}
