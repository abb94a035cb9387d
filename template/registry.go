package template

import (
	"slices"
	"sync"

	"github.com/kbukum/minutes/errors"
)

// Registry is a read-mostly lookup of templates by code. Replace swaps the
// whole set at once, so readers never see a half-loaded directory.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewRegistry validates and registers templates. Codes must be unique.
func NewRegistry(templates ...Template) (*Registry, error) {
	set, err := buildSet(templates)
	if err != nil {
		return nil, err
	}
	return &Registry{templates: set}, nil
}

// Get returns the template registered under code with its sections sorted
// by order.
func (r *Registry) Get(code string) (Template, error) {
	r.mu.RLock()
	t, ok := r.templates[code]
	r.mu.RUnlock()
	if !ok {
		return Template{}, errors.NotFound("template", code)
	}
	t.Sections = t.SortedSections()
	return t, nil
}

// Codes returns the registered codes, sorted.
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := make([]string, 0, len(r.templates))
	for code := range r.templates {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	return codes
}

// Len returns the number of registered templates.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.templates)
}

// Replace validates templates and swaps them in. On error the current set
// is kept.
func (r *Registry) Replace(templates []Template) error {
	set, err := buildSet(templates)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.templates = set
	r.mu.Unlock()
	return nil
}

func buildSet(templates []Template) (map[string]Template, error) {
	set := make(map[string]Template, len(templates))
	for _, t := range templates {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, dup := set[t.Code]; dup {
			return nil, errors.InputError("code", "duplicate template code "+t.Code)
		}
		t.Sections = t.SortedSections()
		set[t.Code] = t
	}
	return set, nil
}
