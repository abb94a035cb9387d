package llm

import (
	"slices"

	"github.com/kbukum/minutes/config"
	"github.com/kbukum/minutes/errors"
)

// Catalog holds the configured providers by id. Missing fields are filled
// from the environment defaults of each provider's kind when the catalog
// is built.
type Catalog struct {
	providers map[string]ProviderConfig
	defaultID string
}

// NewCatalog merges every config with LoadProviderDefaults and validates
// it. The first config is the default provider.
func NewCatalog(env *config.Env, configs ...ProviderConfig) (*Catalog, error) {
	c := &Catalog{providers: make(map[string]ProviderConfig, len(configs))}
	for _, cfg := range configs {
		merged := cfg.MergeDefaults(LoadProviderDefaults(env, cfg.Kind))
		merged.ApplyDefaults()
		if err := merged.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.providers[merged.ID]; dup {
			return nil, errors.InputError("id", "duplicate provider id "+merged.ID)
		}
		c.providers[merged.ID] = merged
		if c.defaultID == "" {
			c.defaultID = merged.ID
		}
	}
	return c, nil
}

// Get returns the provider with id, or the default provider when id is empty.
func (c *Catalog) Get(id string) (ProviderConfig, error) {
	if id == "" {
		id = c.defaultID
	}
	cfg, ok := c.providers[id]
	if !ok {
		return ProviderConfig{}, errors.NotFound("provider", id)
	}
	return cfg, nil
}

// IDs returns the configured provider ids, sorted.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.providers))
	for id := range c.providers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// DefaultID returns the id used when a template names no provider.
func (c *Catalog) DefaultID() string { return c.defaultID }

// AvailableKinds lists the kinds usable with the current environment:
// remote kinds whose {KIND}_API_KEY is set, generic excluded since it also
// needs an endpoint, plus the local kinds.
func AvailableKinds(env *config.Env) []string {
	var out []string
	for _, kind := range Kinds {
		switch {
		case IsLocal(kind):
			out = append(out, kind)
		case kind == KindGeneric:
		case env != nil && env.ProviderAPIKey(kind) != "":
			out = append(out, kind)
		}
	}
	return out
}
