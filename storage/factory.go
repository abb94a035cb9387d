package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/kbukum/minutes/logger"
)

// Factory builds a Storage from the shared config.
type Factory func(ctx context.Context, cfg Config, log *logger.Logger) (Storage, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory makes a provider available to New. Provider packages
// call it from init; import them for side effects:
//
//	import _ "github.com/kbukum/minutes/storage/s3"
func RegisterFactory(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// New builds the configured Storage. A non-empty Prefix wraps it so every
// key lands under that prefix.
func New(ctx context.Context, cfg Config, log *logger.Logger) (Storage, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	log = log.WithComponent("storage")

	factoriesMu.RLock()
	f, ok := factories[cfg.Provider]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: provider %q not registered", cfg.Provider)
	}

	log.Info("initializing storage", logger.Fields("provider", cfg.Provider, "prefix", cfg.Prefix))
	s, err := f(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if cfg.Prefix != "" {
		return WithPrefix(s, cfg.Prefix), nil
	}
	return s, nil
}

// WithPrefix scopes s under prefix.
func WithPrefix(s Storage, prefix string) Storage {
	return &prefixed{inner: s, prefix: strings.Trim(prefix, "/")}
}

type prefixed struct {
	inner  Storage
	prefix string
}

func (p *prefixed) key(k string) string { return path.Join(p.prefix, k) }

func (p *prefixed) Upload(ctx context.Context, k string, r io.Reader) error {
	return p.inner.Upload(ctx, p.key(k), r)
}

func (p *prefixed) Download(ctx context.Context, k string) (io.ReadCloser, error) {
	return p.inner.Download(ctx, p.key(k))
}

func (p *prefixed) Delete(ctx context.Context, k string) error {
	return p.inner.Delete(ctx, p.key(k))
}

func (p *prefixed) Exists(ctx context.Context, k string) (bool, error) {
	return p.inner.Exists(ctx, p.key(k))
}

func (p *prefixed) URL(ctx context.Context, k string) (string, error) {
	return p.inner.URL(ctx, p.key(k))
}

func (p *prefixed) List(ctx context.Context, prefix string) ([]FileInfo, error) {
	files, err := p.inner.List(ctx, p.key(prefix))
	if err != nil {
		return nil, err
	}
	for i := range files {
		files[i].Path = strings.TrimPrefix(files[i].Path, p.prefix+"/")
	}
	return files, nil
}
