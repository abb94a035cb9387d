package template

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kbukum/minutes/logger"
	"github.com/kbukum/minutes/stream"
)

// DefaultDebounce is the quiet period after which a burst of file events
// triggers one reload.
const DefaultDebounce = 250 * time.Millisecond

// WatchOptions configures Watch.
type WatchOptions struct {
	Debounce time.Duration
	Logger   *logger.Logger
	// OnReload is called after every reload attempt with its outcome.
	OnReload func(codes []string, err error)
}

// Watch reloads dir into reg whenever a template file changes, until ctx
// is done. A reload that fails validation keeps the previous set.
func Watch(ctx context.Context, dir string, reg *Registry, opts WatchOptions) error {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	log := opts.Logger
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	log = log.WithComponent("template").WithFields(logger.Fields("dir", dir))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close() //nolint:errcheck // shutdown

	if err := watcher.Add(dir); err != nil {
		return err
	}

	go func() {
		for {
			select {
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("watcher error", logger.Fields("error", err.Error()))
			case <-ctx.Done():
				return
			}
		}
	}()

	const relevant = fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename
	events := stream.Filter(stream.FromChannel(watcher.Events), func(ev fsnotify.Event) bool {
		return ev.Op&relevant != 0 && IsTemplateFile(ev.Name)
	})
	events = stream.Tap(events, func(_ context.Context, ev fsnotify.Event) error {
		log.Debug("template file changed", logger.Fields("file", ev.Name, "op", ev.Op.String()))
		return nil
	})

	log.Info("watching templates")
	err = stream.ForEach(ctx, stream.Settle(events, opts.Debounce), func(_ context.Context, batch []fsnotify.Event) error {
		files := changedFiles(batch)
		codes, err := reload(dir, reg)
		if err != nil {
			log.Error("template reload failed", logger.Fields("files", files, "error", err.Error()))
		} else {
			log.Info("templates reloaded", logger.Fields("files", files, "count", len(codes)))
		}
		if opts.OnReload != nil {
			opts.OnReload(codes, err)
		}
		return nil
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// changedFiles lists the distinct base names in batch, in first-seen order.
func changedFiles(batch []fsnotify.Event) []string {
	var files []string
	for _, ev := range batch {
		name := filepath.Base(ev.Name)
		if !slices.Contains(files, name) {
			files = append(files, name)
		}
	}
	return files
}

func reload(dir string, reg *Registry) ([]string, error) {
	ts, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	if err := reg.Replace(ts); err != nil {
		return nil, err
	}
	return reg.Codes(), nil
}
