// Package inbox picks up orders dropped into a directory by the scraping
// collaborator, one JSON document per file.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	syncerrors "github.com/spinsirr/order-wizard-sub000/internal/errors"
	"github.com/spinsirr/order-wizard-sub000/internal/models"
)

const (
	inboxDirPerm = fs.FileMode(0o755)

	// settleInterval is how long a file must go without write events
	// before it is read, so half-written files are not picked up.
	settleInterval = 300 * time.Millisecond

	// deferInterval is how long a file is left alone after it could not
	// be handed over for a reason that may clear up (no signed-in user,
	// storage error).
	deferInterval = 30 * time.Second

	// RejectedSuffix is appended to files that can never be imported.
	RejectedSuffix = ".rejected"
)

// Handler receives each decoded order.
type Handler interface {
	HandleOrderCreated(ctx context.Context, order models.Order) (models.Order, error)
}

// Watcher imports *.json files from one directory. Imported files are
// removed; malformed or invalid ones are renamed with RejectedSuffix.
type Watcher struct {
	dir     string
	handler Handler
	logger  *slog.Logger
	tick    time.Duration
}

func NewWatcher(dir string, handler Handler, logger *slog.Logger) *Watcher {
	return &Watcher{dir: dir, handler: handler, logger: logger, tick: settleInterval}
}

// Watch imports files already present, then every file that appears
// until ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, inboxDirPerm); err != nil {
		return fmt.Errorf("creating inbox dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching inbox dir: %w", err)
	}

	w.logger.Info("inbox watcher started", slog.String("dir", w.dir))

	// path -> earliest time it may be read
	due := make(map[string]time.Time)

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("reading inbox dir: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() && wanted(e.Name()) {
			due[filepath.Join(w.dir, e.Name())] = time.Now()
		}
	}

	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if !wanted(filepath.Base(event.Name)) {
				continue
			}

			switch {
			case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
				due[event.Name] = time.Now().Add(w.tick)
			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				delete(due, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("inbox watcher error", slog.String("error", err.Error()))

		case now := <-ticker.C:
			for path, at := range due {
				if at.After(now) {
					continue
				}

				if retry := w.ingest(ctx, path); retry {
					due[path] = now.Add(deferInterval)
					continue
				}

				delete(due, path)
			}
		}
	}
}

// ingest imports one file. It reports true when the file should be
// tried again later.
func (w *Watcher) ingest(ctx context.Context, path string) bool {
	log := w.logger.With(slog.String("file", filepath.Base(path)))

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}

	if err != nil {
		log.Warn("reading inbox file", slog.String("error", err.Error()))
		return true
	}

	var order models.Order
	if err := json.Unmarshal(data, &order); err != nil {
		w.reject(path, fmt.Errorf("decoding order: %w", err))
		return false
	}

	created, err := w.handler.HandleOrderCreated(ctx, order)

	switch {
	case err == nil:
	case errors.Is(err, syncerrors.ErrValidation):
		w.reject(path, err)
		return false
	default:
		log.Info("inbox file deferred", slog.String("error", err.Error()))
		return true
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("removing imported inbox file", slog.String("error", err.Error()))
	}

	log.Info("order imported",
		slog.String("id", created.ID),
		slog.String("order_number", created.OrderNumber),
	)

	return false
}

func (w *Watcher) reject(path string, cause error) {
	w.logger.Warn("rejecting inbox file",
		slog.String("file", filepath.Base(path)),
		slog.String("error", cause.Error()),
	)

	if err := os.Rename(path, path+RejectedSuffix); err != nil {
		w.logger.Warn("renaming rejected inbox file", slog.String("error", err.Error()))
	}
}

// wanted reports whether a file name looks like an order document.
// Hidden files let writers stage a file and rename it into place.
func wanted(name string) bool {
	return !strings.HasPrefix(name, ".") && strings.EqualFold(filepath.Ext(name), ".json")
}
