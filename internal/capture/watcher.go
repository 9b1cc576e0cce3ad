package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/kalambet/glimpse/internal/storage"
)

// settleDelay gives the writing process time to finish before the dropped
// file is registered; fsnotify reports creation, not completion.
const settleDelay = 200 * time.Millisecond

// Watcher registers externally dropped image files as pending records. The
// files stay where they were dropped; only the record points at them.
type Watcher struct {
	dir    string
	store  RecordWriter
	logger *slog.Logger
}

// NewWatcher creates a Watcher over dir, creating it if needed.
func NewWatcher(dir string, store RecordWriter) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating watch dir: %w", err)
	}
	return &Watcher{dir: dir, store: store, logger: slog.Default()}, nil
}

// Run watches the directory until ctx is cancelled. Files already present
// when Run starts are registered first, so a restart never loses drops.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fs watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	if err := w.sweep(); err != nil {
		w.logger.Warn("initial sweep failed", "dir", w.dir, "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !event.Op.Has(fsnotify.Create) || !isImage(event.Name) {
				continue
			}
			time.Sleep(settleDelay)
			if err := w.register(event.Name); err != nil {
				w.logger.Warn("failed to register dropped file", "path", event.Name, "error", err)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("fs watcher error", "dir", w.dir, "error", err)
		}
	}
}

// sweep registers image files that were dropped while the watcher was down.
func (w *Watcher) sweep() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !isImage(entry.Name()) {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if err := w.register(path); err != nil {
			w.logger.Warn("failed to register swept file", "path", path, "error", err)
		}
	}
	return nil
}

// register inserts a pending record for the file at path.
func (w *Watcher) register(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() || info.Size() == 0 {
		return nil
	}
	if known, err := w.store.HasFilePath(path); err != nil {
		return err
	} else if known {
		return nil
	}

	label := appLabelFromName(filepath.Base(path))
	shot := storage.Screenshot{
		ID:         uuid.NewString(),
		FilePath:   path,
		CapturedAt: info.ModTime().UTC(),
		AppID:      "external." + strings.ToLower(label),
		AppLabel:   label,
	}
	if err := w.store.SaveScreenshot(shot); err != nil {
		return err
	}
	w.logger.Info("registered dropped screenshot", "screenshot_id", shot.ID, "app_label", label)
	return nil
}

// appLabelFromName derives the source app label from a Label_rest.ext
// filename; anything that does not follow the convention becomes External.
func appLabelFromName(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	label, _, found := strings.Cut(base, "_")
	if !found || label == "" {
		return "External"
	}
	return label
}

func isImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}
