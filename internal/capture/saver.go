// Package capture takes screenshots into the system: programmatic saves
// through Saver and externally dropped files through Watcher. Both produce
// pending records the scheduler later analyses.
package capture

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/glimpse/internal/storage"
)

// RecordWriter is the slice of the record store capture needs.
type RecordWriter interface {
	SaveScreenshot(shot storage.Screenshot) error
	GetScreenshot(id string) (storage.Screenshot, error)
	DeleteScreenshot(id string) error
	HasFilePath(path string) (bool, error)
}

// Saver persists screenshot images under a data directory and registers a
// pending record for each.
type Saver struct {
	dir   string
	store RecordWriter
}

// NewSaver creates a Saver writing images under dir, creating it if needed.
func NewSaver(dir string, store RecordWriter) (*Saver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating capture dir: %w", err)
	}
	return &Saver{dir: dir, store: store}, nil
}

// Save writes image to disk and inserts a pending record for it. The record
// id is assigned here and never changes.
func (s *Saver) Save(image []byte, appID, appLabel string) (storage.Screenshot, error) {
	now := time.Now().UTC()
	shot := storage.Screenshot{
		ID:         uuid.NewString(),
		CapturedAt: now,
		AppID:      appID,
		AppLabel:   appLabel,
	}
	shot.FilePath = filepath.Join(s.dir, fmt.Sprintf("screenshot_%d_%s.png", now.Unix(), shot.ID))

	if err := os.WriteFile(shot.FilePath, image, 0o644); err != nil {
		return storage.Screenshot{}, fmt.Errorf("writing screenshot image: %w", err)
	}
	if err := s.store.SaveScreenshot(shot); err != nil {
		os.Remove(shot.FilePath)
		return storage.Screenshot{}, fmt.Errorf("registering screenshot: %w", err)
	}
	return shot, nil
}

// Delete removes a screenshot's image file and then its record. A missing
// image file does not block record deletion.
func (s *Saver) Delete(id string) error {
	shot, err := s.store.GetScreenshot(id)
	if err != nil {
		return err
	}
	if err := os.Remove(shot.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing screenshot image: %w", err)
	}
	return s.store.DeleteScreenshot(id)
}
