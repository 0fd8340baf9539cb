// Package inbox turns media files dropped under INBOX_DIR/<userID>/ into
// local transcriptions.
package inbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"voxscribe/acquire"
	"voxscribe/transcription"
)

const DefaultSettle = 2 * time.Second

var log = logrus.WithField("component", "inbox")

type Starter interface {
	StartLocal(ctx context.Context, userID, path, originalName, lang string) (*transcription.Transcription, error)
}

// Watcher watches the inbox root and one level of user directories named by
// uuid. A file is submitted once no write touched it for the settle period.
type Watcher struct {
	root    string
	lang    string
	starter Starter
	settle  time.Duration
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]time.Time
}

func New(root, lang string, starter Starter) (*Watcher, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating inbox dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	return &Watcher{
		root:    root,
		lang:    lang,
		starter: starter,
		settle:  DefaultSettle,
		watcher: fw,
		pending: make(map[string]time.Time),
	}, nil
}

// Run blocks until ctx is done. Files already present when it starts are
// submitted too; the service dedupes them by content hash.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.watcher.Add(w.root); err != nil {
		return fmt.Errorf("watching %s: %w", w.root, err)
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return fmt.Errorf("reading %s: %w", w.root, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			w.addUserDir(filepath.Join(w.root, e.Name()))
		}
	}
	log.WithField("path", w.root).Info("watching inbox")

	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Error("file watcher error")
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	userID, isUserDir, ok := classify(w.root, event.Name)
	if !ok {
		return
	}
	if isUserDir {
		if event.Has(fsnotify.Create) {
			w.addUserDir(event.Name)
		}
		return
	}
	if !acceptFile(event.Name) {
		log.WithFields(logrus.Fields{"user_id": userID, "file": filepath.Base(event.Name)}).Debug("ignoring file")
		return
	}
	w.touch(event.Name)
}

// addUserDir watches a user directory and queues the files already in it.
func (w *Watcher) addUserDir(path string) {
	if _, isUserDir, ok := classify(w.root, path); !ok || !isUserDir {
		return
	}
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		return
	}
	if err := w.watcher.Add(path); err != nil {
		log.WithError(err).WithField("path", path).Error("failed to watch user directory")
		return
	}
	log.WithField("path", path).Info("watching user directory")

	entries, err := os.ReadDir(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Warn("failed to read user directory")
		return
	}
	for _, e := range entries {
		name := filepath.Join(path, e.Name())
		if e.Type().IsRegular() && acceptFile(name) {
			w.touch(name)
		}
	}
}

func (w *Watcher) touch(path string) {
	w.mu.Lock()
	w.pending[path] = time.Now()
	w.mu.Unlock()
}

// flush submits every pending file that has been quiet for the settle period.
func (w *Watcher) flush(ctx context.Context) {
	cutoff := time.Now().Add(-w.settle)
	var ready []string
	w.mu.Lock()
	for path, at := range w.pending {
		if at.Before(cutoff) {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		userID, _, _ := classify(w.root, path)
		l := log.WithFields(logrus.Fields{"user_id": userID, "file": filepath.Base(path)})
		t, err := w.starter.StartLocal(ctx, userID, path, filepath.Base(path), w.lang)
		if err != nil {
			l.WithError(err).Error("failed to submit inbox file")
			continue
		}
		l.WithField("transcription_id", t.ID()).Info("inbox file submitted")
	}
}

// classify maps a path under root to its user. ok is false for anything that
// is not a uuid directory directly under root or a file inside one.
func classify(root, path string) (userID string, isUserDir, ok bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", false, false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) < 1 || len(parts) > 2 {
		return "", false, false
	}
	if _, err := uuid.Parse(parts[0]); err != nil {
		return "", false, false
	}
	return parts[0], len(parts) == 1, true
}

// acceptFile skips hidden and partial files, compressor output and anything
// that is not an accepted media type.
func acceptFile(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, acquire.CompressedPrefix) {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".tmp", ".part", ".crdownload":
		return false
	}
	return transcription.IsAllowedMimeType(transcription.MimeTypeFromName(name))
}
