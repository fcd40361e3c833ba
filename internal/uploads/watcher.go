// Package uploads watches a folder and ingests matching files into the
// general memory layer.
package uploads

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/rcliao/layered-memory/internal/memory"
	"github.com/rcliao/layered-memory/internal/model"
)

// Ingester stores uploaded text.
type Ingester interface {
	Ingest(ctx context.Context, p memory.IngestParams) ([]model.Chunk, error)
}

type Config struct {
	Dir string
	// Patterns are doublestar globs matched against slash-separated paths
	// relative to Dir.
	Patterns []string
	// Debounce waits for writes to a file to settle before ingesting it.
	Debounce time.Duration
}

type Watcher struct {
	cfg      Config
	ingester Ingester
	fs       *fsnotify.Watcher
	log      *slog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	digests map[string][32]byte
	wg      sync.WaitGroup
}

func New(cfg Config, ing Ingester, log *slog.Logger) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("uploads: no directory configured")
	}
	for _, p := range cfg.Patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("uploads: invalid pattern %q", p)
		}
	}
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = []string{"**/*.md", "**/*.txt"}
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if log == nil {
		log = slog.Default().With("component", "uploads")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		cfg:      cfg,
		ingester: ing,
		fs:       fsw,
		log:      log,
		timers:   make(map[string]*time.Timer),
		digests:  make(map[string][32]byte),
	}, nil
}

// Match reports whether a path relative to Dir is an upload.
func (w *Watcher) Match(rel string) bool {
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(filepath.Base(rel), ".") {
		return false
	}
	for _, p := range w.cfg.Patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// Run watches Dir until ctx is done. Files already present are not ingested.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()

	if err := w.addTree(w.cfg.Dir); err != nil {
		return err
	}
	w.log.Info("watching uploads", "dir", w.cfg.Dir, "patterns", w.cfg.Patterns)

	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			w.wg.Wait()
			return nil

		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, event)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if event.Has(fsnotify.Create) {
			if err := w.addTree(event.Name); err != nil {
				w.log.Debug("watch new directory failed", "path", event.Name, "error", err)
			}
		}
		return
	}

	rel, err := filepath.Rel(w.cfg.Dir, event.Name)
	if err != nil || !w.Match(rel) {
		return
	}
	w.schedule(ctx, event.Name)
}

func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok && t.Stop() {
		t.Reset(w.cfg.Debounce)
		return
	}
	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.cfg.Debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.timers[path] == t {
			delete(w.timers, path)
		}
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if _, err := w.IngestFile(ctx, path); err != nil {
			w.log.Warn("ingest upload failed", "path", path, "error", err)
		}
	})
	w.timers[path] = t
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.timers, path)
	}
}

// IngestFile decodes path and ingests it into the general layer. A file whose
// content has not changed since its last ingest is skipped. It returns the
// number of chunks stored.
func (w *Watcher) IngestFile(ctx context.Context, path string) (int, error) {
	text, err := ReadText(path)
	if err != nil {
		return 0, err
	}

	digest := sha256.Sum256([]byte(text))
	w.mu.Lock()
	if prev, ok := w.digests[path]; ok && prev == digest {
		w.mu.Unlock()
		return 0, nil
	}
	w.mu.Unlock()

	rel, err := filepath.Rel(w.cfg.Dir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	ext := strings.ToLower(filepath.Ext(path))

	chunks, err := w.ingester.Ingest(ctx, memory.IngestParams{
		Text:       text,
		Source:     model.SourceUpload,
		SourceID:   filepath.ToSlash(rel),
		Layer:      model.LayerGeneral,
		Structured: ext == ".md" || ext == ".markdown",
	})
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	w.digests[path] = digest
	w.mu.Unlock()

	w.log.Info("ingested upload", "path", rel, "chunks", len(chunks))
	return len(chunks), nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.fs.Add(path)
	})
}
