// Package outbox watches a spool directory for files dropped by other
// local processes (screenshots, shared files, clipboard exports) and
// uploads them as attachments. Files are removed once uploaded.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/syncflowapp/syncflow-go/internal/store"
)

// uploader is the subset of the attachment pipeline the watcher needs.
// Extracted for testability.
type uploader interface {
	Upload(ctx context.Context, data []byte, contentType, fileName string) (*store.FileTransfer, error)
}

// connChecker reports whether the realtime channel is up. Uploads go
// over HTTP, but a down channel usually means the relay is unreachable,
// so files stay queued until it recovers.
type connChecker interface {
	Connected() bool
}

// Watcher monitors the spool directory and uploads dropped files.
type Watcher struct {
	dir      string
	uploader uploader
	conn     connChecker
	logger   *slog.Logger
	watcher  *fsnotify.Watcher

	// queued holds paths that failed or arrived while disconnected.
	// Keyed by absolute path so repeat events collapse.
	queued map[string]struct{}
}

// NewWatcher creates a spool watcher for the given directory.
func NewWatcher(dir string, up uploader, conn connChecker, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		uploader: up,
		conn:     conn,
		logger:   logger,
		queued:   make(map[string]struct{}),
	}
}

// Watch starts watching the spool directory. It blocks until the
// context is cancelled. Files already present at startup are queued.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	w.watcher = watcher
	defer watcher.Close()

	if err := os.MkdirAll(w.dir, 0700); err != nil {
		return fmt.Errorf("creating spool dir: %w", err)
	}

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching spool dir: %w", err)
	}

	if err := w.queueExisting(); err != nil {
		w.logger.Warn("scanning spool dir", slog.String("error", err.Error()))
	}

	w.logger.Info("outbox watcher started", slog.String("dir", w.dir))

	// Debounce: wait for writes to settle before reading a file, so a
	// file still being copied in is not uploaded half-written.
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}
			if w.shouldIgnore(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
				delete(w.queued, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			w.drainQueue(ctx)

			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < 300*time.Millisecond {
					continue
				}
				delete(pending, path)
				w.handleFile(ctx, path)
			}
		}
	}
}

// queueExisting queues files left over from a previous run.
func (w *Watcher) queueExisting() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if w.shouldIgnore(path) {
			continue
		}
		w.queued[path] = struct{}{}
	}

	return nil
}

func (w *Watcher) handleFile(ctx context.Context, absPath string) {
	if !w.conn.Connected() {
		w.queued[absPath] = struct{}{}
		w.logger.Debug("queued upload (disconnected)", slog.String("path", absPath))
		return
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		w.logger.Warn("stat failed", slog.String("path", absPath), slog.String("error", err.Error()))
		return
	}
	if info.IsDir() {
		return
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		w.logger.Warn("reading spool file", slog.String("path", absPath), slog.String("error", err.Error()))
		return
	}

	contentType := http.DetectContentType(data)
	fileName := filepath.Base(absPath)

	transfer, err := w.uploader.Upload(ctx, data, contentType, fileName)
	if err != nil {
		w.logger.Warn("uploading spool file",
			slog.String("path", absPath),
			slog.String("error", err.Error()),
		)
		w.requeueIfDisconnected(absPath)
		return
	}

	w.logger.Info("spool file uploaded",
		slog.String("path", absPath),
		slog.String("file_key", transfer.FileKey),
	)

	if err := os.Remove(absPath); err != nil {
		w.logger.Warn("removing uploaded spool file",
			slog.String("path", absPath),
			slog.String("error", err.Error()),
		)
	}
}

// requeueIfDisconnected adds a failed upload back to the queue if the
// connection dropped. If still connected, the relay rejected the upload
// and retrying won't help.
func (w *Watcher) requeueIfDisconnected(absPath string) {
	if !w.conn.Connected() {
		w.queued[absPath] = struct{}{}
		w.logger.Debug("re-queued after upload failure", slog.String("path", absPath))
	}
}

// drainQueue uploads any files that were queued while disconnected.
// Only runs when the connection is back up.
func (w *Watcher) drainQueue(ctx context.Context) {
	if len(w.queued) == 0 || !w.conn.Connected() {
		return
	}

	w.logger.Info("draining queued uploads", slog.Int("count", len(w.queued)))

	paths := make([]string, 0, len(w.queued))
	for path := range w.queued {
		paths = append(paths, path)
	}

	for _, path := range paths {
		delete(w.queued, path)
		w.handleFile(ctx, path)

		// If we lost connection again while draining, stop and let the
		// remaining files stay queued for the next reconnect.
		if !w.conn.Connected() {
			break
		}
	}
}

func (w *Watcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return true
	}
	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") || strings.HasSuffix(base, ".part") {
		return true
	}
	return false
}
