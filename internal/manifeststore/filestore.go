package manifeststore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/UAPK/gateway-core/internal/manifest"
)

// FileStore loads manifest JSON documents from a directory tree
// (<dir>/<org_id>/<uapk_id>/<version>.json) into an in-memory MemStore and
// watches the tree with fsnotify so operators can roll out a new manifest
// version, and activate it, by dropping files on disk without restarting
// the gateway process. Activation still goes through MemStore so the
// ONE-ACTIVE invariant is enforced the same way as any other caller.
type FileStore struct {
	*MemStore

	dir    string
	logger *zap.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewFileStore loads every manifest under dir and starts watching for
// changes. Callers must call Close when done to stop the watcher goroutine.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fs := &FileStore{
		MemStore: NewMemStore(),
		dir:      dir,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	if err := fs.reload(); err != nil {
		return nil, err
	}
	if err := fs.startWatch(); err != nil {
		return nil, err
	}
	return fs, nil
}

// reload walks dir, parsing every *.json manifest file it finds and loading
// it (and activating it, if its stored status is ACTIVE) into the backing
// MemStore. A (org, uapk, version) already in memory is not reloaded from
// its file, only re-activated if the file marks it ACTIVE, and a file
// deleted from disk after the gateway started is not purged from memory
// until the next restart —
// the watcher only reacts to create/write events, not to deletions, since a
// manifest version that an in-flight decision already resolved must remain
// readable for audit reproducibility.
func (fs *FileStore) reload() error {
	ctx := context.Background()

	return filepath.Walk(fs.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("manifeststore: read %s: %w", path, err)
		}
		m, err := manifest.ParseJSON(data)
		if err != nil {
			return fmt.Errorf("manifeststore: parse %s: %w", path, err)
		}

		key := manifest.Key{OrgID: m.OrgID, UAPKID: m.UAPKID}
		wantActive := m.Status == manifest.StatusActive
		m.Status = manifest.StatusDraft

		// Put rejects a duplicate version since manifest content is
		// immutable once stored; a version already in memory only needs
		// re-activation, not reloading.
		if _, err := fs.MemStore.GetVersion(ctx, key, m.Version); err != nil {
			if err := fs.MemStore.Put(ctx, m); err != nil {
				return fmt.Errorf("manifeststore: load %s: %w", path, err)
			}
			fs.logger.Info("loaded manifest", zap.String("path", path), zap.String("org_id", m.OrgID), zap.String("uapk_id", m.UAPKID), zap.String("version", m.Version))
		}
		if wantActive {
			if err := fs.MemStore.Activate(ctx, key, m.Version); err != nil && err != ErrAlreadyActive {
				fs.logger.Warn("activate on reload failed", zap.String("path", path), zap.Error(err))
			}
		}
		return nil
	})
}

func (fs *FileStore) startWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("manifeststore: new watcher: %w", err)
	}
	if err := filepath.Walk(fs.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return w.Add(path)
		}
		return nil
	}); err != nil {
		w.Close()
		return fmt.Errorf("manifeststore: watch %s: %w", fs.dir, err)
	}

	fs.mu.Lock()
	fs.watcher = w
	fs.mu.Unlock()

	go fs.watchLoop(w)
	return nil
}

func (fs *FileStore) watchLoop(w *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if err := fs.reload(); err != nil {
				fs.logger.Warn("manifest hot-reload failed", zap.Error(err))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			fs.logger.Warn("manifest watcher error", zap.Error(err))
		case <-fs.stopCh:
			return
		}
	}
}

// Close stops the background watcher goroutine.
func (fs *FileStore) Close() error {
	close(fs.stopCh)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.watcher != nil {
		return fs.watcher.Close()
	}
	return nil
}
