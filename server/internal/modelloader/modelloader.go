package modelloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/llmariner/mnist-serving/common/pkg/savedmodel"
)

type reloadObserver interface {
	ObserveModelReload(err error)
}

type noopReloadObserver struct{}

func (noopReloadObserver) ObserveModelReload(error) {}

// New returns a loader of the bundle in modelDir.
func New(modelDir string, logger logr.Logger) *L {
	return &L{
		modelDir: modelDir,
		observer: noopReloadObserver{},
		logger:   logger.WithName("loader"),
	}
}

// L holds the active model. The model is swapped atomically on reload so
// that in-flight predictions keep using the model they started with.
type L struct {
	modelDir string

	model atomic.Pointer[savedmodel.Model]

	observer reloadObserver
	logger   logr.Logger
}

// SetReloadObserver sets the observer notified of every reload from Watch.
func (l *L) SetReloadObserver(o reloadObserver) {
	l.observer = o
}

// Load loads the bundle and makes it the active model. The previous model
// stays active when loading fails.
func (l *L) Load() error {
	m, err := savedmodel.Load(l.modelDir)
	if err != nil {
		return fmt.Errorf("load model: %s", err)
	}
	l.model.Store(m)
	l.logger.Info("Loaded model", "dir", l.modelDir, "createdAt", m.Metadata.CreatedAt)
	return nil
}

// Get returns the active model or nil if no model has been loaded.
func (l *L) Get() *savedmodel.Model {
	return l.model.Load()
}

// IsReady returns true if a model has been loaded.
func (l *L) IsReady() (bool, string) {
	if l.model.Load() == nil {
		return false, "model is not loaded"
	}
	return true, ""
}

// Watch reloads the model whenever the metadata file of the bundle is
// written. It blocks until the context is canceled.
func (l *L) Watch(ctx context.Context) error {
	w, err := l.startWatcher()
	if err != nil {
		return err
	}
	return l.watch(ctx, w)
}

// startWatcher watches the directory rather than the file since bundle
// files are replaced by rename. A missing directory is created so that a
// bundle written later is picked up.
func (l *L) startWatcher() (*fsnotify.Watcher, error) {
	if err := os.MkdirAll(l.modelDir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %s", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %s", err)
	}
	if err := w.Add(l.modelDir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %s", l.modelDir, err)
	}
	return w, nil
}

func (l *L) watch(ctx context.Context, w *fsnotify.Watcher) error {
	defer func() {
		_ = w.Close()
	}()

	l.logger.Info("Watching model directory", "dir", l.modelDir)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != savedmodel.MetadataFilename {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			l.logger.V(1).Info("Model updated", "event", event.Op.String())
			err := l.Load()
			if err != nil {
				l.logger.Error(err, "Failed to reload model. Keeping the previous model.")
			}
			l.observer.ObserveModelReload(err)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.logger.Error(err, "Watcher error")
		}
	}
}
