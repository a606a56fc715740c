// internal/session/watcher.go
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchTokenFile keeps the session in line with a token file on disk: a
// token written there signs in, removing or emptying the file signs out.
// It blocks until ctx is done.
func (o *Observer) WatchTokenFile(ctx context.Context, path string) error {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create token watcher: %w", err)
	}
	defer watcher.Close()

	// watch the directory so the file can be created, replaced or removed
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	o.applyTokenFile(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				o.applyTokenFile(path)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			o.logger.Warn("token watcher error", zap.Error(err))
		}
	}
}

func (o *Observer) applyTokenFile(path string) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if !o.Current().IsAnonymous() {
			o.SignOut()
		}
		return
	}
	if err != nil {
		o.logger.Warn("failed to read token file", zap.String("path", path), zap.Error(err))
		return
	}

	token := strings.TrimSpace(string(raw))
	if token == "" {
		if !o.Current().IsAnonymous() {
			o.SignOut()
		}
		return
	}
	if _, err := o.SignIn(token); err != nil {
		o.logger.Warn("rejected token from file", zap.String("path", path), zap.Error(err))
	}
}
