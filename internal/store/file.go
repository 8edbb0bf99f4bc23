package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileStore keeps all keys in one JSON document. Writes go through a
// temporary file and a rename. Watch picks up edits made by other processes.
type FileStore struct {
	path string

	mu    sync.Mutex
	cache map[string]json.RawMessage
	listeners
}

func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("os.MkdirAll: %w", err)
	}
	s := &FileStore{path: path}
	values, err := s.read()
	if err != nil {
		slog.Warn("Store file unreadable, starting empty", slog.String("path", path), slog.Any("error", err))
		values = map[string]json.RawMessage{}
	}
	s.cache = values
	return s, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) read() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	values := map[string]json.RawMessage{}
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, s.path, err)
	}
	return values, nil
}

func (s *FileStore) write(values map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("json.MarshalIndent: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("os.CreateTemp: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("os.Rename: %w", err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	values, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if v, ok := values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *FileStore) Set(ctx context.Context, values map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded, err := encodeValues(values)
	if err != nil {
		return err
	}

	s.mu.Lock()
	current, err := s.read()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	next := make(map[string]json.RawMessage, len(current)+len(encoded))
	for k, v := range current {
		next[k] = v
	}
	for k, v := range encoded {
		next[k] = v
	}
	if err := s.write(next); err != nil {
		s.mu.Unlock()
		return err
	}
	changes := diff(s.cache, next)
	s.cache = next
	s.mu.Unlock()

	s.notify(changes)
	return nil
}

func (s *FileStore) OnChange(fn Listener) func() {
	return s.add(fn)
}

// Reload re-reads the file and notifies listeners about keys that differ
// from the last known content.
func (s *FileStore) Reload() error {
	s.mu.Lock()
	values, err := s.read()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	changes := diff(s.cache, values)
	s.cache = values
	s.mu.Unlock()

	if len(changes) > 0 {
		slog.Info("Store file changed", slog.String("path", s.path), slog.Any("keys", changes.Keys()))
	}
	s.notify(changes)
	return nil
}

// Watch blocks until ctx is done, reloading the file after external edits.
// The directory is watched so editors that replace the file are seen.
func (s *FileStore) Watch(ctx context.Context, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(s.path), err)
	}

	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	d := NewDebouncer(debounce)
	defer d.Stop()

	slog.Info("Store watcher started", slog.String("path", s.path))
	name := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Store watcher stopped")
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			slog.Debug("Store file event", slog.String("path", event.Name), slog.String("op", event.Op.String()))
			d.Trigger(func() {
				if err := s.Reload(); err != nil {
					slog.Error("Store reload failed", slog.String("path", s.path), slog.Any("error", err))
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			slog.Error("Store watcher error", slog.Any("error", err))
		}
	}
}
