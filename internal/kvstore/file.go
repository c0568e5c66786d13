package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// File keeps all keys in one JSON document. Every mutation re-reads the
// file under an exclusive lock file, so separate processes sharing the path
// see each other's writes.
type File struct {
	path string
	mu   sync.Mutex

	lockWait  time.Duration
	lockStale time.Duration
}

// NewFile prepares a file-backed store at path. The parent directory is
// created with 0700.
func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("kvstore: file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	return &File{path: path, lockWait: 5 * time.Second, lockStale: 30 * time.Second}, nil
}

func (f *File) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}
	var (
		v  string
		ok bool
	)
	err := f.view(ctx, func(data map[string]string) {
		v, ok = data[key]
	})
	return v, ok, err
}

func (f *File) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return f.update(ctx, func(data map[string]string) bool {
		data[key] = value
		return true
	})
}

func (f *File) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return f.update(ctx, func(data map[string]string) bool {
		if _, ok := data[key]; !ok {
			return false
		}
		delete(data, key)
		return true
	})
}

func (f *File) CompareAndSwap(ctx context.Context, key, old, new string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	swapped := false
	err := f.update(ctx, func(data map[string]string) bool {
		swapped = casMap(data, key, old, new)
		return swapped
	})
	return swapped, err
}

func (f *File) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := f.view(ctx, func(data map[string]string) {
		keys = listMap(data, prefix)
	})
	return keys, err
}

func (f *File) Close() error { return nil }

func (f *File) view(ctx context.Context, fn func(map[string]string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := f.read()
	if err != nil {
		return err
	}
	fn(data)
	return nil
}

// update runs fn under the lock file and persists the map if fn reports a
// change.
func (f *File) update(ctx context.Context, fn func(map[string]string) bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	unlock, err := f.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	data, err := f.read()
	if err != nil {
		return err
	}
	if !fn(data) {
		return nil
	}
	return f.write(data)
}

func (f *File) read() (map[string]string, error) {
	data := make(map[string]string)
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return data, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("kvstore: decode %s: %w", f.path, err)
	}
	return data, nil
}

// write replaces the file atomically: temp file, sync, rename.
func (f *File) write(data map[string]string) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".caltasks-state-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, f.path)
}

// lock creates <path>.lock exclusively. A lock file older than lockStale is
// assumed to belong to a crashed process and is removed.
func (f *File) lock(ctx context.Context) (func(), error) {
	lockPath := f.path + ".lock"
	deadline := time.Now().Add(f.lockWait)
	for {
		fh, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_ = fh.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}
		if st, serr := os.Stat(lockPath); serr == nil && time.Since(st.ModTime()) > f.lockStale {
			_ = os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("kvstore: timed out waiting for %s", lockPath)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}
