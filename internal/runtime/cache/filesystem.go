package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const entrySuffix = ".entry"

// FilesystemConfig locates the on-disk cache directory.
type FilesystemConfig struct {
	Dir      string
	DirMode  os.FileMode
	FileMode os.FileMode
}

type filesystemStore struct {
	dir      string
	fileMode os.FileMode

	mu     sync.RWMutex
	closed bool
}

// NewFilesystem stores one file per entry under cfg.Dir. Writes go to a temp
// file in the same directory that is renamed over the previous entry, so a
// reader or a crash only ever sees a complete entry. Temp files left behind by
// an interrupted process are removed on open.
func NewFilesystem(cfg FilesystemConfig) (Store, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errors.New("cache: filesystem dir required")
	}
	dirMode := cfg.DirMode
	if dirMode == 0 {
		dirMode = 0o755
	}
	fileMode := cfg.FileMode
	if fileMode == 0 {
		fileMode = 0o644
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("cache: create dir: %w", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("cache: stat dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("cache: %s is not a directory", dir)
	}

	leftovers, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if err != nil {
		return nil, fmt.Errorf("cache: scan temp files: %w", err)
	}
	for _, path := range leftovers {
		_ = os.Remove(path)
	}

	return &filesystemStore{dir: dir, fileMode: fileMode}, nil
}

func (s *filesystemStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return "", fmt.Errorf("cache: invalid key %q", key)
	}
	return filepath.Join(s.dir, key+entrySuffix), nil
}

func (s *filesystemStore) Lookup(_ context.Context, key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Entry{}, false, ErrClosed
	}
	path, err := s.path(key)
	if err != nil {
		return Entry{}, false, err
	}
	entry, err := readEntryFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (s *filesystemStore) Store(ctx context.Context, key string, entry Entry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: marshal entry: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("cache: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	commit := func() error {
		if _, err := tmp.Write(data); err != nil {
			return err
		}
		if err := tmp.Sync(); err != nil {
			return err
		}
		if err := tmp.Chmod(s.fileMode); err != nil {
			return err
		}
		return tmp.Close()
	}
	if err := commit(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("cache: write temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("cache: commit entry: %w", err)
	}
	return nil
}

func (s *filesystemStore) Delete(_ context.Context, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cache: remove entry: %w", err)
	}
	return nil
}

func (s *filesystemStore) Expired(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	paths, err := filepath.Glob(filepath.Join(s.dir, "*"+entrySuffix))
	if err != nil {
		return nil, fmt.Errorf("cache: list entries: %w", err)
	}
	var keys []string
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return keys, err
		}
		entry, err := readEntryFile(path)
		if err != nil {
			// Entries replaced or removed while listing are skipped.
			continue
		}
		if entry.Expired(now) {
			keys = append(keys, strings.TrimSuffix(filepath.Base(path), entrySuffix))
		}
	}
	return keys, nil
}

func (s *filesystemStore) Size(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	paths, err := filepath.Glob(filepath.Join(s.dir, "*"+entrySuffix))
	if err != nil {
		return 0, fmt.Errorf("cache: list entries: %w", err)
	}
	return int64(len(paths)), nil
}

// Close waits for in-flight writes holding the read lock before marking the
// store closed.
func (s *filesystemStore) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func readEntryFile(path string) (Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("cache: decode %s: %w", filepath.Base(path), err)
	}
	return entry, nil
}
