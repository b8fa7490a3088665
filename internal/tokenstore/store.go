// Package tokenstore keeps the access token used to authenticate sockets
// and REST calls, persisted in a small JSON file.
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ErrNoToken means no access token is available; sockets refuse to dial.
var ErrNoToken = errors.New("tokenstore: no access token")

// Source yields the current access token.
type Source interface {
	Token() (string, error)
}

// Static is a fixed token. The empty Static reports ErrNoToken.
type Static string

// Token implements Source.
func (s Static) Token() (string, error) {
	if tok := strings.TrimSpace(string(s)); tok != "" {
		return tok, nil
	}
	return "", ErrNoToken
}

// fileFormat is the on-disk layout of the token file.
type fileFormat struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// FileStore is a Source backed by a JSON file. Watch keeps it in sync with
// edits made by other processes (a login command, for example).
type FileStore struct {
	path string

	mu      sync.RWMutex
	current fileFormat
}

// Open loads path. A missing file is not an error; the store starts empty.
func Open(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// Token implements Source.
func (s *FileStore) Token() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current.AccessToken == "" {
		return "", ErrNoToken
	}
	return s.current.AccessToken, nil
}

// Save persists a new token pair with owner-only permissions.
func (s *FileStore) Save(access, refresh string) error {
	data, err := json.MarshalIndent(fileFormat{AccessToken: access, RefreshToken: refresh}, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenstore: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("tokenstore: create dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("tokenstore: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("tokenstore: rename: %w", err)
	}
	s.mu.Lock()
	s.current = fileFormat{AccessToken: access, RefreshToken: refresh}
	s.mu.Unlock()
	return nil
}

// Clear removes the persisted token (logout).
func (s *FileStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("tokenstore: remove: %w", err)
	}
	s.mu.Lock()
	s.current = fileFormat{}
	s.mu.Unlock()
	return nil
}

func (s *FileStore) reload() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.current = fileFormat{}
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("tokenstore: read %s: %w", s.path, err)
	}
	var f fileFormat
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("tokenstore: parse %s: %w", s.path, err)
		}
	}
	f.AccessToken = strings.TrimSpace(f.AccessToken)
	s.mu.Lock()
	s.current = f
	s.mu.Unlock()
	return nil
}

// Watch reloads the token whenever the file changes, until ctx is done.
// The parent directory is watched so atomic replace-by-rename is seen.
// onChange, if non-nil, runs after each successful reload.
func (s *FileStore) Watch(ctx context.Context, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tokenstore: watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("tokenstore: watch %s: %w", dir, err)
	}

	go func() {
		defer w.Close()
		target := filepath.Clean(s.path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if err := s.reload(); err != nil {
					log.Printf("tokenstore: reload: %v", err)
					continue
				}
				if onChange != nil {
					onChange()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("tokenstore: watch error: %v", err)
			}
		}
	}()
	return nil
}
