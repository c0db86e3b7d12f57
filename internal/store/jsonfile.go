// Package store persists JSON documents with atomic replace. All shared state
// between the serving process and the training worker goes through these
// files; write-to-temp then rename keeps readers from ever seeing a torn
// document.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("store: document not found")

// Store reads and writes named JSON documents under a root directory.
type Store struct {
	root string
	mu   sync.Mutex
}

func New(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string { return s.root }

// Path resolves a document name to its on-disk path. Name may contain
// subdirectories ("jobs/01ABC.json").
func (s *Store) Path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

// Read unmarshals the named document into v.
func (s *Store) Read(name string, v any) error {
	b, err := os.ReadFile(s.Path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// Write marshals v and atomically replaces the named document.
func (s *Store) Write(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(name, v)
}

func (s *Store) writeLocked(name string, v any) error {
	path := s.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// WriteAll atomically persists a set of documents as one logical update: every
// document is staged to a temp file first and the renames happen only after
// all stages succeed. A staging failure leaves the originals untouched.
func (s *Store) WriteAll(docs map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	type staged struct {
		tmp  string
		path string
	}
	var stages []staged
	cleanup := func() {
		for _, st := range stages {
			_ = os.Remove(st.tmp)
		}
	}
	for name, v := range docs {
		path := s.Path(name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			cleanup()
			return err
		}
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			cleanup()
			return fmt.Errorf("encode %s: %w", name, err)
		}
		tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
		if err != nil {
			cleanup()
			return err
		}
		if _, err := tmp.Write(b); err != nil {
			_ = tmp.Close()
			cleanup()
			return err
		}
		if err := tmp.Close(); err != nil {
			cleanup()
			return err
		}
		stages = append(stages, staged{tmp: tmp.Name(), path: path})
	}
	for _, st := range stages {
		if err := os.Rename(st.tmp, st.path); err != nil {
			cleanup()
			return err
		}
	}
	return nil
}

// Delete removes the named document. Missing documents are not an error.
func (s *Store) Delete(name string) error {
	err := os.Remove(s.Path(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// List returns document names (relative, slash-separated) directly under the
// given subdirectory, sorted by the filesystem's natural order.
func (s *Store) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, filepath.FromSlash(dir)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		name := e.Name()
		if dir != "" {
			name = dir + "/" + name
		}
		out = append(out, name)
	}
	return out, nil
}
