package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const runningAgentsFile = "running-agents.json"

// FileStore implements Store with one JSON file per record under
// <root>/<namespace>/<id>.json.
type FileStore struct {
	root string
}

// NewFileStore creates a file store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("store directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileStore{root: dir}, nil
}

// Root returns the store's base directory.
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) recordPath(namespace, id string) string {
	return filepath.Join(s.root, namespace, id+".json")
}

// writeAtomic marshals v and lands it at path via temp file + rename, so
// concurrent readers never observe a partial record.
func (s *FileStore) writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create namespace directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Put writes a record, replacing any existing one.
func (s *FileStore) Put(namespace, id string, record any) error {
	if namespace == "" || id == "" {
		return errors.New("namespace and id cannot be empty")
	}
	return s.writeAtomic(s.recordPath(namespace, id), record)
}

// PutIfAbsent writes a record only if no record exists for the id.
func (s *FileStore) PutIfAbsent(namespace, id string, record any) (bool, error) {
	path := s.recordPath(namespace, id)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("stat record: %w", err)
	}
	if err := s.Put(namespace, id, record); err != nil {
		return false, err
	}
	return true, nil
}

// Get reads a record into out. Missing or malformed records report absence;
// a malformed file is logged as a warning and treated as not found.
func (s *FileStore) Get(namespace, id string, out any) (bool, error) {
	data, err := os.ReadFile(s.recordPath(namespace, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read record %s/%s: %w", namespace, id, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		slog.Warn("Skipping malformed record", "namespace", namespace, "id", id, "error", err)
		return false, nil
	}
	return true, nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *FileStore) Delete(namespace, id string) error {
	err := os.Remove(s.recordPath(namespace, id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete record %s/%s: %w", namespace, id, err)
	}
	return nil
}

// ListIDs returns all record ids in a namespace, in directory order.
func (s *FileStore) ListIDs(namespace string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, namespace))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list namespace %s: %w", namespace, err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// LoadRunningAgents reads the persisted resume set.
func (s *FileStore) LoadRunningAgents() ([]string, error) {
	data, err := os.ReadFile(filepath.Join(s.root, runningAgentsFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read running agents: %w", err)
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		slog.Warn("Skipping malformed running-agents file", "error", err)
		return nil, nil
	}
	return ids, nil
}

// SaveRunningAgents persists the resume set.
func (s *FileStore) SaveRunningAgents(ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	return s.writeAtomic(filepath.Join(s.root, runningAgentsFile), ids)
}
