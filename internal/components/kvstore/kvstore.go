// Package kvstore persists small pieces of JSON state (learned rules, session metadata,
// account configuration) as one file per key inside a state directory.
package kvstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned by Load when nothing has been saved under the key yet.
var ErrNotFound = errors.New("kvstore: key not found")

type Store struct {
	dir   string
	mutex sync.Mutex
}

// Open returns a store rooted at dir, creating the directory if needed.
func Open(dir string) (*Store, error) {
	err := os.MkdirAll(dir, 0o700)
	if err != nil {
		return nil, fmt.Errorf("kvstore: create state dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Load decodes the value stored under key into out.
func (s *Store) Load(key string, out any) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	content, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("kvstore: read %s: %w", key, err)
	}
	err = json.Unmarshal(content, out)
	if err != nil {
		return fmt.Errorf("kvstore: decode %s: %w", key, err)
	}
	return nil
}

// Save encodes value under key. The file is written to a temporary sibling first and renamed into
// place so that readers never observe a partially written file.
func (s *Store) Save(key string, value any) error {
	content, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("kvstore: encode %s: %w", key, err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("kvstore: create temp file: %w", err)
	}
	_, err = tmp.Write(content)
	if err == nil {
		err = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("kvstore: write %s: %w", key, err)
	}

	err = os.Rename(tmp.Name(), s.path(key))
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("kvstore: replace %s: %w", key, err)
	}
	return nil
}

// Delete removes the key, deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("kvstore: delete %s: %w", key, err)
	}
	return nil
}
