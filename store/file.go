// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blinklabs-io/gomtproto/cbor"
)

// DefaultFileMode is the permission used for state files. They hold auth keys
const DefaultFileMode os.FileMode = 0o600

// FileStore keeps the state as a CBOR file. Writes go to a temporary file in the
// same directory which then replaces the original
type FileStore struct {
	path  string
	mode  os.FileMode
	mutex sync.Mutex
}

// FileStoreOptionFunc modifies a FileStore
type FileStoreOptionFunc func(*FileStore)

// WithFileMode specifies the permissions of the state file
func WithFileMode(mode os.FileMode) FileStoreOptionFunc {
	return func(f *FileStore) {
		f.mode = mode
	}
}

// NewFileStore returns a store backed by the file at path
func NewFileStore(path string, options ...FileStoreOptionFunc) *FileStore {
	f := &FileStore{
		path: filepath.Clean(path),
		mode: DefaultFileMode,
	}
	for _, option := range options {
		option(f)
	}
	return f
}

// Path returns the state file path
func (f *FileStore) Path() string {
	return f.path
}

// Load implements Store
func (f *FileStore) Load() (*State, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read state %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	state := &State{}
	if _, err := cbor.Decode(data, state); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecodeFailed, f.path, err)
	}
	if state.Version != StateVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersionMismatch, state.Version)
	}
	return state, nil
}

// Save implements Store
func (f *FileStore) Save(state *State) error {
	state, err := state.Clone()
	if err != nil {
		return err
	}
	state.Version = StateVersion
	data, err := cbor.Encode(state)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrEncodeFailed, f.path, err)
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return writeAtomic(f.path, data, f.mode)
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	// Only cleans up on failure, the rename consumes the file otherwise
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// MemoryStore keeps the state in memory
type MemoryStore struct {
	mutex sync.Mutex
	state *State
	saves int
}

// NewMemoryStore returns a store holding initial, which may be nil. The store
// takes ownership of initial
func NewMemoryStore(initial *State) *MemoryStore {
	return &MemoryStore{state: initial}
}

// Load implements Store
func (m *MemoryStore) Load() (*State, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.state == nil {
		return nil, ErrNotFound
	}
	return m.state.Clone()
}

// Save implements Store
func (m *MemoryStore) Save(state *State) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	clone, err := state.Clone()
	if err != nil {
		return err
	}
	clone.Version = StateVersion
	m.state = clone
	m.saves++
	return nil
}

// Saves returns how many times Save was called
func (m *MemoryStore) Saves() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.saves
}
