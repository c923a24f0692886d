// Package persist provides durability backends for the account pool: a
// local JSON file and a Redis key. Both store the same State document.
package persist

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/agpool/agpool/internal/account"
)

// FileStore persists the pool as a single JSON document on disk.
type FileStore struct {
	path string
}

// NewFileStore creates the parent directory if needed.
func NewFileStore(path string) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	return &FileStore{path: path}, nil
}

// Load reads the state file. A missing file is an empty pool, not an error.
func (f *FileStore) Load(ctx context.Context) (account.State, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return account.State{}, nil
		}
		return account.State{}, fmt.Errorf("read state file: %w", err)
	}
	var state account.State
	if err := json.Unmarshal(data, &state); err != nil {
		return account.State{}, fmt.Errorf("decode state file: %w", err)
	}
	return state, nil
}

// Save writes atomically via a temp file and rename. Tokens live in this
// file, so it stays owner-only.
func (f *FileStore) Save(ctx context.Context, state account.State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
