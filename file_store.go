package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore provides a file-based implementation of StateStore that persists
// each instance as a JSON file on disk. Suited to single-node deployments
// and the demo; the version check only guards writers sharing this store
// value, not separate processes sharing the directory.
type FileStore struct {
	basePath string
	mu       sync.Mutex
}

// NewFileStore creates a file-based store rooted at the given directory.
func NewFileStore(basePath string) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileStore{basePath: basePath}, nil
}

// Save persists the instance to a JSON file, enforcing the version check
// against the file's current contents.
func (f *FileStore) Save(ctx context.Context, inst *Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	filename := f.filename(inst.ID)
	current, err := f.read(filename)
	switch {
	case err == nil:
		if current.Version != inst.Version {
			return fmt.Errorf("%w: instance %s stored version %d, save version %d",
				ErrVersionConflict, inst.ID, current.Version, inst.Version)
		}
	case os.IsNotExist(err):
		if inst.Version != 0 {
			return fmt.Errorf("%w: instance %s has version %d but no stored record",
				ErrVersionConflict, inst.ID, inst.Version)
		}
	default:
		return fmt.Errorf("failed to read state file: %w", err)
	}

	inst.Version++
	data, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		inst.Version--
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		inst.Version--
		return fmt.Errorf("failed to write state file: %w", err)
	}

	return nil
}

// Load retrieves the instance from its JSON file.
func (f *FileStore) Load(ctx context.Context, id SagaID) (*Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	inst, err := f.read(f.filename(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	return inst, nil
}

// List scans the store directory for instances matching the state filter.
func (f *FileStore) List(ctx context.Context, state State) ([]*Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}

	var out []*Instance
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		inst, err := f.read(filepath.Join(f.basePath, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read state file %s: %w", entry.Name(), err)
		}
		if state == "" || inst.State == state {
			out = append(out, inst)
		}
	}
	return out, nil
}

// Delete removes the instance's state file.
func (f *FileStore) Delete(ctx context.Context, id SagaID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.filename(id)); err != nil {
		if os.IsNotExist(err) {
			// Already deleted, not an error
			return nil
		}
		return fmt.Errorf("failed to delete state file: %w", err)
	}
	return nil
}

func (f *FileStore) read(filename string) (*Instance, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance: %w", err)
	}
	return &inst, nil
}

// filename returns the full path for an instance's state file.
func (f *FileStore) filename(id SagaID) string {
	return filepath.Join(f.basePath, id.String()+".json")
}
