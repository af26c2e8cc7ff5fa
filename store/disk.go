package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DiskStore is the on-disk implementation of Store: per store id, a
// directory with a data/ subdirectory (one file per blob,
// named by hash) and a labels/ subdirectory (one file per label, containing
// the hash it is bound to). Writes are crash-safe: content is written to a
// temp file in the same directory and renamed into place, so a crash never
// leaves a partially-written blob visible under its final name.
type DiskStore struct {
	mu      sync.Mutex
	root    string
	dataDir string
	labels  string
}

// NewDiskStore opens (creating if necessary) a disk-backed store rooted at
// root/storeID.
func NewDiskStore(root, storeID string) (*DiskStore, error) {
	base := filepath.Join(root, storeID)
	dataDir := filepath.Join(base, "data")
	labelsDir := filepath.Join(base, "labels")

	for _, dir := range []string{dataDir, labelsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: error creating directory %s: %w", dir, err)
		}
	}

	// A previous process may have died mid-write; any leftover .tmp files
	// are by definition not yet visible under their final name and can be
	// discarded safely.
	if err := sweepTempFiles(dataDir); err != nil {
		return nil, err
	}
	if err := sweepTempFiles(labelsDir); err != nil {
		return nil, err
	}

	return &DiskStore{root: base, dataDir: dataDir, labels: labelsDir}, nil
}

func sweepTempFiles(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("store: error reading directory %s: %w", dir, err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}

func writeAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("store: error creating temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: error writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: error syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: error closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: error renaming temp file into place: %w", err)
	}
	return nil
}

func (s *DiskStore) dataPath(ref Ref) string {
	return filepath.Join(s.dataDir, ref.String())
}

func (s *DiskStore) labelPath(name string) string {
	return filepath.Join(s.labels, name)
}

// Store implements Store.
func (s *DiskStore) Store(_ context.Context, data []byte) (Ref, error) {
	ref := RefOf(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.dataPath(ref)); err == nil {
		// Content already stored under this ref; store(get(r)) == r holds
		// trivially, and we never duplicate the blob on disk.
		return ref, nil
	}

	if err := writeAtomic(s.dataDir, ref.String(), data); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// Get implements Store.
func (s *DiskStore) Get(_ context.Context, ref Ref) ([]byte, error) {
	data, err := os.ReadFile(s.dataPath(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: error reading blob %s: %w", ref, err)
	}
	return data, nil
}

// Exists implements Store.
func (s *DiskStore) Exists(_ context.Context, ref Ref) (bool, error) {
	_, err := os.Stat(s.dataPath(ref))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("store: error checking blob %s: %w", ref, err)
}

// Label implements Store.
func (s *DiskStore) Label(_ context.Context, name string, ref Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.labels, name, []byte(ref.String()))
}

// GetByLabel implements Store.
func (s *DiskStore) GetByLabel(_ context.Context, name string) (Ref, bool, error) {
	data, err := os.ReadFile(s.labelPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return Ref{}, false, nil
		}
		return Ref{}, false, fmt.Errorf("store: error reading label %s: %w", name, err)
	}
	ref, err := ParseRef(string(data))
	if err != nil {
		return Ref{}, false, fmt.Errorf("store: error parsing label %s: %w", name, err)
	}
	return ref, true, nil
}

// RemoveLabel implements Store. Idempotent.
func (s *DiskStore) RemoveLabel(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.labelPath(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: error removing label %s: %w", name, err)
	}
	return nil
}

// StoreAtLabel implements Store.
func (s *DiskStore) StoreAtLabel(ctx context.Context, name string, data []byte) (Ref, error) {
	ref, err := s.Store(ctx, data)
	if err != nil {
		return Ref{}, err
	}
	if err := s.Label(ctx, name, ref); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// ReplaceContentAtLabel implements Store.
func (s *DiskStore) ReplaceContentAtLabel(ctx context.Context, name string, newData []byte) (Ref, error) {
	if _, ok, err := s.GetByLabel(ctx, name); err != nil {
		return Ref{}, err
	} else if !ok {
		return Ref{}, fmt.Errorf("store: %w: label %q is not bound", ErrNotFound, name)
	}
	return s.StoreAtLabel(ctx, name, newData)
}

// ReplaceAtLabel implements Store.
func (s *DiskStore) ReplaceAtLabel(ctx context.Context, name string, ref Ref) error {
	if _, ok, err := s.GetByLabel(ctx, name); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("store: %w: label %q is not bound", ErrNotFound, name)
	}
	if ok, err := s.Exists(ctx, ref); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("store: %w: ref %s", ErrNotFound, ref)
	}
	return s.Label(ctx, name, ref)
}

// ListLabels implements Store.
func (s *DiskStore) ListLabels(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.labels)
	if err != nil {
		return nil, fmt.Errorf("store: error listing labels: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// ListAllContent implements Store.
func (s *DiskStore) ListAllContent(_ context.Context) ([]Ref, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("store: error listing content: %w", err)
	}
	refs := make([]Ref, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ref, err := ParseRef(e.Name())
		if err != nil {
			continue // skip anything that isn't a valid blob filename.
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// CalculateTotalSize implements Store.
func (s *DiskStore) CalculateTotalSize(_ context.Context) (int64, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return 0, fmt.Errorf("store: error listing content: %w", err)
	}
	var total int64
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return 0, fmt.Errorf("store: error statting %s: %w", e.Name(), err)
		}
		total += info.Size()
	}
	return total, nil
}

var _ Store = (*DiskStore)(nil)
