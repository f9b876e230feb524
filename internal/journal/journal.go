// Package journal persists and loads the per-model download progress
// journal. Writes are atomic against process crash: encode to a sibling
// temp file, fsync, then rename over the destination.
package journal

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/quantarax/modeldl/internal/domain"
	"github.com/quantarax/modeldl/internal/pathresolve"
)

// Record is the on-disk shape of a journal, identical to domain.Journal.
type Record = domain.Journal

// Store reads and writes journal files under a storage root.
type Store struct {
	storageRoot string
}

// New returns a Store rooted at storageRoot.
func New(storageRoot string) *Store {
	return &Store{storageRoot: storageRoot}
}

// Load reads the journal for modelID. A missing, unreadable, or corrupt
// file returns (nil, nil) — unknown fields are ignored for forward
// compatibility, and a journal that fails to parse at all is simply
// treated as absent so the engine restarts fresh rather than erroring.
func (s *Store) Load(modelID string) (*Record, error) {
	path := pathresolve.Journal(s.storageRoot, modelID)
	f, err := os.Open(path)
	if err != nil {
		return nil, nil
	}
	defer f.Close()

	var rec Record
	if err := json.NewDecoder(f).Decode(&rec); err != nil {
		return nil, nil
	}
	if rec.ValidatedChunks == nil {
		rec.ValidatedChunks = make(map[int]bool)
	}
	if rec.ChunkHashes == nil {
		rec.ChunkHashes = make(map[int]string)
	}
	return &rec, nil
}

// Save atomically writes rec to the journal path for modelID: encode to a
// sibling temp file, fsync, then rename into place.
func (s *Store) Save(modelID string, rec *Record) error {
	path := pathresolve.Journal(s.storageRoot, modelID)
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// Delete removes the journal for modelID, if present.
func (s *Store) Delete(modelID string) error {
	path := pathresolve.Journal(s.storageRoot, modelID)
	err := os.Remove(path)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ListAll loads every journal under the storage root, skipping any that
// fail to parse. Used by the ledger GC path to find chunk hashes still
// referenced by an in-progress download.
func (s *Store) ListAll() ([]*Record, error) {
	entries, err := os.ReadDir(s.storageRoot)
	if err != nil {
		return nil, err
	}
	var recs []*Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), "_progress") {
			continue
		}
		modelID := strings.TrimSuffix(e.Name(), "_progress")
		rec, err := s.Load(modelID)
		if err != nil || rec == nil {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
