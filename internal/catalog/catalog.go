// Package catalog enumerates completed artifacts from the on-disk
// storage layout and answers lookup-by-id/lookup-by-name queries. All
// operations are read-only except GC, which prunes the optional ledger.
package catalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/quantarax/modeldl/internal/domain"
	"github.com/quantarax/modeldl/internal/ledger"
)

const metadataSuffix = "_metadata"

// Catalog reads artifacts under a storage root.
type Catalog struct {
	storageRoot string
	ledger      *ledger.Ledger // optional; nil disables Stats/GC
}

// New returns a Catalog rooted at storageRoot. ledg may be nil if the
// optional global chunk ledger is not in use.
func New(storageRoot string, ledg *ledger.Ledger) *Catalog {
	return &Catalog{storageRoot: storageRoot, ledger: ledg}
}

func readMetadata(path string) (*domain.ArtifactMetadata, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var md domain.ArtifactMetadata
	if err := json.Unmarshal(b, &md); err != nil {
		return nil, err
	}
	return &md, nil
}

func dirSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}
	var total int64
	err = filepath.Walk(path, func(_ string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			total += fi.Size()
		}
		return nil
	})
	return total, err
}

// artifactPathFor resolves the generic-vs-native artifact path for a
// metadata file's model id, matching whichever exists on disk.
func (c *Catalog) artifactPathFor(modelID string) (path string, isNative bool, ok bool) {
	generic := filepath.Join(c.storageRoot, modelID)
	if _, err := os.Stat(generic); err == nil {
		return generic, false, true
	}
	entries, err := os.ReadDir(c.storageRoot)
	if err != nil {
		return "", false, false
	}
	prefix := modelID + "."
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			return filepath.Join(c.storageRoot, e.Name()), true, true
		}
	}
	return "", false, false
}

// ListAll enumerates metadata files under the storage root, pairs each
// with its artifact, and returns them ordered by download date descending.
func (c *Catalog) ListAll() ([]domain.Artifact, error) {
	entries, err := os.ReadDir(c.storageRoot)
	if err != nil {
		return nil, err
	}

	var artifacts []domain.Artifact
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), metadataSuffix) {
			continue
		}
		modelID := strings.TrimSuffix(e.Name(), metadataSuffix)
		metaPath := filepath.Join(c.storageRoot, e.Name())
		md, err := readMetadata(metaPath)
		if err != nil {
			continue
		}
		artifactPath, isNative, ok := c.artifactPathFor(modelID)
		if !ok {
			continue
		}
		size, err := dirSize(artifactPath)
		if err != nil {
			continue
		}
		artifacts = append(artifacts, domain.Artifact{
			Metadata:     *md,
			ArtifactPath: artifactPath,
			MetadataPath: metaPath,
			SizeBytes:    size,
			IsNative:     isNative,
		})
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].Metadata.DownloadDate.After(artifacts[j].Metadata.DownloadDate)
	})
	return artifacts, nil
}

// FindByID returns the existence result for a known model id.
func (c *Catalog) FindByID(modelID string) (domain.ExistenceResult, error) {
	metaPath := filepath.Join(c.storageRoot, modelID+metadataSuffix)
	md, err := readMetadata(metaPath)
	if err != nil {
		return domain.ExistenceResult{Exists: false}, nil
	}
	artifactPath, _, ok := c.artifactPathFor(modelID)
	if !ok {
		return domain.ExistenceResult{Exists: false}, nil
	}
	return domain.ExistenceResult{
		Exists:       true,
		ArtifactPath: artifactPath,
		MetadataPath: metaPath,
		Metadata:     md,
	}, nil
}

// FindByName scans metadata files for the first whose model_name matches
// name exactly.
func (c *Catalog) FindByName(name string) (domain.ExistenceResult, error) {
	entries, err := os.ReadDir(c.storageRoot)
	if err != nil {
		return domain.ExistenceResult{Exists: false}, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), metadataSuffix) {
			continue
		}
		metaPath := filepath.Join(c.storageRoot, e.Name())
		md, err := readMetadata(metaPath)
		if err != nil || md.ModelName != name {
			continue
		}
		modelID := strings.TrimSuffix(e.Name(), metadataSuffix)
		artifactPath, _, ok := c.artifactPathFor(modelID)
		if !ok {
			continue
		}
		return domain.ExistenceResult{
			Exists:       true,
			ArtifactPath: artifactPath,
			MetadataPath: metaPath,
			Metadata:     md,
		}, nil
	}
	return domain.ExistenceResult{Exists: false}, nil
}

// Stats is an aggregate report over the catalog, supplementing the
// required operations with read-only observability.
type Stats struct {
	TotalArtifacts     int
	TotalBytes         int64
	DedupEligibleBytes int64
}

// GetStats reports aggregate counts, cross-referencing the optional chunk
// ledger for deduplication-eligible bytes. If no ledger is configured,
// DedupEligibleBytes is zero; the artifact counts are still reported.
func (c *Catalog) GetStats(liveChunkHashes map[string]bool) (Stats, error) {
	artifacts, err := c.ListAll()
	if err != nil {
		return Stats{}, err
	}
	s := Stats{TotalArtifacts: len(artifacts)}
	for _, a := range artifacts {
		s.TotalBytes += a.SizeBytes
	}
	if c.ledger != nil {
		dedup, err := c.ledger.DedupEligibleBytes(liveChunkHashes)
		if err == nil {
			s.DedupEligibleBytes = dedup
		}
	}
	return s, nil
}

// GC prunes ledger entries whose chunk hash is not in liveChunkHashes.
// No-op if no ledger is configured.
func (c *Catalog) GC(liveChunkHashes map[string]bool) (int, error) {
	if c.ledger == nil {
		return 0, nil
	}
	return c.ledger.Prune(liveChunkHashes)
}
