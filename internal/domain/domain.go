// Package domain holds the data model shared between the public API
// package and the internal components that implement it, avoiding an
// import cycle between them.
package domain

import "time"

// ModelId is an opaque, URL-safe identifier used as the primary catalog
// key. It must not contain path separators or non-printable characters.
type ModelId string

// String returns the raw identifier.
func (m ModelId) String() string { return string(m) }

// ChunkURLInfo is the pre-signed URL and its expiry for one chunk.
type ChunkURLInfo struct {
	URL        string `json:"url"`
	Expiration int64  `json:"expiration"`
}

// ManifestChunk describes one chunk of the artifact as returned by the
// coordination service.
type ManifestChunk struct {
	Index     int          `json:"chunkIndex"`
	URLInfo   ChunkURLInfo `json:"urlInfo"`
	ChunkHash string       `json:"chunkHash"`
}

// Manifest is the coordination service's description of a model's chunks
// and whole-file hash, decoded from the initDownload response.
type Manifest struct {
	Chunks      []ManifestChunk `json:"urlInfoList"`
	WholeHash   string          `json:"hash"`
	ModelName   string          `json:"modelName"`
	ModelID     string          `json:"modelId"`
	Version     string          `json:"version"`
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category,omitempty"`
	FileExt     string          `json:"fileExt"`
}

// TotalChunks returns the chunk count implied by the manifest.
func (m *Manifest) TotalChunks() int { return len(m.Chunks) }

// Journal is the persistent per-model progress record. It is the only
// source of truth for which chunks are validated on disk.
type Journal struct {
	ModelID         string         `json:"model_id"`
	WholeHash       string         `json:"whole_hash"`
	FileExt         string         `json:"file_ext"`
	TotalChunks     int            `json:"total_chunks"`
	ChunkHashes     map[int]string `json:"chunk_hashes"`
	ValidatedChunks map[int]bool   `json:"validated_chunks"`
	ModelName       string         `json:"model_name,omitempty"`
	Version         string         `json:"version,omitempty"`
	Description     string         `json:"description,omitempty"`
	Category        string         `json:"category,omitempty"`
	LastUpdated     time.Time      `json:"last_updated"`
}

// Progress returns the fraction of chunks validated, in [0, 1].
func (j *Journal) Progress() float64 {
	if j.TotalChunks == 0 {
		return 0
	}
	return float64(len(j.ValidatedChunks)) / float64(j.TotalChunks)
}

// IsComplete reports whether every chunk is validated.
func (j *Journal) IsComplete() bool {
	return j.TotalChunks > 0 && len(j.ValidatedChunks) == j.TotalChunks
}

// MatchesManifest reports whether this journal was built from the given
// manifest, per invariant 6 (whole_hash / total_chunks must agree).
func (j *Journal) MatchesManifest(m *Manifest) bool {
	return j.WholeHash == m.WholeHash && j.TotalChunks == m.TotalChunks()
}

// ArtifactMetadata is written alongside the finalized artifact.
type ArtifactMetadata struct {
	ModelName    string    `json:"model_name"`
	ModelID      string    `json:"model_id"`
	Version      string    `json:"version"`
	Description  string    `json:"description,omitempty"`
	Category     string    `json:"category,omitempty"`
	Hash         string    `json:"hash"`
	DownloadDate time.Time `json:"download_date"`
}

// Artifact is a catalog entry: a completed model paired with its metadata
// and on-disk size.
type Artifact struct {
	Metadata     ArtifactMetadata
	ArtifactPath string
	MetadataPath string
	SizeBytes    int64
	IsNative     bool
}

// ExistenceResult is the answer to Exists/FindByName.
type ExistenceResult struct {
	Exists       bool
	ArtifactPath string
	MetadataPath string
	Metadata     *ArtifactMetadata
}

// StatusResult is a read-only snapshot of in-progress or completed state
// for a model id.
type StatusResult struct {
	HasProgress    bool
	Journal        *Journal
	ExistingChunks []int
	MissingChunks  []int
}

// Phase identifies where in the download lifecycle a progress event was
// emitted from.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseDownloading  Phase = "downloading"
	PhaseMerging      Phase = "merging"
	PhaseValidating   Phase = "validating"
	PhaseCompiling    Phase = "compiling"
	PhaseComplete     Phase = "complete"
)

// DetailedProgress is delivered to the caller's on_progress callback.
type DetailedProgress struct {
	Percentage      float64
	DownloadedBytes int64
	TotalBytes      int64
	BytesPerSecond  float64
	ETASeconds      float64
	CurrentChunk    int
	TotalChunks     int
	Phase           Phase
}

// ProgressFunc receives progress events during Download.
type ProgressFunc func(DetailedProgress)
