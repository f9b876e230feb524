// Package modeldl implements a resumable, integrity-verified, chunked
// model downloader with an adaptive concurrency engine and an on-disk
// progress journal.
package modeldl

import (
	"github.com/quantarax/modeldl/internal/catalog"
	"github.com/quantarax/modeldl/internal/domain"
	"github.com/quantarax/modeldl/internal/postprocess"
)

type (
	ModelId          = domain.ModelId
	ChunkURLInfo      = domain.ChunkURLInfo
	ManifestChunk     = domain.ManifestChunk
	Manifest          = domain.Manifest
	Journal           = domain.Journal
	ArtifactMetadata  = domain.ArtifactMetadata
	Artifact          = domain.Artifact
	ExistenceResult   = domain.ExistenceResult
	StatusResult      = domain.StatusResult
	Phase             = domain.Phase
	DetailedProgress  = domain.DetailedProgress
	ProgressFunc      = domain.ProgressFunc
	CatalogStats      = catalog.Stats
	PostProcessHook   = postprocess.Hook
)

const (
	PhaseInitializing = domain.PhaseInitializing
	PhaseDownloading  = domain.PhaseDownloading
	PhaseMerging      = domain.PhaseMerging
	PhaseValidating   = domain.PhaseValidating
	PhaseCompiling    = domain.PhaseCompiling
	PhaseComplete     = domain.PhaseComplete
)
