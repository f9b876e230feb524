// Package progress computes and delivers structured progress events to a
// caller-supplied callback, coalesced to at most one event per chunk
// completion plus one per phase transition.
package progress

import (
	"time"

	"github.com/quantarax/modeldl/internal/domain"
)

// Emitter tracks byte-rate history and delivers DetailedProgress events.
type Emitter struct {
	onProgress domain.ProgressFunc
	lastBytes  int64
	lastTime   time.Time
}

// New returns an Emitter that calls onProgress for each event. onProgress
// may be nil, in which case events are computed but not delivered.
func New(onProgress domain.ProgressFunc) *Emitter {
	return &Emitter{
		onProgress: onProgress,
		lastTime:   time.Now(),
	}
}

// scalePercentage maps a phase-local fraction into the overall 0-100
// range per spec: Fetching occupies 0-90 when post-processing will run,
// 0-95 otherwise; Merging/Validating/Post-Processing/Complete are fixed
// checkpoints.
func scalePercentage(phase domain.Phase, fetchFraction float64, willPostProcess bool) float64 {
	fetchCeiling := 95.0
	if willPostProcess {
		fetchCeiling = 90.0
	}
	switch phase {
	case domain.PhaseInitializing:
		return 0
	case domain.PhaseDownloading:
		return fetchFraction * fetchCeiling
	case domain.PhaseMerging:
		if willPostProcess {
			return 85
		}
		return 95
	case domain.PhaseValidating:
		if willPostProcess {
			return 88
		}
		return 98
	case domain.PhaseCompiling:
		return 90
	case domain.PhaseComplete:
		return 100
	default:
		return 0
	}
}

// Emit computes a DetailedProgress event for the current state and
// delivers it to the callback. completedChunks only moves the percentage
// during the Downloading phase; every other phase maps to a fixed
// checkpoint, and the byte and chunk counts passed for it are reported
// as given.
func (e *Emitter) Emit(phase domain.Phase, downloadedBytes, totalBytes int64, completedChunks, totalChunks int, willPostProcess bool) {
	now := time.Now()
	elapsed := now.Sub(e.lastTime).Seconds()

	var bps float64
	if elapsed > 0 {
		bps = float64(downloadedBytes-e.lastBytes) / elapsed
		if bps < 0 {
			bps = 0
		}
	}
	e.lastBytes = downloadedBytes
	e.lastTime = now

	var fraction float64
	if totalChunks > 0 {
		fraction = float64(completedChunks) / float64(totalChunks)
	}

	var eta float64
	if bps > 0 && totalBytes > downloadedBytes {
		eta = float64(totalBytes-downloadedBytes) / bps
	}

	event := domain.DetailedProgress{
		Percentage:      scalePercentage(phase, fraction, willPostProcess),
		DownloadedBytes: downloadedBytes,
		TotalBytes:      totalBytes,
		BytesPerSecond:  bps,
		ETASeconds:      eta,
		CurrentChunk:    completedChunks,
		TotalChunks:     totalChunks,
		Phase:           phase,
	}

	if e.onProgress != nil {
		e.onProgress(event)
	}
}
