// Package engine implements the download state machine: plan, fetch
// chunks with adaptive concurrency, merge, validate, optionally
// post-process, and finalize — emitting structured progress throughout
// and honoring cooperative cancellation at every suspension point.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/quantarax/modeldl/internal/config"
	"github.com/quantarax/modeldl/internal/coordinator"
	"github.com/quantarax/modeldl/internal/domain"
	"github.com/quantarax/modeldl/internal/fetcher"
	"github.com/quantarax/modeldl/internal/hasher"
	"github.com/quantarax/modeldl/internal/journal"
	"github.com/quantarax/modeldl/internal/ledger"
	"github.com/quantarax/modeldl/internal/manifestclient"
	"github.com/quantarax/modeldl/internal/observability"
	"github.com/quantarax/modeldl/internal/pathresolve"
	"github.com/quantarax/modeldl/internal/postprocess"
	"github.com/quantarax/modeldl/internal/progress"
)

const (
	maxConcurrency            = 3
	defaultPerResourceTimeout = 300 * time.Second
)

// Engine drives a single model's download through its full lifecycle.
// One Engine may be shared across concurrent downloads of distinct
// model ids; per-run state lives on the stack of Download's call.
type Engine struct {
	cfg      *config.Config
	manifest *manifestclient.Client
	fetcher  *fetcher.Fetcher
	journal  *journal.Store
	ledger   *ledger.Ledger // optional, observational only; never gates fetch decisions
	hook     postprocess.Hook
	log      *observability.Logger
	metrics  *observability.Metrics
	registry *Registry
}

// New returns an Engine wired to its collaborators. hook may be nil, in
// which case postprocess.NoopHook is used.
func New(cfg *config.Config, manifestClient *manifestclient.Client, fetch *fetcher.Fetcher, journalStore *journal.Store, ledg *ledger.Ledger, hook postprocess.Hook, log *observability.Logger, metrics *observability.Metrics, registry *Registry) *Engine {
	if hook == nil {
		hook = postprocess.NoopHook{}
	}
	return &Engine{
		cfg: cfg, manifest: manifestClient, fetcher: fetch, journal: journalStore,
		ledger: ledg, hook: hook, log: log, metrics: metrics, registry: registry,
	}
}

type runResult struct {
	ArtifactPath string
	MetadataPath string
}

// Download runs the state machine for modelID, delivering progress to
// onProgress (which may be nil). Concurrent Download calls for the same
// model id coalesce onto a single run; only the first caller's
// onProgress observes events for that run.
func (e *Engine) Download(ctx context.Context, modelID string, onProgress domain.ProgressFunc) (string, string, error) {
	if err := pathresolve.ValidateModelID(modelID); err != nil {
		return "", "", err
	}

	v, err, _ := e.registry.group.Do(modelID, func() (interface{}, error) {
		runCtx, cancel := context.WithCancel(context.Background())
		e.registry.register(modelID, cancel)
		defer e.registry.unregister(modelID)
		defer cancel()

		artifactPath, metadataPath, runErr := e.run(runCtx, modelID, onProgress)
		if runErr != nil {
			return nil, runErr
		}
		return runResult{ArtifactPath: artifactPath, MetadataPath: metadataPath}, nil
	})
	if err != nil {
		return "", "", err
	}
	r := v.(runResult)
	return r.ArtifactPath, r.MetadataPath, nil
}

// Cancel stops the in-flight run for modelID, if any.
func (e *Engine) Cancel(modelID string) {
	e.registry.Cancel(modelID)
}

func (e *Engine) run(ctx context.Context, modelID string, onProgress domain.ProgressFunc) (artifactPath, metadataPath string, err error) {
	ctx, span := otel.Tracer("modeldl").Start(ctx, "download")
	span.SetAttributes(attribute.String("model_id", modelID))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	runID := uuid.NewString()
	var rlog *observability.Logger
	if e.log != nil {
		rlog = e.log.WithModel(modelID).WithRun(runID)
	}

	emitter := progress.New(onProgress)
	emitter.Emit(domain.PhaseInitializing, 0, 0, 0, 0, false)

	if e.metrics != nil {
		e.metrics.RecordDownloadStart()
	}
	start := time.Now()

	manifest, err := e.manifest.FetchManifest(ctx, modelID)
	if err != nil {
		e.finish(start, false)
		return "", "", translateManifestErr(err)
	}

	rec, err := e.plan(modelID, manifest, rlog)
	if err != nil {
		e.finish(start, false)
		return "", "", err
	}

	willPostProcess := manifest.FileExt != "" && manifest.FileExt == e.cfg.NativeInferenceExt

	coord := coordinator.New()
	e.validateExistingChunks(modelID, rec, coord)

	if rlog != nil {
		if rec.IsComplete() {
			rlog.Debug("resuming from a fully validated journal, skipping fetch")
		}
		rlog.DownloadStarted(manifest.TotalChunks(), 0)
	}

	if ctx.Err() != nil {
		e.cleanupCancelled(modelID, manifest.TotalChunks())
		return "", "", &domain.ErrCancelled{ModelID: modelID}
	}

	if err := e.fetchAll(ctx, modelID, manifest, rec, coord, emitter, willPostProcess, rlog); err != nil {
		e.finish(start, false)
		if isCancelled(err) {
			e.cleanupCancelled(modelID, manifest.TotalChunks())
			return "", "", &domain.ErrCancelled{ModelID: modelID}
		}
		if rlog != nil {
			rlog.DownloadFailed(err)
		}
		return "", "", err
	}

	totalChunks := manifest.TotalChunks()
	emitter.Emit(domain.PhaseMerging, coord.TotalBytes(), coord.TotalBytes(), totalChunks, totalChunks, willPostProcess)
	tmpPath, err := e.mergeChunks(ctx, modelID, manifest)
	if err != nil {
		e.finish(start, false)
		return "", "", err
	}

	emitter.Emit(domain.PhaseValidating, coord.TotalBytes(), coord.TotalBytes(), totalChunks, totalChunks, willPostProcess)
	if err := validateWhole(tmpPath, manifest.WholeHash); err != nil {
		os.Remove(tmpPath)
		e.finish(start, false)
		return "", "", err
	}

	genericPath := pathresolve.GenericArtifact(e.cfg.StorageRoot, modelID)
	os.Remove(genericPath)
	if err := os.Rename(tmpPath, genericPath); err != nil {
		e.finish(start, false)
		return "", "", &domain.DiskError{Op: "finalize rename", Err: err}
	}

	artifactPath = genericPath
	if willPostProcess {
		emitter.Emit(domain.PhaseCompiling, coord.TotalBytes(), coord.TotalBytes(), totalChunks, totalChunks, willPostProcess)
		finalPath, err := e.hook.Transform(ctx, genericPath, modelID)
		if err != nil {
			e.finish(start, false)
			return "", "", &domain.PostProcessFailedError{Reason: err.Error()}
		}
		artifactPath = finalPath
	}

	metadataPath, err = e.writeMetadata(modelID, manifest)
	if err != nil {
		e.finish(start, false)
		return "", "", err
	}

	_ = e.journal.Delete(modelID)
	e.purgeChunks(modelID, totalChunks)

	e.finish(start, true)
	if rlog != nil {
		rlog.DownloadCompleted(coord.TotalBytes(), time.Since(start))
	}
	emitter.Emit(domain.PhaseComplete, coord.TotalBytes(), coord.TotalBytes(), totalChunks, totalChunks, willPostProcess)

	return artifactPath, metadataPath, nil
}

func (e *Engine) finish(start time.Time, success bool) {
	if e.metrics != nil {
		e.metrics.RecordDownloadComplete(success, time.Since(start).Seconds())
	}
}

// plan loads or creates the journal for modelID, purging stale chunk
// files and restarting fresh if the on-disk journal was built from a
// different manifest (per invariant 6).
func (e *Engine) plan(modelID string, manifest *domain.Manifest, rlog *observability.Logger) (*domain.Journal, error) {
	existing, err := e.journal.Load(modelID)
	if err != nil {
		if rlog != nil {
			rlog.JournalUnreadable(err)
		}
		existing = nil
	}
	if existing == nil && rlog != nil {
		// Load reports a corrupt or unreadable journal as absent; a file
		// still on disk tells that case apart from a fresh download.
		if _, statErr := os.Stat(pathresolve.Journal(e.cfg.StorageRoot, modelID)); statErr == nil {
			rlog.JournalUnreadable(errors.New("journal file present but could not be loaded"))
		}
	}
	if existing != nil && !existing.MatchesManifest(manifest) {
		e.purgeChunks(modelID, existing.TotalChunks)
		existing = nil
	}
	if existing != nil {
		return existing, nil
	}

	rec := &domain.Journal{
		ModelID:         modelID,
		WholeHash:       manifest.WholeHash,
		FileExt:         manifest.FileExt,
		TotalChunks:     manifest.TotalChunks(),
		ChunkHashes:     make(map[int]string),
		ValidatedChunks: make(map[int]bool),
		ModelName:       manifest.ModelName,
		Version:         manifest.Version,
		Description:     manifest.Description,
		Category:        manifest.Category,
		LastUpdated:     time.Now(),
	}
	if err := e.journal.Save(modelID, rec); err != nil {
		return nil, &domain.DiskError{Op: "journal init", Err: err}
	}
	return rec, nil
}

// validateExistingChunks re-hashes every chunk the journal claims is
// validated; a chunk that no longer matches is dropped back to missing
// so it gets re-fetched rather than trusted blindly.
func (e *Engine) validateExistingChunks(modelID string, rec *domain.Journal, coord *coordinator.Coordinator) {
	for idx, ok := range rec.ValidatedChunks {
		if !ok {
			continue
		}
		slot := pathresolve.ChunkSlot(e.cfg.StorageRoot, modelID, idx)
		sum, err := hasher.File(slot)
		if err != nil || sum != rec.ChunkHashes[idx] {
			delete(rec.ValidatedChunks, idx)
			continue
		}
		if size, err := fileSize(slot); err == nil {
			coord.MarkValidated(idx, size)
		}
	}
}

// fetchAll concurrently fetches every chunk not yet validated, using a
// fixed pool of maxConcurrency workers gated by a permit level
// recomputed before each claim from the observed failure ratio — the
// pool itself is never resized, only how many of its workers are
// currently allowed to claim work.
func (e *Engine) fetchAll(ctx context.Context, modelID string, manifest *domain.Manifest, rec *domain.Journal, coord *coordinator.Coordinator, emitter *progress.Emitter, willPostProcess bool, rlog *observability.Logger) error {
	totalChunks := manifest.TotalChunks()

	byIndex := make(map[int]domain.ManifestChunk, totalChunks)
	var order []int
	for _, ch := range manifest.Chunks {
		byIndex[ch.Index] = ch
		if !coord.IsValidated(ch.Index) {
			order = append(order, ch.Index)
		}
	}
	if len(order) == 0 {
		return nil
	}
	sort.Ints(order)

	var cursor int32 = -1
	diskGuardDone := false

	g, gctx := errgroup.WithContext(ctx)
	stateCh := make(chan func() error)

	// Serialize all rec/journal/emitter mutation through a single
	// goroutine so the journal is only ever touched from one place.
	done := make(chan struct{})
	var serialErr error
	go func() {
		defer close(done)
		for step := range stateCh {
			if err := step(); err != nil && serialErr == nil {
				serialErr = err
			}
		}
	}()

	for w := 0; w < maxConcurrency; w++ {
		ordinal := w + 1
		g.Go(func() error {
			for {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if ordinal > concurrencyLevel(coord.FailureRatio()) {
					select {
					case <-time.After(25 * time.Millisecond):
						continue
					case <-gctx.Done():
						return gctx.Err()
					}
				}
				i := int(atomic.AddInt32(&cursor, 1))
				if i >= len(order) {
					return nil
				}
				ch := byIndex[order[i]]

				onRetry := func(attempt int, retryErr error) {
					coord.RecordAttempt(false)
					if rlog != nil {
						rlog.ChunkRetrying(ch.Index, attempt, retryErr)
					}
				}
				resourceCtx, cancelResource := context.WithTimeout(gctx, e.resourceTimeout())
				res, fetchErr := e.fetcher.Fetch(resourceCtx, ch.URLInfo.URL, ch.ChunkHash, pathresolve.ChunkSlot(e.cfg.StorageRoot, modelID, ch.Index), onRetry)
				cancelResource()

				result := make(chan error, 1)
				stateCh <- func() error {
					if fetchErr != nil {
						if e.metrics != nil {
							e.metrics.RecordChunkRetry(fetchErr.Error())
						}
						err := translateFetchErr(ch.Index, fetchErr)
						result <- err
						return err
					}
					coord.RecordAttempt(true)
					if rlog != nil {
						rlog.ChunkFetched(ch.Index, res.Size, res.Attempt)
					}
					if e.metrics != nil {
						e.metrics.RecordChunkDownloaded(res.Size)
					}
					if e.ledger != nil {
						_ = e.ledger.Record(ch.ChunkHash, res.Size)
					}
					coord.MarkValidated(ch.Index, res.Size)
					rec.ChunkHashes[ch.Index] = ch.ChunkHash
					rec.ValidatedChunks[ch.Index] = true
					rec.LastUpdated = time.Now()

					// Runs after the first chunk validates, not before any
					// GET: the manifest carries no upfront chunk sizes, so
					// estimatedTotal has nothing to extrapolate from until
					// one chunk's real size is known. One chunk's worth of
					// bytes is always fetched before this can reject a run.
					if !diskGuardDone {
						if dsErr := e.checkDiskSpace(coord, totalChunks); dsErr != nil {
							diskGuardDone = true
							result <- dsErr
							return dsErr
						}
						diskGuardDone = true
					}

					if err := e.journal.Save(modelID, rec); err != nil {
						err = &domain.DiskError{Op: "journal save", Err: err}
						result <- err
						return err
					}

					emitter.Emit(domain.PhaseDownloading, coord.TotalBytes(), estimatedTotal(coord, totalChunks), coord.ValidatedCount(), totalChunks, willPostProcess)
					result <- nil
					return nil
				}

				if err := <-result; err != nil {
					return err
				}
			}
		})
	}

	waitErr := g.Wait()
	close(stateCh)
	<-done

	if waitErr != nil {
		return waitErr
	}
	return serialErr
}

// resourceTimeout bounds one chunk's entire fetch, including retries,
// per spec.md's per-resource timeout. Falls back to
// defaultPerResourceTimeout for callers (tests, mainly) that construct a
// bare config.Config without setting it.
func (e *Engine) resourceTimeout() time.Duration {
	if e.cfg.PerResourceTimeout > 0 {
		return e.cfg.PerResourceTimeout
	}
	return defaultPerResourceTimeout
}

func (e *Engine) checkDiskSpace(coord *coordinator.Coordinator, totalChunks int) error {
	completed := coord.ValidatedCount()
	if completed == 0 {
		return nil
	}
	estimated := estimatedTotal(coord, totalChunks)
	free, err := freeBytes(e.cfg.StorageRoot)
	if err != nil {
		return nil
	}
	if e.metrics != nil {
		e.metrics.SetDiskSpaceAvailable(free)
	}
	required := 2 * estimated
	if free < required {
		return &domain.InsufficientDiskSpaceError{Required: required, Available: free}
	}
	return nil
}

func freeBytes(path string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}

func concurrencyLevel(failureRatio float64) int {
	switch {
	case failureRatio <= 0.10:
		return 3
	case failureRatio <= 0.30:
		return 2
	default:
		return 1
	}
}

func estimatedTotal(coord *coordinator.Coordinator, totalChunks int) int64 {
	completed := coord.ValidatedCount()
	if completed == 0 {
		return 0
	}
	return coord.TotalBytes() * int64(totalChunks) / int64(completed)
}

// mergeChunks concatenates chunk slots in strict index-ascending order
// into a temp file, re-hashing each chunk as it is written.
func (e *Engine) mergeChunks(ctx context.Context, modelID string, manifest *domain.Manifest) (string, error) {
	tmp, err := os.CreateTemp(e.cfg.StorageRoot, modelID+".merge-*")
	if err != nil {
		return "", &domain.DiskError{Op: "merge create", Err: err}
	}
	tmpName := tmp.Name()

	chunks := append([]domain.ManifestChunk(nil), manifest.Chunks...)
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })

	for _, ch := range chunks {
		if ctx.Err() != nil {
			tmp.Close()
			os.Remove(tmpName)
			return "", ctx.Err()
		}
		slot := pathresolve.ChunkSlot(e.cfg.StorageRoot, modelID, ch.Index)
		f, err := os.Open(slot)
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return "", &domain.DiskError{Op: "merge open chunk", Err: err}
		}
		h := hasher.NewStreamer()
		_, err = io.Copy(io.MultiWriter(tmp, h), f)
		f.Close()
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return "", &domain.DiskError{Op: "merge copy chunk", Err: err}
		}
		if h.Sum() != ch.ChunkHash {
			tmp.Close()
			os.Remove(tmpName)
			return "", &domain.ChunkCorruptedError{ChunkIndex: ch.Index}
		}
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", &domain.DiskError{Op: "merge sync", Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", &domain.DiskError{Op: "merge close", Err: err}
	}
	return tmpName, nil
}

func validateWhole(path, expected string) error {
	actual, err := hasher.File(path)
	if err != nil {
		return &domain.DiskError{Op: "whole hash", Err: err}
	}
	if actual != expected {
		return &domain.WholeHashMismatchError{Expected: expected, Actual: actual}
	}
	return nil
}

func (e *Engine) writeMetadata(modelID string, manifest *domain.Manifest) (string, error) {
	md := domain.ArtifactMetadata{
		ModelName:    manifest.ModelName,
		ModelID:      modelID,
		Version:      manifest.Version,
		Description:  manifest.Description,
		Category:     manifest.Category,
		Hash:         manifest.WholeHash,
		DownloadDate: time.Now(),
	}
	path := pathresolve.Metadata(e.cfg.StorageRoot, modelID)
	b, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return "", &domain.DiskError{Op: "metadata marshal", Err: err}
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", &domain.DiskError{Op: "metadata write", Err: err}
	}
	return path, nil
}

func (e *Engine) purgeChunks(modelID string, totalChunks int) {
	for i := 0; i < totalChunks; i++ {
		os.Remove(pathresolve.ChunkSlot(e.cfg.StorageRoot, modelID, i))
	}
}

// cleanupCancelled purges all on-disk state for modelID: the journal and
// every chunk slot, regardless of validation state, matching the
// cancel-means-purge policy.
func (e *Engine) cleanupCancelled(modelID string, totalChunks int) {
	_ = e.journal.Delete(modelID)
	e.purgeChunks(modelID, totalChunks)
}

func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func translateManifestErr(err error) error {
	var netErr *manifestclient.NetworkError
	if errors.As(err, &netErr) {
		return &domain.NetworkError{Op: netErr.Op, Err: netErr.Err}
	}
	var statusErr *manifestclient.ServerStatusError
	if errors.As(err, &statusErr) {
		return &domain.ServerStatusError{Op: statusErr.Op, Code: statusErr.Code}
	}
	return &domain.ErrManifestUnavailable{Err: err}
}

func translateFetchErr(chunkIndex int, err error) error {
	var netErr *fetcher.NetworkError
	if errors.As(err, &netErr) {
		return &domain.NetworkError{Op: "chunk fetch", Err: netErr.Err}
	}
	var statusErr *fetcher.ServerStatusError
	if errors.As(err, &statusErr) {
		return &domain.ServerStatusError{Op: "chunk fetch", Code: statusErr.Code}
	}
	var hashErr *fetcher.HashMismatchError
	if errors.As(err, &hashErr) {
		return &domain.HashMismatchError{ChunkIndex: chunkIndex, Expected: hashErr.Expected, Actual: hashErr.Actual}
	}
	return err
}
