package modeldl

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/quantarax/modeldl/internal/catalog"
	"github.com/quantarax/modeldl/internal/config"
	"github.com/quantarax/modeldl/internal/engine"
	"github.com/quantarax/modeldl/internal/fetcher"
	"github.com/quantarax/modeldl/internal/journal"
	"github.com/quantarax/modeldl/internal/ledger"
	"github.com/quantarax/modeldl/internal/manifestclient"
	"github.com/quantarax/modeldl/internal/observability"
	"github.com/quantarax/modeldl/internal/pathresolve"
	"github.com/quantarax/modeldl/internal/postprocess"
	"github.com/quantarax/modeldl/internal/validation"
)

var (
	credsOnce      sync.Once
	accessKeyValue string
	secretKeyValue string

	storageRootOnce  sync.Once
	storageRootValue string

	baseURLOnce  sync.Once
	baseURLValue string

	postProcessHookOnce  sync.Once
	postProcessHookValue postprocess.Hook

	initOnce sync.Once
	cfg      *config.Config
	jrnl     *journal.Store
	cat      *catalog.Catalog
	led      *ledger.Ledger
	eng      *engine.Engine
	log      *observability.Logger
)

// Init sets the process-wide coordination-service credentials used by
// every subsequent Download call. It must be called once before the
// first call into this package; later calls are no-ops, and every read
// after the first call is lock-free.
func Init(accessKey, secretKey string) {
	credsOnce.Do(func() {
		accessKeyValue = accessKey
		secretKeyValue = secretKey
	})
}

// SetStorageRoot overrides the default storage directory (the
// platform's user-documents-equivalent). Like Init, it must be called
// once before the first call into this package; later calls are no-ops.
func SetStorageRoot(path string) {
	storageRootOnce.Do(func() {
		storageRootValue = path
	})
}

// SetCoordinationBaseURL overrides the coordination service endpoint.
// Like Init, it must be called once before the first call into this
// package; later calls are no-ops.
func SetCoordinationBaseURL(url string) {
	baseURLOnce.Do(func() {
		baseURLValue = url
	})
}

// SetPostProcessHook installs a custom post-download transform, invoked
// once an artifact's chunks are merged and whole-file-validated but
// before it's reported complete, and only for manifests whose file_ext
// is the native-inference extension. Like Init, it must be called once
// before the first call into this package; later calls are no-ops. A
// caller that never calls it gets postprocess.NoopHook, which returns
// the assembled artifact unchanged.
func SetPostProcessHook(hook PostProcessHook) {
	postProcessHookOnce.Do(func() {
		postProcessHookValue = hook
	})
}

func ensureInit() {
	initOnce.Do(func() {
		cfg = config.DefaultConfig()
		log = observability.NewLogger("modeldl", "dev", os.Stderr)

		if storageRootValue != "" {
			if err := validation.ValidateFilePath(storageRootValue, false); err != nil {
				log.Error(err, "invalid storage root override, using default")
			} else {
				cfg.StorageRoot = storageRootValue
				cfg.LedgerPath = filepath.Join(storageRootValue, ".ledger")
			}
		}
		if baseURLValue != "" {
			if err := validation.ValidateURL(baseURLValue); err != nil {
				log.Error(err, "invalid coordination base url override, using default")
			} else {
				cfg.CoordinationBaseURL = baseURLValue
			}
		}
		if err := validation.ValidateStringNonEmpty(accessKeyValue); err != nil {
			log.Warn("no access key configured; Init was never called or was called with an empty key")
		}
		_ = os.MkdirAll(cfg.StorageRoot, 0o755)

		led, _ = ledger.Open(cfg.LedgerPath)
		jrnl = journal.New(cfg.StorageRoot)
		cat = catalog.New(cfg.StorageRoot, led)
		metrics := observability.NewMetrics()

		mc := manifestclient.New(cfg.CoordinationBaseURL, accessKeyValue, secretKeyValue)
		fc := fetcher.New(cfg.PerRequestTimeout)
		registry := engine.NewRegistry()
		hook := postProcessHookValue
		if hook == nil {
			hook = postprocess.NoopHook{}
		}
		eng = engine.New(cfg, mc, fc, jrnl, led, hook, log, metrics, registry)
	})
}

// Download fetches, assembles, and validates the artifact for modelID,
// resuming from any existing progress journal. onProgress, which may be
// nil, receives structured progress events as the download advances. It
// returns the final artifact path and its sidecar metadata path.
func Download(ctx context.Context, modelID ModelId, onProgress ProgressFunc) (string, string, error) {
	ensureInit()
	return eng.Download(ctx, string(modelID), onProgress)
}

// Cancel stops any in-flight download for modelID and removes its
// on-disk chunks and journal. It is idempotent and a no-op for a model
// id with no progress.
func Cancel(modelID ModelId) {
	ensureInit()
	id := string(modelID)
	eng.Cancel(id)

	rec, _ := jrnl.Load(id)
	if rec == nil {
		return
	}
	_ = jrnl.Delete(id)
	for i := 0; i < rec.TotalChunks; i++ {
		_ = os.Remove(pathresolve.ChunkSlot(cfg.StorageRoot, id, i))
	}
}

// Exists reports whether a completed artifact for modelID is present in
// the local catalog.
func Exists(modelID ModelId) ExistenceResult {
	ensureInit()
	res, _ := cat.FindByID(string(modelID))
	return res
}

// FindByName looks up a completed artifact by its human-readable model
// name, the first catalog entry with an exact match.
func FindByName(name string) ExistenceResult {
	ensureInit()
	res, _ := cat.FindByName(name)
	return res
}

// Status returns a read-only snapshot of modelID's resume state: whether
// a journal exists, the journal itself, and which chunk indices are
// validated versus still missing.
func Status(modelID ModelId) StatusResult {
	ensureInit()
	id := string(modelID)
	if err := pathresolve.ValidateModelID(id); err != nil {
		return StatusResult{}
	}

	rec, err := jrnl.Load(id)
	if err != nil || rec == nil {
		return StatusResult{HasProgress: false}
	}

	existing := make([]int, 0, len(rec.ValidatedChunks))
	for idx, ok := range rec.ValidatedChunks {
		if ok {
			existing = append(existing, idx)
		}
	}
	sort.Ints(existing)

	existingSet := make(map[int]bool, len(existing))
	for _, idx := range existing {
		existingSet[idx] = true
	}
	missing := make([]int, 0, rec.TotalChunks-len(existing))
	for i := 0; i < rec.TotalChunks; i++ {
		if !existingSet[i] {
			missing = append(missing, i)
		}
	}

	return StatusResult{
		HasProgress:    true,
		Journal:        rec,
		ExistingChunks: existing,
		MissingChunks:  missing,
	}
}

// ListArtifacts returns every completed artifact in the local catalog,
// most recently downloaded first.
func ListArtifacts() ([]Artifact, error) {
	ensureInit()
	return cat.ListAll()
}

// CatalogStatsSnapshot reports aggregate catalog size and, when the
// optional chunk ledger is enabled, how many bytes are
// deduplication-eligible.
func CatalogStatsSnapshot() (CatalogStats, error) {
	ensureInit()
	return cat.GetStats(liveChunkHashes())
}

// GC prunes ledger entries for chunk hashes no longer referenced by any
// in-progress download's journal, returning the number of entries
// removed. It is a no-op
// if the optional chunk ledger is disabled.
func GC() (int, error) {
	ensureInit()
	return cat.GC(liveChunkHashes())
}

// liveChunkHashes collects every chunk hash referenced by a still-active
// journal. A finalized artifact no longer has individual chunk files on
// disk (they're merged and removed), so only in-progress downloads keep
// a chunk hash "live" from the ledger's point of view; everything else
// is eligible for GC.
func liveChunkHashes() map[string]bool {
	live := map[string]bool{}
	recs, err := jrnl.ListAll()
	if err != nil {
		return live
	}
	for _, rec := range recs {
		for _, hash := range rec.ChunkHashes {
			if hash != "" {
				live[hash] = true
			}
		}
	}
	return live
}
