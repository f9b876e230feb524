// Package config holds values that vary across environments: the storage
// root, coordination service endpoint, timeouts, the native-inference
// file extension, and the ledger path. The adaptive-concurrency
// thresholds are not configurable here; they are fixed in the engine.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config configures a download engine and its collaborators.
type Config struct {
	StorageRoot          string
	CoordinationBaseURL  string
	PerRequestTimeout    time.Duration
	PerResourceTimeout   time.Duration
	NativeInferenceExt   string
	LedgerPath           string // empty disables the optional chunk ledger
}

// DefaultConfig returns sensible defaults, rooting storage at the
// platform's user-documents-equivalent directory.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	storageRoot := filepath.Join(homeDir, "Documents", "modeldl")

	return &Config{
		StorageRoot:         storageRoot,
		CoordinationBaseURL: "",
		PerRequestTimeout:   60 * time.Second,
		PerResourceTimeout:  300 * time.Second,
		NativeInferenceExt:  "mlmodelc",
		LedgerPath:          filepath.Join(storageRoot, ".ledger"),
	}
}
