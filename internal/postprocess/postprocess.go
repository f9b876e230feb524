// Package postprocess defines the pluggable post-download transformation
// seam: an optional caller-supplied step that turns the generic assembled
// artifact into a platform-native inference format.
package postprocess

import "context"

// Hook transforms the generic artifact at sourcePath into the canonical
// on-disk artifact for modelID, returning its final path. On success the
// generic source file must be removed by the hook; on failure the
// artifact and journal are left in place for debugging.
type Hook interface {
	Transform(ctx context.Context, sourcePath, modelID string) (finalPath string, err error)
}

// NoopHook returns the source path unchanged. It is the default hook
// when the caller supplies none, and the reference implementation for
// callers with no compilation step of their own. The engine invokes a
// hook only when a manifest's file_ext matches the native-inference
// sentinel.
type NoopHook struct{}

// Transform implements Hook by returning sourcePath unmodified.
func (NoopHook) Transform(_ context.Context, sourcePath, _ string) (string, error) {
	return sourcePath, nil
}
