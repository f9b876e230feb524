package modeldl

import "github.com/quantarax/modeldl/internal/domain"

type (
	NetworkError               = domain.NetworkError
	ServerStatusError          = domain.ServerStatusError
	HashMismatchError          = domain.HashMismatchError
	WholeHashMismatchError     = domain.WholeHashMismatchError
	ChunkCorruptedError        = domain.ChunkCorruptedError
	InsufficientDiskSpaceError = domain.InsufficientDiskSpaceError
	DiskError                  = domain.DiskError
	PostProcessFailedError     = domain.PostProcessFailedError
	ErrCancelled               = domain.ErrCancelled
	ErrManifestUnavailable     = domain.ErrManifestUnavailable
)
