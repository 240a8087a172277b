package fatfs

import (
	"errors"
)

// The typed failures that the operations surface to callers. Plumbing
// failures (short reads, parse errors) are wrapped and propagated as-is;
// these sentinels cover the conditions a caller can meaningfully branch
// on with errors.Is().
var (
	// ErrUnsupportedImage indicates that the first sector did not validate
	// as any of the supported filesystems.
	ErrUnsupportedImage = errors.New("image is not a FAT12/16/32 or exFAT filesystem")

	// ErrInvalidCluster indicates a cluster index outside of
	// [2, clusterCount+1].
	ErrInvalidCluster = errors.New("invalid cluster index")

	// ErrInvalidFatEntry indicates an end-of-chain or bad-cluster marker
	// encountered where a chain was expected to continue.
	ErrInvalidFatEntry = errors.New("invalid FAT entry")

	// ErrNotFound indicates that a path component could not be resolved.
	ErrNotFound = errors.New("no such file or directory")

	// ErrExists indicates a create collided with an existing name.
	ErrExists = errors.New("file exists")

	// ErrExhausted indicates that not enough free clusters remain.
	ErrExhausted = errors.New("no free clusters")

	// ErrCorruptStructure indicates an on-disk structure that violates the
	// format (stream without file, directory walk exceeding the cluster
	// count, etc.).
	ErrCorruptStructure = errors.New("corrupt filesystem structure")

	// ErrUnimplemented indicates an operation the active dialect does not
	// support (e.g. upcase conversion on FAT).
	ErrUnimplemented = errors.New("operation not supported by this filesystem")

	// ErrReadOnly indicates a write was attempted on a volume opened
	// read-only.
	ErrReadOnly = errors.New("volume is read-only")
)
