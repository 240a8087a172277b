// The polymorphic facade over the two dialect implementations. Nothing
// outside fat.go and exfat.go carries dialect assumptions beyond the
// end-of-chain predicate.

package fatfs

import (
	"time"
)

// Create options.
const (
	// CreateDirectory makes Create() produce a directory with one fresh
	// cluster instead of an empty file.
	CreateDirectory = 1 << 0
)

// DirectoryEntry is one Readdir() result record.
type DirectoryEntry struct {
	Name         string
	NameLength   int
	DataLength   uint64
	Attributes   FileAttributes
	FirstCluster uint32

	CTime time.Time
	MTime time.Time
	ATime time.Time
}

// Operations is the dialect-dispatched operation table.
type Operations interface {
	// StatFs prints the boot-sector summary.
	StatFs() error

	// Info prints the filesystem structures (label, FAT chains,
	// allocation view, and the up-case table on exFAT).
	Info() error

	// Lookup resolves a path (absolute, or relative to the directory at
	// clu) to the target's first cluster.
	Lookup(clu uint32, path string) (uint32, error)

	// Readdir returns up to count children of the directory at clu,
	// plus how many more remained when count was too small.
	Readdir(clu uint32, count int) ([]DirectoryEntry, int, error)

	// Reload drops the directory's cached children and re-decodes it.
	Reload(clu uint32) error

	// Convert maps a string through the up-case table.
	Convert(src string) (string, error)

	// Clean removes the directory from the cache.
	Clean(clu uint32) error

	// SetFatEntry / GetFatEntry access one FAT entry.
	SetFatEntry(clu, entry uint32) error
	GetFatEntry(clu uint32) (uint32, error)

	// ValidateFatEntry reports whether a FAT entry value is usable as a
	// chain link.
	ValidateFatEntry(entry uint32) bool

	// PrintDentry prints record n of the directory at clu.
	PrintDentry(clu uint32, n int) error

	// Alloc / Release mark one cluster allocated or free in the
	// allocation view (the bitmap on exFAT, the FAT entry itself on
	// FAT).
	Alloc(clu uint32) error
	Release(clu uint32) error

	// Create adds a new file or directory entry under the directory at
	// clu.
	Create(name string, clu uint32, opt int) error

	// Remove unlinks the named entry. Clusters are not released.
	Remove(name string, clu uint32, opt int) error

	// Trim compacts the directory and frees the excess clusters.
	Trim(clu uint32) error

	// Fill appends synthetic entries until the directory holds count
	// records.
	Fill(clu uint32, count int) error

	// Contents prints the tail of the named file.
	Contents(name string, clu uint32) error

	// Stat prints the cached record of the named file.
	Stat(name string, clu uint32) error
}
