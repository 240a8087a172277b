// The directory cache: one chain per traversed directory, keyed by the
// directory's first cluster, holding the child records keyed by name-hash
// (exFAT) or short-name checksum (FAT).

package fatfs

import (
	"time"

	"github.com/dsoprea/go-logging"
)

const (
	// dentryListSize is the cache's growth stride.
	dentryListSize = 1024
)

// FileInfo is one cached directory child (or a directory's own record at
// the head of its chain).
type FileInfo struct {
	name    string
	namelen int
	datalen uint64

	attr  uint16
	flags uint8

	// hash keys the record in its parent's chain: the name-hash on
	// exFAT, the short-name checksum on FAT.
	hash uint32

	firstCluster uint32

	ctime time.Time
	mtime time.Time
	atime time.Time

	// shortName is the raw 8.3 record name (FAT only).
	shortName [11]byte

	// cached indicates that this directory's children are populated.
	cached bool

	// parent is the containing directory's record; nil at the root.
	parent *FileInfo
}

// Name returns the decoded filename.
func (fi *FileInfo) Name() string {
	return fi.name
}

// DataLength returns the file length in bytes.
func (fi *FileInfo) DataLength() uint64 {
	return fi.datalen
}

// Attributes returns the attribute bitmask.
func (fi *FileInfo) Attributes() FileAttributes {
	return FileAttributes(fi.attr)
}

// IsDirectory indicates whether this record is a directory.
func (fi *FileInfo) IsDirectory() bool {
	return fi.Attributes().IsDirectory()
}

// FirstCluster returns the first cluster of the record's data.
func (fi *FileInfo) FirstCluster() uint32 {
	return fi.firstCluster
}

// Flags returns the exFAT GeneralSecondaryFlags.
func (fi *FileInfo) Flags() uint8 {
	return fi.flags
}

// Timestamps returns the creation, modification, and access times.
func (fi *FileInfo) Timestamps() (ctime, mtime, atime time.Time) {
	return fi.ctime, fi.mtime, fi.atime
}

type chainNode struct {
	key uint32
	fi  *FileInfo
}

// directoryChain is one cache slot: the directory's own record plus its
// children.
type directoryChain struct {
	index    uint32
	head     *FileInfo
	children []chainNode
}

func (dc *directoryChain) append(key uint32, fi *FileInfo) {
	dc.children = append(dc.children, chainNode{key: key, fi: fi})
}

func (dc *directoryChain) searchByKey(key uint32) *FileInfo {
	for _, node := range dc.children {
		if node.key == key {
			return node.fi
		}
	}

	return nil
}

func (dc *directoryChain) searchByCluster(clu uint32) *FileInfo {
	for _, node := range dc.children {
		if node.fi.firstCluster == clu {
			return node.fi
		}
	}

	return nil
}

// checkChain reports whether the directory is present in the cache.
func (v *Volume) checkChain(clu uint32) bool {
	for _, dc := range v.chains {
		if dc != nil && dc.index == clu {
			return true
		}
	}

	return false
}

// chainFor returns the directory's cache slot, creating an empty one if
// absent. The slot's head is populated by whoever discovers the
// directory (the root at open, or the parent's traversal).
//
// The cache grows by a fixed stride. Growth cannot fail under Go's
// allocator, so the historical drop-the-last-chain fallback is
// unreachable here; the stride is kept for parity of shape.
func (v *Volume) chainFor(clu uint32) *directoryChain {
	for _, dc := range v.chains {
		if dc != nil && dc.index == clu {
			return dc
		}
	}

	if len(v.chains) == cap(v.chains) {
		grown := make([]*directoryChain, len(v.chains), len(v.chains)+dentryListSize)
		copy(grown, v.chains)
		v.chains = grown
	}

	dc := &directoryChain{
		index: clu,
	}
	v.chains = append(v.chains, dc)

	return dc
}

// cleanChain releases a directory's children, keeping the head record so
// the next traversal can repopulate it.
func (v *Volume) cleanChain(dc *directoryChain) {
	for i := range dc.children {
		dc.children[i].fi = nil
	}

	dc.children = dc.children[:0]
}

// removeChain drops a directory from the cache entirely.
func (v *Volume) removeChain(clu uint32) (err error) {
	for i, dc := range v.chains {
		if dc != nil && dc.index == clu {
			v.cleanChain(dc)
			v.chains = append(v.chains[:i], v.chains[i+1:]...)

			return nil
		}
	}

	return log.Wrap(ErrNotFound)
}

// searchParentOf finds the cached directory whose child list contains a
// record with the given first cluster.
func (v *Volume) searchParentOf(clu uint32) (parent *directoryChain, child *FileInfo) {
	for _, dc := range v.chains {
		if dc == nil {
			continue
		}

		if fi := dc.searchByCluster(clu); fi != nil {
			return dc, fi
		}
	}

	return nil, nil
}
