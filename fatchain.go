// Dialect-neutral FAT-chain arithmetic. The per-dialect entry accessors
// live in fat.go and exfat.go; the walking logic here only needs the
// accessors and the end-of-chain predicates.

package fatfs

import (
	"github.com/dsoprea/go-logging"
)

const (
	fat12ClusterLimit = 4084
	fat16ClusterLimit = 65524

	fat12BadCluster  = 0xff7
	fat12LastCluster = 0xfff
	fat12Reserved    = 0xff8

	fat16BadCluster  = 0xfff7
	fat16LastCluster = 0xffff
	fat16Reserved    = 0xfff8

	fat32BadCluster  = 0x0ffffff7
	fat32LastCluster = 0x0fffffff
	fat32Reserved    = 0x0ffffff8

	exfatBadCluster  = 0xfffffff7
	exfatLastCluster = 0xffffffff
)

// isLastCluster applies the dialect's end-of-chain predicate to a FAT
// entry value.
func (v *Volume) isLastCluster(entry uint32) bool {
	switch v.fstype {
	case FsTypeFat12, FsTypeFat16, FsTypeFat32:
		return entry < firstDataCluster || entry >= v.reservedMarker
	case FsTypeExfat:
		return entry == exfatLastCluster
	}

	return true
}

// chainLength walks the FAT from clu and returns the number of clusters
// before end-of-chain. The walk is capped at the cluster count so that a
// cyclic chain in a damaged image cannot hang us.
func (v *Volume) chainLength(clu uint32) (count int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	ops := v.ops

	count = 1
	for hops := uint32(0); hops < v.clusterCount; hops++ {
		entry, err := ops.GetFatEntry(clu)
		log.PanicIf(err)

		if v.isLastCluster(entry) == true {
			return count, nil
		}

		clu = entry
		count++
	}

	return 0, log.Wrap(ErrCorruptStructure)
}

// lastClusterOf returns the last cluster of the file's allocation. Files
// flagged NoFatChain are contiguous, so the FAT is not consulted.
func (v *Volume) lastClusterOf(f *FileInfo, clu uint32) (last uint32, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if f.flags&AllocNoFatChain != 0 {
		clusterNum := roundupClusters(f.datalen, v.clusterSize)
		return clu + uint32(clusterNum) - 1, nil
	}

	ops := v.ops

	for hops := uint32(0); hops < v.clusterCount; hops++ {
		entry, err := ops.GetFatEntry(clu)
		log.PanicIf(err)

		if v.isLastCluster(entry) == true {
			return clu, nil
		}

		clu = entry
	}

	return 0, log.Wrap(ErrInvalidFatEntry)
}

// roundupClusters converts a byte length to a cluster count, rounding up.
func roundupClusters(datalen uint64, clusterSize uint32) int {
	return int((datalen + uint64(clusterSize) - 1) / uint64(clusterSize))
}
