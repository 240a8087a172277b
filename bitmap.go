// The allocation view: exFAT's on-disk allocation bitmap, and the
// free/used view derived from FAT entries for the FAT dialects.

package fatfs

import (
	"fmt"

	"github.com/dsoprea/go-logging"
)

// loadBitmap reports whether the cluster is marked allocated in the exFAT
// allocation bitmap.
func (v *Volume) loadBitmap(clu uint32) (allocated bool, err error) {
	if clu < firstDataCluster || clu > v.clusterCount+1 {
		return false, fmt.Errorf("cluster (%d): %w", clu, ErrInvalidCluster)
	}

	clu -= firstDataCluster

	entry := v.allocTable[clu/8]

	return (entry>>(clu%8))&0x01 != 0, nil
}

// saveBitmap sets or clears the cluster's bit, both in memory and in the
// bitmap cluster on disk.
func (v *Volume) saveBitmap(clu uint32, value bool) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if clu < firstDataCluster || clu > v.clusterCount+1 {
		return fmt.Errorf("cluster (%d): %w", clu, ErrInvalidCluster)
	}

	clu -= firstDataCluster
	byteIndex := clu / 8
	mask := byte(0x01) << (clu % 8)

	if value == true {
		v.allocTable[byteIndex] |= mask
	} else {
		v.allocTable[byteIndex] &^= mask
	}

	// Write back just the cluster of the bitmap that owns this byte. The
	// bitmap occupies adjacent clusters starting at its first cluster.
	owner := v.allocCluster + byteIndex/v.clusterSize
	ownerStart := (byteIndex / v.clusterSize) * v.clusterSize

	raw := make([]byte, v.clusterSize)

	err = v.ReadCluster(raw, owner)
	log.PanicIf(err)

	copy(raw, v.allocTable[ownerStart:])

	err = v.WriteCluster(raw, owner)
	log.PanicIf(err)

	return nil
}

// clusterIsFree reports whether the cluster is available for allocation
// in the active dialect's terms.
func (v *Volume) clusterIsFree(clu uint32) (free bool, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if v.fstype == FsTypeExfat {
		allocated, err := v.loadBitmap(clu)
		log.PanicIf(err)

		return allocated == false, nil
	}

	entry, err := v.ops.GetFatEntry(clu)
	log.PanicIf(err)

	return entry == 0, nil
}

// printChains prints every FAT chain, one line per chain, leaders first.
// A cluster is a leader if it is allocated and no other entry points at
// it.
func (v *Volume) printChains() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	// reached[i] is true when cluster i is free or has been identified as
	// the destination of some other cluster's entry.
	reached := make([]bool, v.clusterCount+firstDataCluster)

	for clu := uint32(firstDataCluster); clu < v.clusterCount+firstDataCluster; clu++ {
		free, err := v.clusterIsFree(clu)
		log.PanicIf(err)

		if free == true {
			reached[clu] = true
			continue
		}

		entry, err := v.ops.GetFatEntry(clu)
		log.PanicIf(err)

		if entry >= firstDataCluster && entry < v.clusterCount+firstDataCluster {
			reached[entry] = true
		}
	}

	v.printf("FAT:\n")

	for clu := uint32(firstDataCluster); clu < v.clusterCount+firstDataCluster; clu++ {
		if reached[clu] == true {
			continue
		}

		v.printf("%d", clu)

		current := clu
		for hops := uint32(0); hops < v.clusterCount; hops++ {
			entry, err := v.ops.GetFatEntry(current)
			log.PanicIf(err)

			if v.isLastCluster(entry) == true {
				break
			}

			v.printf(" -> %d", entry)
			current = entry
		}

		v.printf("\n")
	}

	return nil
}

// printAllocationBitmap prints the o/- allocation grid, sixteen clusters
// per row. Clusters 0 and 1 do not exist in the heap and print as dashes.
func (v *Volume) printAllocationBitmap() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v.printf("Allocation Bitmap:\n")
	v.printf("Offset    0 1 2 3 4 5 6 7 8 9 a b c d e f\n")
	v.printf("%08x  - - ", 0)

	for clu := uint32(firstDataCluster); clu < v.clusterCount+firstDataCluster; clu++ {
		free, err := v.clusterIsFree(clu)
		log.PanicIf(err)

		marker := byte('o')
		if free == true {
			marker = '-'
		}

		if clu%0x10 == 0 {
			v.printf("%08x  ", clu)
		}

		v.printf("%c ", marker)

		if clu%0x10 == 0xf {
			v.printf("\n")
		}
	}

	v.printf("\n")

	return nil
}
