// Sector- and cluster-granular I/O, translated through the volume
// geometry.

package fatfs

import (
	"fmt"

	"github.com/dsoprea/go-logging"
)

// ReadSectors fills data with whole sectors starting at sectorIndex. The
// buffer length selects the count and must be a sector multiple.
func (v *Volume) ReadSectors(data []byte, sectorIndex uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = v.dev.ReadAt(data, int64(sectorIndex)*int64(v.sectorSize))
	log.PanicIf(err)

	return nil
}

// WriteSectors writes whole sectors starting at sectorIndex.
func (v *Volume) WriteSectors(data []byte, sectorIndex uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = v.dev.WriteAt(data, int64(sectorIndex)*int64(v.sectorSize))
	log.PanicIf(err)

	return nil
}

// checkClusterRange guards the addressable window [2, clusterCount+1].
func (v *Volume) checkClusterRange(clusterIndex, count uint32) error {
	if clusterIndex < firstDataCluster || clusterIndex+count > v.clusterCount+firstDataCluster {
		return fmt.Errorf("cluster (%d) count (%d): %w", clusterIndex, count, ErrInvalidCluster)
	}

	return nil
}

func (v *Volume) clusterOffset(clusterIndex uint32) int64 {
	return int64(v.heapOffset)*int64(v.sectorSize) + int64(clusterIndex-firstDataCluster)*int64(v.clusterSize)
}

// ReadClusters fills data with count clusters starting at clusterIndex.
func (v *Volume) ReadClusters(data []byte, clusterIndex, count uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = v.checkClusterRange(clusterIndex, count)
	if err != nil {
		return err
	}

	err = v.dev.ReadAt(data[:int64(count)*int64(v.clusterSize)], v.clusterOffset(clusterIndex))
	log.PanicIf(err)

	return nil
}

// ReadCluster fills data with the single cluster at clusterIndex.
func (v *Volume) ReadCluster(data []byte, clusterIndex uint32) (err error) {
	return v.ReadClusters(data, clusterIndex, 1)
}

// WriteClusters writes count clusters starting at clusterIndex.
func (v *Volume) WriteClusters(data []byte, clusterIndex, count uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = v.checkClusterRange(clusterIndex, count)
	if err != nil {
		return err
	}

	err = v.dev.WriteAt(data[:int64(count)*int64(v.clusterSize)], v.clusterOffset(clusterIndex))
	log.PanicIf(err)

	return nil
}

// WriteCluster writes the single cluster at clusterIndex.
func (v *Volume) WriteCluster(data []byte, clusterIndex uint32) (err error) {
	return v.WriteClusters(data, clusterIndex, 1)
}
