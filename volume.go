// This file manages the process-wide volume descriptor: geometry, dialect
// detection, the directory cache, and the exFAT extras (allocation
// bitmap, up-case table, volume label).

package fatfs

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"encoding/binary"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
	"github.com/spf13/afero"
)

var (
	defaultEncoding = binary.LittleEndian
)

const (
	// firstDataCluster is the index of the first cluster in the heap.
	// Clusters 0 and 1 are reserved in every dialect.
	firstDataCluster = 2

	pathDepthMax  = 255
	nameLengthMax = 255

	// tailLineCount is how many trailing lines Contents() prints.
	tailLineCount = 10
)

// FsType enumerates the supported dialects.
type FsType int

const (
	FsTypeFat12 FsType = iota
	FsTypeFat16
	FsTypeFat32
	FsTypeExfat
	FsTypeUnknown
)

// String returns the conventional name of the dialect.
func (fstype FsType) String() string {
	switch fstype {
	case FsTypeFat12:
		return "FAT12"
	case FsTypeFat16:
		return "FAT16"
	case FsTypeFat32:
		return "FAT32"
	case FsTypeExfat:
		return "exFAT"
	}

	return "unknown"
}

// VolumeOptions adjusts open behavior and output routing.
type VolumeOptions struct {
	// ReadOnly refuses all writes to the backing device.
	ReadOnly bool

	// Quiet records the caller's quiet setting. The volume's own output
	// does not consult it; detail lines are governed by Verbose alone.
	Quiet bool

	// Verbose enables the informational detail lines in dumps.
	Verbose bool

	// Output receives all printed reports. Defaults to stdout.
	Output io.Writer
}

// Volume is the open filesystem image. All operations hang off of it;
// there is no other mutable state.
type Volume struct {
	dev *Device

	fstype FsType
	opts   VolumeOptions
	out    io.Writer

	sectorSize   uint32
	clusterSize  uint32
	clusterCount uint32

	// fatOffset is in sectors; fatLength is the byte length of all FATs.
	fatOffset uint32
	fatLength uint32

	// heapOffset is the first sector of the cluster heap. rootOffset is
	// the first cluster of the root directory, or zero when the root is
	// the fixed FAT12/16 entry table of rootLength sectors.
	heapOffset uint32
	rootOffset uint32
	rootLength uint32

	// FAT dialect chain markers.
	badClusterMarker  uint32
	lastClusterMarker uint32
	reservedMarker    uint32

	// exFAT extras.
	allocCluster uint32
	allocTable   []byte
	upcaseTable  []uint16
	upcaseSize   uint64
	volLabel     []uint16

	chains []*directoryChain

	ops Operations
}

// OpenVolume detects the dialect from the first sector and returns a
// ready Volume with the root directory seeded in the cache.
func OpenVolume(f afero.File, opts VolumeOptions) (v *Volume, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	dev, err := NewDevice(f, opts.ReadOnly)
	log.PanicIf(err)

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	v = &Volume{
		dev:    dev,
		fstype: FsTypeUnknown,
		opts:   opts,
		out:    out,
	}

	pseudo := make([]byte, bootSectorSize)

	err = dev.ReadAt(pseudo, 0)
	log.PanicIf(err)

	if bytes.Equal(pseudo[3:11], requiredFileSystemName) == true {
		err = v.openExfat(pseudo)
		log.PanicIf(err)
	} else {
		err = v.openFat(pseudo)
		log.PanicIf(err)
	}

	if v.fstype == FsTypeUnknown {
		return nil, fmt.Errorf("boot sector does not validate: %w", ErrUnsupportedImage)
	}

	return v, nil
}

// OpenVolumePath opens the named image on the given filesystem.
func OpenVolumePath(fs afero.Fs, filepath string, opts VolumeOptions) (v *Volume, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	flag := os.O_RDWR
	if opts.ReadOnly == true {
		flag = os.O_RDONLY
	}

	f, err := fs.OpenFile(filepath, flag, 0)
	log.PanicIf(err)

	v, err = OpenVolume(f, opts)
	if err != nil {
		f.Close()
		return nil, err
	}

	return v, nil
}

func (v *Volume) openExfat(pseudo []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	bsh := ExfatBootSector{}

	err = restruct.Unpack(pseudo, defaultEncoding, &bsh)
	log.PanicIf(err)

	err = bsh.validate()
	log.PanicIf(err)

	v.fstype = FsTypeExfat
	v.sectorSize = bsh.SectorSize()
	v.clusterSize = bsh.SectorsPerCluster() * v.sectorSize
	v.clusterCount = bsh.ClusterCount
	v.fatOffset = bsh.FatOffset
	v.fatLength = uint32(bsh.NumberOfFats) * bsh.FatLength * v.sectorSize
	v.heapOffset = bsh.ClusterHeapOffset
	v.rootOffset = bsh.FirstClusterOfRootDirectory
	v.badClusterMarker = exfatBadCluster
	v.lastClusterMarker = exfatLastCluster

	root := &FileInfo{
		name:         "/",
		namelen:      1,
		datalen:      uint64(v.clusterCount) * uint64(v.clusterSize),
		attr:         AttrDirectory,
		firstCluster: v.rootOffset,
	}

	v.chains = append(v.chains, &directoryChain{
		index: v.rootOffset,
		head:  root,
	})

	v.ops = &exfatOps{v: v}

	err = v.loadExtraEntries()
	log.PanicIf(err)

	return nil
}

func (v *Volume) openFat(pseudo []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	fbs := FatBootSector{}

	err = restruct.Unpack(pseudo, defaultEncoding, &fbs)
	log.PanicIf(err)

	if fbs.validate() != true {
		// Leaves the dialect unknown; the caller maps that to
		// ErrUnsupportedImage.
		return nil
	}

	fatSize := fbs.FatSize()
	totalSectors := fbs.TotalSectors()
	rootDirSectors := fbs.RootDirSectors()

	dataSectors := totalSectors - (uint32(fbs.ReservedSectorCount) + uint32(fbs.NumFats)*fatSize + rootDirSectors)
	clusterCount := dataSectors / uint32(fbs.SectorsPerCluster)

	switch {
	case clusterCount < fat12ClusterLimit:
		v.fstype = FsTypeFat12
		v.badClusterMarker = fat12BadCluster
		v.lastClusterMarker = fat12LastCluster
		v.reservedMarker = fat12Reserved
	case clusterCount < fat16ClusterLimit:
		v.fstype = FsTypeFat16
		v.badClusterMarker = fat16BadCluster
		v.lastClusterMarker = fat16LastCluster
		v.reservedMarker = fat16Reserved
	default:
		v.fstype = FsTypeFat32
		v.badClusterMarker = fat32BadCluster
		v.lastClusterMarker = fat32LastCluster
		v.reservedMarker = fat32Reserved
	}

	v.sectorSize = uint32(fbs.BytesPerSector)
	v.clusterSize = uint32(fbs.SectorsPerCluster) * v.sectorSize
	v.clusterCount = clusterCount
	v.fatOffset = uint32(fbs.ReservedSectorCount)
	v.fatLength = uint32(fbs.NumFats) * fatSize * v.sectorSize
	v.heapOffset = uint32(fbs.ReservedSectorCount) + uint32(fbs.NumFats)*fatSize + rootDirSectors

	if v.fstype == FsTypeFat32 {
		ri, err := fbs.Fat32Reserved()
		log.PanicIf(err)

		v.rootOffset = ri.RootCluster
		v.rootLength = v.clusterSize / v.sectorSize
	} else {
		v.rootOffset = 0
		v.rootLength = rootDirSectors
	}

	root := &FileInfo{
		name:         "/",
		namelen:      1,
		attr:         AttrDirectory,
		firstCluster: v.rootOffset,
	}

	v.chains = append(v.chains, &directoryChain{
		index: v.rootOffset,
		head:  root,
	})

	v.ops = &fatOps{v: v}

	return nil
}

// Close releases the cache and the exFAT buffers. The backing file is the
// caller's to close.
func (v *Volume) Close() {
	v.chains = nil
	v.allocTable = nil
	v.upcaseTable = nil
	v.volLabel = nil
	v.ops = nil
}

// Ops returns the operation table for the active dialect.
func (v *Volume) Ops() Operations {
	return v.ops
}

// FsType returns the detected dialect.
func (v *Volume) FsType() FsType {
	return v.fstype
}

// SectorSize returns the sector size in bytes.
func (v *Volume) SectorSize() uint32 {
	return v.sectorSize
}

// ClusterSize returns the cluster size in bytes.
func (v *Volume) ClusterSize() uint32 {
	return v.clusterSize
}

// ClusterCount returns the number of clusters in the heap.
func (v *Volume) ClusterCount() uint32 {
	return v.clusterCount
}

// RootCluster returns the first cluster of the root directory (zero for
// the fixed FAT12/16 root).
func (v *Volume) RootCluster() uint32 {
	return v.rootOffset
}

func (v *Volume) printf(format string, args ...interface{}) {
	fmt.Fprintf(v.out, format, args...)
}

// infof prints detail lines that are suppressed unless verbose.
func (v *Volume) infof(format string, args ...interface{}) {
	if v.opts.Verbose == true {
		fmt.Fprintf(v.out, format, args...)
	}
}
