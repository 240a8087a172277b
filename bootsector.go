// This file manages the low-level, statically-located on-disk structures:
// the boot sectors of both dialects and the FAT32 FSInfo sector.

package fatfs

import (
	"bytes"
	"fmt"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

const (
	bootSectorSize = 512

	fsinfoLeadSignature      = 0x41615252
	fsinfoStructureSignature = 0x61417272
	fsinfoTrailSignature     = 0xaa550000
)

var (
	requiredJumpBootSignature = []byte{0xeb, 0x76, 0x90}
	requiredFileSystemName    = []byte("EXFAT   ")
	requiredBootSignature     = uint16(0xaa55)
)

// ExfatBootSector describes the main set of exFAT filesystem parameters.
type ExfatBootSector struct {
	// JumpBoot: This field is mandatory and Section 3.1.1 defines its
	// contents. The valid value is (in order of low-order byte to
	// high-order byte) EBh 76h 90h.
	JumpBoot [3]byte

	// FileSystemName: "EXFAT   ", which includes three trailing white
	// spaces (Section 3.1.2).
	FileSystemName [8]byte

	// MustBeZero: corresponds with the range of bytes the packed BIOS
	// parameter block consumes on FAT12/16/32 volumes, to prevent those
	// implementations from mistakenly mounting an exFAT volume.
	MustBeZero [53]byte

	// PartitionOffset: media-relative sector offset of the hosting
	// partition. The value 0 means the field shall be ignored.
	PartitionOffset uint64

	// VolumeLength: size of the volume in sectors.
	VolumeLength uint64

	// FatOffset: volume-relative sector offset of the first FAT.
	FatOffset uint32

	// FatLength: length of each FAT table, in sectors.
	FatLength uint32

	// ClusterHeapOffset: volume-relative sector offset of the cluster
	// heap.
	ClusterHeapOffset uint32

	// ClusterCount: the number of clusters the cluster heap contains.
	ClusterCount uint32

	// FirstClusterOfRootDirectory: cluster index of the first cluster of
	// the root directory. At least 2, at most ClusterCount + 1.
	FirstClusterOfRootDirectory uint32

	// VolumeSerialNumber: a unique serial number. All values are valid.
	VolumeSerialNumber uint32

	// FileSystemRevision: minor revision in the low-order byte, major in
	// the high-order byte.
	FileSystemRevision [2]uint8

	// VolumeFlags: state flags for the filesystem (Section 3.1.13).
	VolumeFlags VolumeFlags

	// BytesPerSectorShift: bytes per sector expressed as log2(N). At
	// least 9 (512 bytes), at most 12 (4096 bytes).
	BytesPerSectorShift uint8

	// SectorsPerClusterShift: sectors per cluster expressed as log2(N).
	SectorsPerClusterShift uint8

	// NumberOfFats: 1, or 2 for TexFAT volumes (which we do not support).
	NumberOfFats uint8

	// DriveSelect: extended INT 13h drive number.
	DriveSelect uint8

	// PercentInUse: percentage of allocated clusters, or FFh if not
	// available.
	PercentInUse uint8

	// Reserved: contents are reserved.
	Reserved [7]byte

	// BootCode: boot-strapping instructions.
	BootCode [390]byte

	// BootSignature: AA55h. Any other value invalidates the boot sector.
	BootSignature uint16
}

// String returns a description of the boot sector.
func (bsh ExfatBootSector) String() string {
	return fmt.Sprintf("ExfatBootSector<SN=(0x%08x) REVISION=(0x%02x)-(0x%02x)>", bsh.VolumeSerialNumber, bsh.FileSystemRevision[0], bsh.FileSystemRevision[1])
}

// SectorSize returns the effective sector-size.
func (bsh ExfatBootSector) SectorSize() uint32 {
	return uint32(1) << bsh.BytesPerSectorShift
}

// SectorsPerCluster returns the effective sectors-per-cluster count.
func (bsh ExfatBootSector) SectorsPerCluster() uint32 {
	return uint32(1) << bsh.SectorsPerClusterShift
}

func (bsh ExfatBootSector) validate() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if bytes.Equal(bsh.JumpBoot[:], requiredJumpBootSignature) != true {
		log.Panicf("jump-boot value not correct: %x", bsh.JumpBoot[:])
	} else if bsh.BootSignature != requiredBootSignature {
		log.Panicf("boot-signature not correct: %x", bsh.BootSignature)
	}

	for _, c := range bsh.MustBeZero {
		if c != 0 {
			log.Panicf("must-be-zero field not all zeros")
		}
	}

	return nil
}

// VolumeFlags represents some state flags for the filesystem.
type VolumeFlags uint16

const (
	// VolumeFlagActiveFat describes which FAT and allocation bitmap are
	// active: 0 means the first, 1 the second (TexFAT only).
	VolumeFlagActiveFat VolumeFlags = 1

	// VolumeFlagVolumeDirty describes whether the volume is probably in
	// an inconsistent state.
	VolumeFlagVolumeDirty = 2

	// VolumeFlagMediaFailure describes whether the media has reported
	// failures unresolved by "bad" cluster records.
	VolumeFlagMediaFailure = 4

	// VolumeFlagClearToZero does not have significant meaning.
	VolumeFlagClearToZero = 8
)

// UseFirstFat indicates whether the first FAT should be used.
func (vf VolumeFlags) UseFirstFat() bool {
	return vf&VolumeFlagActiveFat == 0
}

// IsDirty indicates whether changes currently need to be flushed.
func (vf VolumeFlags) IsDirty() bool {
	return vf&VolumeFlagVolumeDirty > 0
}

// HasHadMediaFailures indicates whether media-errors have been detected.
func (vf VolumeFlags) HasHadMediaFailures() bool {
	return vf&VolumeFlagMediaFailure > 0
}

// FatBootSector describes the common BPB shared by FAT12, FAT16, and
// FAT32, with the dialect-specific tail kept raw (see
// Fat16ReservedInfo/Fat32ReservedInfo).
type FatBootSector struct {
	JumpBoot            [3]byte
	OemName             [8]byte
	BytesPerSector      uint16
	SectorsPerCluster   uint8
	ReservedSectorCount uint16
	NumFats             uint8
	RootEntryCount      uint16
	TotalSectors16      uint16
	Media               uint8
	FatSize16           uint16
	SectorsPerTrack     uint16
	NumHeads            uint16
	HiddenSectors       uint32
	TotalSectors32      uint32

	// ReservedInfo holds the FAT12/16 or FAT32 variant region; parse it
	// with Fat16Reserved()/Fat32Reserved() once the dialect is known.
	ReservedInfo [474]byte

	BootSignature uint16
}

// Fat16ReservedInfo is the BPB tail used by FAT12 and FAT16.
type Fat16ReservedInfo struct {
	DriveNumber    uint8
	Reserved1      uint8
	BootSignature  uint8
	VolumeId       [4]byte
	VolumeLabel    [11]byte
	FilesystemType [8]byte
}

// Fat32ReservedInfo is the BPB tail used by FAT32.
type Fat32ReservedInfo struct {
	FatSize32        uint32
	ExtFlags         uint16
	FsVersion        uint16
	RootCluster      uint32
	FsInfoSector     uint16
	BackupBootSector uint16
	Reserved         [12]byte
	DriveNumber      uint8
	Reserved1        uint8
	BootSignature    uint8
	VolumeId         [4]byte
	VolumeLabel      [11]byte
	FilesystemType   [8]byte
}

// Fat16Reserved parses the FAT12/16 variant of the reserved region.
func (fbs FatBootSector) Fat16Reserved() (ri Fat16ReservedInfo, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = restruct.Unpack(fbs.ReservedInfo[:26], defaultEncoding, &ri)
	log.PanicIf(err)

	return ri, nil
}

// Fat32Reserved parses the FAT32 variant of the reserved region.
func (fbs FatBootSector) Fat32Reserved() (ri Fat32ReservedInfo, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = restruct.Unpack(fbs.ReservedInfo[:54], defaultEncoding, &ri)
	log.PanicIf(err)

	return ri, nil
}

// FatSize returns the per-FAT sector count, preferring the 16-bit field.
func (fbs FatBootSector) FatSize() uint32 {
	if fbs.FatSize16 != 0 {
		return uint32(fbs.FatSize16)
	}

	ri, err := fbs.Fat32Reserved()
	log.PanicIf(err)

	return ri.FatSize32
}

// TotalSectors returns the volume sector count, preferring the 16-bit
// field.
func (fbs FatBootSector) TotalSectors() uint32 {
	if fbs.TotalSectors16 != 0 {
		return uint32(fbs.TotalSectors16)
	}

	return fbs.TotalSectors32
}

// RootDirSectors returns the sector count of the fixed FAT12/16 root
// entry table (zero on FAT32).
func (fbs FatBootSector) RootDirSectors() uint32 {
	return (uint32(fbs.RootEntryCount)*32 + uint32(fbs.BytesPerSector) - 1) / uint32(fbs.BytesPerSector)
}

func isPower2(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}

func (fbs FatBootSector) validate() bool {
	if fbs.ReservedSectorCount == 0 {
		return false
	}

	if fbs.NumFats == 0 {
		return false
	}

	if fbs.Media != 0xf0 && fbs.Media < 0xf8 {
		return false
	}

	sector := uint32(fbs.BytesPerSector) / 512
	if isPower2(sector) != true || sector > 8 {
		return false
	}

	cluster := uint32(fbs.SectorsPerCluster)
	if isPower2(cluster) != true || cluster > 128 {
		return false
	}

	return true
}

// Fat32FsInfo is the FAT32 FSInfo sector.
type Fat32FsInfo struct {
	LeadSignature      uint32
	Reserved1          [480]byte
	StructureSignature uint32
	FreeCount          uint32
	NextFree           uint32
	Reserved2          [12]byte
	TrailSignature     uint32
}

// SignaturesValid indicates whether all three signature fields carry
// their prescribed values.
func (fsi Fat32FsInfo) SignaturesValid() bool {
	return fsi.LeadSignature == fsinfoLeadSignature &&
		fsi.StructureSignature == fsinfoStructureSignature &&
		fsi.TrailSignature == fsinfoTrailSignature
}
