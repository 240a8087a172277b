// In-memory image builders shared by the test suites. These produce
// small, freshly-formatted volumes of each dialect on an afero memory
// filesystem.

package fatfs

import (
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
	"github.com/spf13/afero"
)

const (
	testExfatSectorSize   = 512
	testExfatSectorsShift = 3
	testExfatClusterSize  = 4096
	testExfatClusterCount = 256
	testExfatFatOffset    = 24
	testExfatHeapOffset   = 32

	testExfatBitmapCluster = 2
	testExfatUpcaseCluster = 3
	testExfatRootCluster   = 4

	testExfatUpcaseEntries = 128
)

func testWriteAt(f afero.File, data []byte, offset int64) {
	_, err := f.WriteAt(data, offset)
	log.PanicIf(err)
}

func testPutFatEntry32(fat []byte, index int, value uint32) {
	defaultEncoding.PutUint32(fat[index*4:], value)
}

// testUpcaseTable builds a small identity table that still upper-cases
// ASCII.
func testUpcaseTable() []byte {
	raw := make([]byte, testExfatUpcaseEntries*2)
	for i := 0; i < testExfatUpcaseEntries; i++ {
		u := uint16(i)
		if i >= 'a' && i <= 'z' {
			u = uint16(i - 'a' + 'A')
		}

		defaultEncoding.PutUint16(raw[i*2:], u)
	}

	return raw
}

// BuildTestExfatImage formats an empty exFAT volume (256 clusters of
// 4KiB) with a bitmap, an up-case table, and a volume label, and returns
// the open backing file.
func BuildTestExfatImage() afero.File {
	fs := afero.NewMemMapFs()

	f, err := fs.OpenFile("test.exfat", os.O_RDWR|os.O_CREATE, 0644)
	log.PanicIf(err)

	totalSectors := uint64(testExfatHeapOffset) + uint64(testExfatClusterCount)*(1<<testExfatSectorsShift)

	err = f.Truncate(int64(totalSectors) * testExfatSectorSize)
	log.PanicIf(err)

	bsh := ExfatBootSector{
		JumpBoot:                    [3]byte{0xeb, 0x76, 0x90},
		VolumeLength:                totalSectors,
		FatOffset:                   testExfatFatOffset,
		FatLength:                   testExfatHeapOffset - testExfatFatOffset,
		ClusterHeapOffset:           testExfatHeapOffset,
		ClusterCount:                testExfatClusterCount,
		FirstClusterOfRootDirectory: testExfatRootCluster,
		VolumeSerialNumber:          0x01234567,
		FileSystemRevision:          [2]uint8{0x00, 0x01},
		BytesPerSectorShift:         9,
		SectorsPerClusterShift:      testExfatSectorsShift,
		NumberOfFats:                1,
		DriveSelect:                 0x80,
		PercentInUse:                0,
		BootSignature:               0xaa55,
	}
	copy(bsh.FileSystemName[:], requiredFileSystemName)

	raw, err := restruct.Pack(defaultEncoding, &bsh)
	log.PanicIf(err)

	testWriteAt(f, raw, 0)

	// FAT: media descriptor, the historical second entry, and the
	// single-cluster chains of the bitmap, up-case table, and root.
	fat := make([]byte, (testExfatClusterCount+2)*4)
	testPutFatEntry32(fat, 0, 0xfffffff8)
	testPutFatEntry32(fat, 1, 0xffffffff)
	testPutFatEntry32(fat, testExfatBitmapCluster, exfatLastCluster)
	testPutFatEntry32(fat, testExfatUpcaseCluster, exfatLastCluster)
	testPutFatEntry32(fat, testExfatRootCluster, exfatLastCluster)

	testWriteAt(f, fat, testExfatFatOffset*testExfatSectorSize)

	clusterOffset := func(clu uint32) int64 {
		return testExfatHeapOffset*testExfatSectorSize + int64(clu-firstDataCluster)*testExfatClusterSize
	}

	// Allocation bitmap: the three metadata clusters are allocated.
	bitmap := make([]byte, (testExfatClusterCount+7)/8)
	bitmap[0] = 0x07

	testWriteAt(f, bitmap, clusterOffset(testExfatBitmapCluster))

	upcase := testUpcaseTable()

	testWriteAt(f, upcase, clusterOffset(testExfatUpcaseCluster))

	// Root directory: label, bitmap, and up-case entries.
	root := make([]byte, testExfatClusterSize)

	vd := ExfatVolumeLabelDentry{
		EntryType:      DentryVolume,
		CharacterCount: 4,
	}
	for i, c := range "TEST" {
		vd.VolumeLabel[i*2] = byte(c)
	}

	packed, err := restruct.Pack(defaultEncoding, &vd)
	log.PanicIf(err)

	copy(root[0*directoryEntrySize:], packed)

	bd := ExfatBitmapDentry{
		EntryType:    DentryBitmap,
		FirstCluster: testExfatBitmapCluster,
		DataLength:   uint64(len(bitmap)),
	}

	packed, err = restruct.Pack(defaultEncoding, &bd)
	log.PanicIf(err)

	copy(root[1*directoryEntrySize:], packed)

	ud := ExfatUpcaseDentry{
		EntryType:     DentryUpcase,
		TableChecksum: UpcaseTableChecksum(upcase),
		FirstCluster:  testExfatUpcaseCluster,
		DataLength:    uint64(len(upcase)),
	}

	packed, err = restruct.Pack(defaultEncoding, &ud)
	log.PanicIf(err)

	copy(root[2*directoryEntrySize:], packed)

	testWriteAt(f, root, clusterOffset(testExfatRootCluster))

	return f
}

const (
	testFatSectorSize = 512
)

type testFatGeometry struct {
	reservedSectors uint16
	fatSizeSectors  uint32
	rootEntryCount  uint16
	clusterCount    uint32
	rootCluster     uint32
	fsinfoSector    uint16
}

func buildTestFatImage(geometry testFatGeometry, fat32 bool) afero.File {
	fs := afero.NewMemMapFs()

	f, err := fs.OpenFile("test.fat", os.O_RDWR|os.O_CREATE, 0644)
	log.PanicIf(err)

	rootDirSectors := (uint32(geometry.rootEntryCount)*32 + testFatSectorSize - 1) / testFatSectorSize
	totalSectors := uint32(geometry.reservedSectors) + geometry.fatSizeSectors + rootDirSectors + geometry.clusterCount

	err = f.Truncate(int64(totalSectors) * testFatSectorSize)
	log.PanicIf(err)

	fbs := FatBootSector{
		JumpBoot:            [3]byte{0xeb, 0x3c, 0x90},
		BytesPerSector:      testFatSectorSize,
		SectorsPerCluster:   1,
		ReservedSectorCount: geometry.reservedSectors,
		NumFats:             1,
		RootEntryCount:      geometry.rootEntryCount,
		Media:               0xf8,
		BootSignature:       0xaa55,
	}
	copy(fbs.OemName[:], "MSWIN4.1")

	if totalSectors < 0x10000 && fat32 == false {
		fbs.TotalSectors16 = uint16(totalSectors)
	} else {
		fbs.TotalSectors32 = totalSectors
	}

	fatBase := int64(geometry.reservedSectors) * testFatSectorSize

	if fat32 == true {
		ri := Fat32ReservedInfo{
			FatSize32:    geometry.fatSizeSectors,
			RootCluster:  geometry.rootCluster,
			FsInfoSector: geometry.fsinfoSector,
			DriveNumber:  0x80,
		}
		copy(ri.FilesystemType[:], "FAT32   ")
		copy(ri.VolumeLabel[:], "NO NAME    ")

		packed, err := restruct.Pack(defaultEncoding, &ri)
		log.PanicIf(err)

		copy(fbs.ReservedInfo[:], packed)

		raw, err := restruct.Pack(defaultEncoding, &fbs)
		log.PanicIf(err)

		testWriteAt(f, raw, 0)

		fsi := Fat32FsInfo{
			LeadSignature:      fsinfoLeadSignature,
			StructureSignature: fsinfoStructureSignature,
			FreeCount:          geometry.clusterCount - 1,
			NextFree:           geometry.rootCluster + 1,
			TrailSignature:     fsinfoTrailSignature,
		}

		packed, err = restruct.Pack(defaultEncoding, &fsi)
		log.PanicIf(err)

		testWriteAt(f, packed, int64(geometry.fsinfoSector)*testFatSectorSize)

		fat := make([]byte, 12)
		defaultEncoding.PutUint32(fat[0:], 0x0ffffff8)
		defaultEncoding.PutUint32(fat[4:], 0x0fffffff)
		defaultEncoding.PutUint32(fat[8:], fat32LastCluster)

		testWriteAt(f, fat, fatBase)
	} else {
		ri := Fat16ReservedInfo{
			DriveNumber:   0x80,
			BootSignature: 0x29,
		}
		copy(ri.VolumeLabel[:], "NO NAME    ")
		if geometry.clusterCount < fat12ClusterLimit {
			copy(ri.FilesystemType[:], "FAT12   ")
		} else {
			copy(ri.FilesystemType[:], "FAT16   ")
		}

		fbs.FatSize16 = uint16(geometry.fatSizeSectors)

		packed, err := restruct.Pack(defaultEncoding, &ri)
		log.PanicIf(err)

		copy(fbs.ReservedInfo[:], packed)

		raw, err := restruct.Pack(defaultEncoding, &fbs)
		log.PanicIf(err)

		testWriteAt(f, raw, 0)

		if geometry.clusterCount < fat12ClusterLimit {
			// FAT12: F8 FF FF covers the two reserved entries.
			testWriteAt(f, []byte{0xf8, 0xff, 0xff}, fatBase)
		} else {
			testWriteAt(f, []byte{0xf8, 0xff, 0xff, 0xff}, fatBase)
		}
	}

	return f
}

// BuildTestFat12Image formats an empty FAT12 volume with one sector per
// cluster and 100 clusters.
func BuildTestFat12Image() afero.File {
	return buildTestFatImage(testFatGeometry{
		reservedSectors: 1,
		fatSizeSectors:  2,
		rootEntryCount:  32,
		clusterCount:    100,
	}, false)
}

// BuildTestFat16Image formats an empty FAT16 volume.
func BuildTestFat16Image() afero.File {
	return buildTestFatImage(testFatGeometry{
		reservedSectors: 1,
		fatSizeSectors:  17,
		rootEntryCount:  32,
		clusterCount:    4100,
	}, false)
}

// BuildTestFat32Image formats an empty FAT32 volume. The cluster count
// has to clear the FAT16 limit, so the image is comparatively large.
func BuildTestFat32Image() afero.File {
	return buildTestFatImage(testFatGeometry{
		reservedSectors: 32,
		fatSizeSectors:  513,
		rootEntryCount:  0,
		clusterCount:    65600,
		rootCluster:     2,
		fsinfoSector:    1,
	}, true)
}
