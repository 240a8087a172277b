package fatfs

import (
	"errors"
	"os"
	"testing"

	"github.com/dsoprea/go-logging"
	"github.com/spf13/afero"
)

func TestOpenVolume_Exfat(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	f := BuildTestExfatImage()

	defer f.Close()

	v, err := OpenVolume(f, VolumeOptions{})
	log.PanicIf(err)

	defer v.Close()

	if v.FsType() != FsTypeExfat {
		t.Fatalf("Dialect not correct: [%s]", v.FsType())
	} else if v.SectorSize() != 512 {
		t.Fatalf("Sector size not correct: (%d)", v.SectorSize())
	} else if v.ClusterSize() != 4096 {
		t.Fatalf("Cluster size not correct: (%d)", v.ClusterSize())
	} else if v.ClusterCount() != testExfatClusterCount {
		t.Fatalf("Cluster count not correct: (%d)", v.ClusterCount())
	} else if v.RootCluster() != testExfatRootCluster {
		t.Fatalf("Root cluster not correct: (%d)", v.RootCluster())
	}

	// The open primed the bitmap, up-case table, and label.
	if v.allocCluster != testExfatBitmapCluster {
		t.Fatalf("Bitmap cluster not correct: (%d)", v.allocCluster)
	} else if len(v.upcaseTable) != testExfatUpcaseEntries {
		t.Fatalf("Up-case table size not correct: (%d)", len(v.upcaseTable))
	} else if string(Utf16ToUtf8(v.volLabel)) != "TEST" {
		t.Fatalf("Volume label not correct.")
	}
}

func TestOpenVolume_Fat12(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	f := BuildTestFat12Image()

	defer f.Close()

	v, err := OpenVolume(f, VolumeOptions{})
	log.PanicIf(err)

	defer v.Close()

	if v.FsType() != FsTypeFat12 {
		t.Fatalf("Dialect not correct: [%s]", v.FsType())
	} else if v.ClusterCount() != 100 {
		t.Fatalf("Cluster count not correct: (%d)", v.ClusterCount())
	} else if v.RootCluster() != 0 {
		t.Fatalf("Root cluster not correct: (%d)", v.RootCluster())
	} else if v.rootLength != 2 {
		t.Fatalf("Root length not correct: (%d)", v.rootLength)
	}
}

func TestOpenVolume_Fat16(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	f := BuildTestFat16Image()

	defer f.Close()

	v, err := OpenVolume(f, VolumeOptions{})
	log.PanicIf(err)

	defer v.Close()

	if v.FsType() != FsTypeFat16 {
		t.Fatalf("Dialect not correct: [%s]", v.FsType())
	} else if v.ClusterCount() != 4100 {
		t.Fatalf("Cluster count not correct: (%d)", v.ClusterCount())
	}
}

func TestOpenVolume_Fat32(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	f := BuildTestFat32Image()

	defer f.Close()

	v, err := OpenVolume(f, VolumeOptions{})
	log.PanicIf(err)

	defer v.Close()

	if v.FsType() != FsTypeFat32 {
		t.Fatalf("Dialect not correct: [%s]", v.FsType())
	} else if v.ClusterCount() != 65600 {
		t.Fatalf("Cluster count not correct: (%d)", v.ClusterCount())
	} else if v.RootCluster() != 2 {
		t.Fatalf("Root cluster not correct: (%d)", v.RootCluster())
	}
}

func TestOpenVolume_Unsupported(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	fs := afero.NewMemMapFs()

	f, err := fs.OpenFile("garbage.img", os.O_RDWR|os.O_CREATE, 0644)
	log.PanicIf(err)

	defer f.Close()

	err = f.Truncate(bootSectorSize)
	log.PanicIf(err)

	_, err = OpenVolume(f, VolumeOptions{})
	if errors.Is(err, ErrUnsupportedImage) != true {
		t.Fatalf("Expected unsupported-image error: [%v]", err)
	}
}
