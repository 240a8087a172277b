package fatfs

import (
	"errors"
	"strings"
	"testing"

	"github.com/dsoprea/go-logging"
)

func TestReadClusters_RangeGuard(t *testing.T) {
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

	data := make([]byte, v.ClusterSize())

	err = v.ReadCluster(data, 1)
	if errors.Is(err, ErrInvalidCluster) != true {
		t.Fatalf("Expected invalid-cluster error for cluster 1: [%v]", err)
	}

	err = v.ReadCluster(data, v.ClusterCount()+2)
	if errors.Is(err, ErrInvalidCluster) != true {
		t.Fatalf("Expected invalid-cluster error past the heap: [%v]", err)
	}

	err = v.ReadCluster(data, 2)
	log.PanicIf(err)
}

func TestWriteCluster_ReadOnly(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	f := BuildTestExfatImage()

	defer f.Close()

	v, err := OpenVolume(f, VolumeOptions{ReadOnly: true})
	log.PanicIf(err)

	defer v.Close()

	data := make([]byte, v.ClusterSize())

	err = v.WriteCluster(data, 2)
	if err == nil {
		t.Fatalf("Expected a write failure on a read-only volume.")
	} else if strings.Contains(err.Error(), "read-only") != true {
		t.Fatalf("Unexpected error: [%v]", err)
	}
}

func TestReadWriteCluster_RoundTrip(t *testing.T) {
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

	data := make([]byte, v.ClusterSize())
	for i := range data {
		data[i] = byte(i)
	}

	// Cluster 10 is well within the heap and unused by the metadata.
	err = v.WriteCluster(data, 10)
	log.PanicIf(err)

	recovered := make([]byte, v.ClusterSize())

	err = v.ReadCluster(recovered, 10)
	log.PanicIf(err)

	for i := range data {
		if recovered[i] != data[i] {
			t.Fatalf("Cluster data did not round-trip at offset (%d).", i)
		}
	}
}
