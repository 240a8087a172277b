package fatfs

import (
	"errors"
	"strings"
	"testing"

	"github.com/dsoprea/go-logging"
	"github.com/spf13/afero"
)

// faultyFile wraps a backing file and injects failures into the
// positional I/O calls.
type faultyFile struct {
	afero.File

	readErr  error
	writeErr error

	// shortRead serves only half of each request, with no error.
	shortRead bool
}

func (ff *faultyFile) ReadAt(p []byte, off int64) (int, error) {
	if ff.readErr != nil {
		return 0, ff.readErr
	}

	if ff.shortRead == true {
		n, err := ff.File.ReadAt(p[:len(p)/2], off)
		if err != nil {
			return n, err
		}

		return n, nil
	}

	return ff.File.ReadAt(p, off)
}

func (ff *faultyFile) WriteAt(p []byte, off int64) (int, error) {
	if ff.writeErr != nil {
		return 0, ff.writeErr
	}

	return ff.File.WriteAt(p, off)
}

func getFaultyDevice(ff *faultyFile) *Device {
	ff.File = BuildTestExfatImage()

	d, err := NewDevice(ff, false)
	log.PanicIf(err)

	return d
}

func TestDeviceReadAt_InjectedError(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	injected := errors.New("injected read failure")

	d := getFaultyDevice(&faultyFile{readErr: injected})

	data := make([]byte, 512)

	err := d.ReadAt(data, 0)
	if err == nil {
		t.Fatalf("Expected a read failure.")
	} else if strings.Contains(err.Error(), "injected read failure") != true {
		t.Fatalf("Unexpected error: [%v]", err)
	}
}

func TestDeviceReadAt_ShortRead(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	d := getFaultyDevice(&faultyFile{shortRead: true})

	data := make([]byte, 512)

	err := d.ReadAt(data, 0)
	if err == nil {
		t.Fatalf("Expected a short-read failure.")
	} else if strings.Contains(err.Error(), "short read") != true {
		t.Fatalf("Unexpected error: [%v]", err)
	}
}

func TestDeviceWriteAt_InjectedError(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	injected := errors.New("injected write failure")

	d := getFaultyDevice(&faultyFile{writeErr: injected})

	data := make([]byte, 512)

	err := d.WriteAt(data, 0)
	if err == nil {
		t.Fatalf("Expected a write failure.")
	} else if strings.Contains(err.Error(), "injected write failure") != true {
		t.Fatalf("Unexpected error: [%v]", err)
	}
}

func TestDeviceWriteAt_ReadOnly(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	f := BuildTestExfatImage()

	defer f.Close()

	d, err := NewDevice(f, true)
	log.PanicIf(err)

	data := make([]byte, 512)

	err = d.WriteAt(data, 0)
	if errors.Is(err, ErrReadOnly) != true {
		t.Fatalf("Expected read-only error: [%v]", err)
	}
}

func TestDeviceTotalSize(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	f := BuildTestExfatImage()

	defer f.Close()

	d, err := NewDevice(f, false)
	log.PanicIf(err)

	expected := int64(testExfatHeapOffset+testExfatClusterCount*8) * testExfatSectorSize
	if d.TotalSize() != expected {
		t.Fatalf("Total size not correct: (%d) != (%d)", d.TotalSize(), expected)
	}

	if d.IsReadOnly() != false {
		t.Fatalf("Device unexpectedly read-only.")
	}
}

func TestVolumeOpen_ReadFault(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	injected := errors.New("injected read failure")

	ff := &faultyFile{
		File:    BuildTestExfatImage(),
		readErr: injected,
	}

	_, err := OpenVolume(ff, VolumeOptions{})
	if err == nil {
		t.Fatalf("Expected the open to fail on a faulty device.")
	}
}
