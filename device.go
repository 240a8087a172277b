// This file manages raw, positional I/O against the backing image file or
// block device.

package fatfs

import (
	"io"

	"github.com/dsoprea/go-logging"
	"github.com/spf13/afero"
)

// Device wraps the backing handle. The byte length is captured at open so
// that geometry checks do not depend on later seeks.
type Device struct {
	f         afero.File
	totalSize int64
	readOnly  bool
}

// NewDevice returns a new Device instance for an open backing file.
func NewDevice(f afero.File, readOnly bool) (d *Device, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	totalSize, err := f.Seek(0, io.SeekEnd)
	log.PanicIf(err)

	d = &Device{
		f:         f,
		totalSize: totalSize,
		readOnly:  readOnly,
	}

	return d, nil
}

// TotalSize returns the byte length of the backing device as captured at
// open.
func (d *Device) TotalSize() int64 {
	return d.totalSize
}

// IsReadOnly indicates whether writes are refused.
func (d *Device) IsReadOnly() bool {
	return d.readOnly
}

// ReadAt fills data from the given byte offset. A short read is a
// failure.
func (d *Device) ReadAt(data []byte, offset int64) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	n, err := d.f.ReadAt(data, offset)
	log.PanicIf(err)

	if n != len(data) {
		log.Panicf("short read: (%d) != (%d)", n, len(data))
	}

	return nil
}

// WriteAt writes data at the given byte offset. A short write is a
// failure.
func (d *Device) WriteAt(data []byte, offset int64) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if d.readOnly == true {
		return ErrReadOnly
	}

	n, err := d.f.WriteAt(data, offset)
	log.PanicIf(err)

	if n != len(data) {
		log.Panicf("short write: (%d) != (%d)", n, len(data))
	}

	return nil
}
