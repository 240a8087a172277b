package fatfs

import (
	"bytes"
	"strings"
	"testing"

	"github.com/dsoprea/go-logging"
)

func TestHexdump_ElidesZeroRuns(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	data := make([]byte, 0x60)
	copy(data, "hello")
	data[0x50] = 0xff

	b := new(bytes.Buffer)
	Hexdump(b, data)

	output := b.String()

	if strings.Contains(output, "hello") != true {
		t.Fatalf("ASCII column not produced:\n%s", output)
	}

	// Rows 0x10 through 0x40 are all zero; only the first is printed,
	// with an asterisk standing in for the rest.
	if strings.Contains(output, "*") != true {
		t.Fatalf("Zero-run not elided:\n%s", output)
	}

	if strings.Contains(output, "00000050") != true {
		t.Fatalf("Non-zero row not printed:\n%s", output)
	}
}

func TestPrintCluster(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, out := getTestExfatVolume()

	defer v.Close()

	err := v.PrintCluster(v.RootCluster())
	log.PanicIf(err)

	if strings.Contains(out.String(), "Cluster #4:") != true {
		t.Fatalf("Cluster header not printed:\n%s", out.String())
	}
}
