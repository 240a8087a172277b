// Hex dumps for the cluster/sector inspection commands.

package fatfs

import (
	"fmt"
	"io"

	"github.com/dsoprea/go-logging"
)

// Hexdump writes an offset/hex/ASCII dump, eliding repeated all-zero
// rows with a single asterisk.
func Hexdump(w io.Writer, data []byte) {
	rows := len(data) / 0x10
	skip := 0

	for row := 0; row < rows; row++ {
		line := data[row*0x10 : (row+1)*0x10]

		zero := true
		for _, c := range line {
			if c != 0 {
				zero = false
				break
			}
		}

		if zero == true && row != rows-1 {
			skip++
			if skip == 2 {
				fmt.Fprintf(w, "*\n")
			}
			if skip >= 2 {
				continue
			}
		} else {
			skip = 0
		}

		fmt.Fprintf(w, "%08x:", row*0x10)

		for _, c := range line {
			fmt.Fprintf(w, " %02x", c)
		}

		fmt.Fprintf(w, "  ")

		for _, c := range line {
			if c >= 0x20 && c < 0x7f {
				fmt.Fprintf(w, "%c", c)
			} else {
				fmt.Fprintf(w, ".")
			}
		}

		fmt.Fprintf(w, "\n")
	}
}

// PrintCluster dumps one cluster.
func (v *Volume) PrintCluster(clu uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	data := make([]byte, v.clusterSize)

	err = v.ReadCluster(data, clu)
	if err != nil {
		return err
	}

	v.printf("Cluster #%d:\n", clu)
	Hexdump(v.out, data)

	return nil
}

// PrintSector dumps one sector.
func (v *Volume) PrintSector(sector uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	data := make([]byte, v.sectorSize)

	err = v.ReadSectors(data, sector)
	if err != nil {
		return err
	}

	v.printf("Sector #%d:\n", sector)
	Hexdump(v.out, data)

	return nil
}
