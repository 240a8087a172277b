package fatfs

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dsoprea/go-logging"
	"github.com/spf13/afero"
)

func getTestFatVolume(f afero.File) (*Volume, *bytes.Buffer) {
	out := new(bytes.Buffer)

	v, err := OpenVolume(f, VolumeOptions{Output: out})
	log.PanicIf(err)

	return v, out
}

func TestFat12SetGetEntry_PreservesNeighbors(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestFatVolume(BuildTestFat12Image())

	defer v.Close()

	ops := v.Ops()

	err := ops.SetFatEntry(4, 0xabc)
	log.PanicIf(err)

	err = ops.SetFatEntry(6, 0xdef)
	log.PanicIf(err)

	err = ops.SetFatEntry(5, 0x123)
	log.PanicIf(err)

	entry, err := ops.GetFatEntry(5)
	log.PanicIf(err)

	if entry != 0x123 {
		t.Fatalf("Entry 5 not correct: (0x%03x)", entry)
	}

	entry, err = ops.GetFatEntry(4)
	log.PanicIf(err)

	if entry != 0xabc {
		t.Fatalf("Entry 4 not correct: (0x%03x)", entry)
	}

	entry, err = ops.GetFatEntry(6)
	log.PanicIf(err)

	if entry != 0xdef {
		t.Fatalf("Entry 6 not correct: (0x%03x)", entry)
	}

	// Verify the packed nibbles directly. Entry 4 begins at byte 6 of the
	// FAT; entry 5 straddles bytes 7 and 8; entry 6 begins at byte 9.
	raw := make([]byte, v.SectorSize())

	err = v.ReadSectors(raw, 1)
	log.PanicIf(err)

	if raw[6] != 0xbc {
		t.Fatalf("Byte 6 not correct: (0x%02x)", raw[6])
	} else if raw[7] != 0x3a {
		t.Fatalf("Byte 7 not correct: (0x%02x)", raw[7])
	} else if raw[8] != 0x12 {
		t.Fatalf("Byte 8 not correct: (0x%02x)", raw[8])
	} else if raw[9] != 0xef {
		t.Fatalf("Byte 9 not correct: (0x%02x)", raw[9])
	} else if raw[10]&0x0f != 0x0d {
		t.Fatalf("Byte 10 not correct: (0x%02x)", raw[10])
	}
}

func TestFat12GetFatEntry_OutOfRange(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestFatVolume(BuildTestFat12Image())

	defer v.Close()

	_, err := v.Ops().GetFatEntry(v.ClusterCount() + 2)
	if errors.Is(err, ErrInvalidCluster) != true {
		t.Fatalf("Expected invalid-cluster error: [%v]", err)
	}
}

func TestFat16SetGetEntry_RoundTrip(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestFatVolume(BuildTestFat16Image())

	defer v.Close()

	ops := v.Ops()

	err := ops.SetFatEntry(5, 0xabcd)
	log.PanicIf(err)

	entry, err := ops.GetFatEntry(5)
	log.PanicIf(err)

	if entry != 0xabcd {
		t.Fatalf("Entry did not round-trip: (0x%04x)", entry)
	}
}

func TestFat32SetGetEntry_Masked(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestFatVolume(BuildTestFat32Image())

	defer v.Close()

	ops := v.Ops()

	// The top four bits are not part of a FAT32 entry.
	err := ops.SetFatEntry(5, 0xfabcdef0)
	log.PanicIf(err)

	entry, err := ops.GetFatEntry(5)
	log.PanicIf(err)

	if entry != 0x0abcdef0 {
		t.Fatalf("Entry did not mask correctly: (0x%08x)", entry)
	}
}

func TestFatCreateLookup_Root(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestFatVolume(BuildTestFat12Image())

	defer v.Close()

	ops := v.Ops()

	err := ops.Create("HELLO.TXT", 0, 0)
	log.PanicIf(err)

	err = ops.Reload(0)
	log.PanicIf(err)

	entries, _, err := ops.Readdir(0, 16)
	log.PanicIf(err)

	if len(entries) != 1 {
		t.Fatalf("Entry count not correct: (%d)", len(entries))
	} else if entries[0].Name != "HELLO.TXT" {
		t.Fatalf("Name not correct: [%s]", entries[0].Name)
	}

	_, err = ops.Lookup(0, "/HELLO.TXT")
	log.PanicIf(err)
}

func TestFatCreateLfn(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestFatVolume(BuildTestFat12Image())

	defer v.Close()

	ops := v.Ops()

	err := ops.Create("hello.txt", 0, 0)
	log.PanicIf(err)

	// The long-name record's checksum binds it to the short companion.
	raw := make([]byte, v.rootLength*v.SectorSize())

	err = v.ReadSectors(raw, v.rootExtentSector())
	log.PanicIf(err)

	if uint16(raw[11]) != AttrLongFileName {
		t.Fatalf("First record is not a long-name record: (0x%02x)", raw[11])
	}

	lfn := FatLfnDentry{}

	err = unpackDentry(raw, &lfn)
	log.PanicIf(err)

	if lfn.Ord != 1|LastLongEntry {
		t.Fatalf("Ordinal not correct: (0x%02x)", lfn.Ord)
	}

	short := FatDirDentry{}

	err = unpackDentry(raw[directoryEntrySize:], &short)
	log.PanicIf(err)

	if lfn.Chksum != ShortNameChecksum(short.Name[:]) {
		t.Fatalf("Checksum not correct: (0x%02x)", lfn.Chksum)
	}

	err = ops.Reload(0)
	log.PanicIf(err)

	entries, _, err := ops.Readdir(0, 16)
	log.PanicIf(err)

	if len(entries) != 1 {
		t.Fatalf("Entry count not correct: (%d)", len(entries))
	} else if entries[0].Name != "hello.txt" {
		t.Fatalf("Decoded long name not correct: [%s]", entries[0].Name)
	}

	err = ops.Remove("hello.txt", 0, 0)
	log.PanicIf(err)

	err = ops.Reload(0)
	log.PanicIf(err)

	_, err = ops.Lookup(0, "/hello.txt")
	if errors.Is(err, ErrNotFound) != true {
		t.Fatalf("Expected not-found error: [%v]", err)
	}
}

func TestFatCreateDirectory(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestFatVolume(BuildTestFat12Image())

	defer v.Close()

	ops := v.Ops()

	err := ops.Create("SUB", 0, CreateDirectory)
	log.PanicIf(err)

	err = ops.Reload(0)
	log.PanicIf(err)

	clu, err := ops.Lookup(0, "/SUB")
	log.PanicIf(err)

	if clu != 2 {
		t.Fatalf("Directory cluster not correct: (%d)", clu)
	}

	entry, err := ops.GetFatEntry(clu)
	log.PanicIf(err)

	if v.isLastCluster(entry) != true {
		t.Fatalf("Directory chain not terminated: (0x%03x)", entry)
	}

	err = ops.Create("A", clu, 0)
	log.PanicIf(err)

	err = ops.Reload(clu)
	log.PanicIf(err)

	entries, _, err := ops.Readdir(clu, 16)
	log.PanicIf(err)

	if len(entries) != 1 {
		t.Fatalf("Entry count not correct: (%d)", len(entries))
	} else if entries[0].Name != "A" {
		t.Fatalf("Name not correct: [%s]", entries[0].Name)
	}
}

func TestFatCreateRemoveTrim(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestFatVolume(BuildTestFat12Image())

	defer v.Close()

	ops := v.Ops()

	for _, name := range []string{"A", "B", "C"} {
		err := ops.Create(name, 0, 0)
		log.PanicIf(err)
	}

	err := ops.Remove("B", 0, 0)
	log.PanicIf(err)

	err = ops.Trim(0)
	log.PanicIf(err)

	err = ops.Reload(0)
	log.PanicIf(err)

	entries, _, err := ops.Readdir(0, 16)
	log.PanicIf(err)

	if len(entries) != 2 {
		t.Fatalf("Entry count not correct: (%d)", len(entries))
	} else if entries[0].Name != "A" || entries[1].Name != "C" {
		t.Fatalf("Entries not correct: [%s] [%s]", entries[0].Name, entries[1].Name)
	}
}

func TestFatTrim_Idempotent(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestFatVolume(BuildTestFat12Image())

	defer v.Close()

	ops := v.Ops()

	for _, name := range []string{"A", "B", "C"} {
		err := ops.Create(name, 0, 0)
		log.PanicIf(err)
	}

	err := ops.Remove("B", 0, 0)
	log.PanicIf(err)

	err = ops.Trim(0)
	log.PanicIf(err)

	first := make([]byte, v.rootLength*v.SectorSize())

	err = v.ReadSectors(first, v.rootExtentSector())
	log.PanicIf(err)

	err = ops.Trim(0)
	log.PanicIf(err)

	second := make([]byte, v.rootLength*v.SectorSize())

	err = v.ReadSectors(second, v.rootExtentSector())
	log.PanicIf(err)

	if bytes.Equal(first, second) != true {
		t.Fatalf("Trim is not idempotent.")
	}
}

func TestFatFill(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestFatVolume(BuildTestFat12Image())

	defer v.Close()

	ops := v.Ops()

	err := ops.Fill(0, 8)
	log.PanicIf(err)

	err = ops.Reload(0)
	log.PanicIf(err)

	entries, _, err := ops.Readdir(0, 16)
	log.PanicIf(err)

	if len(entries) != 8 {
		t.Fatalf("Entry count not correct: (%d)", len(entries))
	}
}

func TestFatConvert_Unimplemented(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestFatVolume(BuildTestFat12Image())

	defer v.Close()

	_, err := v.Ops().Convert("hello")
	if errors.Is(err, ErrUnimplemented) != true {
		t.Fatalf("Expected unimplemented error: [%v]", err)
	}
}

func TestFatAllocRelease(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestFatVolume(BuildTestFat12Image())

	defer v.Close()

	ops := v.Ops()

	err := ops.Alloc(10)
	log.PanicIf(err)

	entry, err := ops.GetFatEntry(10)
	log.PanicIf(err)

	if entry != fat12LastCluster {
		t.Fatalf("Allocated entry not correct: (0x%03x)", entry)
	}

	err = ops.Release(10)
	log.PanicIf(err)

	entry, err = ops.GetFatEntry(10)
	log.PanicIf(err)

	if entry != 0 {
		t.Fatalf("Released entry not correct: (0x%03x)", entry)
	}
}

func TestFat32Readdir_EmptyRoot(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestFatVolume(BuildTestFat32Image())

	defer v.Close()

	entries, missing, err := v.Ops().Readdir(v.RootCluster(), 16)
	log.PanicIf(err)

	if len(entries) != 0 || missing != 0 {
		t.Fatalf("Expected an empty root: (%d) (%d)", len(entries), missing)
	}
}

func TestFatStat(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, out := getTestFatVolume(BuildTestFat12Image())

	defer v.Close()

	ops := v.Ops()

	err := ops.Create("HELLO.TXT", 0, 0)
	log.PanicIf(err)

	err = ops.Reload(0)
	log.PanicIf(err)

	out.Reset()

	err = ops.Stat("HELLO.TXT", 0)
	log.PanicIf(err)

	if bytes.Contains(out.Bytes(), []byte("HELLO.TXT")) != true {
		t.Fatalf("Stat output not correct:\n%s", out.String())
	}
}
