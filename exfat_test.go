package fatfs

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/dsoprea/go-logging"
)

func getTestExfatVolume() (*Volume, *bytes.Buffer) {
	f := BuildTestExfatImage()

	out := new(bytes.Buffer)

	v, err := OpenVolume(f, VolumeOptions{Output: out})
	log.PanicIf(err)

	return v, out
}

func TestExfatLookup_Root(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestExfatVolume()

	defer v.Close()

	clu, err := v.Ops().Lookup(v.RootCluster(), "/")
	log.PanicIf(err)

	if clu != v.RootCluster() {
		t.Fatalf("Root lookup not correct: (%d)", clu)
	}
}

func TestExfatReaddir_Empty(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestExfatVolume()

	defer v.Close()

	entries, missing, err := v.Ops().Readdir(v.RootCluster(), 64)
	log.PanicIf(err)

	if len(entries) != 0 {
		t.Fatalf("Expected an empty directory: (%d)", len(entries))
	} else if missing != 0 {
		t.Fatalf("Expected no shortfall: (%d)", missing)
	}
}

func TestExfatCreate_File(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestExfatVolume()

	defer v.Close()

	ops := v.Ops()
	root := v.RootCluster()

	err := ops.Create("f.bin", root, 0)
	log.PanicIf(err)

	err = ops.Reload(root)
	log.PanicIf(err)

	exfat := v.ops.(*exfatOps)

	fi, err := exfat.searchFileInfo(v.chainFor(root), "f.bin")
	log.PanicIf(err)

	if fi == nil {
		t.Fatalf("Created file not found.")
	} else if fi.DataLength() != 0 {
		t.Fatalf("Data length not correct: (%d)", fi.DataLength())
	} else if fi.FirstCluster() != 0 {
		t.Fatalf("First cluster not correct: (%d)", fi.FirstCluster())
	} else if fi.Attributes().IsArchive() != true {
		t.Fatalf("Attributes not correct: [%s]", fi.Attributes().ModeString())
	} else if fi.Flags()&AllocNoFatChain == 0 {
		t.Fatalf("New files start contiguous.")
	}
}

func TestExfatCreate_Directory(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestExfatVolume()

	defer v.Close()

	ops := v.Ops()
	root := v.RootCluster()

	err := ops.Create("dir", root, CreateDirectory)
	log.PanicIf(err)

	err = ops.Reload(root)
	log.PanicIf(err)

	// The first free cluster follows the three metadata clusters.
	clu, err := ops.Lookup(root, "/dir")
	log.PanicIf(err)

	if clu != 5 {
		t.Fatalf("Directory cluster not correct: (%d)", clu)
	}

	allocated, err := v.loadBitmap(clu)
	log.PanicIf(err)

	if allocated != true {
		t.Fatalf("Directory cluster not marked allocated.")
	}

	entry, err := ops.GetFatEntry(clu)
	log.PanicIf(err)

	if entry != exfatLastCluster {
		t.Fatalf("Directory chain not terminated: (0x%08x)", entry)
	}

	entries, _, err := ops.Readdir(clu, 16)
	log.PanicIf(err)

	if len(entries) != 0 {
		t.Fatalf("New directory not empty: (%d)", len(entries))
	}
}

func TestExfatCreate_Duplicate(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestExfatVolume()

	defer v.Close()

	ops := v.Ops()
	root := v.RootCluster()

	err := ops.Create("a", root, 0)
	log.PanicIf(err)

	err = ops.Reload(root)
	log.PanicIf(err)

	err = ops.Create("a", root, 0)
	if errors.Is(err, ErrExists) != true {
		t.Fatalf("Expected exists error: [%v]", err)
	}
}

func TestExfatCreateRemoveTrim(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestExfatVolume()

	defer v.Close()

	ops := v.Ops()
	root := v.RootCluster()

	for _, name := range []string{"a", "b", "c"} {
		err := ops.Create(name, root, 0)
		log.PanicIf(err)
	}

	err := ops.Remove("b", root, 0)
	log.PanicIf(err)

	err = ops.Reload(root)
	log.PanicIf(err)

	_, err = ops.Lookup(root, "/b")
	if errors.Is(err, ErrNotFound) != true {
		t.Fatalf("Expected not-found error: [%v]", err)
	}

	err = ops.Trim(root)
	log.PanicIf(err)

	err = ops.Reload(root)
	log.PanicIf(err)

	entries, _, err := ops.Readdir(root, 16)
	log.PanicIf(err)

	if len(entries) != 2 {
		t.Fatalf("Entry count not correct: (%d)", len(entries))
	} else if entries[0].Name != "a" || entries[1].Name != "c" {
		t.Fatalf("Entries not correct: [%s] [%s]", entries[0].Name, entries[1].Name)
	}
}

func TestExfatTrim_Idempotent(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestExfatVolume()

	defer v.Close()

	ops := v.Ops()
	root := v.RootCluster()

	for _, name := range []string{"a", "b", "c"} {
		err := ops.Create(name, root, 0)
		log.PanicIf(err)
	}

	err := ops.Remove("b", root, 0)
	log.PanicIf(err)

	err = ops.Trim(root)
	log.PanicIf(err)

	first := make([]byte, v.ClusterSize())

	err = v.ReadCluster(first, root)
	log.PanicIf(err)

	err = ops.Trim(root)
	log.PanicIf(err)

	second := make([]byte, v.ClusterSize())

	err = v.ReadCluster(second, root)
	log.PanicIf(err)

	if bytes.Equal(first, second) != true {
		t.Fatalf("Trim is not idempotent.")
	}
}

func TestExfatRemove_NotFound(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestExfatVolume()

	defer v.Close()

	err := v.Ops().Remove("missing", v.RootCluster(), 0)
	if errors.Is(err, ErrNotFound) != true {
		t.Fatalf("Expected not-found error: [%v]", err)
	}
}

func TestExfatNameHashInvariant(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestExfatVolume()

	defer v.Close()

	ops := v.Ops()
	root := v.RootCluster()

	name := "résumé.txt"

	err := ops.Create(name, root, 0)
	log.PanicIf(err)

	err = ops.Reload(root)
	log.PanicIf(err)

	exfat := v.ops.(*exfatOps)

	fi, err := exfat.searchFileInfo(v.chainFor(root), name)
	log.PanicIf(err)

	if fi == nil {
		t.Fatalf("Created file not found.")
	} else if fi.Name() != name {
		t.Fatalf("Decoded name not correct: [%s]", fi.Name())
	}

	uniname := Utf8ToUtf16([]byte(name))
	upper := v.convertUpperUnits(uniname)

	if uint32(NameHash(upper)) != fi.hash {
		t.Fatalf("Name hash not correct: (0x%04x) != (0x%04x)", NameHash(upper), fi.hash)
	}

	clu, err := ops.Lookup(root, "/"+name)
	log.PanicIf(err)

	if clu != fi.FirstCluster() {
		t.Fatalf("Lookup did not resolve the file.")
	}
}

func TestExfatReaddir_Shortfall(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestExfatVolume()

	defer v.Close()

	ops := v.Ops()
	root := v.RootCluster()

	for _, name := range []string{"a", "b", "c"} {
		err := ops.Create(name, root, 0)
		log.PanicIf(err)
	}

	err := ops.Reload(root)
	log.PanicIf(err)

	entries, missing, err := ops.Readdir(root, 2)
	log.PanicIf(err)

	if len(entries) != 2 {
		t.Fatalf("Entry count not correct: (%d)", len(entries))
	} else if missing != 1 {
		t.Fatalf("Shortfall not correct: (%d)", missing)
	}

	entries, missing, err = ops.Readdir(root, 2+missing)
	log.PanicIf(err)

	if len(entries) != 3 || missing != 0 {
		t.Fatalf("Retry not correct: (%d) (%d)", len(entries), missing)
	}
}

func TestExfatNewClusters_Exhaustion(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestExfatVolume()

	defer v.Close()

	exfat := v.ops.(*exfatOps)

	// Everything but the three metadata clusters is free.
	free := int(v.ClusterCount()) - 3

	firstClu, err := exfat.newClusters(free)
	log.PanicIf(err)

	if firstClu != 5 {
		t.Fatalf("First cluster not correct: (%d)", firstClu)
	}

	_, err = exfat.newClusters(1)
	if errors.Is(err, ErrExhausted) != true {
		t.Fatalf("Expected exhaustion error: [%v]", err)
	}
}

func TestExfatGetFatEntry_OutOfRange(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestExfatVolume()

	defer v.Close()

	_, err := v.Ops().GetFatEntry(v.ClusterCount() + 2)
	if errors.Is(err, ErrInvalidCluster) != true {
		t.Fatalf("Expected invalid-cluster error: [%v]", err)
	}
}

func TestExfatSetFatEntry_RoundTrip(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestExfatVolume()

	defer v.Close()

	ops := v.Ops()

	err := ops.SetFatEntry(20, 21)
	log.PanicIf(err)

	entry, err := ops.GetFatEntry(20)
	log.PanicIf(err)

	if entry != 21 {
		t.Fatalf("Entry did not round-trip: (0x%08x)", entry)
	}
}

func TestExfatContents_Tail(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, out := getTestExfatVolume()

	defer v.Close()

	ops := v.Ops()
	exfat := v.ops.(*exfatOps)
	root := v.RootCluster()

	err := ops.Create("log", root, 0)
	log.PanicIf(err)

	// Hand the file a data cluster with twenty lines.
	dataClu := uint32(5)

	content := new(bytes.Buffer)
	for i := 1; i <= 20; i++ {
		fmt.Fprintf(content, "line-%02d\n", i)
	}

	err = exfat.SetFatEntry(dataClu, exfatLastCluster)
	log.PanicIf(err)

	err = v.saveBitmap(dataClu, true)
	log.PanicIf(err)

	buffer := make([]byte, v.ClusterSize())
	copy(buffer, content.Bytes())

	err = v.WriteCluster(buffer, dataClu)
	log.PanicIf(err)

	// Patch the stream entry and refresh the set checksum.
	rootData := make([]byte, v.ClusterSize())

	err = v.ReadCluster(rootData, root)
	log.PanicIf(err)

	patched := false
	for i := 0; i < int(v.ClusterSize())/directoryEntrySize; i++ {
		record := rootData[i*directoryEntrySize:]
		if record[0] != DentryFile {
			continue
		}

		fd := ExfatFileDentry{}

		err := unpackDentry(record, &fd)
		log.PanicIf(err)

		sd := ExfatStreamDentry{}

		err = unpackDentry(rootData[(i+1)*directoryEntrySize:], &sd)
		log.PanicIf(err)

		sd.FirstCluster = dataClu
		sd.DataLength = uint64(content.Len())
		sd.ValidDataLength = uint64(content.Len())

		packed, err := packDentry(&sd)
		log.PanicIf(err)

		copy(rootData[(i+1)*directoryEntrySize:], packed)

		setSize := (1 + int(fd.SecondaryCount)) * directoryEntrySize
		checksum := EntrySetChecksum(rootData[i*directoryEntrySize : i*directoryEntrySize+setSize])
		defaultEncoding.PutUint16(rootData[i*directoryEntrySize+2:], checksum)

		patched = true

		break
	}

	if patched != true {
		t.Fatalf("File set not found for patching.")
	}

	err = v.WriteCluster(rootData, root)
	log.PanicIf(err)

	err = ops.Reload(root)
	log.PanicIf(err)

	out.Reset()

	err = ops.Contents("log", root)
	log.PanicIf(err)

	expected := new(bytes.Buffer)
	for i := 11; i <= 20; i++ {
		fmt.Fprintf(expected, "line-%02d\n", i)
	}
	fmt.Fprintf(expected, "\n")

	if out.String() != expected.String() {
		t.Fatalf("Tail not correct:\n%s", out.String())
	}
}

func TestExfatAlloc_PromotesToFatChain(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestExfatVolume()

	defer v.Close()

	ops := v.Ops()
	exfat := v.ops.(*exfatOps)
	root := v.RootCluster()

	err := ops.Create("nfc.bin", root, 0)
	log.PanicIf(err)

	// Give the file one contiguous cluster...
	dataClu := uint32(5)

	err = exfat.SetFatEntry(dataClu, exfatLastCluster)
	log.PanicIf(err)

	err = v.saveBitmap(dataClu, true)
	log.PanicIf(err)

	rootData := make([]byte, v.ClusterSize())

	err = v.ReadCluster(rootData, root)
	log.PanicIf(err)

	for i := 0; i < int(v.ClusterSize())/directoryEntrySize; i++ {
		record := rootData[i*directoryEntrySize:]
		if record[0] != DentryStream {
			continue
		}

		sd := ExfatStreamDentry{}

		err := unpackDentry(record, &sd)
		log.PanicIf(err)

		sd.FirstCluster = dataClu
		sd.DataLength = uint64(v.ClusterSize())
		sd.ValidDataLength = uint64(v.ClusterSize())

		packed, err := packDentry(&sd)
		log.PanicIf(err)

		copy(record[:directoryEntrySize], packed)

		break
	}

	err = v.WriteCluster(rootData, root)
	log.PanicIf(err)

	err = ops.Reload(root)
	log.PanicIf(err)

	// ...block the adjacent cluster so the next allocation cannot stay
	// contiguous...
	err = ops.Alloc(dataClu + 1)
	log.PanicIf(err)

	fi, err := exfat.searchFileInfo(v.chainFor(root), "nfc.bin")
	log.PanicIf(err)

	if fi == nil {
		t.Fatalf("File not found.")
	} else if fi.Flags()&AllocNoFatChain == 0 {
		t.Fatalf("File should start contiguous.")
	}

	// ...and extend the file by one cluster.
	allocated, err := exfat.allocClusters(fi, dataClu, 1)
	log.PanicIf(err)

	if allocated != 1 {
		t.Fatalf("Allocated count not correct: (%d)", allocated)
	}

	if fi.Flags()&AllocNoFatChain != 0 {
		t.Fatalf("File should have been demoted to a FAT chain.")
	}

	entry, err := ops.GetFatEntry(dataClu)
	log.PanicIf(err)

	if entry != dataClu+2 {
		t.Fatalf("Chain link not correct: (0x%08x)", entry)
	}

	entry, err = ops.GetFatEntry(dataClu + 2)
	log.PanicIf(err)

	if entry != exfatLastCluster {
		t.Fatalf("Chain not terminated: (0x%08x)", entry)
	}

	allocatedBit, err := v.loadBitmap(dataClu + 2)
	log.PanicIf(err)

	if allocatedBit != true {
		t.Fatalf("Allocated cluster not marked in the bitmap.")
	}

	// The stream entry was flushed with the new size and flags.
	err = ops.Reload(root)
	log.PanicIf(err)

	fi, err = exfat.searchFileInfo(v.chainFor(root), "nfc.bin")
	log.PanicIf(err)

	if fi == nil {
		t.Fatalf("File not found after reload.")
	} else if fi.DataLength() != uint64(v.ClusterSize())*2 {
		t.Fatalf("Data length not flushed: (%d)", fi.DataLength())
	} else if fi.Flags()&AllocNoFatChain != 0 {
		t.Fatalf("Flags not flushed.")
	}
}

func TestExfatConvert(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestExfatVolume()

	defer v.Close()

	converted, err := v.Ops().Convert("hello")
	log.PanicIf(err)

	if converted != "HELLO" {
		t.Fatalf("Conversion not correct: [%s]", converted)
	}
}

func TestExfatPrintDentry(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, out := getTestExfatVolume()

	defer v.Close()

	// Record 1 of the root is the bitmap entry.
	err := v.Ops().PrintDentry(v.RootCluster(), 1)
	log.PanicIf(err)

	if bytes.Contains(out.Bytes(), []byte("EntryType")) != true {
		t.Fatalf("Dump not produced.")
	}
}

func TestExfatFill(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	v, _ := getTestExfatVolume()

	defer v.Close()

	ops := v.Ops()
	root := v.RootCluster()

	err := ops.Fill(root, 16)
	log.PanicIf(err)

	// Three metadata records, one not-in-use remainder record, and four
	// complete file sets.
	rootData := make([]byte, v.ClusterSize())

	err = v.ReadCluster(rootData, root)
	log.PanicIf(err)

	fileSets := 0
	for i := 0; i < 16; i++ {
		record := rootData[i*directoryEntrySize:]
		if record[0] != DentryFile {
			continue
		}

		fd := ExfatFileDentry{}

		err := unpackDentry(record, &fd)
		log.PanicIf(err)

		setSize := (1 + int(fd.SecondaryCount)) * directoryEntrySize
		checksum := EntrySetChecksum(rootData[i*directoryEntrySize : i*directoryEntrySize+setSize])

		if checksum != fd.SetChecksum {
			t.Fatalf("Set checksum not correct at record (%d).", i)
		}

		fileSets++
	}

	if fileSets != 4 {
		t.Fatalf("File-set count not correct: (%d)", fileSets)
	}

	err = ops.Reload(root)
	log.PanicIf(err)

	entries, _, err := ops.Readdir(root, 32)
	log.PanicIf(err)

	if len(entries) != 4 {
		t.Fatalf("Synthetic entry count not correct: (%d)", len(entries))
	}
}
