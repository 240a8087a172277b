// The exFAT side of the operation table: directory decoding, the
// allocation machinery, and the mutation engine.

package fatfs

import (
	"fmt"
	"strings"
	"time"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/go-restruct/restruct"
)

var exfatLogger = log.NewLogger("fatfs.exfat")

type exfatOps struct {
	v *Volume
}

// loadExtraEntries scans the first cluster of the root directory for the
// bitmap, up-case, and volume-label entries and primes the volume with
// them. Called at open and again lazily if the up-case table is needed
// first.
func (v *Volume) loadExtraEntries() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	data := make([]byte, v.clusterSize)

	err = v.ReadCluster(data, v.rootOffset)
	log.PanicIf(err)

	entries := int(v.clusterSize) / directoryEntrySize

	for i := 0; i < entries; i++ {
		record := data[i*directoryEntrySize : (i+1)*directoryEntrySize]

		switch record[0] {
		case DentryBitmap:
			bd := ExfatBitmapDentry{}

			err := unpackDentry(record, &bd)
			log.PanicIf(err)

			err = v.loadBitmapCluster(bd)
			log.PanicIf(err)
		case DentryUpcase:
			ud := ExfatUpcaseDentry{}

			err := unpackDentry(record, &ud)
			log.PanicIf(err)

			err = v.loadUpcaseTable(ud.FirstCluster, ud.DataLength, ud.TableChecksum)
			log.PanicIf(err)
		case DentryVolume:
			vd := ExfatVolumeLabelDentry{}

			err := unpackDentry(record, &vd)
			log.PanicIf(err)

			v.loadVolumeLabel(vd)
		default:
			// The special entries precede the first file set; once we
			// see anything else we are done.
			return nil
		}
	}

	return nil
}

// loadBitmapCluster installs the allocation bitmap addressed by its
// directory entry. Idempotent; a second occurrence is ignored.
func (v *Volume) loadBitmapCluster(bd ExfatBitmapDentry) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if v.allocCluster != 0 {
		return nil
	}

	clusterNum := roundupClusters(bd.DataLength, v.clusterSize)
	raw := make([]byte, uint32(clusterNum)*v.clusterSize)

	err = v.ReadClusters(raw, bd.FirstCluster, uint32(clusterNum))
	log.PanicIf(err)

	v.allocCluster = bd.FirstCluster
	v.allocTable = raw[:bd.DataLength]

	return nil
}

// loadVolumeLabel caches the label. Idempotent.
func (v *Volume) loadVolumeLabel(vd ExfatVolumeLabelDentry) {
	if len(v.volLabel) != 0 {
		return
	}

	v.volLabel = make([]uint16, vd.CharacterCount)
	for i := range v.volLabel {
		v.volLabel[i] = uint16(vd.VolumeLabel[i*2]) | uint16(vd.VolumeLabel[i*2+1])<<8
	}
}

// readExtent concatenates a file's cluster chain (or contiguous
// NoFatChain run) into one buffer.
func (ops *exfatOps) readExtent(f *FileInfo, clu uint32) (data []byte, clusterNum int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	wanted := roundupClusters(f.datalen, v.clusterSize)
	if wanted < 1 {
		wanted = 1
	}

	if f.flags&AllocNoFatChain != 0 {
		count := 1
		for i := 1; i < wanted; i++ {
			allocated, bitErr := v.loadBitmap(clu + uint32(i))
			if bitErr != nil || allocated == false {
				exfatLogger.Warningf(nil, "cluster (%d) is not an allocated cluster", clu+uint32(i))
				break
			}

			count++
		}

		data = make([]byte, count*int(v.clusterSize))

		err = v.ReadClusters(data, clu, uint32(count))
		log.PanicIf(err)

		return data, count, nil
	}

	clusters := make([]uint32, 1, wanted)
	clusters[0] = clu

	current := clu
	for i := 1; i < wanted; i++ {
		entry, err := ops.GetFatEntry(current)
		log.PanicIf(err)

		if entry == exfatLastCluster {
			break
		}

		if ops.ValidateFatEntry(entry) != true {
			exfatLogger.Warningf(nil, "invalid FAT entry[%d]: 0x%x", current, entry)
			break
		}

		clusters = append(clusters, entry)
		current = entry
	}

	data = make([]byte, len(clusters)*int(v.clusterSize))
	for i, c := range clusters {
		err = v.ReadCluster(data[i*int(v.clusterSize):(i+1)*int(v.clusterSize)], c)
		log.PanicIf(err)
	}

	return data, len(clusters), nil
}

// writeExtent writes a buffer back over the file's clusters, following
// the same chain the read followed.
func (ops *exfatOps) writeExtent(f *FileInfo, clu uint32, data []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	clusterNum := len(data) / int(v.clusterSize)
	if clusterNum <= 1 {
		err = v.WriteCluster(data, clu)
		log.PanicIf(err)

		return nil
	}

	if f.flags&AllocNoFatChain != 0 {
		err = v.WriteClusters(data, clu, uint32(clusterNum))
		log.PanicIf(err)

		return nil
	}

	current := clu
	for i := 0; i < clusterNum; i++ {
		err = v.WriteCluster(data[i*int(v.clusterSize):(i+1)*int(v.clusterSize)], current)
		log.PanicIf(err)

		if i == clusterNum-1 {
			break
		}

		entry, err := ops.GetFatEntry(current)
		log.PanicIf(err)

		if entry == exfatLastCluster {
			break
		}

		current = entry
	}

	return nil
}

// GetFatEntry reads the FAT entry for the given cluster.
func (ops *exfatOps) GetFatEntry(clu uint32) (entry uint32, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	if clu < firstDataCluster || clu > v.clusterCount+1 {
		return 0, fmt.Errorf("cluster (%d): %w", clu, ErrInvalidCluster)
	}

	entriesPerSector := v.sectorSize / 4
	sector := v.fatOffset + clu/entriesPerSector
	offset := clu % entriesPerSector * 4

	raw := make([]byte, v.sectorSize)

	err = v.ReadSectors(raw, sector)
	log.PanicIf(err)

	entry = defaultEncoding.Uint32(raw[offset:])

	return entry, nil
}

// SetFatEntry writes the FAT entry for the given cluster.
func (ops *exfatOps) SetFatEntry(clu, entry uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	if clu < firstDataCluster || clu > v.clusterCount+1 {
		return fmt.Errorf("cluster (%d): %w", clu, ErrInvalidCluster)
	}

	entriesPerSector := v.sectorSize / 4
	sector := v.fatOffset + clu/entriesPerSector
	offset := clu % entriesPerSector * 4

	raw := make([]byte, v.sectorSize)

	err = v.ReadSectors(raw, sector)
	log.PanicIf(err)

	defaultEncoding.PutUint32(raw[offset:], entry)

	err = v.WriteSectors(raw, sector)
	log.PanicIf(err)

	return nil
}

// ValidateFatEntry reports whether the value can continue a chain: the
// end-of-chain marker is valid, the bad-cluster marker is not, and an
// in-range index must also be allocated in the bitmap.
func (ops *exfatOps) ValidateFatEntry(entry uint32) bool {
	v := ops.v

	if entry == exfatLastCluster {
		return true
	}

	if entry == exfatBadCluster {
		return false
	}

	if entry < firstDataCluster || entry > v.clusterCount+1 {
		return false
	}

	allocated, err := v.loadBitmap(entry)
	if err != nil {
		return false
	}

	return allocated
}

// createFileInfo caches one decoded file set and, for directories, seeds
// a cache slot for the child directory.
func (ops *exfatOps) createFileInfo(dc *directoryChain, fd ExfatFileDentry, sd ExfatStreamDentry, uniname []uint16) {
	v := ops.v

	name := string(Utf16ToUtf8(uniname))

	fi := &FileInfo{
		name:         name,
		namelen:      int(sd.NameLength),
		datalen:      sd.DataLength,
		attr:         fd.FileAttributes,
		flags:        sd.GeneralSecondaryFlags,
		hash:         uint32(sd.NameHash),
		firstCluster: sd.FirstCluster,
		ctime:        exfatTimestampToTime(ExfatTimestamp(fd.CreateTimestamp), fd.Create10msIncrement, fd.CreateUtcOffset),
		mtime:        exfatTimestampToTime(ExfatTimestamp(fd.LastModifiedTimestamp), fd.LastModified10msIncrement, fd.LastModifiedUtcOffset),
		atime:        exfatTimestampToTime(ExfatTimestamp(fd.LastAccessedTimestamp), 0, fd.LastAccessedUtcOffset),
		parent:       dc.head,
	}

	dc.append(fi.hash, fi)

	if FileAttributes(fi.attr).IsDirectory() == true && v.checkChain(fi.firstCluster) == false {
		head := &FileInfo{
			name:         fi.name,
			namelen:      fi.namelen,
			datalen:      fi.datalen,
			attr:         fi.attr,
			flags:        fi.flags,
			hash:         fi.hash,
			firstCluster: fi.firstCluster,
			parent:       dc.head,
		}

		child := v.chainFor(fi.firstCluster)
		child.head = head
	}
}

// traverseDirectory decodes one directory extent into the cache.
// Idempotent: an already-cached directory returns immediately.
func (ops *exfatOps) traverseDirectory(clu uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	dc := v.chainFor(clu)
	if dc.head == nil {
		return fmt.Errorf("directory cluster (%d) has no cached record: %w", clu, ErrCorruptStructure)
	}

	if dc.head.cached == true {
		return nil
	}

	data, _, err := ops.readExtent(dc.head, clu)
	log.PanicIf(err)

	entries := len(data) / directoryEntrySize

	for i := 0; i < entries; i++ {
		record := data[i*directoryEntrySize:]

		switch record[0] {
		case DentryUnused:
			// Unused entries may be interspersed; keep scanning.
		case DentryBitmap:
			bd := ExfatBitmapDentry{}

			err := unpackDentry(record, &bd)
			log.PanicIf(err)

			err = v.loadBitmapCluster(bd)
			log.PanicIf(err)
		case DentryUpcase:
			ud := ExfatUpcaseDentry{}

			err := unpackDentry(record, &ud)
			log.PanicIf(err)

			err = v.loadUpcaseTable(ud.FirstCluster, ud.DataLength, ud.TableChecksum)
			log.PanicIf(err)
		case DentryVolume:
			vd := ExfatVolumeLabelDentry{}

			err := unpackDentry(record, &vd)
			log.PanicIf(err)

			v.loadVolumeLabel(vd)
		case DentryFile:
			fd := ExfatFileDentry{}

			err := unpackDentry(record, &fd)
			log.PanicIf(err)

			remaining := int(fd.SecondaryCount)

			// Deleted records may sit between the file entry and its
			// stream entry; skip them.
			j := i + 1
			for j < entries && data[j*directoryEntrySize]&ExfatInUse == 0 && data[j*directoryEntrySize] != DentryUnused {
				j++
			}

			if j >= entries || data[j*directoryEntrySize] != DentryStream {
				exfatLogger.Warningf(nil, "file entry (%d) has no stream entry", i)
				i += remaining
				continue
			}

			sd := ExfatStreamDentry{}

			err = unpackDentry(data[j*directoryEntrySize:], &sd)
			log.PanicIf(err)

			// Same tolerance between the stream entry and the first
			// name entry.
			k := j + 1
			for k < entries && data[k*directoryEntrySize]&ExfatInUse == 0 && data[k*directoryEntrySize] != DentryUnused {
				k++
			}

			if k >= entries || data[k*directoryEntrySize] != DentryName {
				return fmt.Errorf("file entry (%d) has no name entry: %w", i, ErrCorruptStructure)
			}

			nameEntries := remaining - 1
			uniname := make([]uint16, 0, int(sd.NameLength))

			for n := 0; n < nameEntries && k+n < entries; n++ {
				fragmentLen := int(sd.NameLength) - n*entryNameMax
				if fragmentLen > entryNameMax {
					fragmentLen = entryNameMax
				}
				if fragmentLen <= 0 {
					break
				}

				fragment := data[(k+n)*directoryEntrySize:]
				for u := 0; u < fragmentLen; u++ {
					uniname = append(uniname, uint16(fragment[2+u*2])|uint16(fragment[2+u*2+1])<<8)
				}
			}

			ops.createFileInfo(dc, fd, sd, uniname)

			i = k + nameEntries - 1
		}
	}

	dc.head.cached = true

	return nil
}

// searchFileInfo finds a child by name hash, traversing the directory
// first if necessary.
func (ops *exfatOps) searchFileInfo(dc *directoryChain, name string) (fi *FileInfo, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = ops.traverseDirectory(dc.index)
	log.PanicIf(err)

	uniname := Utf8ToUtf16([]byte(name))
	upper := ops.v.convertUpperUnits(uniname)
	hash := NameHash(upper)

	return dc.searchByKey(uint32(hash)), nil
}

// Lookup resolves a path to a first-cluster index.
func (ops *exfatOps) Lookup(clu uint32, path string) (result uint32, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	if len(path) > 0 && path[0] == '/' {
		clu = v.rootOffset
	}

	tokens := splitPath(path)
	if len(tokens) > pathDepthMax {
		return 0, fmt.Errorf("path is too deep (> %d): %w", pathDepthMax, ErrNotFound)
	}

	for _, token := range tokens {
		err := ops.traverseDirectory(clu)
		log.PanicIf(err)

		dc := v.chainFor(clu)

		found := false
		for _, node := range dc.children {
			if node.fi.name == token {
				clu = node.fi.firstCluster
				found = true
				break
			}
		}

		if found == false {
			return 0, fmt.Errorf("'%s': %w", path, ErrNotFound)
		}
	}

	return clu, nil
}

// Readdir returns the directory's cached children.
func (ops *exfatOps) Readdir(clu uint32, count int) (entries []DirectoryEntry, missing int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = ops.traverseDirectory(clu)
	log.PanicIf(err)

	dc := ops.v.chainFor(clu)

	n := len(dc.children)
	if n > count {
		missing = n - count
		n = count
	}

	entries = make([]DirectoryEntry, n)
	for i := 0; i < n; i++ {
		fi := dc.children[i].fi

		entries[i] = DirectoryEntry{
			Name:         fi.name,
			NameLength:   fi.namelen,
			DataLength:   fi.datalen,
			Attributes:   FileAttributes(fi.attr),
			FirstCluster: fi.firstCluster,
			CTime:        fi.ctime,
			MTime:        fi.mtime,
			ATime:        fi.atime,
		}
	}

	return entries, missing, nil
}

// Reload drops the cached children and re-decodes the directory.
func (ops *exfatOps) Reload(clu uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	dc := v.chainFor(clu)
	v.cleanChain(dc)

	if dc.head != nil {
		dc.head.cached = false
	}

	err = ops.traverseDirectory(clu)
	log.PanicIf(err)

	return nil
}

// Convert maps a string through the up-case table.
func (ops *exfatOps) Convert(src string) (dist string, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	if len(v.upcaseTable) == 0 {
		err = v.loadExtraEntries()
		log.PanicIf(err)
	}

	if len(v.upcaseTable) == 0 {
		return "", fmt.Errorf("filesystem has no up-case table: %w", ErrCorruptStructure)
	}

	units := Utf8ToUtf16([]byte(src))
	upper := v.convertUpperUnits(units)

	return string(Utf16ToUtf8(upper)), nil
}

// Clean removes the directory from the cache.
func (ops *exfatOps) Clean(clu uint32) (err error) {
	return ops.v.removeChain(clu)
}

// Alloc marks one cluster allocated in the bitmap.
func (ops *exfatOps) Alloc(clu uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	allocated, err := v.loadBitmap(clu)
	if err != nil {
		return err
	}

	if allocated == true {
		exfatLogger.Warningf(nil, "cluster (%d) is already allocated", clu)
		return nil
	}

	return v.saveBitmap(clu, true)
}

// Release marks one cluster free in the bitmap.
func (ops *exfatOps) Release(clu uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	allocated, err := v.loadBitmap(clu)
	if err != nil {
		return err
	}

	if allocated == false {
		exfatLogger.Warningf(nil, "cluster (%d) is already freed", clu)
		return nil
	}

	return v.saveBitmap(clu, false)
}

// createFatChain rewrites a contiguous run's FAT entries as an explicit
// chain. Used when an allocation extends a NoFatChain file
// non-contiguously.
func (ops *exfatOps) createFatChain(f *FileInfo, clu uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	clusterNum := roundupClusters(f.datalen, ops.v.clusterSize)

	for clusterNum--; clusterNum > 0; clusterNum-- {
		err = ops.SetFatEntry(clu, clu+1)
		log.PanicIf(err)

		clu++
	}

	return nil
}

// allocClusters extends the file by numAlloc clusters, scanning the heap
// wrap-around from the cluster after the file's last. Each grabbed
// cluster is chained in the FAT first and then marked in the bitmap.
// Returns the number actually allocated; when the heap is exhausted the
// allocation is left partial and ErrExhausted is returned.
func (ops *exfatOps) allocClusters(f *FileInfo, clu uint32, numAlloc int) (allocated int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	firstClu := clu

	last, err := v.lastClusterOf(f, clu)
	log.PanicIf(err)

	noFatChain := true
	prev := last

	total := numAlloc

	next := last + 1
	for ; next != last; next++ {
		if next > v.clusterCount+1 {
			next = firstDataCluster
		}

		inUse, err := v.loadBitmap(next)
		log.PanicIf(err)

		if inUse == true {
			continue
		}

		if noFatChain == true && next-prev != 1 {
			noFatChain = false
		}

		err = ops.SetFatEntry(next, exfatLastCluster)
		log.PanicIf(err)

		err = ops.SetFatEntry(prev, next)
		log.PanicIf(err)

		err = v.saveBitmap(next, true)
		log.PanicIf(err)

		prev = next
		total--
		if total == 0 {
			break
		}
	}

	allocated = numAlloc - total

	if f.flags&AllocNoFatChain != 0 && noFatChain == false {
		f.flags &^= AllocNoFatChain

		err = ops.createFatChain(f, firstClu)
		log.PanicIf(err)
	}

	f.datalen += uint64(allocated) * uint64(v.clusterSize)

	err = ops.updateFilesize(f, firstClu)
	log.PanicIf(err)

	if total > 0 {
		return allocated, fmt.Errorf("allocated (%d) of (%d): %w", allocated, numAlloc, ErrExhausted)
	}

	return allocated, nil
}

// freeClusters releases the file's last numFree clusters: the new last
// cluster's entry becomes end-of-chain first, then each freed cluster's
// bitmap bit is cleared.
func (ops *exfatOps) freeClusters(f *FileInfo, clu uint32, numFree int) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	firstClu := clu

	if f.flags&AllocNoFatChain != 0 {
		clusterNum := roundupClusters(f.datalen, v.clusterSize)

		for i := clusterNum - numFree; i < clusterNum; i++ {
			err = v.saveBitmap(firstClu+uint32(i), false)
			log.PanicIf(err)
		}

		f.datalen -= uint64(numFree) * uint64(v.clusterSize)

		err = ops.updateFilesize(f, firstClu)
		log.PanicIf(err)

		return nil
	}

	// Size the chain from the FAT itself; a directory's cached record
	// does not necessarily carry a byte length.
	clusterNum, err := v.chainLength(clu)
	log.PanicIf(err)

	// Walk to the cluster that becomes the new tail.
	i := 0
	for ; i < clusterNum-numFree-1; i++ {
		entry, err := ops.GetFatEntry(clu)
		log.PanicIf(err)

		if ops.ValidateFatEntry(entry) != true {
			exfatLogger.Warningf(nil, "invalid FAT entry[%d]: 0x%x", clu, entry)
			break
		}

		clu = entry
	}

	for ; i < clusterNum-1; i++ {
		entry, err := ops.GetFatEntry(clu)
		log.PanicIf(err)

		err = ops.SetFatEntry(clu, exfatLastCluster)
		log.PanicIf(err)

		err = v.saveBitmap(entry, false)
		log.PanicIf(err)

		clu = entry
	}

	f.datalen -= uint64(numFree) * uint64(v.clusterSize)

	err = ops.updateFilesize(f, firstClu)
	log.PanicIf(err)

	return nil
}

// newClusters allocates a fresh chain unattached to any file and returns
// its first cluster, or ErrExhausted.
func (ops *exfatOps) newClusters(numAlloc int) (firstClu uint32, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	var prev uint32

	for next := uint32(firstDataCluster); next < v.clusterCount+firstDataCluster; next++ {
		inUse, err := v.loadBitmap(next)
		log.PanicIf(err)

		if inUse == true {
			continue
		}

		err = ops.SetFatEntry(next, exfatLastCluster)
		log.PanicIf(err)

		err = v.saveBitmap(next, true)
		log.PanicIf(err)

		if firstClu == 0 {
			firstClu = next
		} else {
			err = ops.SetFatEntry(prev, next)
			log.PanicIf(err)
		}

		prev = next
		numAlloc--
		if numAlloc == 0 {
			break
		}
	}

	if numAlloc > 0 {
		return firstClu, fmt.Errorf("no unattached clusters: %w", ErrExhausted)
	}

	return firstClu, nil
}

// updateFilesize flushes the file's size and flags into its stream entry
// in the parent directory.
func (ops *exfatOps) updateFilesize(f *FileInfo, clu uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	if clu == v.rootOffset {
		return nil
	}

	parent, _ := v.searchParentOf(clu)
	if parent == nil {
		exfatLogger.Warningf(nil, "cannot find the parent directory of cluster (%d)", clu)
		return nil
	}

	dir := parent.head
	parentClu := parent.index

	clusterNum := roundupClusters(dir.datalen, v.clusterSize)
	if clusterNum < 1 {
		clusterNum = 1
	}

	data := make([]byte, v.clusterSize)

	for i := 0; i < clusterNum; i++ {
		err = v.ReadCluster(data, parentClu)
		log.PanicIf(err)

		for j := 0; j < int(v.clusterSize)/directoryEntrySize; j++ {
			record := data[j*directoryEntrySize:]

			if record[0] != DentryStream {
				continue
			}

			sd := ExfatStreamDentry{}

			err := unpackDentry(record, &sd)
			log.PanicIf(err)

			if sd.FirstCluster != clu {
				continue
			}

			sd.DataLength = f.datalen
			sd.ValidDataLength = f.datalen
			sd.GeneralSecondaryFlags = f.flags

			packed, err := packDentry(&sd)
			log.PanicIf(err)

			copy(record[:directoryEntrySize], packed)

			err = v.WriteCluster(data, parentClu)
			log.PanicIf(err)

			return nil
		}

		if dir.flags&AllocNoFatChain != 0 {
			parentClu++
		} else {
			entry, err := ops.GetFatEntry(parentClu)
			log.PanicIf(err)

			if v.isLastCluster(entry) == true {
				break
			}

			parentClu = entry
		}
	}

	exfatLogger.Warningf(nil, "no stream entry points at cluster (%d)", clu)

	return nil
}

// Create adds a file or directory entry set to the directory at clu.
func (ops *exfatOps) Create(name string, clu uint32, opt int) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	uniname := Utf8ToUtf16([]byte(name))
	if len(uniname) == 0 || len(uniname) > nameLengthMax {
		return fmt.Errorf("invalid name length (%d)", len(uniname))
	}

	upper := v.convertUpperUnits(uniname)
	nameEntries := (len(uniname) + entryNameMax - 1) / entryNameMax
	setSize := 2 + nameEntries

	dc := v.chainFor(clu)

	existing, err := ops.searchFileInfo(dc, name)
	log.PanicIf(err)

	if existing != nil {
		return fmt.Errorf("cannot create %s: %w", name, ErrExists)
	}

	f := dc.head

	data, clusterNum, err := ops.readExtent(f, clu)
	log.PanicIf(err)

	entries := len(data) / directoryEntrySize

	i := 0
	for ; i < entries; i++ {
		if data[i*directoryEntrySize] == DentryUnused {
			break
		}
	}

	// Grow the directory when the set does not fit in the remaining
	// records.
	needClusters := roundupClusters(uint64((i+setSize+1)*directoryEntrySize), v.clusterSize)
	if needClusters > clusterNum {
		_, err = ops.allocClusters(f, clu, needClusters-clusterNum)
		log.PanicIf(err)

		data, clusterNum, err = ops.readExtent(f, clu)
		log.PanicIf(err)
	}

	now := time.Now()

	fd := newExfatFileDentry(len(uniname), now)
	if opt&CreateDirectory != 0 {
		fd.FileAttributes = AttrDirectory
	}

	sd := newExfatStreamDentry(upper)
	if opt&CreateDirectory != 0 {
		firstClu, err := ops.newClusters(1)
		log.PanicIf(err)

		sd.FirstCluster = firstClu
		sd.DataLength = uint64(v.clusterSize)
		sd.ValidDataLength = uint64(v.clusterSize)
	}

	packed, err := packDentry(&fd)
	log.PanicIf(err)

	copy(data[i*directoryEntrySize:], packed)

	packed, err = packDentry(&sd)
	log.PanicIf(err)

	copy(data[(i+1)*directoryEntrySize:], packed)

	for n := 0; n < nameEntries; n++ {
		end := (n + 1) * entryNameMax
		if end > len(uniname) {
			end = len(uniname)
		}

		nd := newExfatNameDentry(uniname[n*entryNameMax : end])

		packed, err = packDentry(&nd)
		log.PanicIf(err)

		copy(data[(i+2+n)*directoryEntrySize:], packed)
	}

	// The set checksum covers the whole set minus its own field.
	checksum := EntrySetChecksum(data[i*directoryEntrySize : (i+setSize)*directoryEntrySize])
	defaultEncoding.PutUint16(data[i*directoryEntrySize+2:], checksum)

	err = ops.writeExtent(f, clu, data)
	log.PanicIf(err)

	return nil
}

// Remove unlinks the named entry set by clearing the in-use bit on every
// record of the set. Clusters are not released.
func (ops *exfatOps) Remove(name string, clu uint32, opt int) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	uniname := Utf8ToUtf16([]byte(name))
	upper := v.convertUpperUnits(uniname)
	hash := NameHash(upper)

	dc := v.chainFor(clu)
	f := dc.head

	data, _, err := ops.readExtent(f, clu)
	log.PanicIf(err)

	entries := len(data) / directoryEntrySize

	for i := 0; i < entries; i++ {
		record := data[i*directoryEntrySize:]

		switch record[0] {
		case DentryUnused:
			return fmt.Errorf("'%s': %w", name, ErrNotFound)
		case DentryFile:
			fd := ExfatFileDentry{}

			err := unpackDentry(record, &fd)
			log.PanicIf(err)

			remaining := int(fd.SecondaryCount)

			if i+1 >= entries || data[(i+1)*directoryEntrySize] != DentryStream {
				continue
			}

			sd := ExfatStreamDentry{}

			err = unpackDentry(data[(i+1)*directoryEntrySize:], &sd)
			log.PanicIf(err)

			if sd.NameHash != hash || int(sd.NameLength) != len(uniname) {
				i += remaining
				continue
			}

			// Hash and length agree; confirm with the name bytes.
			stored := make([]uint16, 0, sd.NameLength)
			for n := 0; n < remaining-1; n++ {
				fragmentLen := int(sd.NameLength) - n*entryNameMax
				if fragmentLen > entryNameMax {
					fragmentLen = entryNameMax
				}
				if fragmentLen <= 0 {
					break
				}

				fragment := data[(i+2+n)*directoryEntrySize:]
				for u := 0; u < fragmentLen; u++ {
					stored = append(stored, uint16(fragment[2+u*2])|uint16(fragment[2+u*2+1])<<8)
				}
			}

			match := len(stored) == len(uniname)
			if match == true {
				for n := range stored {
					if stored[n] != uniname[n] {
						match = false
						break
					}
				}
			}

			if match == false {
				i += remaining
				continue
			}

			for n := 0; n < remaining+1; n++ {
				data[(i+n)*directoryEntrySize] &^= ExfatInUse
			}

			err = ops.writeExtent(f, clu, data)
			log.PanicIf(err)

			return nil
		}
	}

	return fmt.Errorf("'%s': %w", name, ErrNotFound)
}

// Trim compacts the directory's live records into a dense prefix, zeroes
// the tail, and frees any clusters the compacted form no longer needs.
func (ops *exfatOps) Trim(clu uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	dc := v.chainFor(clu)
	f := dc.head

	data, clusterNum, err := ops.readExtent(f, clu)
	log.PanicIf(err)

	entries := len(data) / directoryEntrySize

	j := 0
	for i := 0; i < entries; i++ {
		src := data[i*directoryEntrySize : (i+1)*directoryEntrySize]

		if src[0] == DentryUnused {
			break
		}

		if src[0]&ExfatInUse == 0 {
			continue
		}

		if i != j {
			copy(data[j*directoryEntrySize:(j+1)*directoryEntrySize], src)
		}
		j++
	}

	allocateClusters := j*directoryEntrySize/int(v.clusterSize) + 1

	for k := j; k < entries; k++ {
		record := data[k*directoryEntrySize : (k+1)*directoryEntrySize]
		for b := range record {
			record[b] = 0
		}
	}

	err = ops.writeExtent(f, clu, data)
	log.PanicIf(err)

	if clusterNum > allocateClusters {
		err = ops.freeClusters(f, clu, clusterNum-allocateClusters)
		log.PanicIf(err)
	}

	return nil
}

// Fill appends synthetic entries until the directory holds count
// records: a non-triple remainder of not-in-use file tags, then complete
// checksummed file sets with random fifteen-character names.
func (ops *exfatOps) Fill(clu uint32, count int) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	const setEntries = 3

	dc := v.chainFor(clu)
	f := dc.head

	data, clusterNum, err := ops.readExtent(f, clu)
	log.PanicIf(err)

	entries := len(data) / directoryEntrySize

	i := 0
	for ; i < entries; i++ {
		if data[i*directoryEntrySize] == DentryUnused {
			break
		}
	}

	if i > count-1 {
		return nil
	}

	needEntries := count - i

	needClusters := roundupClusters(uint64(count*directoryEntrySize), v.clusterSize)
	if needClusters > clusterNum {
		_, err = ops.allocClusters(f, clu, needClusters-clusterNum)
		log.PanicIf(err)

		data, clusterNum, err = ops.readExtent(f, clu)
		log.PanicIf(err)
	}

	for blank := needEntries % setEntries; blank > 0; blank-- {
		data[i*directoryEntrySize] = DentryFile &^ ExfatInUse
		i++
	}

	now := time.Now()

	for j := 0; j < needEntries/setEntries; j++ {
		base := i + j*setEntries

		name := genRandomName(entryNameMax)
		uniname := Utf8ToUtf16([]byte(name))
		upper := v.convertUpperUnits(uniname)

		fd := newExfatFileDentry(len(uniname), now)

		packed, err := packDentry(&fd)
		log.PanicIf(err)

		copy(data[base*directoryEntrySize:], packed)

		sd := newExfatStreamDentry(upper)

		packed, err = packDentry(&sd)
		log.PanicIf(err)

		copy(data[(base+1)*directoryEntrySize:], packed)

		nd := newExfatNameDentry(uniname)

		packed, err = packDentry(&nd)
		log.PanicIf(err)

		copy(data[(base+2)*directoryEntrySize:], packed)

		checksum := EntrySetChecksum(data[base*directoryEntrySize : (base+setEntries)*directoryEntrySize])
		defaultEncoding.PutUint16(data[base*directoryEntrySize+2:], checksum)
	}

	err = ops.writeExtent(f, clu, data)
	log.PanicIf(err)

	return nil
}

// Contents prints the last lines of the named file.
func (ops *exfatOps) Contents(name string, clu uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	dc := v.chainFor(clu)

	f, err := ops.searchFileInfo(dc, name)
	log.PanicIf(err)

	if f == nil {
		return fmt.Errorf("'%s': %w", name, ErrNotFound)
	}

	data, _, err := ops.readExtent(f, f.firstCluster)
	log.PanicIf(err)

	if f.datalen < uint64(len(data)) {
		data = data[:f.datalen]
	}

	v.printf("%s\n", tailLines(data, tailLineCount))

	return nil
}

// Stat prints the cached record of the named file.
func (ops *exfatOps) Stat(name string, clu uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	dc := v.chainFor(clu)

	f, err := ops.searchFileInfo(dc, name)
	log.PanicIf(err)

	if f == nil {
		return fmt.Errorf("'%s': %w", name, ErrNotFound)
	}

	v.printf("File Name:   %s\n", f.name)
	v.printf("File Size:   %s\n", humanize.Comma(int64(f.datalen)))
	v.printf("Clusters:    %d\n", roundupClusters(f.datalen, v.clusterSize))
	v.printf("First Clu:   %d\n", f.firstCluster)
	v.printf("File Attr:   %s\n", FileAttributes(f.attr).ModeString())

	chain := "FatChain"
	if f.flags&AllocNoFatChain != 0 {
		chain = "NoFatChain"
	}
	possible := "AllocationImpossible"
	if f.flags&AllocPossible != 0 {
		possible = "AllocationPossible"
	}
	v.printf("File Flags:  %s / %s\n", chain, possible)

	v.printf("Access Time: %s\n", f.atime.Format("2006-01-02 15:04:05"))
	v.printf("Modify Time: %s\n", f.mtime.Format("2006-01-02 15:04:05"))
	v.printf("Create Time: %s\n", f.ctime.Format("2006-01-02 15:04:05"))
	v.printf("\n")

	return nil
}

// StatFs prints the boot-sector summary.
func (ops *exfatOps) StatFs() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	raw := make([]byte, bootSectorSize)

	err = v.dev.ReadAt(raw, 0)
	log.PanicIf(err)

	bsh := ExfatBootSector{}

	err = restruct.Unpack(raw, defaultEncoding, &bsh)
	log.PanicIf(err)

	v.printf("Filesystem:      \t%s\n", v.fstype)
	v.printf("Sector size:     \t%d\n", v.sectorSize)
	v.printf("Cluster size:    \t%d\n", v.clusterSize)
	v.printf("FAT offset:      \t%d\n", bsh.FatOffset)
	v.printf("FAT size:        \t%d\n", bsh.FatLength*v.sectorSize)
	v.printf("FAT count:       \t%d\n", bsh.NumberOfFats)
	v.printf("Partition offset:\t%d\n", bsh.PartitionOffset*uint64(v.sectorSize))
	v.printf("Volume size:     \t%s\n", humanize.Comma(int64(bsh.VolumeLength*uint64(v.sectorSize))))
	v.printf("Cluster offset:  \t%d\n", bsh.ClusterHeapOffset*v.sectorSize)
	v.printf("Cluster count:   \t%d\n", bsh.ClusterCount)
	v.printf("First cluster:   \t%d\n", bsh.FirstClusterOfRootDirectory)
	v.printf("Volume serial:   \t0x%x\n", bsh.VolumeSerialNumber)
	v.printf("Filesystem revision:\t%x.%02x\n", bsh.FileSystemRevision[1], bsh.FileSystemRevision[0])
	v.printf("Usage rate:      \t%d\n", bsh.PercentInUse)
	v.printf("\n")

	return nil
}

// Info prints the filesystem structures: up-case table, label, chains,
// and the allocation bitmap.
func (ops *exfatOps) Info() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	v.printUpcase()

	label := make([]uint16, len(v.volLabel))
	copy(label, v.volLabel)
	v.printf("volume Label: %s\n", string(Utf16ToUtf8(label)))

	err = v.printChains()
	log.PanicIf(err)

	err = v.printAllocationBitmap()
	log.PanicIf(err)

	return nil
}

// PrintDentry prints record n of the directory at clu, decoded per its
// entry type.
func (ops *exfatOps) PrintDentry(clu uint32, n int) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	err = ops.traverseDirectory(clu)
	log.PanicIf(err)

	entriesPerCluster := int(v.clusterSize) / directoryEntrySize

	for n >= entriesPerCluster {
		entry, err := ops.GetFatEntry(clu)
		log.PanicIf(err)

		if ops.ValidateFatEntry(entry) != true || entry == exfatLastCluster {
			return fmt.Errorf("directory size limit exceeded: %w", ErrCorruptStructure)
		}

		n -= entriesPerCluster
		clu = entry
	}

	data := make([]byte, v.clusterSize)

	err = v.ReadCluster(data, clu)
	log.PanicIf(err)

	record := data[n*directoryEntrySize : (n+1)*directoryEntrySize]
	et := EntryType(record[0])

	v.printf("EntryType                       : %02x\n", uint8(et))
	v.infof("  TypeCode                      : %02x\n", et.TypeCode())
	v.infof("  IsCritical                    : %v\n", et.IsCritical())
	v.infof("  IsPrimary                     : %v\n", et.IsPrimary())
	v.infof("  InUse                         : %v\n", et.IsInUse())

	switch record[0] {
	case DentryUnused:
	case DentryBitmap:
		bd := ExfatBitmapDentry{}

		err := unpackDentry(record, &bd)
		log.PanicIf(err)

		v.printf("BitmapFlags                     : %02x\n", bd.BitmapFlags)
		v.printf("FirstCluster                    : %08x\n", bd.FirstCluster)
		v.printf("DataLength                      : %016x\n", bd.DataLength)
	case DentryUpcase:
		ud := ExfatUpcaseDentry{}

		err := unpackDentry(record, &ud)
		log.PanicIf(err)

		v.printf("TableCheckSum                   : %08x\n", ud.TableChecksum)
		v.printf("FirstCluster                    : %08x\n", ud.FirstCluster)
		v.printf("DataLength                      : %016x\n", ud.DataLength)
	case DentryVolume:
		vd := ExfatVolumeLabelDentry{}

		err := unpackDentry(record, &vd)
		log.PanicIf(err)

		v.printf("CharacterCount                  : %02x\n", vd.CharacterCount)
		v.printf("VolumeLabel                     : %s\n", vd.Label())
	case DentryFile:
		fd := ExfatFileDentry{}

		err := unpackDentry(record, &fd)
		log.PanicIf(err)

		v.printf("SecondaryCount                  : %02x\n", fd.SecondaryCount)
		v.printf("SetChecksum                     : %04x\n", fd.SetChecksum)
		v.printf("FileAttributes                  : %04x\n", fd.FileAttributes)

		fa := FileAttributes(fd.FileAttributes)
		if fa.IsReadOnly() == true {
			v.infof("  * ReadOnly\n")
		}
		if fa.IsHidden() == true {
			v.infof("  * Hidden\n")
		}
		if fa.IsSystem() == true {
			v.infof("  * System\n")
		}
		if fa.IsDirectory() == true {
			v.infof("  * Directory\n")
		}
		if fa.IsArchive() == true {
			v.infof("  * Archive\n")
		}

		v.printf("CreateTimestamp                 : %08x\n", fd.CreateTimestamp)
		v.infof("  %s\n", exfatTimestampToTime(ExfatTimestamp(fd.CreateTimestamp), 0, 0).Format("2006-01-02 15:04:05"))
		v.printf("LastModifiedTimestamp           : %08x\n", fd.LastModifiedTimestamp)
		v.infof("  %s\n", exfatTimestampToTime(ExfatTimestamp(fd.LastModifiedTimestamp), 0, 0).Format("2006-01-02 15:04:05"))
		v.printf("LastAccessedTimestamp           : %08x\n", fd.LastAccessedTimestamp)
		v.infof("  %s\n", exfatTimestampToTime(ExfatTimestamp(fd.LastAccessedTimestamp), 0, 0).Format("2006-01-02 15:04:05"))
		v.printf("Create10msIncrement             : %02x\n", fd.Create10msIncrement)
		v.printf("LastModified10msIncrement       : %02x\n", fd.LastModified10msIncrement)
		v.printf("CreateUtcOffset                 : %02x\n", fd.CreateUtcOffset)
		v.printf("LastModifiedUtcOffset           : %02x\n", fd.LastModifiedUtcOffset)
		v.printf("LastAccessedUtcOffset           : %02x\n", fd.LastAccessedUtcOffset)
	case DentryStream:
		sd := ExfatStreamDentry{}

		err := unpackDentry(record, &sd)
		log.PanicIf(err)

		v.printf("GeneralSecondaryFlags           : %02x\n", sd.GeneralSecondaryFlags)
		if sd.GeneralSecondaryFlags&AllocPossible != 0 {
			v.infof("  * AllocationPossible\n")
		}
		if sd.GeneralSecondaryFlags&AllocNoFatChain != 0 {
			v.infof("  * NoFatChain\n")
		}

		v.printf("NameLength                      : %02x\n", sd.NameLength)
		v.printf("NameHash                        : %04x\n", sd.NameHash)
		v.printf("ValidDataLength                 : %016x\n", sd.ValidDataLength)
		v.printf("FirstCluster                    : %08x\n", sd.FirstCluster)
		v.printf("DataLength                      : %016x\n", sd.DataLength)
	case DentryName:
		nd := ExfatNameDentry{}

		err := unpackDentry(record, &nd)
		log.PanicIf(err)

		v.printf("GeneralSecondaryFlags           : %02x\n", nd.GeneralSecondaryFlags)
		v.printf("FileName                        : %s\n", UnicodeFromUtf16le(nd.FileName[:], entryNameMax))
	}

	return nil
}

// splitPath tokenizes a path by slash, dropping empty components.
func splitPath(path string) []string {
	parts := strings.Split(path, "/")

	tokens := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			tokens = append(tokens, part)
		}
	}

	return tokens
}

// tailLines returns the suffix of data holding at most the last n lines.
func tailLines(data []byte, n int) []byte {
	lines := 0

	i := len(data) - 1
	for ; i > 0; i-- {
		if data[i] == '\n' {
			lines++
		}

		if lines > n {
			i++
			break
		}
	}

	if i < 0 {
		i = 0
	}

	return data[i:]
}
