// The FAT12/16/32 side of the operation table: the packed 12-bit FAT
// access, 8.3 and long-file-name handling, and the mutation engine.

package fatfs

import (
	"fmt"
	"time"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/go-restruct/restruct"
)

var fatLogger = log.NewLogger("fatfs.fat")

type fatOps struct {
	v *Volume
}

func (ops *fatOps) checkFatIndex(clu uint32) error {
	v := ops.v

	if clu < firstDataCluster || clu > v.clusterCount+1 {
		return fmt.Errorf("cluster (%d): %w", clu, ErrInvalidCluster)
	}

	return nil
}

// GetFatEntry reads the FAT entry for the given cluster. FAT12 entries
// straddle bytes: the odd cluster takes the high nibble of the first
// byte and all of the second.
func (ops *fatOps) GetFatEntry(clu uint32) (entry uint32, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	err = ops.checkFatIndex(clu)
	if err != nil {
		return 0, err
	}

	fatBase := int64(v.fatOffset) * int64(v.sectorSize)

	switch v.fstype {
	case FsTypeFat12:
		raw := make([]byte, 2)

		err = v.dev.ReadAt(raw, fatBase+int64(clu)+int64(clu)/2)
		log.PanicIf(err)

		if clu%2 == 1 {
			entry = uint32(raw[0]>>4) | uint32(raw[1])<<4
		} else {
			entry = uint32(raw[0]) | uint32(raw[1]&0x0f)<<8
		}
	case FsTypeFat16:
		raw := make([]byte, 2)

		err = v.dev.ReadAt(raw, fatBase+int64(clu)*2)
		log.PanicIf(err)

		entry = uint32(defaultEncoding.Uint16(raw))
	default:
		raw := make([]byte, 4)

		err = v.dev.ReadAt(raw, fatBase+int64(clu)*4)
		log.PanicIf(err)

		entry = defaultEncoding.Uint32(raw) & 0x0fffffff
	}

	return entry, nil
}

// SetFatEntry writes the FAT entry for the given cluster, preserving the
// neighboring nibble on FAT12 and writing only 28 bits on FAT32.
func (ops *fatOps) SetFatEntry(clu, entry uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	err = ops.checkFatIndex(clu)
	if err != nil {
		return err
	}

	fatBase := int64(v.fatOffset) * int64(v.sectorSize)

	switch v.fstype {
	case FsTypeFat12:
		offset := fatBase + int64(clu) + int64(clu)/2
		raw := make([]byte, 2)

		err = v.dev.ReadAt(raw, offset)
		log.PanicIf(err)

		if clu%2 == 1 {
			raw[0] = raw[0]&0x0f | byte(entry&0x0f)<<4
			raw[1] = byte(entry >> 4)
		} else {
			raw[0] = byte(entry)
			raw[1] = raw[1]&0xf0 | byte(entry>>8)&0x0f
		}

		err = v.dev.WriteAt(raw, offset)
		log.PanicIf(err)
	case FsTypeFat16:
		raw := make([]byte, 2)
		defaultEncoding.PutUint16(raw, uint16(entry))

		err = v.dev.WriteAt(raw, fatBase+int64(clu)*2)
		log.PanicIf(err)
	default:
		raw := make([]byte, 4)
		defaultEncoding.PutUint32(raw, entry&0x0fffffff)

		err = v.dev.WriteAt(raw, fatBase+int64(clu)*4)
		log.PanicIf(err)
	}

	return nil
}

// ValidateFatEntry reports whether the value can continue a chain.
func (ops *fatOps) ValidateFatEntry(entry uint32) bool {
	v := ops.v

	if entry == v.lastClusterMarker {
		return true
	}

	if entry == v.badClusterMarker {
		return false
	}

	return entry >= firstDataCluster && entry <= v.clusterCount+1
}

// rootExtentSector returns the first sector of the fixed FAT12/16 root
// entry table.
func (v *Volume) rootExtentSector() uint32 {
	return v.fatOffset + v.fatLength/v.sectorSize
}

// readExtent concatenates a directory or file extent into one buffer. A
// zero cluster selects the fixed FAT12/16 root entry table.
func (ops *fatOps) readExtent(f *FileInfo, clu uint32) (data []byte, clusterNum int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	if clu == 0 {
		data = make([]byte, v.rootLength*v.sectorSize)

		err = v.ReadSectors(data, v.rootExtentSector())
		log.PanicIf(err)

		return data, 0, nil
	}

	clusters := make([]uint32, 1, 8)
	clusters[0] = clu

	current := clu
	for hops := uint32(0); hops < v.clusterCount; hops++ {
		entry, err := ops.GetFatEntry(current)
		log.PanicIf(err)

		if v.isLastCluster(entry) == true {
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

// writeExtent writes a buffer back over the extent the read followed.
func (ops *fatOps) writeExtent(f *FileInfo, clu uint32, data []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	if clu == 0 {
		err = v.WriteSectors(data, v.rootExtentSector())
		log.PanicIf(err)

		return nil
	}

	clusterNum := len(data) / int(v.clusterSize)

	current := clu
	for i := 0; i < clusterNum; i++ {
		err = v.WriteCluster(data[i*int(v.clusterSize):(i+1)*int(v.clusterSize)], current)
		log.PanicIf(err)

		if i == clusterNum-1 {
			break
		}

		entry, err := ops.GetFatEntry(current)
		log.PanicIf(err)

		if v.isLastCluster(entry) == true {
			break
		}

		current = entry
	}

	return nil
}

// fatInvalidCharacters is the 8.3 exclusion set.
var fatInvalidCharacters = []byte{'"', '/', '\\', '[', ']', ':', ';', '=', ',', ' '}

func fatValidateCharacter(ch byte) bool {
	for _, c := range fatInvalidCharacters {
		if ch == c {
			return false
		}
	}

	return true
}

// convertShortName renders the raw 11-byte record name in the familiar
// NAME.EXT form.
func convertShortName(raw []byte) string {
	name := make([]byte, 0, 12)

	for i := 0; i < 8; i++ {
		if fatValidateCharacter(raw[i]) == true {
			name = append(name, raw[i])
		}
	}

	if raw[8] != ' ' {
		name = append(name, '.')
		for i := 8; i < 11; i++ {
			if fatValidateCharacter(raw[i]) == true {
				name = append(name, raw[i])
			}
		}
	}

	return string(name)
}

// createShortChar maps one UTF-16 unit into the 8.3 character set,
// reporting whether the mapping was lossy.
func createShortChar(u uint16) (ch byte, changed bool) {
	if u >= 0x80 {
		return '_', true
	}

	c := byte(u)

	if c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
		return c, false
	}

	if c >= 'a' && c <= 'z' {
		return c - 'a' + 'A', true
	}

	return '_', true
}

// createNameEntry produces the 11-byte short name for a filename, along
// with its UTF-16 form when a long-file-name set is required (i.e. the
// short form is lossy).
func createNameEntry(name string) (shortname []byte, longname []uint16, lossy bool) {
	shortname = make([]byte, 11)
	for i := range shortname {
		shortname[i] = ' '
	}

	longname = Utf8ToUtf16([]byte(name))

	i := 0
	j := 0
	for ; i < 8 && j < len(longname) && longname[j] != '.'; i, j = i+1, j+1 {
		ch, changed := createShortChar(longname[j])
		shortname[i] = ch
		if changed == true {
			lossy = true
		}
	}

	if j < len(longname) {
		if longname[j] != '.' {
			// Base name exceeds eight characters.
			lossy = true
		} else {
			j++
			for i = 8; i < 11 && j < len(longname); i, j = i+1, j+1 {
				ch, changed := createShortChar(longname[j])
				shortname[i] = ch
				if changed == true {
					lossy = true
				}
			}

			if j < len(longname) {
				lossy = true
			}
		}
	}

	if lossy == true {
		shortname[6] = '~'
		shortname[7] = '1'

		return shortname, longname, true
	}

	return shortname, nil, false
}

// createFileInfo caches one decoded record and, for directories, seeds a
// cache slot for the child directory.
func (ops *fatOps) createFileInfo(dc *directoryChain, fdd FatDirDentry, uniname []uint16) {
	v := ops.v

	// Trim the long name at its terminator; the records pad with zeros.
	for i, u := range uniname {
		if u == 0 {
			uniname = uniname[:i]
			break
		}
	}

	name := string(Utf16ToUtf8(uniname))
	if len(uniname) == 0 {
		name = convertShortName(fdd.Name[:])
	}

	fi := &FileInfo{
		name:         name,
		namelen:      len(name),
		datalen:      uint64(fdd.FileSize),
		attr:         uint16(fdd.Attr),
		hash:         uint32(ShortNameChecksum(fdd.Name[:])),
		firstCluster: fdd.FirstCluster(),
		ctime:        fatTimestampToTime(fdd.CrtDate, fdd.CrtTime, fdd.CrtTimeTenth),
		mtime:        fatTimestampToTime(fdd.WrtDate, fdd.WrtTime, 0),
		atime:        fatTimestampToTime(fdd.LstAccDate, 0, 0),
		parent:       dc.head,
	}
	copy(fi.shortName[:], fdd.Name[:])

	dc.append(fi.hash, fi)

	if fi.IsDirectory() == true && fi.firstCluster != 0 && v.checkChain(fi.firstCluster) == false {
		head := &FileInfo{
			name:         fi.name,
			namelen:      fi.namelen,
			datalen:      fi.datalen,
			attr:         fi.attr,
			hash:         fi.hash,
			firstCluster: fi.firstCluster,
			parent:       dc.head,
		}
		copy(head.shortName[:], fi.shortName[:])

		child := v.chainFor(fi.firstCluster)
		child.head = head
	}
}

// traverseDirectory decodes one directory extent into the cache.
func (ops *fatOps) traverseDirectory(clu uint32) (err error) {
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

		ord := record[0]
		attr := record[11]

		if ord == 0x00 {
			break
		}

		if ord == DentryDeleted {
			continue
		}

		var uniname []uint16

		if uint16(attr) == AttrLongFileName {
			count := int(ord &^ LastLongEntry)

			if i+count >= entries {
				break
			}

			// Records are stored last-ordinal first; reassemble in
			// name order.
			uniname = make([]uint16, count*longNameMax)
			for j := 0; j < count; j++ {
				lfn := FatLfnDentry{}

				err := unpackDentry(data[(i+count-j-1)*directoryEntrySize:], &lfn)
				log.PanicIf(err)

				copy(uniname[j*longNameMax:], lfn.NameUnits())
			}

			i += count
			record = data[i*directoryEntrySize:]
		} else if uint16(attr)&AttrVolumeId != 0 {
			v.volLabel = make([]uint16, 11)
			for j := 0; j < 11; j++ {
				v.volLabel[j] = uint16(record[j])
			}

			continue
		}

		fdd := FatDirDentry{}

		err := unpackDentry(record, &fdd)
		log.PanicIf(err)

		ops.createFileInfo(dc, fdd, uniname)
	}

	dc.head.cached = true

	return nil
}

// searchFileInfo finds a child by short-name checksum, traversing the
// directory first if necessary.
func (ops *fatOps) searchFileInfo(dc *directoryChain, name string) (fi *FileInfo, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = ops.traverseDirectory(dc.index)
	log.PanicIf(err)

	shortname, _, _ := createNameEntry(name)
	key := uint32(ShortNameChecksum(shortname))

	return dc.searchByKey(key), nil
}

// Lookup resolves a path to a first-cluster index.
func (ops *fatOps) Lookup(clu uint32, path string) (result uint32, err error) {
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
func (ops *fatOps) Readdir(clu uint32, count int) (entries []DirectoryEntry, missing int, err error) {
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
func (ops *fatOps) Reload(clu uint32) (err error) {
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

// Convert is not available on FAT; there is no up-case table.
func (ops *fatOps) Convert(src string) (dist string, err error) {
	return "", ErrUnimplemented
}

// Clean removes the directory from the cache.
func (ops *fatOps) Clean(clu uint32) (err error) {
	return ops.v.removeChain(clu)
}

// Alloc marks one free cluster allocated by writing the end-of-chain
// marker into its entry.
func (ops *fatOps) Alloc(clu uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	entry, err := ops.GetFatEntry(clu)
	if err != nil {
		return err
	}

	if entry != 0 {
		fatLogger.Warningf(nil, "cluster (%d) is already allocated", clu)
		return nil
	}

	return ops.SetFatEntry(clu, ops.v.lastClusterMarker)
}

// Release marks one cluster free.
func (ops *fatOps) Release(clu uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	entry, err := ops.GetFatEntry(clu)
	if err != nil {
		return err
	}

	if entry == 0 {
		fatLogger.Warningf(nil, "cluster (%d) is already freed", clu)
		return nil
	}

	return ops.SetFatEntry(clu, 0)
}

// allocClusters extends the chain rooted at clu by numAlloc clusters,
// scanning wrap-around from the cluster after the chain's last. FAT has
// no bitmap; a zero entry means free.
func (ops *fatOps) allocClusters(f *FileInfo, clu uint32, numAlloc int) (allocated int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	last, err := v.lastClusterOf(f, clu)
	log.PanicIf(err)

	prev := last
	total := numAlloc

	next := last + 1
	for ; next != last; next++ {
		if next > v.clusterCount+1 {
			next = firstDataCluster
		}

		entry, err := ops.GetFatEntry(next)
		log.PanicIf(err)

		if entry != 0 {
			continue
		}

		err = ops.SetFatEntry(next, v.lastClusterMarker)
		log.PanicIf(err)

		err = ops.SetFatEntry(prev, next)
		log.PanicIf(err)

		prev = next
		total--
		if total == 0 {
			break
		}
	}

	allocated = numAlloc - total

	if total > 0 {
		return allocated, fmt.Errorf("allocated (%d) of (%d): %w", allocated, numAlloc, ErrExhausted)
	}

	return allocated, nil
}

// freeClusters releases the chain's last numFree clusters: the new tail
// gets the end-of-chain marker, the freed entries become zero.
func (ops *fatOps) freeClusters(f *FileInfo, clu uint32, numFree int) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	clusterNum, err := v.chainLength(clu)
	log.PanicIf(err)

	if numFree >= clusterNum {
		return fmt.Errorf("cannot free (%d) of (%d) clusters", numFree, clusterNum)
	}

	i := 0
	for ; i < clusterNum-numFree-1; i++ {
		entry, err := ops.GetFatEntry(clu)
		log.PanicIf(err)

		clu = entry
	}

	marker := v.lastClusterMarker
	for ; i < clusterNum-1; i++ {
		entry, err := ops.GetFatEntry(clu)
		log.PanicIf(err)

		err = ops.SetFatEntry(clu, marker)
		log.PanicIf(err)

		marker = 0
		clu = entry
	}

	// The old tail still carries the end-of-chain marker; zero it so the
	// cluster reads as free.
	err = ops.SetFatEntry(clu, 0)
	log.PanicIf(err)

	return nil
}

// newClusters allocates a fresh chain unattached to any file and returns
// its first cluster, or ErrExhausted.
func (ops *fatOps) newClusters(numAlloc int) (firstClu uint32, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	var prev uint32

	for next := uint32(firstDataCluster); next < v.clusterCount+firstDataCluster; next++ {
		entry, err := ops.GetFatEntry(next)
		log.PanicIf(err)

		if entry != 0 {
			continue
		}

		err = ops.SetFatEntry(next, v.lastClusterMarker)
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

// Create adds a new file or directory record (with long-file-name
// companions when the short form is lossy) to the directory at clu.
func (ops *fatOps) Create(name string, clu uint32, opt int) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	dc := v.chainFor(clu)

	existing, err := ops.searchFileInfo(dc, name)
	log.PanicIf(err)

	if existing != nil {
		return fmt.Errorf("cannot create %s: %w", name, ErrExists)
	}

	shortname, longname, lossy := createNameEntry(name)

	count := 0
	if lossy == true {
		count = (len(longname) + longNameMax - 1) / longNameMax
	}

	f := dc.head

	data, clusterNum, err := ops.readExtent(f, clu)
	log.PanicIf(err)

	entries := len(data) / directoryEntrySize

	i := 0
	for ; i < entries; i++ {
		if data[i*directoryEntrySize] == 0x00 {
			break
		}
	}

	if clu != 0 {
		needClusters := roundupClusters(uint64((i+count+1)*directoryEntrySize), v.clusterSize)
		if needClusters > clusterNum {
			_, err = ops.allocClusters(f, clu, needClusters-clusterNum)
			log.PanicIf(err)

			data, clusterNum, err = ops.readExtent(f, clu)
			log.PanicIf(err)
		}
	} else if (i+count+1)*directoryEntrySize > len(data) {
		// The fixed root entry table cannot grow.
		return fmt.Errorf("no room in the root directory: %w", ErrExhausted)
	}

	chksum := ShortNameChecksum(shortname)

	for j := count; j > 0; j-- {
		ord := uint8(j)
		if j == count {
			ord |= LastLongEntry
		}

		start := (j - 1) * longNameMax
		end := start + longNameMax
		if end > len(longname) {
			end = len(longname)
		}

		lfn := newFatLfnDentry(longname[start:end], ord, chksum)

		packed, err := packDentry(&lfn)
		log.PanicIf(err)

		copy(data[(i+count-j)*directoryEntrySize:], packed)
	}

	fdd := newFatDirDentry(shortname, time.Now())
	if opt&CreateDirectory != 0 {
		fdd.Attr = uint8(AttrDirectory)

		firstClu, err := ops.newClusters(1)
		log.PanicIf(err)

		fdd.SetFirstCluster(firstClu)
	}

	packed, err := packDentry(&fdd)
	log.PanicIf(err)

	copy(data[(i+count)*directoryEntrySize:], packed)

	err = ops.writeExtent(f, clu, data)
	log.PanicIf(err)

	return nil
}

// Remove marks the named entry (and its long-file-name companions)
// deleted. Clusters are not released.
func (ops *fatOps) Remove(name string, clu uint32, opt int) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	shortname, _, _ := createNameEntry(name)
	chksum := ShortNameChecksum(shortname)

	dc := v.chainFor(clu)
	f := dc.head

	data, _, err := ops.readExtent(f, clu)
	log.PanicIf(err)

	entries := len(data) / directoryEntrySize

	removed := false

	for i := 0; i < entries; i++ {
		record := data[i*directoryEntrySize:]

		ord := record[0]
		attr := record[11]

		if ord == 0x00 {
			break
		}

		if ord == DentryDeleted {
			continue
		}

		if uint16(attr) == AttrLongFileName {
			count := int(ord &^ LastLongEntry)

			if record[13] != chksum {
				i += count
				continue
			}

			// The whole set: the long-name records plus the short
			// companion that follows them.
			for j := 0; j <= count && i+j < entries; j++ {
				data[(i+j)*directoryEntrySize] = DentryDeleted
			}

			i += count
			removed = true
			continue
		}

		if string(record[0:11]) == string(shortname) {
			record[0] = DentryDeleted
			removed = true
		}
	}

	if removed == false {
		return fmt.Errorf("'%s': %w", name, ErrNotFound)
	}

	err = ops.writeExtent(f, clu, data)
	log.PanicIf(err)

	return nil
}

// Trim compacts the directory's live records into a dense prefix, zeroes
// the tail, and (for cluster-backed directories) frees the excess
// clusters.
func (ops *fatOps) Trim(clu uint32) (err error) {
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

		if src[0] == 0x00 {
			break
		}

		if src[0] == DentryDeleted {
			continue
		}

		if i != j {
			copy(data[j*directoryEntrySize:(j+1)*directoryEntrySize], src)
		}
		j++
	}

	for k := j; k < entries; k++ {
		record := data[k*directoryEntrySize : (k+1)*directoryEntrySize]
		for b := range record {
			record[b] = 0
		}
	}

	err = ops.writeExtent(f, clu, data)
	log.PanicIf(err)

	if clu != 0 {
		allocateClusters := j*directoryEntrySize/int(v.clusterSize) + 1
		if clusterNum > allocateClusters {
			err = ops.freeClusters(f, clu, clusterNum-allocateClusters)
			log.PanicIf(err)
		}
	}

	return nil
}

// Fill appends bare short-name records with random names until the
// directory holds count records. The extent is not grown; the count is
// limited to what it already holds.
func (ops *fatOps) Fill(clu uint32, count int) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	dc := v.chainFor(clu)
	f := dc.head

	data, _, err := ops.readExtent(f, clu)
	log.PanicIf(err)

	entries := len(data) / directoryEntrySize

	if count > entries {
		return fmt.Errorf("directory supports at most (%d) entries", entries)
	}

	i := 0
	for ; i < entries; i++ {
		if data[i*directoryEntrySize] == 0x00 {
			break
		}
	}

	if i > count-1 {
		return nil
	}

	now := time.Now()

	for ; i < count; i++ {
		// A random eleven-character name, not forced into 8.3 shape.
		fdd := newFatDirDentry([]byte(genRandomName(11)), now)

		packed, err := packDentry(&fdd)
		log.PanicIf(err)

		copy(data[i*directoryEntrySize:], packed)
	}

	err = ops.writeExtent(f, clu, data)
	log.PanicIf(err)

	return nil
}

// Contents prints the last lines of the named file.
func (ops *fatOps) Contents(name string, clu uint32) (err error) {
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
func (ops *fatOps) Stat(name string, clu uint32) (err error) {
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
	v.printf("Short Name:  %s\n", convertShortName(f.shortName[:]))
	v.printf("File Size:   %s\n", humanize.Comma(int64(f.datalen)))
	v.printf("Clusters:    %d\n", roundupClusters(f.datalen, v.clusterSize))
	v.printf("First Clu:   %d\n", f.firstCluster)
	v.printf("File Attr:   %s\n", FileAttributes(f.attr).ModeString())

	v.printf("Access Time: %s\n", f.atime.Format("2006-01-02 15:04:05"))
	v.printf("Modify Time: %s\n", f.mtime.Format("2006-01-02 15:04:05"))
	v.printf("Create Time: %s\n", f.ctime.Format("2006-01-02 15:04:05"))
	v.printf("\n")

	return nil
}

// StatFs prints the boot-sector summary, including the FSInfo view on
// FAT32.
func (ops *fatOps) StatFs() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	raw := make([]byte, bootSectorSize)

	err = v.dev.ReadAt(raw, 0)
	log.PanicIf(err)

	fbs := FatBootSector{}

	err = restruct.Unpack(raw, defaultEncoding, &fbs)
	log.PanicIf(err)

	v.printf("Filesystem:      \t%s\n", v.fstype)
	v.printf("Sector size:     \t%d\n", v.sectorSize)
	v.printf("Cluster size:    \t%d\n", v.clusterSize)
	v.printf("FAT offset:      \t%d\n", fbs.ReservedSectorCount)
	v.printf("FAT size:        \t%d\n", fbs.FatSize()*v.sectorSize)
	v.printf("FAT count:       \t%d\n", fbs.NumFats)
	v.printf("Dentry count:    \t%d\n", fbs.RootEntryCount)
	v.printf("Sector count:    \t%d\n", fbs.TotalSectors())
	v.printf("Cluster count:   \t%d\n", v.clusterCount)

	if v.fstype == FsTypeFat32 {
		ri, err := fbs.Fat32Reserved()
		log.PanicIf(err)

		v.printf("Filesystem type: \t%s\n", string(ri.FilesystemType[:]))
		v.printf("Volume ID:       \t%x\n", ri.VolumeId)
		v.printf("Volume name:     \t%s\n", string(ri.VolumeLabel[:]))
		v.printf("Sectors per FAT: \t%d\n", ri.FatSize32)
		v.printf("First sector:    \t%d\n", ri.RootCluster)
		v.printf("FSINFO sector:   \t%d\n", ri.FsInfoSector)
		v.printf("Backup sector:   \t%d\n", ri.BackupBootSector)

		fsiRaw := make([]byte, v.sectorSize)

		err = v.ReadSectors(fsiRaw, uint32(ri.FsInfoSector))
		log.PanicIf(err)

		fsi := Fat32FsInfo{}

		err = restruct.Unpack(fsiRaw[:bootSectorSize], defaultEncoding, &fsi)
		log.PanicIf(err)

		if fsi.SignaturesValid() != true {
			fatLogger.Warningf(nil, "FSInfo signatures do not validate")
		}

		v.printf("Free cluster:    \t%d\n", fsi.FreeCount)
		v.printf("First available: \t%d\n", fsi.NextFree)
	} else {
		ri, err := fbs.Fat16Reserved()
		log.PanicIf(err)

		v.printf("Filesystem type: \t%s\n", string(ri.FilesystemType[:]))
		v.printf("Volume ID:       \t%x\n", ri.VolumeId)
		v.printf("Volume name:     \t%s\n", string(ri.VolumeLabel[:]))
		v.printf("Volume size:     \t%s\n", humanize.Comma(int64(fbs.TotalSectors())*int64(v.sectorSize)))
	}

	v.printf("\n")

	return nil
}

// Info prints the label, the FAT chains, and the derived allocation
// view.
func (ops *fatOps) Info() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	label := make([]uint16, len(v.volLabel))
	copy(label, v.volLabel)
	v.printf("volume Label: %s\n", string(Utf16ToUtf8(label)))

	err = v.printChains()
	log.PanicIf(err)

	err = v.printAllocationBitmap()
	log.PanicIf(err)

	return nil
}

// PrintDentry prints record n of the directory at clu, decoded as either
// a long-file-name record or a short record.
func (ops *fatOps) PrintDentry(clu uint32, n int) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	v := ops.v

	err = ops.traverseDirectory(clu)
	log.PanicIf(err)

	var data []byte

	if clu == 0 {
		data = make([]byte, v.rootLength*v.sectorSize)

		err = v.ReadSectors(data, v.rootExtentSector())
		log.PanicIf(err)

		if (n+1)*directoryEntrySize > len(data) {
			return fmt.Errorf("directory size limit exceeded: %w", ErrCorruptStructure)
		}
	} else {
		entriesPerCluster := int(v.clusterSize) / directoryEntrySize

		for n >= entriesPerCluster {
			entry, err := ops.GetFatEntry(clu)
			log.PanicIf(err)

			if v.isLastCluster(entry) == true {
				return fmt.Errorf("directory size limit exceeded: %w", ErrCorruptStructure)
			}

			n -= entriesPerCluster
			clu = entry
		}

		data = make([]byte, v.clusterSize)

		err = v.ReadCluster(data, clu)
		log.PanicIf(err)
	}

	record := data[n*directoryEntrySize : (n+1)*directoryEntrySize]

	ord := record[0]
	attr := record[11]

	if ord == 0x00 || ord == DentryDeleted {
		return nil
	}

	if uint16(attr) == AttrLongFileName {
		lfn := FatLfnDentry{}

		err := unpackDentry(record, &lfn)
		log.PanicIf(err)

		v.printf("LDIR_Ord                        : %02x\n", lfn.Ord)
		v.printf("LDIR_Attr                       : %02x\n", lfn.Attr)
		v.printf("LDIR_Type                       : %02x\n", lfn.Type)
		v.printf("LDIR_Chksum                     : %02x\n", lfn.Chksum)
		v.printf("LDIR_FstClusLO                  : %04x\n", lfn.FstClusLo)

		units := lfn.NameUnits()
		v.printf("LDIR_Name                       : %s\n", string(Utf16ToUtf8(units)))

		return nil
	}

	fdd := FatDirDentry{}

	err = unpackDentry(record, &fdd)
	log.PanicIf(err)

	v.printf("DIR_Name                        : %s\n", convertShortName(fdd.Name[:]))
	v.printf("DIR_Attr                        : %02x\n", fdd.Attr)

	fa := FileAttributes(fdd.Attr)
	if fa.IsReadOnly() == true {
		v.infof("  * ReadOnly\n")
	}
	if fa.IsHidden() == true {
		v.infof("  * Hidden\n")
	}
	if fa.IsSystem() == true {
		v.infof("  * System\n")
	}
	if fa.IsVolumeId() == true {
		v.infof("  * Volume\n")
	}
	if fa.IsDirectory() == true {
		v.infof("  * Directory\n")
	}
	if fa.IsArchive() == true {
		v.infof("  * Archive\n")
	}

	v.printf("DIR_NTRes                       : %02x\n", fdd.NtReserved)
	v.printf("DIR_CrtTimeTenth                : %02x\n", fdd.CrtTimeTenth)
	v.printf("DIR_CrtTime                     : %04x\n", fdd.CrtTime)
	v.printf("DIR_CrtDate                     : %04x\n", fdd.CrtDate)
	v.infof("  %s\n", fatTimestampToTime(fdd.CrtDate, fdd.CrtTime, fdd.CrtTimeTenth).Format("2006-01-02 15:04:05"))
	v.printf("DIR_LstAccDate                  : %04x\n", fdd.LstAccDate)
	v.printf("DIR_FstClusHI                   : %04x\n", fdd.FstClusHi)
	v.printf("DIR_WrtTime                     : %04x\n", fdd.WrtTime)
	v.printf("DIR_WrtDate                     : %04x\n", fdd.WrtDate)
	v.infof("  %s\n", fatTimestampToTime(fdd.WrtDate, fdd.WrtTime, 0).Format("2006-01-02 15:04:05"))
	v.printf("DIR_FstClusLO                   : %04x\n", fdd.FstClusLo)
	v.printf("DIR_FileSize                    : %08x\n", fdd.FileSize)

	return nil
}
