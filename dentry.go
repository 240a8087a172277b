// The 32-byte directory records of both dialects: parsing, building, and
// the attribute/timestamp decomposition they embed.

package fatfs

import (
	"fmt"
	"time"

	"math/rand"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

const (
	// directoryEntrySize: every directory record in every dialect is 32
	// bytes (Section 6.1).
	directoryEntrySize = 32

	// entryNameMax is the UTF-16 capacity of one exFAT File Name entry.
	entryNameMax = 15

	// longNameMax is the UTF-16 capacity of one FAT long-file-name
	// record (5 + 6 + 2).
	longNameMax = 13
)

// exFAT entry types.
const (
	DentryUnused uint8 = 0x00
	DentryBitmap uint8 = 0x81
	DentryUpcase uint8 = 0x82
	DentryVolume uint8 = 0x83
	DentryFile   uint8 = 0x85
	DentryGuid   uint8 = 0xa0
	DentryStream uint8 = 0xc0
	DentryName   uint8 = 0xc1

	// ExfatInUse is the bit that distinguishes a live record from a
	// deleted one of the same type.
	ExfatInUse uint8 = 0x80
)

// FAT record markers.
const (
	LastLongEntry uint8 = 0x40
	DentryDeleted uint8 = 0xe5
)

// File attributes, shared across dialects.
const (
	AttrReadOnly  uint16 = 0x01
	AttrHidden    uint16 = 0x02
	AttrSystem    uint16 = 0x04
	AttrVolumeId  uint16 = 0x08
	AttrDirectory uint16 = 0x10
	AttrArchive   uint16 = 0x20

	// AttrLongFileName marks a FAT long-file-name record.
	AttrLongFileName = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeId
)

// Stream-entry GeneralSecondaryFlags bits.
const (
	AllocPossible   uint8 = 0x01
	AllocNoFatChain uint8 = 0x02
)

// EntryType decomposes an exFAT entry-type value.
type EntryType uint8

// IsEndOfDirectory indicates that this is the last entry in the
// directory.
func (et EntryType) IsEndOfDirectory() bool {
	return et == 0
}

// TypeCode indicates the general type of the entry.
func (et EntryType) TypeCode() int {
	return int(et & 0x1f)
}

// IsCritical indicates whether the importance bit is cleared.
func (et EntryType) IsCritical() bool {
	return et&0x20 == 0
}

// IsPrimary indicates whether the category bit is cleared.
func (et EntryType) IsPrimary() bool {
	return et&0x40 == 0
}

// IsInUse indicates that the entry is live rather than deleted.
func (et EntryType) IsInUse() bool {
	return et&0x80 > 0
}

// String returns a descriptive string.
func (et EntryType) String() string {
	return fmt.Sprintf("EntryType<TYPE-CODE=(%d) IS-CRITICAL=[%v] IS-PRIMARY=[%v] IS-IN-USE=[%v]>", et.TypeCode(), et.IsCritical(), et.IsPrimary(), et.IsInUse())
}

// FileAttributes decomposes the attributes integer of either dialect.
type FileAttributes uint16

// IsReadOnly returns whether the file should be read-only.
func (fa FileAttributes) IsReadOnly() bool {
	return fa&FileAttributes(AttrReadOnly) > 0
}

// IsHidden returns whether the file is excluded from standard listings.
func (fa FileAttributes) IsHidden() bool {
	return fa&FileAttributes(AttrHidden) > 0
}

// IsSystem returns the system flag.
func (fa FileAttributes) IsSystem() bool {
	return fa&FileAttributes(AttrSystem) > 0
}

// IsVolumeId returns whether this is a FAT volume-label record.
func (fa FileAttributes) IsVolumeId() bool {
	return fa&FileAttributes(AttrVolumeId) > 0
}

// IsDirectory returns whether this entry is a directory.
func (fa FileAttributes) IsDirectory() bool {
	return fa&FileAttributes(AttrDirectory) > 0
}

// IsArchive returns whether the archive flag is set.
func (fa FileAttributes) IsArchive() bool {
	return fa&FileAttributes(AttrArchive) > 0
}

// ModeString renders the attribute set the way stat prints it.
func (fa FileAttributes) ModeString() string {
	flags := []byte{'-', '-', '-', '-', '-'}
	if fa.IsReadOnly() == true {
		flags[0] = 'R'
	}
	if fa.IsHidden() == true {
		flags[1] = 'H'
	}
	if fa.IsSystem() == true {
		flags[2] = 'S'
	}
	if fa.IsDirectory() == true {
		flags[3] = 'D'
	}
	if fa.IsArchive() == true {
		flags[4] = 'A'
	}

	return string(flags)
}

// ExfatFileDentry describes file entries (critical primary, Section 7.4).
type ExfatFileDentry struct {
	EntryType                 uint8
	SecondaryCount            uint8
	SetChecksum               uint16
	FileAttributes            uint16
	Reserved1                 [2]byte
	CreateTimestamp           uint32
	LastModifiedTimestamp     uint32
	LastAccessedTimestamp     uint32
	Create10msIncrement       uint8
	LastModified10msIncrement uint8
	CreateUtcOffset           uint8
	LastModifiedUtcOffset     uint8
	LastAccessedUtcOffset     uint8
	Reserved2                 [7]byte
}

// ExfatStreamDentry describes the allocation of a file's data (critical
// secondary, Section 7.6).
type ExfatStreamDentry struct {
	EntryType             uint8
	GeneralSecondaryFlags uint8
	Reserved1             [1]byte
	NameLength            uint8
	NameHash              uint16
	Reserved2             [2]byte

	// ValidDataLength describes how far into the data stream user data
	// has been written. For directories it always equals DataLength.
	ValidDataLength uint64

	Reserved3    [4]byte
	FirstCluster uint32
	DataLength   uint64
}

// ExfatNameDentry holds up to fifteen UTF-16 code units of the filename
// (critical secondary, Section 7.7).
type ExfatNameDentry struct {
	EntryType             uint8
	GeneralSecondaryFlags uint8
	FileName              [30]byte
}

// ExfatBitmapDentry points at the allocation bitmap cluster (Section
// 7.1).
type ExfatBitmapDentry struct {
	EntryType    uint8
	BitmapFlags  uint8
	Reserved     [18]byte
	FirstCluster uint32
	DataLength   uint64
}

// ExfatUpcaseDentry points at the up-case table cluster (Section 7.2).
type ExfatUpcaseDentry struct {
	EntryType     uint8
	Reserved1     [3]byte
	TableChecksum uint32
	Reserved2     [12]byte
	FirstCluster  uint32
	DataLength    uint64
}

// ExfatVolumeLabelDentry embeds the volume label (Section 7.3).
type ExfatVolumeLabelDentry struct {
	EntryType      uint8
	CharacterCount uint8
	VolumeLabel    [22]byte
	Reserved       [8]byte
}

// Label constructs the decoded label string.
func (vlde ExfatVolumeLabelDentry) Label() string {
	return UnicodeFromUtf16le(vlde.VolumeLabel[:], int(vlde.CharacterCount))
}

// FatDirDentry is the classic 8.3 directory record.
type FatDirDentry struct {
	Name         [11]byte
	Attr         uint8
	NtReserved   uint8
	CrtTimeTenth uint8
	CrtTime      uint16
	CrtDate      uint16
	LstAccDate   uint16
	FstClusHi    uint16
	WrtTime      uint16
	WrtDate      uint16
	FstClusLo    uint16
	FileSize     uint32
}

// FirstCluster composes the split cluster field.
func (fdd FatDirDentry) FirstCluster() uint32 {
	return uint32(fdd.FstClusHi)<<16 | uint32(fdd.FstClusLo)
}

// SetFirstCluster decomposes a cluster index into the split field.
func (fdd *FatDirDentry) SetFirstCluster(clu uint32) {
	fdd.FstClusHi = uint16(clu >> 16)
	fdd.FstClusLo = uint16(clu & 0xffff)
}

// FatLfnDentry is one long-file-name record, carrying thirteen UTF-16
// code units in three fragments.
type FatLfnDentry struct {
	Ord       uint8
	Name1     [5]uint16
	Attr      uint8
	Type      uint8
	Chksum    uint8
	Name2     [6]uint16
	FstClusLo uint16
	Name3     [2]uint16
}

// NameUnits collects the record's thirteen code units in order.
func (lfn FatLfnDentry) NameUnits() []uint16 {
	units := make([]uint16, 0, longNameMax)
	units = append(units, lfn.Name1[:]...)
	units = append(units, lfn.Name2[:]...)
	units = append(units, lfn.Name3[:]...)

	return units
}

// SetNameUnits distributes up to thirteen code units across the three
// fragments.
func (lfn *FatLfnDentry) SetNameUnits(units []uint16) {
	for i, u := range units {
		switch {
		case i < 5:
			lfn.Name1[i] = u
		case i < 11:
			lfn.Name2[i-5] = u
		default:
			lfn.Name3[i-11] = u
		}
	}
}

// unpackDentry parses one 32-byte record into the given struct.
func unpackDentry(raw []byte, x interface{}) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = restruct.Unpack(raw[:directoryEntrySize], defaultEncoding, x)
	log.PanicIf(err)

	return nil
}

// packDentry serializes one record struct into its 32-byte form.
func packDentry(x interface{}) (raw []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	raw, err = restruct.Pack(defaultEncoding, x)
	log.PanicIf(err)

	if len(raw) != directoryEntrySize {
		log.Panicf("packed entry is not (%d) bytes: (%d)", directoryEntrySize, len(raw))
	}

	return raw, nil
}

// ExfatTimestamp is the packed integer with date/time information.
type ExfatTimestamp uint32

// Second returns the seconds component (two-second granularity).
func (et ExfatTimestamp) Second() int {
	return int(et&0x1f) * 2
}

// Minute returns the minute component.
func (et ExfatTimestamp) Minute() int {
	return int(et>>5) & 0x3f
}

// Hour returns the hour component.
func (et ExfatTimestamp) Hour() int {
	return int(et>>11) & 0x1f
}

// Day returns the day component.
func (et ExfatTimestamp) Day() int {
	return int(et>>16) & 0x1f
}

// Month returns the month component.
func (et ExfatTimestamp) Month() int {
	return int(et>>21) & 0x0f
}

// Year returns the year component (base 1980).
func (et ExfatTimestamp) Year() int {
	return 1980 + int(et>>25)&0x7f
}

// exfatTimezoneMinutes decodes the UTC-offset byte: a valid bit in the
// high bit and a two's-complement count of fifteen-minute increments
// below it.
func exfatTimezoneMinutes(tz uint8) int {
	if tz&0x80 == 0 {
		return 0
	}

	offset := int(tz & 0x7f)
	if offset&0x40 != 0 {
		offset -= 0x80
	}

	return offset * 15
}

// exfatTimestampToTime assembles a timestamp, its 10ms increment, and its
// UTC-offset byte into a single time value. When the offset is valid the
// result is shifted to that local time.
func exfatTimestampToTime(ts ExfatTimestamp, subsec uint8, tz uint8) time.Time {
	sec := ts.Second() + int(subsec)/100
	nsec := int(subsec) % 100 * 10 * 1000 * 1000

	t := time.Date(ts.Year(), time.Month(ts.Month()), ts.Day(), ts.Hour(), ts.Minute(), sec, nsec, time.UTC)

	if tz&0x80 != 0 {
		min := exfatTimezoneMinutes(tz)
		t = t.Add(time.Duration(min) * time.Minute)
	}

	return t
}

// timeToExfatTimestamp is the inverse: the timestamp fields from the
// time's UTC reading, plus the odd second in the 10ms increment.
func timeToExfatTimestamp(t time.Time) (ts ExfatTimestamp, subsec uint8) {
	utc := t.UTC()

	ts |= ExfatTimestamp(utc.Year()-1980) << 25
	ts |= ExfatTimestamp(utc.Month()) << 21
	ts |= ExfatTimestamp(utc.Day()) << 16
	ts |= ExfatTimestamp(utc.Hour()) << 11
	ts |= ExfatTimestamp(utc.Minute()) << 5
	ts |= ExfatTimestamp(utc.Second() / 2)

	subsec = uint8(utc.Second() % 2 * 100)

	return ts, subsec
}

// timeToExfatTimezone encodes the time's zone as the UTC-offset byte with
// the valid bit set.
func timeToExfatTimezone(t time.Time) uint8 {
	_, offsetSeconds := t.Zone()

	return uint8((offsetSeconds/60/15)&0x7f) | 0x80
}

// fatTimestampToTime assembles the FAT date/time pair (and the creation
// record's 10ms tenth field) into a time value.
func fatTimestampToTime(date, timeval uint16, subsec uint8) time.Time {
	year := 1980 + int(date>>9)&0x7f
	month := int(date>>5) & 0x0f
	day := int(date) & 0x1f
	hour := int(timeval>>11) & 0x1f
	min := int(timeval>>5) & 0x3f
	sec := int(timeval&0x1f)*2 + int(subsec)/100
	nsec := int(subsec) % 100 * 10 * 1000 * 1000

	return time.Date(year, time.Month(month), day, hour, min, sec, nsec, time.UTC)
}

// timeToFatTimestamp is the inverse, from the time's UTC reading.
func timeToFatTimestamp(t time.Time) (date, timeval uint16, subsec uint8) {
	utc := t.UTC()

	date = uint16(utc.Year()-1980)<<9 | uint16(utc.Month())<<5 | uint16(utc.Day())
	timeval = uint16(utc.Hour())<<11 | uint16(utc.Minute())<<5 | uint16(utc.Second()/2)
	subsec = uint8(utc.Second() % 2 * 100)

	return date, timeval, subsec
}

// newExfatFileDentry builds a file entry for a name of the given UTF-16
// length, stamped with the given creation time.
func newExfatFileDentry(namelen int, now time.Time) ExfatFileDentry {
	ts, subsec := timeToExfatTimestamp(now)
	tz := timeToExfatTimezone(now)

	return ExfatFileDentry{
		EntryType:                 DentryFile,
		SecondaryCount:            uint8(1 + (namelen+entryNameMax-1)/entryNameMax),
		FileAttributes:            AttrArchive,
		CreateTimestamp:           uint32(ts),
		LastModifiedTimestamp:     uint32(ts),
		LastAccessedTimestamp:     uint32(ts),
		Create10msIncrement:       subsec,
		LastModified10msIncrement: subsec,
		CreateUtcOffset:           tz,
		LastModifiedUtcOffset:     tz,
		LastAccessedUtcOffset:     tz,
	}
}

// newExfatStreamDentry builds the stream entry for a fresh, empty file.
// New files start contiguous (NoFatChain) with no allocation.
func newExfatStreamDentry(upperName []uint16) ExfatStreamDentry {
	return ExfatStreamDentry{
		EntryType:             DentryStream,
		GeneralSecondaryFlags: AllocPossible | AllocNoFatChain,
		NameLength:            uint8(len(upperName)),
		NameHash:              NameHash(upperName),
	}
}

// newExfatNameDentry builds one name entry from a fragment of at most
// fifteen code units.
func newExfatNameDentry(fragment []uint16) ExfatNameDentry {
	nd := ExfatNameDentry{
		EntryType: DentryName,
	}

	for i, u := range fragment {
		nd.FileName[i*2] = byte(u)
		nd.FileName[i*2+1] = byte(u >> 8)
	}

	return nd
}

// newFatDirDentry builds a short-name record stamped with the given
// creation time.
func newFatDirDentry(shortname []byte, now time.Time) FatDirDentry {
	date, timeval, subsec := timeToFatTimestamp(now)

	fdd := FatDirDentry{
		Attr:         uint8(AttrArchive),
		CrtTimeTenth: subsec,
		CrtTime:      timeval,
		CrtDate:      date,
		LstAccDate:   date,
		WrtTime:      timeval,
		WrtDate:      date,
	}
	copy(fdd.Name[:], shortname)

	return fdd
}

// genRandomName produces a random ASCII name for Fill()'s synthetic
// entries.
func genRandomName(length int) string {
	const charset = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

	name := make([]byte, length)
	for i := range name {
		name[i] = charset[rand.Intn(len(charset))]
	}

	return string(name)
}

// newFatLfnDentry builds one long-file-name record with the given
// ordinal (the LastLongEntry bit already applied by the caller) and the
// short-name checksum that binds the set.
func newFatLfnDentry(fragment []uint16, ord uint8, chksum uint8) FatLfnDentry {
	lfn := FatLfnDentry{
		Ord:    ord,
		Attr:   uint8(AttrLongFileName),
		Chksum: chksum,
	}
	lfn.SetNameUnits(fragment)

	return lfn
}
