// The exFAT up-case table and the hash/checksum family: name hash,
// directory-entry-set checksum, up-case table checksum, and the FAT
// short-name checksum.

package fatfs

import (
	"github.com/dsoprea/go-logging"
)

var upcaseLogger = log.NewLogger("fatfs.upcase")

// loadUpcaseTable reads the table addressed by the Up-case directory
// entry and verifies its checksum. A mismatch is a warning, not a
// failure; the table is still installed.
func (v *Volume) loadUpcaseTable(firstCluster uint32, dataLength uint64, tableChecksum uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if v.upcaseSize != 0 {
		// Already loaded.
		return nil
	}

	clusterNum := roundupClusters(dataLength, v.clusterSize)
	raw := make([]byte, uint32(clusterNum)*v.clusterSize)

	err = v.ReadClusters(raw, firstCluster, uint32(clusterNum))
	log.PanicIf(err)

	v.upcaseSize = dataLength
	v.upcaseTable = make([]uint16, dataLength/2)
	for i := range v.upcaseTable {
		v.upcaseTable[i] = uint16(raw[i*2]) | uint16(raw[i*2+1])<<8
	}

	checksum := UpcaseTableChecksum(raw[:dataLength])
	if checksum != tableChecksum {
		upcaseLogger.Warningf(nil, "Up-case table checksum mismatch: (0x%08x) != (0x%08x)", checksum, tableChecksum)
	}

	return nil
}

// ConvertUpper maps one UTF-16 code unit through the up-case table. Code
// units beyond the table, or mapped to zero, pass through unchanged.
func (v *Volume) ConvertUpper(c uint16) uint16 {
	if int(c) < len(v.upcaseTable) && v.upcaseTable[c] != 0 {
		return v.upcaseTable[c]
	}

	return c
}

// convertUpperUnits maps a UTF-16 string through the up-case table.
func (v *Volume) convertUpperUnits(src []uint16) []uint16 {
	dist := make([]uint16, len(src))
	for i, c := range src {
		dist[i] = v.ConvertUpper(c)
	}

	return dist
}

// UpcaseTableChecksum is the 32-bit rotate-right-and-add checksum over
// the raw table bytes.
func UpcaseTableChecksum(table []byte) uint32 {
	checksum := uint32(0)

	for _, c := range table {
		checksum = rotatedChecksum32(checksum) + uint32(c)
	}

	return checksum
}

func rotatedChecksum32(checksum uint32) uint32 {
	carry := uint32(0)
	if checksum&1 != 0 {
		carry = 0x80000000
	}

	return carry + checksum>>1
}

// NameHash is the 16-bit rotate-right-and-add hash over the upper-cased
// name's little-endian UTF-16 bytes.
func NameHash(upperName []uint16) uint16 {
	hash := uint16(0)

	for _, c := range upperName {
		hash = rotatedChecksum16(hash) + uint16(c&0xff)
		hash = rotatedChecksum16(hash) + uint16(c>>8)
	}

	return hash
}

func rotatedChecksum16(checksum uint16) uint16 {
	carry := uint16(0)
	if checksum&1 != 0 {
		carry = 0x8000
	}

	return carry + checksum>>1
}

// EntrySetChecksum is the 16-bit rotate-right-and-add checksum over an
// in-memory directory entry set, skipping the two bytes of the checksum
// field itself. entrySet covers (1 + SecondaryCount) * 32 bytes.
func EntrySetChecksum(entrySet []byte) uint16 {
	checksum := uint16(0)

	for index, c := range entrySet {
		if index == 2 || index == 3 {
			continue
		}

		checksum = rotatedChecksum16(checksum) + uint16(c)
	}

	return checksum
}

// ShortNameChecksum is the 8-bit rotate-right-and-add checksum over the
// 11-byte short name, stamped into every long-file-name record of the
// set.
func ShortNameChecksum(shortName []byte) uint8 {
	checksum := uint8(0)

	for i := 0; i < 11; i++ {
		carry := uint8(0)
		if checksum&1 != 0 {
			carry = 0x80
		}

		checksum = carry + checksum>>1 + shortName[i]
	}

	return checksum
}

// printUpcase prints the table contents, sixteen bytes of code units per
// row.
func (v *Volume) printUpcase() {
	uniCount := 0x10 / 2

	v.printf("Offset  ")
	for b := 0; b < uniCount; b++ {
		v.printf("  +%d ", b)
	}
	v.printf("\n")

	length := int(v.upcaseSize)
	for offset := 0; offset < length/uniCount; offset++ {
		v.printf("%04xh:  ", offset*0x10/2)
		for b := 0; b < uniCount; b++ {
			index := offset*uniCount + b
			if index >= len(v.upcaseTable) {
				break
			}

			v.printf("%04x ", v.upcaseTable[index])
		}
		v.printf("\n")
	}
}
