// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import "encoding/binary"

// attributesFlagCRC32/FileTime/MD5/PatchBit select which optional columns
// the (attributes) sidecar carries, per spec.md §4.K.
const (
	attributesVersion       = 100
	attributesFlagCRC32     = 0x00000001
	attributesFlagFileTime  = 0x00000002
	attributesFlagMD5       = 0x00000004
	attributesFlagPatchBit  = 0x00000008

	attributesDefaultFlags = attributesFlagCRC32 | attributesFlagFileTime | attributesFlagMD5
)

// attributesRecord is one (attributes) column set for a single block-table
// slot, in block-table order (spec.md §4.K: "per-entry CRC-32, file time,
// MD5, and patch bit").
type attributesRecord struct {
	CRC32    uint32
	FileTime uint64
	MD5      [16]byte
	IsPatch  bool
}

// buildAttributes serializes the (attributes) file for every block-table
// slot in entries, in slot order: a fixed 8-byte header (version, flag
// mask), then one flat array per enabled column. The patch-bit column, when
// present, is bit-packed one bit per entry (component B's bitArray).
func buildAttributes(entries []fileEntry, flags uint32) []byte {
	count := len(entries)
	var buf []byte
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], attributesVersion)
	binary.LittleEndian.PutUint32(header[4:8], flags)
	buf = append(buf, header...)

	if flags&attributesFlagCRC32 != 0 {
		for _, e := range entries {
			b := make([]byte, 4)
			binary.LittleEndian.PutUint32(b, e.CRC32)
			buf = append(buf, b...)
		}
	}
	if flags&attributesFlagFileTime != 0 {
		for _, e := range entries {
			b := make([]byte, 8)
			binary.LittleEndian.PutUint64(b, e.FileTime)
			buf = append(buf, b...)
		}
	}
	if flags&attributesFlagMD5 != 0 {
		for _, e := range entries {
			buf = append(buf, e.MD5[:]...)
		}
	}
	if flags&attributesFlagPatchBit != 0 {
		bits := newBitArray(bitsToBytes(count))
		for i, e := range entries {
			if e.isPatchFile() {
				bits.setBits(i, 1, 1)
			}
		}
		buf = append(buf, bits.buf...)
	}

	return buf
}

// parseAttributes decodes an (attributes) blob and folds the recovered
// CRC32/file-time/MD5/patch-bit columns back onto entries, matched by
// block-table slot index. Per spec.md's open question on undersized
// (attributes) files, a short buffer is tolerated: columns whose bytes
// aren't present are simply left unpopulated rather than treated as
// corruption, the same forgiving behavior the reference source's
// predicted-size heuristic is working around.
func parseAttributes(data []byte, entries []fileEntry) {
	if len(data) < 8 {
		return
	}
	flags := binary.LittleEndian.Uint32(data[4:8])
	pos := 8
	count := len(entries)

	if flags&attributesFlagCRC32 != 0 {
		for i := 0; i < count && pos+4 <= len(data); i++ {
			entries[i].CRC32 = binary.LittleEndian.Uint32(data[pos:])
			entries[i].HasCRC32 = true
			pos += 4
		}
	}
	if flags&attributesFlagFileTime != 0 {
		for i := 0; i < count && pos+8 <= len(data); i++ {
			entries[i].FileTime = binary.LittleEndian.Uint64(data[pos:])
			entries[i].HasFileTime = true
			pos += 8
		}
	}
	if flags&attributesFlagMD5 != 0 {
		for i := 0; i < count && pos+16 <= len(data); i++ {
			copy(entries[i].MD5[:], data[pos:pos+16])
			entries[i].HasMD5 = true
			pos += 16
		}
	}
	if flags&attributesFlagPatchBit != 0 {
		remaining := len(data) - pos
		if remaining > 0 {
			bits := wrapBitArray(data[pos:])
			for i := 0; i < count; i++ {
				if bits.getBits(i, 1) != 0 {
					entries[i].Flags |= filePatchFile
				}
			}
		}
	}
}
