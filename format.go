// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"
	"io"
)

// MPQ format constants
const (
	// Magic signature "MPQ\x1A" in little-endian
	mpqMagic = 0x1A51504D

	// userDataMagic is "MPQ\x1B", the user-data preamble marker.
	userDataMagic = 0x1B51504D

	hetMagic = 0x1A544548 // "HET\x1A"
	betMagic = 0x1A544542 // "BET\x1A"

	// Format versions
	formatVersion1 = 0 // original format, up to 4GB
	formatVersion2 = 1 // extended format, 64-bit offsets
	formatVersion3 = 2 // adds HET/BET positions/sizes
	formatVersion4 = 3 // adds per-table MD5 digests

	// Header sizes
	headerSizeV1 = 0x20  // 32 bytes
	headerSizeV2 = 0x2C  // 44 bytes
	headerSizeV3 = 0x44  // 68 bytes
	headerSizeV4 = 0xD0  // 208 bytes

	// headerMD5Region is the number of header bytes (from offset 0) covered
	// by the v4 header's own MD5 digest; the digest field itself follows.
	headerMD5Region = 192

	userDataHeaderSize = 16

	// Block table entry flags
	fileImplode      = 0x00000100 // imploded (PKWARE compression)
	fileCompress     = 0x00000200 // compressed (multi-algorithm)
	fileEncrypted    = 0x00010000 // encrypted
	fileFixKey       = 0x00020000 // key adjusted by block offset
	filePatchFile    = 0x00100000 // patch file
	fileSingleUnit   = 0x01000000 // single unit, not split into sectors
	fileDeleteMarker = 0x02000000 // file is a deletion marker
	fileSectorCRC    = 0x04000000 // sector CRC values follow the data
	fileExists       = 0x80000000 // file exists

	// fileAnubis/fileSerpent mark an additional whole-file block cipher
	// layered outside the stream cipher (spec.md §3.1). The concrete
	// Anubis/Serpent round functions are out of the core's scope per
	// spec.md §1; the ciphertext-stealing chaining mode around a
	// caller-supplied crypto/cipher.Block is implemented in
	// blockcipher.go, wired via WithAnubisCipher/WithSerpentCipher.
	fileAnubis  = 0x00040000
	fileSerpent = 0x00080000

	// Hash table entry constants
	hashTableEmpty   = 0xFFFFFFFF
	hashTableDeleted = 0xFFFFFFFE

	// Locale
	localeNeutral = 0x00000000

	// Default sector size is 512 << sectorSizeShift; default shift gives 4096.
	defaultSectorSizeShift = 3
	defaultSectorSize      = 512 << defaultSectorSizeShift
)

// userDataHeader is the optional 16-byte preamble that precedes the real
// archive header in some archives (e.g. W3 map MPQs with a map-info blob
// ahead of the archive proper).
type userDataHeader struct {
	Magic           uint32
	UserDataSize    uint32
	HeaderOffset    uint32 // offset of the real header, relative to this preamble
	UserDataHeaderSize uint32
}

// baseHeader is the v1 MPQ archive header, 32 bytes.
type baseHeader struct {
	Magic            uint32
	HeaderSize       uint32
	ArchiveSize      uint32 // deprecated from v2 on; see archiveHeader.archiveSize64
	FormatVersion    uint16
	SectorSizeShift  uint16
	HashTableOffset  uint32
	BlockTableOffset uint32
	HashTableSize    uint32
	BlockTableSize   uint32
}

// headerV2Ext is the fields v2 adds over v1 (12 bytes).
type headerV2Ext struct {
	HiBlockTableOffset64 uint64
	HashTableOffsetHi    uint16
	BlockTableOffsetHi   uint16
}

// headerV3Ext is the fields v3 adds over v2 (24 bytes).
type headerV3Ext struct {
	ArchiveSize64  uint64
	BetTablePos64  uint64
	HetTablePos64  uint64
}

// headerV4Ext is the fields v4 adds over v3 (140 bytes): 64-bit table sizes,
// the raw per-chunk MD5 block size, and six MD5 digests.
type headerV4Ext struct {
	HashTableSize64   uint64
	BlockTableSize64  uint64
	HiBlockTableSize64 uint64
	HetTableSize64    uint64
	BetTableSize64    uint64
	RawChunkSize      uint32
	MD5BlockTable     [16]byte
	MD5HashTable      [16]byte
	MD5HiBlockTable   [16]byte
	MD5BetTable       [16]byte
	MD5HetTable       [16]byte
	MD5MpqHeader      [16]byte
}

// archiveHeader is the header normalized to the union of all four on-disk
// versions (component D normalizes every archive up to this shape on open).
type archiveHeader struct {
	baseHeader
	headerV2Ext
	headerV3Ext
	headerV4Ext

	// archiveOrigin is the absolute byte offset of this header within the
	// underlying stream, discovered during header scanning. All offsets
	// recorded in the header and tables are relative to it.
	archiveOrigin int64
}

func (h *archiveHeader) getHashTableOffset64() uint64 {
	if h.FormatVersion >= formatVersion2 {
		return uint64(h.HashTableOffset) | (uint64(h.HashTableOffsetHi) << 32)
	}
	return uint64(h.HashTableOffset)
}

func (h *archiveHeader) getBlockTableOffset64() uint64 {
	if h.FormatVersion >= formatVersion2 {
		return uint64(h.BlockTableOffset) | (uint64(h.BlockTableOffsetHi) << 32)
	}
	return uint64(h.BlockTableOffset)
}

func (h *archiveHeader) setHashTableOffset64(offset uint64) {
	h.HashTableOffset = uint32(offset)
	h.HashTableOffsetHi = uint16(offset >> 32)
}

func (h *archiveHeader) setBlockTableOffset64(offset uint64) {
	h.BlockTableOffset = uint32(offset)
	h.BlockTableOffsetHi = uint16(offset >> 32)
}

// getArchiveSize64 returns the best-known archive size: the v3+ 64-bit field
// when present, else the deprecated v1/v2 32-bit field.
func (h *archiveHeader) getArchiveSize64() uint64 {
	if h.FormatVersion >= formatVersion3 {
		return h.ArchiveSize64
	}
	return uint64(h.ArchiveSize)
}

func (h *archiveHeader) hiBlockTableOffset() uint64 { return h.HiBlockTableOffset64 }

func (h *archiveHeader) hasHetBet() bool {
	return h.FormatVersion >= formatVersion3 && h.HetTablePos64 != 0 && h.BetTablePos64 != 0
}

// hashTableEntry is one classic hash-table slot (16 bytes).
type hashTableEntry struct {
	HashA      uint32
	HashB      uint32
	Locale     uint16
	Platform   uint16
	BlockIndex uint32
}

// blockTableEntry is one classic block-table slot (16 bytes).
type blockTableEntry struct {
	FilePos        uint32
	CompressedSize uint32
	FileSize       uint32
	Flags          uint32
}

// hiBlockEntry is one hi-block-table slot: the high 16 bits of a file's
// 64-bit offset, plain (unencrypted) per the on-disk layout.
type hiBlockEntry uint16

func filePos64(low blockTableEntry, hi hiBlockEntry) uint64 {
	return uint64(low.FilePos) | (uint64(hi) << 32)
}

// extTableHeader is the common prefix on HET/BET table blobs: magic,
// version, and the size of the data that follows the prefix.
type extTableHeader struct {
	Magic       uint32
	Version     uint32
	DataSize    uint32
}

const extTableHeaderSize = 12

// readUserDataHeader reads a user-data preamble; the caller has already
// confirmed the magic matches userDataMagic.
func readUserDataHeader(r io.Reader) (*userDataHeader, error) {
	u := &userDataHeader{}
	if err := binary.Read(r, binary.LittleEndian, u); err != nil {
		return nil, err
	}
	return u, nil
}

// readArchiveHeader reads and normalizes an MPQ header at the reader's
// current position, which must already be positioned at the header magic.
func readArchiveHeader(r io.Reader) (*archiveHeader, error) {
	h := &archiveHeader{}

	if err := binary.Read(r, binary.LittleEndian, &h.baseHeader); err != nil {
		return nil, err
	}

	if h.FormatVersion >= formatVersion2 && h.HeaderSize >= headerSizeV2 {
		if err := binary.Read(r, binary.LittleEndian, &h.headerV2Ext); err != nil {
			return nil, err
		}
	}
	if h.FormatVersion >= formatVersion3 && h.HeaderSize >= headerSizeV3 {
		if err := binary.Read(r, binary.LittleEndian, &h.headerV3Ext); err != nil {
			return nil, err
		}
	}
	if h.FormatVersion >= formatVersion4 && h.HeaderSize >= headerSizeV4 {
		if err := binary.Read(r, binary.LittleEndian, &h.headerV4Ext); err != nil {
			return nil, err
		}
	}

	return h, nil
}

// writeArchiveHeader writes a header in the shape matching h.FormatVersion.
func writeArchiveHeader(w io.Writer, h *archiveHeader) error {
	if err := binary.Write(w, binary.LittleEndian, &h.baseHeader); err != nil {
		return err
	}
	if h.FormatVersion >= formatVersion2 {
		if err := binary.Write(w, binary.LittleEndian, &h.headerV2Ext); err != nil {
			return err
		}
	}
	if h.FormatVersion >= formatVersion3 {
		if err := binary.Write(w, binary.LittleEndian, &h.headerV3Ext); err != nil {
			return err
		}
	}
	if h.FormatVersion >= formatVersion4 {
		if err := binary.Write(w, binary.LittleEndian, &h.headerV4Ext); err != nil {
			return err
		}
	}
	return nil
}

func readUint32Array(r io.Reader, data []uint32) error {
	return binary.Read(r, binary.LittleEndian, data)
}

func readUint16Array(r io.Reader, data []uint16) error {
	return binary.Read(r, binary.LittleEndian, data)
}

func writeUint32Array(w io.Writer, data []uint32) error {
	return binary.Write(w, binary.LittleEndian, data)
}

func writeUint16Array(w io.Writer, data []uint16) error {
	return binary.Write(w, binary.LittleEndian, data)
}
