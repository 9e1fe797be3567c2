// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"
)

const headerScanStride = 512

// findArchiveHeader scans a stream in 512-byte strides looking for a
// user-data or archive magic, per spec.md §4.D. maxScan bounds how far to
// search (0 means "to end of stream"). Returns the normalized header and the
// archive origin (the absolute offset subsequent in-archive offsets are
// relative to).
func findArchiveHeader(p streamProvider, maxScan int64) (*archiveHeader, error) {
	size, err := p.Size()
	if err != nil {
		return nil, err
	}

	limit := size
	if maxScan > 0 && maxScan < limit {
		limit = maxScan
	}

	var origin int64
	magicBuf := make([]byte, 4)

	for offset := int64(0); offset+4 <= limit; offset += headerScanStride {
		if err := readFull(p, offset, magicBuf); err != nil {
			break
		}
		magic := binary.LittleEndian.Uint32(magicBuf)

		switch magic {
		case userDataMagic:
			rest := make([]byte, userDataHeaderSize-4)
			if err := readFull(p, offset+4, rest); err != nil {
				return nil, newErr(KindBadFormat, "find archive header", "", err)
			}
			headerOffset := int64(binary.LittleEndian.Uint32(rest[4:8]))
			origin = offset + headerOffset
			return readHeaderAt(p, origin)
		case mpqMagic:
			origin = offset
			return readHeaderAt(p, origin)
		}
	}

	return nil, newErr(KindNotFound, "find archive header", "", nil)
}

func readHeaderAt(p streamProvider, origin int64) (*archiveHeader, error) {
	// Read a generous upper bound (v4 header size) and parse with a bytes
	// reader so readArchiveHeader can consume only what the version needs.
	buf := make([]byte, headerSizeV4)
	n, err := p.ReadAt(origin, buf)
	if n < headerSizeV1 {
		return nil, newErr(KindBadFormat, "read header", "", err)
	}
	buf = buf[:n]

	h, err := readArchiveHeader(&byteReader{buf: buf})
	if err != nil {
		return nil, newErr(KindBadFormat, "read header", "", err)
	}
	h.archiveOrigin = origin

	if h.FormatVersion == formatVersion4 {
		sum := md5Sum(buf[:headerMD5Region])
		if sum != h.MD5MpqHeader {
			return nil, newErr(KindFileCorrupt, "verify header md5", "", nil)
		}
	}

	return h, nil
}

// byteReader is a minimal io.Reader over an in-memory buffer, used so
// readArchiveHeader (which wants an io.Reader) can run against a slice we
// already pulled from the stream provider in one shot.
type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) Read(p []byte) (int, error) {
	n := copy(p, r.buf[r.pos:])
	r.pos += n
	if n < len(p) {
		return n, ErrEndOfFile
	}
	return n, nil
}

// loadTable reads, decrypts, and decompresses a classic hash or block table.
// onDiskSize is the byte span reserved for the table on disk; if it is less
// than entryCount*16, the data is compressed and must be expanded first.
func loadTable(p streamProvider, origin int64, tableOffset uint64, entryCount uint32, onDiskSize int64, tableKeyName string) ([]byte, error) {
	wantSize := int64(entryCount) * 16
	raw := make([]byte, onDiskSize)
	if err := readFull(p, origin+int64(tableOffset), raw); err != nil {
		if err == ErrEndOfFile {
			// Truncated table: zero-fill the remainder per the
			// malformed-archive tolerance rule.
			grown := make([]byte, wantSize)
			copy(grown, raw)
			raw = grown
		} else {
			return nil, err
		}
	}

	key := hashString(tableKeyName, hashTypeFileKey)
	decryptBytes(raw, key)

	if onDiskSize < wantSize {
		return decompressData(raw, uint32(wantSize))
	}
	if int64(len(raw)) < wantSize {
		grown := make([]byte, wantSize)
		copy(grown, raw)
		raw = grown
	}
	return raw[:wantSize], nil
}

func decodeHashTable(buf []byte) []hashTableEntry {
	count := len(buf) / 16
	entries := make([]hashTableEntry, count)
	for i := 0; i < count; i++ {
		b := buf[i*16:]
		entries[i] = hashTableEntry{
			HashA:      binary.LittleEndian.Uint32(b[0:4]),
			HashB:      binary.LittleEndian.Uint32(b[4:8]),
			Locale:     binary.LittleEndian.Uint16(b[8:10]),
			Platform:   binary.LittleEndian.Uint16(b[10:12]),
			BlockIndex: binary.LittleEndian.Uint32(b[12:16]),
		}
	}
	return entries
}

func encodeHashTable(entries []hashTableEntry) []byte {
	buf := make([]byte, len(entries)*16)
	for i, e := range entries {
		b := buf[i*16:]
		binary.LittleEndian.PutUint32(b[0:4], e.HashA)
		binary.LittleEndian.PutUint32(b[4:8], e.HashB)
		binary.LittleEndian.PutUint16(b[8:10], e.Locale)
		binary.LittleEndian.PutUint16(b[10:12], e.Platform)
		binary.LittleEndian.PutUint32(b[12:16], e.BlockIndex)
	}
	return buf
}

func decodeBlockTable(buf []byte) []blockTableEntry {
	count := len(buf) / 16
	entries := make([]blockTableEntry, count)
	for i := 0; i < count; i++ {
		b := buf[i*16:]
		entries[i] = blockTableEntry{
			FilePos:        binary.LittleEndian.Uint32(b[0:4]),
			CompressedSize: binary.LittleEndian.Uint32(b[4:8]),
			FileSize:       binary.LittleEndian.Uint32(b[8:12]),
			Flags:          binary.LittleEndian.Uint32(b[12:16]),
		}
	}
	return entries
}

func encodeBlockTable(entries []blockTableEntry) []byte {
	buf := make([]byte, len(entries)*16)
	for i, e := range entries {
		b := buf[i*16:]
		binary.LittleEndian.PutUint32(b[0:4], e.FilePos)
		binary.LittleEndian.PutUint32(b[4:8], e.CompressedSize)
		binary.LittleEndian.PutUint32(b[8:12], e.FileSize)
		binary.LittleEndian.PutUint32(b[12:16], e.Flags)
	}
	return buf
}

// tableSpan returns the on-disk byte span reserved for the table starting
// at `this`: the distance to the next-higher offset among `others` (or to
// archiveEnd if none is higher), per spec.md §4.D's v2 rule ("compute 64-bit
// compressed sizes for each table as the gap to the next-higher-offset
// table").
func tableSpan(this uint64, others []uint64, archiveEnd uint64) int64 {
	best := archiveEnd
	for _, o := range others {
		if o > this && o < best {
			best = o
		}
	}
	if best < this {
		return 0
	}
	return int64(best - this)
}

func loadHiBlockTable(p streamProvider, origin int64, offset uint64, count uint32) ([]hiBlockEntry, error) {
	if count == 0 {
		return nil, nil
	}
	buf := make([]byte, int(count)*2)
	if err := readFull(p, origin+int64(offset), buf); err != nil {
		return nil, err
	}
	out := make([]hiBlockEntry, count)
	for i := range out {
		out[i] = hiBlockEntry(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	return out, nil
}

// loadExtTable reads an HET or BET blob: a 12-byte prefix (magic, version,
// data size) followed by data that may be encrypted and/or compressed.
func loadExtTable(p streamProvider, origin int64, offset, size uint64, wantMagic uint32, keyName string) ([]byte, error) {
	if offset == 0 || size == 0 {
		return nil, nil
	}
	raw := make([]byte, size)
	if err := readFull(p, origin+int64(offset), raw); err != nil {
		return nil, err
	}

	magic := binary.LittleEndian.Uint32(raw[0:4])
	if magic != wantMagic {
		return nil, newErr(KindFileCorrupt, "load ext table", "", nil)
	}
	dataSize := binary.LittleEndian.Uint32(raw[8:12])
	payload := raw[extTableHeaderSize:]

	key := hashString(keyName, hashTypeFileKey)
	decryptBytes(payload, key)

	if uint32(len(payload)) < dataSize {
		return decompressData(payload, dataSize)
	}
	return payload[:dataSize], nil
}
