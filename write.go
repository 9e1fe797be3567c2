// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"crypto/md5"
	"encoding/binary"
	"strings"
)

// normalizePath maps '/' to '\\' the way every on-disk path in an MPQ is
// stored, without altering case (component E keys off the hash, not the
// stored string).
func normalizePath(p string) string { return strings.ReplaceAll(p, "/", "\\") }

// FileWriter is the caller-facing handle for the three-phase write sequence
// described in spec.md §4.G: Init (via CreateFileWriter) -> repeated Write
// -> Finish. It wraps an *openFileHandle in write mode.
type FileWriter struct {
	h *openFileHandle
}

// CreateFileWriter begins a three-phase write (component G "Init"): it
// allocates a file-entry slot, reserves the insertion offset, and derives
// the file key up front (both the offset and the final size are known at
// Init time, which is exactly what the fix-key formula needs).
func (a *Archive) CreateFileWriter(mpqPath string, size uint32, flags uint32, locale uint16) (*FileWriter, error) {
	if a.mode != "w" && a.mode != "m" {
		return nil, newErr(KindAccessDenied, "create file writer", mpqPath, nil)
	}
	mpqPath = normalizePath(mpqPath)

	idx := a.table.allocate()
	entry := &a.table.entries[idx]
	*entry = fileEntry{
		Name:             mpqPath,
		UncompressedSize: size,
		Flags:            flags | fileExists,
		Locale:           locale,
		Offset:           a.dataEnd,
		exists:           true,
		hashIndex:        -1,
	}

	wholeCipher, err := a.wholeFileCipher(entry)
	if err != nil {
		return nil, err
	}

	h := &openFileHandle{
		archive:     a,
		entry:       entry,
		rawOffset:   entry.Offset,
		sectorSize:  a.sectorSize(),
		writable:    true,
		md5w:        md5.New(),
		wholeCipher: wholeCipher,
	}
	if entry.encrypted() {
		h.fileKey = fileKey(mpqPath, entry.Offset, size, entry.fixKey())
	}
	if entry.isPatchFile() {
		h.patchInfoLen = patchInfoHeaderSize
	}

	a.table.insertClassic(mpqPath, locale, idx)

	return &FileWriter{h: h}, nil
}

// Write feeds data into the handle, buffering into sector-sized chunks and
// flushing each full sector (component G "Write"). codec selects the
// compression method for whichever sector(s) this call fills; pass 0 to
// keep using the remembered codec of the file's first sector.
func (w *FileWriter) Write(data []byte, codec byte) error { return w.h.write(data, codec) }

// Finish completes the write: flushes any partial final sector, rewrites
// the sector-offset table, writes the sector-CRC trailer if requested,
// records the final CRC-32/MD5 on the file entry, and advances the
// archive's free-space cursor (component G "Finish").
func (w *FileWriter) Finish() error { return w.h.finishWrite() }

func (h *openFileHandle) write(data []byte, codec byte) error {
	if !h.writable {
		return ErrInvalidHandle
	}
	h.md5w.Write(data)
	h.crc32w = crc32Update(h.crc32w, data)
	h.totalWritten += uint32(len(data))

	if h.entry.singleUnit() {
		if !h.haveFirst {
			h.firstCodec = codec
			h.haveFirst = true
		}
		h.scratch = append(h.scratch, data...)
		return nil
	}

	remaining := data
	for len(remaining) > 0 {
		space := h.sectorSize - len(h.scratch)
		take := space
		if take > len(remaining) {
			take = len(remaining)
		}
		h.scratch = append(h.scratch, remaining[:take]...)
		remaining = remaining[take:]
		if len(h.scratch) == h.sectorSize {
			if err := h.flushSector(codec, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// flushSector compresses and stages one completed (or final, partial)
// sector. Encryption is applied later in finishWrite once every sector's
// final offset within the file is known.
func (h *openFileHandle) flushSector(codec byte, final bool) error {
	if len(h.scratch) == 0 && !final {
		return nil
	}
	raw := h.scratch
	h.scratch = nil

	sectorIdx := len(h.sectorsOut)
	if sectorIdx == 0 {
		h.firstCodec = codec
		h.haveFirst = true
		h.isWave = checkWaveHeader(raw)
		h.waveChecked = true
	}
	if codec == 0 {
		codec = h.firstCodec
	}
	codec = effectiveCodec(codec, sectorIdx, h.isWave)

	out, err := compressSector(raw, codec)
	if err != nil {
		return err
	}
	h.sectorsOut = append(h.sectorsOut, out)
	// The CRC covers the on-disk (compressed, pre-encryption) bytes, the
	// same basis readSector checks against post-decrypt/pre-decompress —
	// not the pre-compression raw bytes, which read.go never reconstructs
	// until after the CRC check has already run.
	h.sectorCRCs = append(h.sectorCRCs, adler32(out))
	return nil
}

// effectiveCodec enforces spec.md §4.G's constraint: lossy codecs (ADPCM)
// may only land on non-first sectors of files that look like real WAVE
// audio; everywhere else the dispatcher substitutes a lossless codec.
func effectiveCodec(codec byte, sectorIndex int, isWave bool) byte {
	lossy := codec == compressionADPCM || codec == compressionADPCMMono
	if lossy && (sectorIndex == 0 || !isWave) {
		return compressionZlib
	}
	return codec
}

// checkWaveHeader inspects a sector's raw bytes for a RIFF/WAVE/fmt header
// with a 16-bit-or-wider sample format, the condition spec.md §4.G requires
// before ADPCM is considered for later sectors.
func checkWaveHeader(b []byte) bool {
	if len(b) < 36 {
		return false
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" || string(b[12:16]) != "fmt " {
		return false
	}
	bitsPerSample := binary.LittleEndian.Uint16(b[34:36])
	return bitsPerSample >= 16
}

// compressSector applies codec to one sector's raw bytes, keeping the raw
// bytes instead if compression didn't actually shrink them (component G
// falls back to storing sectors uncompressed the same way the classic
// writer does).
func compressSector(raw []byte, codec byte) ([]byte, error) {
	if codec == 0 {
		return raw, nil
	}
	if codec == compressionPKWare {
		// The stored-only PKWare codec always wraps its single marker byte
		// regardless of size, the same way decompressPKWare always expects
		// it on imploded entries (read.go) — there's no "didn't shrink, skip
		// it" fallback for this codec.
		return compressPKWare(raw), nil
	}
	compressed, err := compressData(raw, codec)
	if err != nil {
		return nil, err
	}
	if len(compressed) < len(raw) {
		return compressed, nil
	}
	return raw, nil
}

// finishWrite implements component G "Finish": lays out the sector-offset
// table (or compresses the whole blob for single-unit files), encrypts in
// the documented order, writes everything to the stream at the offset
// reserved at Init, and updates the file entry with final sizes and
// checksums.
func (h *openFileHandle) finishWrite() error {
	a := h.archive
	entry := h.entry
	var payload []byte

	if entry.singleUnit() {
		data, err := compressSector(h.scratch, h.firstCodec)
		if err != nil {
			return err
		}
		if h.firstCodec == compressionPKWare {
			entry.Flags |= fileCompress | fileImplode
		} else if len(data) < len(h.scratch) {
			entry.Flags |= fileCompress
		} else {
			entry.Flags &^= fileCompress | fileImplode
		}
		if entry.encrypted() {
			encryptBytes(data, h.fileKey)
		}
		if h.wholeCipher != nil {
			applyWholeFileCipher(h.wholeCipher, data, true)
		}
		payload = data
	} else {
		if err := h.flushSector(h.firstCodec, true); err != nil {
			return err
		}

		sectorCount := len(h.sectorsOut)
		hasCRC := entry.sectorCRC()
		tableEntries := sectorCount + 1
		if hasCRC {
			tableEntries++
		}
		tableLen := uint32(tableEntries * 4)

		offsets := make([]uint32, tableEntries)
		offsets[0] = tableLen
		cursor := tableLen
		for i, sec := range h.sectorsOut {
			cursor += uint32(len(sec))
			offsets[i+1] = cursor
		}
		if hasCRC {
			offsets[tableEntries-1] = offsets[sectorCount]
		}

		tableBytes := make([]byte, tableLen)
		for i, off := range offsets {
			binary.LittleEndian.PutUint32(tableBytes[i*4:], off)
		}

		if entry.encrypted() {
			encryptBytes(tableBytes, h.fileKey-1)
			for i, sec := range h.sectorsOut {
				encryptBytes(sec, h.fileKey+uint32(i))
			}
		}
		if h.wholeCipher != nil {
			// Only sector payloads carry the whole-file overlay, not the
			// sector-offset table itself (original_source/src/SFileAddFile.c
			// never touches SectorOffsets with EncryptMpqBlockAnubis/Serpent).
			for _, sec := range h.sectorsOut {
				applyWholeFileCipher(h.wholeCipher, sec, true)
			}
		}

		payload = append(payload, tableBytes...)
		for _, sec := range h.sectorsOut {
			payload = append(payload, sec...)
		}
		if hasCRC {
			crcBytes := make([]byte, sectorCount*4)
			for i, c := range h.sectorCRCs {
				binary.LittleEndian.PutUint32(crcBytes[i*4:], c)
			}
			payload = append(payload, crcBytes...)
		}
		entry.Flags |= fileCompress
		if h.firstCodec == compressionPKWare {
			entry.Flags |= fileImplode
		}
	}

	if h.patchInfoLen > 0 {
		sum := md5.Sum(payload)
		hdr := make([]byte, patchInfoHeaderSize)
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(patchInfoHeaderSize))
		binary.LittleEndian.PutUint32(hdr[4:8], 0)
		binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(payload)))
		copy(hdr[12:28], sum[:])
		payload = append(hdr, payload...)
	}

	base := int64(a.header.archiveOrigin) + int64(entry.Offset)
	if _, err := a.stream.WriteAt(base, payload); err != nil {
		return newErr(KindDiskFull, "write file", entry.Name, err)
	}

	entry.CompressedSize = uint32(len(payload))
	entry.UncompressedSize = h.totalWritten
	var sum [16]byte
	copy(sum[:], h.md5w.Sum(nil))
	entry.MD5 = sum
	entry.HasMD5 = true
	entry.CRC32 = h.crc32w
	entry.HasCRC32 = true

	a.dataEnd = entry.Offset + uint64(entry.CompressedSize)
	a.dirty = true
	return nil
}

// crc32Update folds more bytes into a running CRC-32 accumulator so Write
// can be called incrementally without re-scanning earlier bytes.
func crc32Update(crc uint32, data []byte) uint32 {
	inv := ^crc
	for _, v := range data {
		inv = crc32Table[(inv^uint32(v))&0xFF] ^ (inv >> 8)
	}
	return ^inv
}
