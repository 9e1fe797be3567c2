// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"crypto"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/binary"
	"strings"
)

// --- flush: regenerate internal files, rebuild tables, write the header ---
// (component D "Save" / component E "Flush", spec.md §4.D, §4.E, §6)

// writeInternalFile (re)writes one of the internal files as a single-unit
// entry, tombstoning any previous copy first so repeated flushes don't
// leave orphaned hash-table slots pointing at stale data.
func (a *Archive) writeInternalFile(name string, data []byte, codec byte) error {
	a.deleteInternalIfExists(name)
	w, err := a.CreateFileWriter(name, uint32(len(data)), fileSingleUnit, localeNeutral)
	if err != nil {
		return err
	}
	if err := w.Write(data, codec); err != nil {
		return err
	}
	return w.Finish()
}

// writeExtTable wraps an HET/BET payload with its 12-byte prefix and
// encrypts it with the given classic-hash key name, per spec.md §4.E.
func writeExtTable(payload []byte, magic uint32, keyName string) []byte {
	enc := append([]byte(nil), payload...)
	encryptBytes(enc, hashString(keyName, hashTypeFileKey))
	out := make([]byte, extTableHeaderSize)
	binary.LittleEndian.PutUint32(out[0:4], magic)
	binary.LittleEndian.PutUint32(out[4:8], 1)
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(payload)))
	return append(out, enc...)
}

// flush implements the Close/Flush write-back sequence: regenerate
// (listfile) and (attributes), plus (signature) when a weak or secure
// signature is pending, rebuild HET/BET when enabled, lay out and write
// the classic hash/block/hi-block tables, write the header, and apply any
// pending signature (spec.md §4.D "Save", §4.E "Flush", §6 "Layout").
func (a *Archive) flush() error {
	origin := a.header.archiveOrigin

	if a.pendingSignature != nil && a.pendingSignature.kind != signStrong {
		size := weakSignatureSize
		if a.pendingSignature.kind == signSecure {
			size = a.pendingSignature.key.Size() + 8
		}
		if err := a.writeInternalFile(internalSignature, make([]byte, size), 0); err != nil {
			return err
		}
	}

	names := a.table.names()
	listfileData := []byte(strings.Join(names, "\r\n"))
	if len(names) > 0 {
		listfileData = append(listfileData, '\r', '\n')
	}
	if err := a.writeInternalFile(internalListfile, listfileData, compressionZlib); err != nil {
		return err
	}

	attrData := buildAttributes(a.table.entries, attributesDefaultFlags)
	if err := a.writeInternalFile(internalAttributes, attrData, compressionZlib); err != nil {
		return err
	}

	a.rebuildHetBet()

	entries := a.table.entries
	bt := make([]blockTableEntry, len(entries))
	hiBlock := make([]hiBlockEntry, len(entries))
	needHi := false
	for i, e := range entries {
		if !e.exists {
			continue
		}
		bt[i] = blockTableEntry{FilePos: uint32(e.Offset), CompressedSize: e.CompressedSize, FileSize: e.UncompressedSize, Flags: e.Flags}
		hiBlock[i] = hiBlockEntry(e.Offset >> 32)
		if e.Offset > 0xFFFFFFFF {
			needHi = true
		}
	}

	cursor := uint64(origin) + a.dataEnd
	var hetBlob, betBlob []byte
	var hetOff, betOff uint64
	if a.table.het != nil {
		hetBlob = writeExtTable(encodeHetTable(a.table.het), hetMagic, "(hash table)")
		hetOff = cursor - uint64(origin)
		if _, err := a.stream.WriteAt(int64(cursor), hetBlob); err != nil {
			return newErr(KindDiskFull, "write het table", "", err)
		}
		cursor += uint64(len(hetBlob))

		betBlob = writeExtTable(encodeBetTable(a.table.bet), betMagic, "(block table)")
		betOff = cursor - uint64(origin)
		if _, err := a.stream.WriteAt(int64(cursor), betBlob); err != nil {
			return newErr(KindDiskFull, "write bet table", "", err)
		}
		cursor += uint64(len(betBlob))
	}

	hashBlob := encodeHashTable(a.table.hashTable)
	encryptBytes(hashBlob, hashString("(hash table)", hashTypeFileKey))
	hashOff := cursor - uint64(origin)
	if _, err := a.stream.WriteAt(int64(cursor), hashBlob); err != nil {
		return newErr(KindDiskFull, "write hash table", "", err)
	}
	cursor += uint64(len(hashBlob))

	blockBlob := encodeBlockTable(bt)
	encryptBytes(blockBlob, hashString("(block table)", hashTypeFileKey))
	blockOff := cursor - uint64(origin)
	if _, err := a.stream.WriteAt(int64(cursor), blockBlob); err != nil {
		return newErr(KindDiskFull, "write block table", "", err)
	}
	cursor += uint64(len(blockBlob))

	var hiOff uint64
	var hiBytes []byte
	if needHi && a.header.FormatVersion >= formatVersion2 {
		hiBytes = make([]byte, len(hiBlock)*2)
		for i, h := range hiBlock {
			binary.LittleEndian.PutUint16(hiBytes[i*2:], uint16(h))
		}
		hiOff = cursor - uint64(origin)
		if _, err := a.stream.WriteAt(int64(cursor), hiBytes); err != nil {
			return newErr(KindDiskFull, "write hi-block table", "", err)
		}
		cursor += uint64(len(hiBytes))
	}

	archiveEnd := cursor

	a.header.setHashTableOffset64(hashOff)
	a.header.HashTableSize = uint32(len(a.table.hashTable))
	a.header.setBlockTableOffset64(blockOff)
	a.header.BlockTableSize = uint32(len(bt))
	if a.header.FormatVersion >= formatVersion2 {
		a.header.HiBlockTableOffset64 = 0
		if needHi {
			a.header.HiBlockTableOffset64 = hiOff
		}
	}
	if a.header.FormatVersion >= formatVersion3 {
		a.header.ArchiveSize64 = archiveEnd - uint64(origin)
		a.header.HetTablePos64 = 0
		a.header.BetTablePos64 = 0
		if a.table.het != nil {
			a.header.HetTablePos64 = hetOff
			a.header.BetTablePos64 = betOff
		}
	} else {
		a.header.ArchiveSize = uint32(archiveEnd - uint64(origin))
	}
	if a.header.FormatVersion >= formatVersion4 {
		a.header.HashTableSize64 = uint64(len(hashBlob))
		a.header.BlockTableSize64 = uint64(len(blockBlob))
		a.header.HiBlockTableSize64 = 0
		if needHi {
			a.header.HiBlockTableSize64 = uint64(len(hiBytes))
		}
		a.header.HetTableSize64 = 0
		a.header.BetTableSize64 = 0
		if a.table.het != nil {
			a.header.HetTableSize64 = uint64(len(hetBlob))
			a.header.BetTableSize64 = uint64(len(betBlob))
		}
		a.header.MD5HashTable = md5Sum(hashBlob)
		a.header.MD5BlockTable = md5Sum(blockBlob)
		if needHi {
			a.header.MD5HiBlockTable = md5Sum(hiBytes)
		}
		if a.table.het != nil {
			a.header.MD5HetTable = md5Sum(hetBlob)
			a.header.MD5BetTable = md5Sum(betBlob)
		}
	}

	var hdrBuf bytes.Buffer
	if err := writeArchiveHeader(&hdrBuf, a.header); err != nil {
		return newErr(KindBadFormat, "write header", "", err)
	}
	hdrBytes := hdrBuf.Bytes()
	if a.header.FormatVersion == formatVersion4 {
		a.header.MD5MpqHeader = md5Sum(hdrBytes[:headerMD5Region])
		hdrBuf.Reset()
		if err := writeArchiveHeader(&hdrBuf, a.header); err != nil {
			return newErr(KindBadFormat, "write header", "", err)
		}
		hdrBytes = hdrBuf.Bytes()
	}
	if _, err := a.stream.WriteAt(origin, hdrBytes); err != nil {
		return newErr(KindDiskFull, "write header", "", err)
	}

	if a.pendingSignature != nil {
		if a.pendingSignature.kind == signStrong {
			if err := a.applyStrongSignature(int64(archiveEnd)); err != nil {
				return err
			}
		} else {
			if err := a.applyInPlaceSignature(); err != nil {
				return err
			}
		}
	}

	a.pendingSignature = nil
	a.dirty = false
	return nil
}

// rebuildHetBet regenerates the HET/BET pair from the current file table
// when the archive was created (or opened) with HET/BET enabled. Entries
// with no recovered Name can't be keyed by Jenkins hash, so an archive
// missing even one name falls back to classic-table-only for this flush.
func (a *Archive) rebuildHetBet() {
	if !a.useHetBet {
		a.table.het = nil
		a.table.bet = nil
		return
	}

	var names []string
	var betIdx []uint32
	var records []betRecord
	var hashes []uint64
	for i := range a.table.entries {
		e := &a.table.entries[i]
		if !e.exists {
			continue
		}
		if e.Name == "" {
			a.table.het = nil
			a.table.bet = nil
			return
		}
		names = append(names, e.Name)
		betIdx = append(betIdx, uint32(i))
		records = append(records, betRecord{FilePos: e.Offset, FileSize: e.UncompressedSize, CompressedSize: e.CompressedSize, FlagIndex: e.Flags})
		hashes = append(hashes, jenkinsHash(e.Name))
	}
	if len(names) == 0 {
		a.table.het = nil
		a.table.bet = nil
		return
	}

	tableSize := uint32(len(names)*4/3 + 1)
	if tableSize < 8 {
		tableSize = 8
	}
	const hashBits = 64
	const betHashBits = hashBits - 1
	a.table.het = buildHetTable(names, betIdx, tableSize, hashBits)
	a.table.bet = buildBetTable(records, hashes, betHashBits)
}

// applyInPlaceSignature computes and writes the weak/secure RSA signature
// into the already-flushed (signature) internal file.
func (a *Archive) applyInPlaceSignature() error {
	entry, ok := a.table.lookup(internalSignature, localeNeutral, lookupAny)
	if !ok {
		return nil
	}
	digest, err := a.weakSignatureDigest(entry, int(entry.UncompressedSize))
	if err != nil {
		return err
	}

	var sigBytes []byte
	if a.pendingSignature.kind == signSecure {
		sum := sha1.Sum(digest[:])
		sigBytes, err = rsa.SignPKCS1v15(rand.Reader, a.pendingSignature.key, crypto.SHA1, sum[:])
	} else {
		sigBytes, err = rsa.SignPKCS1v15(rand.Reader, a.pendingSignature.key, crypto.MD5, digest[:])
	}
	if err != nil {
		return newErr(KindInternalFile, "sign archive", "", err)
	}

	out := make([]byte, 8+len(sigBytes))
	copy(out[8:], sigBytes)
	base := int64(a.header.archiveOrigin) + int64(entry.Offset)
	if _, err := a.stream.WriteAt(base, out); err != nil {
		return newErr(KindDiskFull, "sign archive", "", err)
	}
	return nil
}

// applyStrongSignature appends the NGIS footer after archiveEnd.
func (a *Archive) applyStrongSignature(archiveEnd int64) error {
	digest, err := a.strongSignatureDigest("")
	if err != nil {
		return err
	}
	padded := rsaPad(digest[:], a.pendingSignature.key.Size())
	sigBytes := rsaRawSign(a.pendingSignature.key, padded)
	rev := reverseBytes(sigBytes)

	footer := make([]byte, 4+len(rev))
	binary.LittleEndian.PutUint32(footer[0:4], strongFooterMagic)
	copy(footer[4:], rev)
	if _, err := a.stream.WriteAt(archiveEnd, footer); err != nil {
		return newErr(KindDiskFull, "sign archive", "", err)
	}
	return nil
}
