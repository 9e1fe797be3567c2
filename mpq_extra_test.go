// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"crypto/aes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// TestMapStreamProvider exercises the "map:" URL prefix (component A's
// mmap-backed provider, stream_map.go) against an archive written through
// the default flat provider, confirming the two providers agree on content.
func TestMapStreamProvider(t *testing.T) {
	tmpDir := t.TempDir()
	mpqPath := filepath.Join(tmpDir, "mapped.mpq")

	archive, err := Create(mpqPath, 5)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	content := []byte("mmap-backed read path content")
	if err := archive.AddFileBytes("Data\\Mapped.txt", content, fileCompress, localeNeutral); err != nil {
		t.Fatalf("add file: %v", err)
	}
	if err := archive.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}

	mapped, err := Open("map:" + mpqPath)
	if err != nil {
		t.Fatalf("open via map: provider: %v", err)
	}
	defer mapped.Close()

	if !mapped.HasFile("Data\\Mapped.txt") {
		t.Fatalf("file not found through map: provider")
	}
	got, err := mapped.ReadFile("Data\\Mapped.txt")
	if err != nil {
		t.Fatalf("read through map: provider: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}

	if _, err := mapped.stream.WriteAt(0, []byte{0}); err == nil {
		t.Errorf("expected the read-only map provider to reject writes")
	}
}

// TestEncryptedFileRoundTrip adds an encrypted file with its plain name
// known at write time (the common case: the name is still in the table, so
// openForRead derives the key directly rather than detecting it).
func TestEncryptedFileRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	mpqPath := filepath.Join(tmpDir, "encrypted.mpq")

	archive, err := Create(mpqPath, 5)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	content := []byte("this payload is stream-cipher encrypted per spec.md S3.2")
	if err := archive.AddFileBytes("Secret\\Plans.txt", content, fileCompress|fileEncrypted, localeNeutral); err != nil {
		t.Fatalf("add encrypted file: %v", err)
	}
	if err := archive.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}

	readArchive, err := Open(mpqPath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer readArchive.Close()

	got, err := readArchive.ReadFile("Secret\\Plans.txt")
	if err != nil {
		t.Fatalf("read encrypted file: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}
}

// TestEncryptedFileKeyDetection covers read.go:75's detectFileKey fallback:
// once the entry's recovered name is cleared (simulating an archive whose
// (listfile) doesn't mention this entry), ReadFile must still recover the
// file key algebraically from the encrypted sector-offset table, per
// DetectFileKeyBySectorSize in original_source/src/SBaseCommon.c.
func TestEncryptedFileKeyDetection(t *testing.T) {
	tmpDir := t.TempDir()
	mpqPath := filepath.Join(tmpDir, "encrypted_nolistfile.mpq")

	archive, err := Create(mpqPath, 5)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	// Multiple sectors so the sector-offset table (what detectFileKey reads)
	// is more than the single-unit fast path.
	content := make([]byte, 3*defaultSectorSize+17)
	for i := range content {
		content[i] = byte(i * 7)
	}
	if err := archive.AddFileBytes("hidden.dat", content, fileCompress|fileEncrypted, localeNeutral); err != nil {
		t.Fatalf("add encrypted file: %v", err)
	}
	if err := archive.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}

	readArchive, err := Open(mpqPath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer readArchive.Close()

	entry, ok := readArchive.table.lookup("hidden.dat", localeNeutral, lookupAny)
	if !ok {
		t.Fatalf("entry not found before clearing its name")
	}
	if entry.Name == "" {
		t.Fatalf("entry name was not recovered from (listfile); test setup invalid")
	}
	// Simulate a missing (listfile) entry for this file: the hash/block
	// tables still locate it, but openForRead can no longer derive the key
	// directly from entry.Name and must fall through to detectFileKey.
	entry.Name = ""

	got, err := readArchive.ReadFile("hidden.dat")
	if err != nil {
		t.Fatalf("read with key detection: %v", err)
	}
	if len(got) != len(content) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(content))
	}
	for i := range content {
		if got[i] != content[i] {
			t.Fatalf("content mismatch at byte %d: got %d, want %d", i, got[i], content[i])
		}
	}
}

// TestHetBetTable confirms a FormatV3 archive built WithHetBet() loads its
// HET/BET tables (component D/E) on open and that lookups and reads succeed.
// Lookups fall back to the classic hash table when HET misses, so this test
// does not by itself show which table resolved the name.
func TestHetBetTable(t *testing.T) {
	tmpDir := t.TempDir()
	mpqPath := filepath.Join(tmpDir, "hetbet.mpq")

	archive, err := Create(mpqPath, 10, WithFormatVersion(FormatV3), WithHetBet())
	if err != nil {
		t.Fatalf("create V3 HET/BET archive: %v", err)
	}
	content := []byte("het/bet addressed content")
	if err := archive.AddFileBytes("Data\\HetBet.txt", content, fileCompress, localeNeutral); err != nil {
		t.Fatalf("add file: %v", err)
	}
	if err := archive.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}

	readArchive, err := Open(mpqPath)
	if err != nil {
		t.Fatalf("open HET/BET archive: %v", err)
	}
	defer readArchive.Close()

	if readArchive.table.het == nil || readArchive.table.bet == nil {
		t.Fatalf("expected HET/BET tables to be loaded")
	}
	if !readArchive.HasFile("Data\\HetBet.txt") {
		t.Errorf("file not found via HET/BET lookup")
	}
	got, err := readArchive.ReadFile("Data\\HetBet.txt")
	if err != nil {
		t.Fatalf("read via HET/BET: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}
}

// TestSectorCRCDetectsCorruption flips a byte inside a stored sector and
// expects the sector-CRC check (entry.sectorCRC(), read.go) to surface an
// error instead of silently returning corrupted data. The payload is
// pseudo-random so zlib can't shrink it and the write path falls back to
// storing each sector uncompressed (compressSector's no-shrink fallback) —
// that keeps the corrupted byte's position in the on-disk sector known
// exactly, rather than landing inside an opaque deflate stream.
func TestSectorCRCDetectsCorruption(t *testing.T) {
	tmpDir := t.TempDir()
	mpqPath := filepath.Join(tmpDir, "crc.mpq")

	archive, err := Create(mpqPath, 5)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	content := make([]byte, defaultSectorSize+100)
	seed := uint32(0x2545F491)
	for i := range content {
		seed = seed*1664525 + 1013904223
		content[i] = byte(seed >> 24)
	}
	if err := archive.AddFileBytes("Data\\Checked.bin", content, fileCompress|fileSectorCRC, localeNeutral); err != nil {
		t.Fatalf("add file with sector CRC: %v", err)
	}
	if err := archive.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}

	probe, err := Open(mpqPath)
	if err != nil {
		t.Fatalf("open archive to locate entry: %v", err)
	}
	entry, ok := probe.table.lookup("Data\\Checked.bin", localeNeutral, lookupAny)
	if !ok {
		t.Fatalf("entry not found")
	}
	sectorCount := (len(content) + defaultSectorSize - 1) / defaultSectorSize
	tableLen := int64((sectorCount + 1 + 1) * 4) // +1 for the CRC trailer offset entry
	target := int64(probe.header.archiveOrigin) + int64(entry.Offset) + tableLen + 5
	if err := probe.Close(); err != nil {
		t.Fatalf("close probe: %v", err)
	}

	f, err := os.OpenFile(mpqPath, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("open archive file for corruption: %v", err)
	}
	var b [1]byte
	if _, err := f.ReadAt(b[:], target); err != nil {
		t.Fatalf("read byte to corrupt: %v", err)
	}
	b[0] ^= 0xFF
	if _, err := f.WriteAt(b[:], target); err != nil {
		t.Fatalf("write corrupted byte: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close corrupted file: %v", err)
	}

	readArchive, err := Open(mpqPath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer readArchive.Close()

	if _, err := readArchive.ReadFile("Data\\Checked.bin"); err == nil {
		t.Errorf("expected corrupted sector to fail CRC check")
	}
}

// TestLZMACodecRoundTrip exercises the non-zlib ulikunitz/xz/lzma sector
// codec end to end through CreateFileWriter/Write/Finish and ReadFile.
func TestLZMACodecRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	mpqPath := filepath.Join(tmpDir, "lzma.mpq")

	archive, err := Create(mpqPath, 5)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	content := []byte("LZMA-compressed sector payload, repeated. LZMA-compressed sector payload, repeated.")
	w, err := archive.CreateFileWriter("Data\\Lzma.txt", uint32(len(content)), fileCompress, localeNeutral)
	if err != nil {
		t.Fatalf("create file writer: %v", err)
	}
	if err := w.Write(content, compressionLZMA); err != nil {
		t.Fatalf("write lzma sector: %v", err)
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("finish lzma write: %v", err)
	}
	if err := archive.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}

	readArchive, err := Open(mpqPath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer readArchive.Close()

	got, err := readArchive.ReadFile("Data\\Lzma.txt")
	if err != nil {
		t.Fatalf("read lzma file: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}
}

// TestRenameFile confirms RenameFile moves content to the new name, removes
// the old name, and re-derives the encryption key under the new name for an
// encrypted entry rather than carrying the old key forward.
func TestRenameFile(t *testing.T) {
	tmpDir := t.TempDir()
	mpqPath := filepath.Join(tmpDir, "rename.mpq")

	archive, err := Create(mpqPath, 5)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	content := []byte("renameable encrypted content")
	if err := archive.AddFileBytes("Old\\Name.txt", content, fileCompress|fileEncrypted, localeNeutral); err != nil {
		t.Fatalf("add file: %v", err)
	}
	if err := archive.RenameFile("Old\\Name.txt", "New\\Name.txt", localeNeutral); err != nil {
		t.Fatalf("rename file: %v", err)
	}
	if err := archive.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}

	readArchive, err := Open(mpqPath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer readArchive.Close()

	if readArchive.HasFile("Old\\Name.txt") {
		t.Errorf("old name still present after rename")
	}
	if !readArchive.HasFile("New\\Name.txt") {
		t.Fatalf("new name missing after rename")
	}
	got, err := readArchive.ReadFile("New\\Name.txt")
	if err != nil {
		t.Fatalf("read renamed file: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}
}

// TestPatchChainWoWPrefix covers §4.H's locale-prefix derivation: a patch
// archive carrying "base\(patch_metadata)" is resolved as WoW-style
// locale-prefixed, with the prefix picked from whichever "<code>-md5.lst"
// file the base archive exposes, per derivePatchPrefix/FindPatchPrefix.
func TestPatchChainWoWPrefix(t *testing.T) {
	tmpDir := t.TempDir()

	basePath := filepath.Join(tmpDir, "base.mpq")
	base, err := Create(basePath, 10)
	if err != nil {
		t.Fatalf("create base: %v", err)
	}
	if err := base.AddFileBytes("enGB-md5.lst", []byte("md5 index"), fileCompress, localeNeutral); err != nil {
		t.Fatalf("add base md5 index: %v", err)
	}
	baseContent := []byte("base quest text v1")
	if err := base.AddFileBytes("Data\\Quest.txt", baseContent, fileCompress, localeNeutral); err != nil {
		t.Fatalf("add base file: %v", err)
	}
	if err := base.Close(); err != nil {
		t.Fatalf("close base: %v", err)
	}

	patchPath := filepath.Join(tmpDir, "patch.mpq")
	patch, err := Create(patchPath, 10)
	if err != nil {
		t.Fatalf("create patch: %v", err)
	}
	if err := patch.AddFileBytes("base\\"+patchMetadataName, []byte{}, fileCompress, localeNeutral); err != nil {
		t.Fatalf("add patch metadata marker: %v", err)
	}
	newContent := []byte("base quest text v2, now in English (Great Britain)")
	patchPayload := append([]byte(patchFormatCopy), newContent...)
	if err := patch.AddFileBytes("enGB\\Data\\Quest.txt", patchPayload, fileCompress|filePatchFile, localeNeutral); err != nil {
		t.Fatalf("add locale-prefixed patch file: %v", err)
	}
	if err := patch.Close(); err != nil {
		t.Fatalf("close patch: %v", err)
	}

	chain, err := OpenPatchChain([]string{basePath, patchPath})
	if err != nil {
		t.Fatalf("open patch chain: %v", err)
	}
	defer chain.Close()

	if chain.prefixes[1] != "enGB\\" {
		t.Fatalf("derived prefix = %q, want %q", chain.prefixes[1], "enGB\\")
	}

	got, err := chain.ReadFile("Data\\Quest.txt")
	if err != nil {
		t.Fatalf("read patched file: %v", err)
	}
	if string(got) != string(newContent) {
		t.Errorf("patched content mismatch: got %q, want %q", got, newContent)
	}
}

// TestWholeFileAnubisCipher exercises the blockcipher.go ciphertext-stealing
// overlay end to end. A real Anubis/Serpent implementation is out of scope
// per spec.md S1's "invoked as named algorithms with standard contracts";
// this substitutes any crypto/cipher.Block to prove the CTS chaining mode
// itself (write -> read round trip over a length that isn't a multiple of
// the block size, exercising the stolen final block).
func TestWholeFileAnubisCipher(t *testing.T) {
	tmpDir := t.TempDir()
	mpqPath := filepath.Join(tmpDir, "anubis.mpq")

	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("create stand-in cipher: %v", err)
	}

	archive, err := Create(mpqPath, 5, WithAnubisCipherWrite(block))
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	content := []byte("whole-file block cipher overlay content, not block aligned")
	if err := archive.AddFileBytes("Data\\Overlay.bin", content, fileCompress|fileAnubis, localeNeutral); err != nil {
		t.Fatalf("add anubis-flagged file: %v", err)
	}
	if err := archive.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}

	readArchive, err := Open(mpqPath, WithAnubisCipher(block))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer readArchive.Close()

	got, err := readArchive.ReadFile("Data\\Overlay.bin")
	if err != nil {
		t.Fatalf("read anubis-flagged file: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}
}

// TestWholeFileCipherMissingReturnsNotSupported confirms an Anubis/Serpent
// flagged entry fails closed (KindNotSupported) rather than silently
// skipping the overlay when the caller never supplied a cipher.Block.
func TestWholeFileCipherMissingReturnsNotSupported(t *testing.T) {
	tmpDir := t.TempDir()
	mpqPath := filepath.Join(tmpDir, "anubis_missing.mpq")

	archive, err := Create(mpqPath, 5)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	if err := archive.AddFileBytes("Data\\Overlay.bin", []byte("content"), fileCompress|fileAnubis, localeNeutral); !errors.Is(err, ErrNotSupported) {
		t.Errorf("expected adding an anubis-flagged file with no cipher configured to fail with KindNotSupported, got %v", err)
	}
	archive.Close()
}
