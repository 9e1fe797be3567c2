// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPatchChainCopyPatch(t *testing.T) {
	tmpDir := t.TempDir()

	basePath := filepath.Join(tmpDir, "base.mpq")
	base, err := Create(basePath, 10)
	if err != nil {
		t.Fatalf("create base: %v", err)
	}
	baseContent := []byte("base content v1")
	if err := base.AddFileBytes("Data\\File.txt", baseContent, fileCompress, localeNeutral); err != nil {
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
	newContent := []byte("patched content v2")
	patchPayload := append([]byte(patchFormatCopy), newContent...)
	if err := patch.AddFileBytes("Data\\File.txt", patchPayload, fileCompress|filePatchFile, localeNeutral); err != nil {
		t.Fatalf("add patch file: %v", err)
	}
	if err := patch.Close(); err != nil {
		t.Fatalf("close patch: %v", err)
	}

	chain, err := OpenPatchChain([]string{basePath, patchPath})
	if err != nil {
		t.Fatalf("open patch chain: %v", err)
	}
	defer chain.Close()

	got, err := chain.ReadFile("Data\\File.txt")
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if string(got) != string(newContent) {
		t.Errorf("patched content mismatch: got %q, want %q", got, newContent)
	}
}

func TestPatchChainDeleteMarker(t *testing.T) {
	tmpDir := t.TempDir()

	basePath := filepath.Join(tmpDir, "base.mpq")
	base, err := Create(basePath, 10)
	if err != nil {
		t.Fatalf("create base: %v", err)
	}
	if err := base.AddFileBytes("Data\\Gone.txt", []byte("will be removed"), fileCompress, localeNeutral); err != nil {
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
	if err := patch.AddDeleteMarker("Data\\Gone.txt"); err != nil {
		t.Fatalf("add delete marker: %v", err)
	}
	if err := patch.Close(); err != nil {
		t.Fatalf("close patch: %v", err)
	}

	chain, err := OpenPatchChain([]string{basePath, patchPath})
	if err != nil {
		t.Fatalf("open patch chain: %v", err)
	}
	defer chain.Close()

	// HasFile reports the entry exists (as a delete marker); ReadFile is what
	// resolves the deletion.
	if !chain.HasFile("Data\\Gone.txt") {
		t.Errorf("expected HasFile to see the delete-marker entry")
	}
	if _, err := chain.ReadFile("Data\\Gone.txt"); err == nil {
		t.Errorf("expected read of deleted file to fail")
	}
}

func TestApplyBSDiffRoundTrip(t *testing.T) {
	source := []byte("the quick brown fox jumps over the lazy dog")
	target := []byte("the quick brown fox leaps over one lazy dog")

	// A minimal hand-built BSDIFF40 delta: one control record copying the
	// whole source forward with a byte-wise add, no extra block.
	addLen := len(target)
	ctrl := make([]byte, 12)
	putU32LE(ctrl[0:4], uint32(addLen))
	putU32LE(ctrl[4:8], 0)
	putU32LE(ctrl[8:12], 0)

	data := make([]byte, addLen)
	for i := range data {
		var s byte
		if i < len(source) {
			s = source[i]
		}
		data[i] = target[i] - s
	}

	header := make([]byte, bsdiffHeaderSize)
	copy(header[0:8], bsdiffMagic)
	putU64LE(header[8:16], uint64(len(ctrl)))
	putU64LE(header[16:24], uint64(len(data)))
	putU64LE(header[24:32], uint64(len(target)))

	payload := append([]byte(patchFormatBSD0), header...)
	payload = append(payload, ctrl...)
	payload = append(payload, data...)

	out, err := applyPatch(payload, source)
	if err != nil {
		t.Fatalf("applyPatch: %v", err)
	}
	if string(out) != string(target) {
		t.Errorf("bsdiff round-trip mismatch: got %q, want %q", out, target)
	}
}

func putU32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putU64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func TestOpenPatchChainFailureClosesOpenedArchives(t *testing.T) {
	tmpDir := t.TempDir()

	goodPath := filepath.Join(tmpDir, "good.mpq")
	good, err := Create(goodPath, 5)
	if err != nil {
		t.Fatalf("create good archive: %v", err)
	}
	if err := good.Close(); err != nil {
		t.Fatalf("close good archive: %v", err)
	}

	missingPath := filepath.Join(tmpDir, "missing.mpq")
	os.Remove(missingPath)

	if _, err := OpenPatchChain([]string{goodPath, missingPath}); err == nil {
		t.Fatalf("expected OpenPatchChain to fail on missing archive")
	}
}
