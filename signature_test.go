// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"crypto/rand"
	"crypto/rsa"
	"path/filepath"
	"testing"
)

func TestWeakSignatureRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	mpqPath := filepath.Join(tmpDir, "signed.mpq")

	priv, err := rsa.GenerateKey(rand.Reader, 512)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	archive, err := Create(mpqPath, 5)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	if err := archive.AddFileBytes("Data\\File.txt", []byte("signed payload"), fileCompress, localeNeutral); err != nil {
		t.Fatalf("add file: %v", err)
	}
	if err := archive.SignWeak(priv); err != nil {
		t.Fatalf("sign weak: %v", err)
	}
	if err := archive.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}

	reopened, err := Open(mpqPath)
	if err != nil {
		t.Fatalf("reopen archive: %v", err)
	}
	defer reopened.Close()

	kind, err := reopened.VerifyWeakSignature(&priv.PublicKey)
	if err != nil {
		t.Fatalf("verify weak signature: %v", err)
	}
	if kind != KindWeakSignatureOk {
		t.Errorf("expected signature to verify OK, got %v", kind)
	}

	otherKey, err := rsa.GenerateKey(rand.Reader, 512)
	if err != nil {
		t.Fatalf("generate other key: %v", err)
	}
	if kind, _ := reopened.VerifyWeakSignature(&otherKey.PublicKey); kind == KindWeakSignatureOk {
		t.Errorf("signature verified against the wrong key")
	}
}
