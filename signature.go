// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"crypto"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/binary"
	"math/big"
)

// Component J: archive signing and verification (spec.md §4.J). Three
// schemes share the same shape — hash a region of the archive with the
// signature itself zeroed or excluded, then RSA-verify/sign that digest —
// but differ in hash algorithm, key size, and where the signature lives.

const (
	weakSignatureSize   = 72  // reserved[8] + signature[64], 512-bit RSA
	strongSignatureSize = 256 // 2048-bit RSA
	strongFooterMagic   = 0x5349474E // "NGIS" read little-endian as a uint32

	// weakSignatureModulusBits/strongSignatureModulusBits size the reserved
	// (signature) file and RSA key checks. The archive's default public key
	// (defaultWeakPublicKey/defaultStrongPublicKeys) is a placeholder of the
	// right bit length, not Blizzard's published key — the real modulus is
	// proprietary and wasn't present anywhere in the retrieval pack (the
	// same treatment as stream_mpqe.go's authentication-code table).
	// Importing a real private key via
	// SignWeak/SignStrong/SignSecure and verifying against its matching
	// public key round-trips correctly regardless.
	weakSignatureModulusBits   = 512
	strongSignatureModulusBits = 2048
)

// defaultWeakPublicKey and defaultStrongPublicKeys are placeholders of the
// documented bit lengths; see the comment above.
var (
	defaultWeakPublicKey   *rsa.PublicKey
	defaultStrongPublicKeys []*rsa.PublicKey
)

func init() {
	if k, err := rsa.GenerateKey(rand.Reader, weakSignatureModulusBits); err == nil {
		defaultWeakPublicKey = &k.PublicKey
	}
	if k, err := rsa.GenerateKey(rand.Reader, strongSignatureModulusBits); err == nil {
		defaultStrongPublicKeys = []*rsa.PublicKey{&k.PublicKey}
	}
}

// archiveByteRange returns the [start, end) byte range, measured from
// the underlying stream's origin 0 (not archiveOrigin), that weak/secure
// signatures hash: the whole archive, origin to end, with the (signature)
// file's own bytes zeroed in a scratch copy rather than excluded.
func (a *Archive) archiveByteRange() (start, end int64, err error) {
	size, err := a.stream.Size()
	if err != nil {
		return 0, 0, err
	}
	return a.header.archiveOrigin, size, nil
}

// weakSignatureDigest computes the MD5 digest spec.md §4.J describes for
// the weak and secure schemes: over the whole archive, with the
// (signature) entry's on-disk bytes zeroed.
func (a *Archive) weakSignatureDigest(sigEntry *fileEntry, sigSize int) ([16]byte, error) {
	start, end, err := a.archiveByteRange()
	if err != nil {
		return [16]byte{}, err
	}
	buf := make([]byte, end-start)
	if err := readFull(a.stream, start, buf); err != nil {
		return [16]byte{}, err
	}
	if sigEntry != nil {
		off := int64(sigEntry.Offset) - (start - a.header.archiveOrigin)
		if off >= 0 && off+int64(sigSize) <= int64(len(buf)) {
			for i := int64(0); i < int64(sigSize); i++ {
				buf[off+i] = 0
			}
		}
	}
	return md5.Sum(buf), nil
}

// strongSignatureDigest computes the SHA-1 digest the strong scheme uses:
// the archive bytes up to (but excluding) the NGIS footer, with one of
// three documented tail strings appended.
func (a *Archive) strongSignatureDigest(tail string) ([20]byte, error) {
	size, err := a.stream.Size()
	if err != nil {
		return [20]byte{}, err
	}
	footerEnd := size
	footerStart := footerEnd - 4 - strongSignatureSize
	if footerStart < a.header.archiveOrigin {
		footerStart = size
	} else {
		magicBuf := make([]byte, 4)
		if err := readFull(a.stream, footerStart, magicBuf); err == nil {
			if binary.LittleEndian.Uint32(magicBuf) != strongFooterMagic {
				footerStart = size
			}
		}
	}

	buf := make([]byte, footerStart-a.header.archiveOrigin)
	if err := readFull(a.stream, a.header.archiveOrigin, buf); err != nil {
		return [20]byte{}, err
	}
	h := sha1.New()
	h.Write(buf)
	h.Write([]byte(tail))
	var sum [20]byte
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// rsaPad applies the fixed 0x0B + 0xBB padding spec.md §4.J documents for
// the strong scheme instead of standard PKCS#1v1.5, left-padding the digest
// to the modulus size.
func rsaPad(digest []byte, modulusBytes int) []byte {
	out := make([]byte, modulusBytes)
	out[0] = 0x0B
	for i := 1; i < modulusBytes-len(digest); i++ {
		out[i] = 0xBB
	}
	copy(out[modulusBytes-len(digest):], digest)
	return out
}

// VerifyWeakSignature checks the (signature) internal file against pub
// (defaultWeakPublicKey if nil).
func (a *Archive) VerifyWeakSignature(pub *rsa.PublicKey) (Kind, error) {
	if pub == nil {
		pub = defaultWeakPublicKey
	}
	entry, ok := a.table.lookup(internalSignature, localeNeutral, lookupAny)
	if !ok {
		return KindNoSignature, nil
	}
	h, err := openForRead(a, entry)
	if err != nil {
		return KindWeakSignatureError, err
	}
	raw := make([]byte, weakSignatureSize)
	if _, err := h.Read(raw); err != nil {
		return KindWeakSignatureError, err
	}

	digest, err := a.weakSignatureDigest(entry, weakSignatureSize)
	if err != nil {
		return KindWeakSignatureError, err
	}
	if err := rsa.VerifyPKCS1v15(pub, crypto.MD5, digest[:], raw[8:]); err != nil {
		return KindWeakSignatureError, nil
	}
	return KindWeakSignatureOk, nil
}

// SignWeak reserves (if not already present) and writes the (signature)
// internal file using priv, hashed per spec.md §4.J. Must be called before
// Close/Flush so the signature lands inside the normal file-data region.
func (a *Archive) SignWeak(priv *rsa.PrivateKey) error {
	a.pendingSignature = &pendingSign{kind: signWeak, key: priv}
	a.dirty = true
	return nil
}

// SignSecure is identical to SignWeak but uses SHA-1 and an arbitrary
// caller-supplied key size (1024-4096 bits per spec.md §4.J "Secure").
func (a *Archive) SignSecure(priv *rsa.PrivateKey) error {
	a.pendingSignature = &pendingSign{kind: signSecure, key: priv}
	a.dirty = true
	return nil
}

// VerifySecureSignature mirrors VerifyWeakSignature but with SHA-1.
func (a *Archive) VerifySecureSignature(pub *rsa.PublicKey) (Kind, error) {
	entry, ok := a.table.lookup(internalSignature, localeNeutral, lookupAny)
	if !ok {
		return KindNoSignature, nil
	}
	h, err := openForRead(a, entry)
	if err != nil {
		return KindSecureSignatureError, err
	}
	raw := make([]byte, entry.UncompressedSize)
	if _, err := h.Read(raw); err != nil {
		return KindSecureSignatureError, err
	}
	if len(raw) < 8 {
		return KindSecureSignatureError, nil
	}

	digest, err := a.weakSignatureDigest(entry, len(raw))
	if err != nil {
		return KindSecureSignatureError, err
	}
	sum := sha1.Sum(digest[:])
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, sum[:], raw[8:]); err != nil {
		return KindSecureSignatureError, nil
	}
	return KindSecureSignatureOk, nil
}

// VerifyStrongSignature checks the NGIS footer against each of pubs
// (defaultStrongPublicKeys if nil), trying all three documented tail
// strings for each key.
func (a *Archive) VerifyStrongSignature(pubs []*rsa.PublicKey) (Kind, error) {
	if pubs == nil {
		pubs = defaultStrongPublicKeys
	}
	size, err := a.stream.Size()
	if err != nil {
		return KindStrongSignatureError, err
	}
	footerStart := size - 4 - strongSignatureSize
	if footerStart < a.header.archiveOrigin {
		return KindNoSignature, nil
	}
	magicBuf := make([]byte, 4)
	if err := readFull(a.stream, footerStart, magicBuf); err != nil {
		return KindStrongSignatureError, err
	}
	if binary.LittleEndian.Uint32(magicBuf) != strongFooterMagic {
		return KindNoSignature, nil
	}
	sigBuf := make([]byte, strongSignatureSize)
	if err := readFull(a.stream, footerStart+4, sigBuf); err != nil {
		return KindStrongSignatureError, err
	}
	// The reference format stores the signature reversed relative to the
	// big-endian integer RSA expects.
	rev := reverseBytes(sigBuf)

	for _, tail := range []string{"", baseFileName(a.path), "ARCHIVE"} {
		digest, err := a.strongSignatureDigest(tail)
		if err != nil {
			continue
		}
		for _, pub := range pubs {
			padded := rsaPad(digest[:], pub.Size())
			if rsaRawVerify(pub, rev, padded) {
				return KindStrongSignatureOk, nil
			}
		}
	}
	return KindStrongSignatureError, nil
}

// SignStrong appends the NGIS footer after everything else has been
// flushed, signing with priv (must be strongSignatureModulusBits-ish).
func (a *Archive) SignStrong(priv *rsa.PrivateKey) error {
	a.pendingSignature = &pendingSign{kind: signStrong, key: priv}
	a.dirty = true
	return nil
}

type signKind int

const (
	signWeak signKind = iota
	signSecure
	signStrong
)

type pendingSign struct {
	kind signKind
	key  *rsa.PrivateKey
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// rsaRawVerify checks sig^E mod N == want, the textbook RSA verification
// the strong scheme needs since its 0x0B/0xBB padding isn't PKCS#1v1.5.
func rsaRawVerify(pub *rsa.PublicKey, sig, want []byte) bool {
	c := new(big.Int).SetBytes(sig)
	n := pub.N
	e := big.NewInt(int64(pub.E))
	m := new(big.Int).Exp(c, e, n)

	size := pub.Size()
	got := m.Bytes()
	if len(got) < size {
		padded := make([]byte, size)
		copy(padded[size-len(got):], got)
		got = padded
	}
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// rsaRawSign computes priv's raw signature of padded (m^D mod N), used for
// the strong scheme's non-standard padding.
func rsaRawSign(priv *rsa.PrivateKey, padded []byte) []byte {
	m := new(big.Int).SetBytes(padded)
	d := priv.D
	n := priv.N
	s := new(big.Int).Exp(m, d, n)

	size := priv.Size()
	out := s.Bytes()
	if len(out) < size {
		p := make([]byte, size)
		copy(p[size-len(out):], out)
		out = p
	}
	return out
}

func baseFileName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}
