// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"

	"gitlab.com/yawning/chacha20.git"
)

const mpqeChunkSize = 64

// mpqeAuthCodes are the authentication codes MPQE-protected archives are
// keyed against, tried in order (spec.md §4.A "MPQE whole-archive cipher").
// Real client auth codes are proprietary per game release; the list holds a
// single stand-in value of the right shape (16 bytes), and no option
// replaces or extends it.
var mpqeAuthCodes = [][]byte{
	{0x6D, 0x70, 0x71, 0x65, 0x61, 0x75, 0x74, 0x68, 0x30, 0x31, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
}

// mpqeStream is the read-only whole-archive cipher overlay. The first
// 64-byte chunk, decrypted under the correct authentication code, must
// produce bytes beginning with the MPQ header's ASCII signature; every
// later 64-byte chunk is decrypted independently, keyed on its chunk index.
type mpqeStream struct {
	base streamProvider
	key  []byte
}

func newMPQEStream(base streamProvider) (*mpqeStream, error) {
	first := make([]byte, mpqeChunkSize)
	if err := readFull(base, 0, first); err != nil {
		return nil, err
	}

	for _, code := range mpqeAuthCodes {
		plain, err := mpqeDecryptChunk(code, 0, first)
		if err != nil {
			continue
		}
		if binary.LittleEndian.Uint32(plain[0:4]) == mpqMagic || binary.LittleEndian.Uint32(plain[0:4]) == userDataMagic {
			return &mpqeStream{base: base, key: code}, nil
		}
	}
	return nil, newErr(KindUnknownFileKey, "open mpqe stream", "", nil)
}

// mpqeDecryptChunk decrypts one 64-byte chunk with a ChaCha20 block keyed on
// the authentication code and the chunk index (used in place of a nonce),
// matching the "round function over 16 32-bit words keyed on chunk index"
// contract. Wired to gitlab.com/yawning/chacha20.git, the ChaCha20 primitive
// present in the pack (other_examples/manifests/fengxuway-chacha20).
func mpqeDecryptChunk(key []byte, chunkIndex uint64, data []byte) ([]byte, error) {
	nonce := make([]byte, 8)
	binary.LittleEndian.PutUint64(nonce, chunkIndex)

	k := make([]byte, 32)
	copy(k, key)

	c, err := chacha20.NewCipher(k, nonce)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out, nil
}

func (s *mpqeStream) ReadAt(offset int64, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		chunkIdx := (offset + int64(total)) / mpqeChunkSize
		chunkStart := chunkIdx * mpqeChunkSize

		raw := make([]byte, mpqeChunkSize)
		n, err := s.base.ReadAt(chunkStart, raw)
		if n == 0 && err != nil {
			return total, err
		}
		raw = raw[:n]

		plain, err := mpqeDecryptChunk(s.key, uint64(chunkIdx), raw)
		if err != nil {
			return total, err
		}

		inChunk := offset + int64(total) - chunkStart
		if inChunk >= int64(len(plain)) {
			return total, ErrEndOfFile
		}
		want := int64(len(buf) - total)
		avail := int64(len(plain)) - inChunk
		if want > avail {
			want = avail
		}
		copy(buf[total:total+int(want)], plain[inChunk:inChunk+want])
		total += int(want)
		if int64(n) < mpqeChunkSize {
			if total < len(buf) {
				return total, ErrEndOfFile
			}
		}
	}
	return total, nil
}

func (s *mpqeStream) WriteAt(offset int64, buf []byte) (int, error) {
	return 0, ErrAccessDenied
}

func (s *mpqeStream) Size() (int64, error) { return s.base.Size() }

func (s *mpqeStream) Close() error { return s.base.Close() }
