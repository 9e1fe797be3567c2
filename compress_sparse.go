// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

// Sparse/RLE sector codec (SC2+). spec.md §1 scopes codec internals as pure
// byte-array transforms without a specified wire format, so this is an
// original, symmetric run-length scheme tuned for the zero-heavy sparse
// data the format targets: runs of zero bytes are tokenized, runs of
// non-zero bytes are copied literally, each prefixed with a varint length.

func sparseCompress(data []byte) []byte {
	var out []byte
	i := 0
	for i < len(data) {
		if data[i] == 0 {
			j := i
			for j < len(data) && data[j] == 0 {
				j++
			}
			out = append(out, 0x00)
			out = appendVarint(out, uint64(j-i))
			i = j
			continue
		}
		j := i
		for j < len(data) && data[j] != 0 {
			j++
		}
		out = append(out, 0x01)
		out = appendVarint(out, uint64(j-i))
		out = append(out, data[i:j]...)
		i = j
	}
	return out
}

func sparseDecompress(data []byte, uncompressedSize uint32) ([]byte, error) {
	out := make([]byte, 0, uncompressedSize)
	pos := 0
	for pos < len(data) {
		tag := data[pos]
		pos++
		n, adv, ok := readVarint(data[pos:])
		if !ok {
			return nil, newErr(KindFileCorrupt, "sparse decompress", "", nil)
		}
		pos += adv
		switch tag {
		case 0x00:
			out = append(out, make([]byte, n)...)
		case 0x01:
			if pos+int(n) > len(data) {
				return nil, newErr(KindFileCorrupt, "sparse decompress", "", nil)
			}
			out = append(out, data[pos:pos+int(n)]...)
			pos += int(n)
		default:
			return nil, newErr(KindFileCorrupt, "sparse decompress", "", nil)
		}
	}
	if uint32(len(out)) > uncompressedSize {
		out = out[:uncompressedSize]
	}
	return out, nil
}

func appendVarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func readVarint(buf []byte) (value uint64, consumed int, ok bool) {
	var shift uint
	for i, b := range buf {
		value |= uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			return value, i + 1, true
		}
		shift += 7
		if shift > 63 {
			return 0, 0, false
		}
	}
	return 0, 0, false
}
