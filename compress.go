// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"compress/bzip2"
	"compress/zlib"
	"fmt"
	"io"

	kzlib "github.com/klauspost/compress/zlib"
)

// Compression type constants. A single byte prefixes compressed sector data;
// it is either one of these exact values or a bitmask combining several
// (multi-compression), decoded by decompressData in reverse application order.
const (
	compressionHuffman   = 0x01
	compressionZlib      = 0x02
	compressionPKWare    = 0x08
	compressionBzip2     = 0x10
	compressionSparse    = 0x20
	compressionADPCMMono = 0x40
	compressionADPCM     = 0x80
	compressionLZMA      = 0x12
)

// compressData compresses data with the given method byte, used by the
// write engine (component G) for a single sector's codec choice. Zlib
// encoding is done with klauspost/compress (used across the pack, e.g.
// ZaparooProject-go-gameid, perkeep-perkeep, rclone-rclone); decompressZlib
// decodes with the stdlib compress/zlib reader.
func compressData(data []byte, method byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(method)

	switch method {
	case compressionZlib:
		w, err := kzlib.NewWriterLevel(&buf, kzlib.BestCompression)
		if err != nil {
			return nil, fmt.Errorf("create zlib writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("zlib write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("zlib close: %w", err)
		}
	case compressionLZMA:
		compressed, err := lzmaCompress(data)
		if err != nil {
			return nil, err
		}
		buf.Write(compressed)
	case compressionSparse:
		buf.Write(sparseCompress(data))
	case compressionPKWare:
		buf.Write(compressPKWare(data))
	case compressionBzip2:
		return nil, newErr(KindNotSupported, "compress", "", nil)
	default:
		return nil, newErr(KindNotSupported, "compress", "", nil)
	}

	return buf.Bytes(), nil
}

// decompressData decompresses MPQ-compressed data. The first byte is a
// method selector, either a single codec or a bitmask of several applied in
// the order Sparse -> (primary: zlib/bzip2/pkware/lzma) -> Huffman -> ADPCM
// when compressing, so decompression runs the reverse: ADPCM -> Huffman ->
// primary -> Sparse. PKWARE-implode data carries no method byte at all (its
// own stream self-describes); callers that know a block is pure-implode
// should call decompressPKWare directly instead of through this dispatcher.
func decompressData(data []byte, uncompressedSize uint32) ([]byte, error) {
	if len(data) == 0 {
		return nil, newErr(KindFileCorrupt, "decompress", "", nil)
	}

	method := data[0]
	result := data[1:]

	if method == compressionZlib {
		return decompressZlib(result, uncompressedSize)
	}
	if method == compressionBzip2 {
		return decompressBzip2(result, uncompressedSize)
	}
	if method == compressionLZMA {
		return lzmaDecompress(result, uncompressedSize)
	}
	if method == compressionPKWare {
		return decompressPKWare(result, uncompressedSize)
	}
	if method == compressionSparse {
		return sparseDecompress(result, uncompressedSize)
	}

	var err error
	if method&compressionADPCM != 0 {
		result, err = adpcmDecompress(result, uncompressedSize, 2)
		if err != nil {
			return nil, err
		}
	} else if method&compressionADPCMMono != 0 {
		result, err = adpcmDecompress(result, uncompressedSize, 1)
		if err != nil {
			return nil, err
		}
	}

	if method&compressionHuffman != 0 {
		result, err = huffmanDecompress(result, uncompressedSize)
		if err != nil {
			return nil, err
		}
	}

	if method&compressionBzip2 != 0 {
		result, err = decompressBzip2(result, uncompressedSize)
		if err != nil {
			return nil, err
		}
	} else if method&compressionZlib != 0 {
		result, err = decompressZlib(result, uncompressedSize)
		if err != nil {
			return nil, err
		}
	} else if method&compressionPKWare != 0 {
		result, err = decompressPKWare(result, uncompressedSize)
		if err != nil {
			return nil, err
		}
	}

	if method&compressionSparse != 0 {
		result, err = sparseDecompress(result, uncompressedSize)
		if err != nil {
			return nil, err
		}
	}

	if len(result) == 0 && uncompressedSize != 0 {
		return nil, newErr(KindNotSupported, "decompress", fmt.Sprintf("method 0x%02X", method), nil)
	}
	return result, nil
}

func decompressZlib(data []byte, uncompressedSize uint32) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, newErr(KindFileCorrupt, "zlib decompress", "", err)
	}
	defer r.Close()

	result := make([]byte, uncompressedSize)
	n, err := io.ReadFull(r, result)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, newErr(KindFileCorrupt, "zlib decompress", "", err)
	}
	return result[:n], nil
}

func decompressBzip2(data []byte, uncompressedSize uint32) ([]byte, error) {
	r := bzip2.NewReader(bytes.NewReader(data))

	result := make([]byte, uncompressedSize)
	n, err := io.ReadFull(r, result)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, newErr(KindFileCorrupt, "bzip2 decompress", "", err)
	}
	return result[:n], nil
}

// huffmanDecompress is not implemented: decompressData calls it for every
// method byte with the Huffman bit set, including the ADPCM+Huffman
// combination, and it always fails with KindNotSupported.
func huffmanDecompress(data []byte, uncompressedSize uint32) ([]byte, error) {
	return nil, newErr(KindNotSupported, "huffman decompress", "", nil)
}
