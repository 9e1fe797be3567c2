// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"io"

	"github.com/ulikunitz/xz/lzma"
)

// lzmaCompress and lzmaDecompress wire github.com/ulikunitz/xz/lzma, the
// LZMA implementation present in the pack (other_examples manifest for
// ZaparooProject-go-gameid), for the SC2-era LZMA sector codec.

func lzmaCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, newErr(KindNotSupported, "lzma compress", "", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, newErr(KindNotSupported, "lzma compress", "", err)
	}
	if err := w.Close(); err != nil {
		return nil, newErr(KindNotSupported, "lzma compress", "", err)
	}
	return buf.Bytes(), nil
}

func lzmaDecompress(data []byte, uncompressedSize uint32) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, newErr(KindFileCorrupt, "lzma decompress", "", err)
	}
	result := make([]byte, uncompressedSize)
	n, err := io.ReadFull(r, result)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, newErr(KindFileCorrupt, "lzma decompress", "", err)
	}
	return result[:n], nil
}
