// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import "encoding/binary"

const bitmapFooterSize = 28

// bitmapStream implements the flat-bitmap overlay: a footer carrying a
// 'ptv3' magic, version, game build, bitmap offset, and block size, with a
// packed bit-per-block availability array preceding it (spec.md §4.A
// "Flat-bitmap overlay"). Missing blocks are fetched into the existing
// sparse-file hole from the master archive.
type bitmapStream struct {
	base      streamProvider
	master    streamProvider
	blockSize int64
	bitmap    *bitArray
	blockCount int64
	dataSize  int64
	footerAt  int64
	bitmapAt  int64
	progress  blockProgressFunc
	dirty     bool
}

func newBitmapStream(base streamProvider, masterPath string, progress blockProgressFunc) (*bitmapStream, error) {
	size, err := base.Size()
	if err != nil {
		return nil, err
	}
	if size < bitmapFooterSize {
		return nil, newErr(KindBadFormat, "open bitmap stream", "", nil)
	}

	footerAt := size - bitmapFooterSize
	footer := make([]byte, bitmapFooterSize)
	if err := readFull(base, footerAt, footer); err != nil {
		return nil, err
	}
	if string(footer[0:4]) != "ptv3" {
		return nil, newErr(KindBadFormat, "open bitmap stream", "", nil)
	}
	bitmapOffHi := binary.LittleEndian.Uint32(footer[12:16])
	bitmapOffLo := binary.LittleEndian.Uint32(footer[16:20])
	blockSize := int64(binary.LittleEndian.Uint32(footer[24:28]))
	if blockSize <= 0 {
		blockSize = defaultSectorSize
	}
	bitmapAt := int64(uint64(bitmapOffHi)<<32 | uint64(bitmapOffLo))

	dataSize := bitmapAt
	blockCount := dataSize / blockSize
	if dataSize%blockSize != 0 {
		blockCount++
	}

	bitmapBytes := bitsToBytes(int(blockCount))
	buf := make([]byte, bitmapBytes)
	if bitmapBytes > 0 {
		if err := readFull(base, bitmapAt, buf); err != nil {
			return nil, err
		}
	}

	bs := &bitmapStream{
		base:       base,
		blockSize:  blockSize,
		bitmap:     wrapBitArray(buf),
		blockCount: blockCount,
		dataSize:   dataSize,
		footerAt:   footerAt,
		bitmapAt:   bitmapAt,
		progress:   progress,
	}
	if masterPath != "" {
		m, err := openStream(masterPath, streamOpenOptions{})
		if err != nil {
			return nil, err
		}
		bs.master = m
	}
	return bs, nil
}

func (s *bitmapStream) present(idx int64) bool {
	return idx < s.blockCount && s.bitmap.getBits(int(idx), 1) == 1
}

func (s *bitmapStream) fetchBlock(idx int64) error {
	if s.master == nil {
		return ErrFileIncomplete
	}
	start := idx * s.blockSize
	want := s.blockSize
	if start+want > s.dataSize {
		want = s.dataSize - start
	}
	buf := make([]byte, want)
	n, err := s.master.ReadAt(start, buf)
	if err != nil && int64(n) != want {
		return ErrFileIncomplete
	}
	if _, err := s.base.WriteAt(start, buf[:n]); err != nil {
		return err
	}
	s.bitmap.setBits(int(idx), 1, 1)
	s.dirty = true
	if s.progress != nil {
		s.progress(start, int64(n))
	}
	return nil
}

func (s *bitmapStream) ReadAt(offset int64, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		idx := (offset + int64(total)) / s.blockSize
		if !s.present(idx) {
			if err := s.fetchBlock(idx); err != nil {
				return total, err
			}
		}
		blockStart := idx * s.blockSize
		inBlock := offset + int64(total) - blockStart
		avail := s.blockSize - inBlock
		want := int64(len(buf) - total)
		if want > avail {
			want = avail
		}
		n, err := s.base.ReadAt(blockStart+inBlock, buf[total:total+int(want)])
		total += n
		if err != nil {
			return total, err
		}
		if int64(n) < want {
			return total, ErrEndOfFile
		}
	}
	if s.progress != nil {
		s.progress(0, 0)
	}
	return total, nil
}

func (s *bitmapStream) WriteAt(offset int64, buf []byte) (int, error) {
	return 0, ErrAccessDenied
}

func (s *bitmapStream) Size() (int64, error) { return s.dataSize, nil }

func (s *bitmapStream) Close() error {
	if s.dirty {
		if _, err := s.base.WriteAt(s.bitmapAt, s.bitmap.buf); err != nil {
			return err
		}
	}
	if s.master != nil {
		s.master.Close()
	}
	return s.base.Close()
}
