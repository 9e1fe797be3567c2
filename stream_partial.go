// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"
)

const (
	partialMagic       = 0x696E666F // arbitrary per-format magic, matched on read only by version+size sanity
	partialHeaderSize  = 16
	partialEntrySize   = 20
)

// partialBlockEntry is one 20-byte block-map record.
type partialBlockEntry struct {
	Flags     uint32
	OffsetHi  uint32
	OffsetLo  uint32
	Reserved  [8]byte
}

func (e partialBlockEntry) present() bool  { return e.Flags&3 == 3 }
func (e partialBlockEntry) offset() uint64 { return uint64(e.OffsetHi)<<32 | uint64(e.OffsetLo) }

// partialStream implements the `part-` overlay: a local sparse file backed
// by a block-availability map, falling back to a master archive for blocks
// not yet downloaded (spec.md §4.A "Partial overlay").
type partialStream struct {
	base       streamProvider
	master     streamProvider
	blockSize  int64
	fileSize   int64
	entries    []partialBlockEntry
	mapOffset  int64 // byte offset of the block map within base
	progress   blockProgressFunc
	dirty      bool
}

func newPartialStream(base streamProvider, masterPath string, progress blockProgressFunc) (*partialStream, error) {
	hdr := make([]byte, partialHeaderSize)
	if err := readFull(base, 0, hdr); err != nil {
		return nil, err
	}
	version := binary.LittleEndian.Uint32(hdr[4:8])
	if version != 2 {
		return nil, newErr(KindBadFormat, "open partial stream", "", nil)
	}
	fileSizeHi := binary.LittleEndian.Uint32(hdr[8:12])
	_ = fileSizeHi
	blockSize := int64(binary.LittleEndian.Uint32(hdr[12:16]))
	if blockSize <= 0 {
		blockSize = defaultSectorSize
	}

	size, err := base.Size()
	if err != nil {
		return nil, err
	}

	ps := &partialStream{
		base:      base,
		blockSize: blockSize,
		mapOffset: partialHeaderSize,
		progress:  progress,
	}

	if masterPath != "" {
		m, err := openStream(masterPath, streamOpenOptions{})
		if err != nil {
			return nil, err
		}
		ps.master = m
	}

	// Block map entries occupy the space between the header and the first
	// present block's stored offset; until that's known we load entries
	// lazily by growth as blocks are discovered present, matching the
	// reference behavior of treating the map as append-only metadata.
	entryBytes := size - partialHeaderSize
	count := entryBytes / partialEntrySize
	if count < 0 {
		count = 0
	}
	ps.entries = make([]partialBlockEntry, count)
	for i := range ps.entries {
		off := ps.mapOffset + int64(i)*partialEntrySize
		buf := make([]byte, partialEntrySize)
		if err := readFull(base, off, buf); err != nil {
			break
		}
		ps.entries[i] = partialBlockEntry{
			Flags:    binary.LittleEndian.Uint32(buf[0:4]),
			OffsetHi: binary.LittleEndian.Uint32(buf[4:8]),
			OffsetLo: binary.LittleEndian.Uint32(buf[8:12]),
		}
	}
	ps.fileSize = int64(len(ps.entries)) * blockSize

	return ps, nil
}

func (s *partialStream) blockIndex(offset int64) int64 { return offset / s.blockSize }

// fetchBlock pulls a missing block from the master archive and writes it
// into the local sparse file at the first free offset past end-of-file,
// then updates the in-memory map. Flushed to disk on Close.
func (s *partialStream) fetchBlock(idx int64) error {
	if s.master == nil {
		return ErrFileIncomplete
	}
	start := idx * s.blockSize
	buf := make([]byte, s.blockSize)
	n, err := s.master.ReadAt(start, buf)
	if err != nil && n == 0 {
		return ErrFileIncomplete
	}
	buf = buf[:n]

	appendOffset, err := s.base.Size()
	if err != nil {
		return err
	}
	if _, err := s.base.WriteAt(appendOffset, buf); err != nil {
		return err
	}

	if int(idx) >= len(s.entries) {
		grown := make([]partialBlockEntry, idx+1)
		copy(grown, s.entries)
		s.entries = grown
	}
	s.entries[idx] = partialBlockEntry{Flags: 3, OffsetHi: uint32(appendOffset >> 32), OffsetLo: uint32(appendOffset)}
	s.dirty = true

	if s.progress != nil {
		s.progress(start, int64(n))
	}
	return nil
}

func (s *partialStream) ReadAt(offset int64, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		idx := s.blockIndex(offset + int64(total))
		if int(idx) >= len(s.entries) || !s.entries[idx].present() {
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
		n, err := s.base.ReadAt(s.entries[idx].offset()+inBlock, buf[total:total+int(want)])
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

func (s *partialStream) WriteAt(offset int64, buf []byte) (int, error) {
	return 0, ErrAccessDenied
}

func (s *partialStream) Size() (int64, error) { return s.fileSize, nil }

func (s *partialStream) Close() error {
	if s.dirty {
		for i, e := range s.entries {
			off := s.mapOffset + int64(i)*partialEntrySize
			buf := make([]byte, partialEntrySize)
			binary.LittleEndian.PutUint32(buf[0:4], e.Flags)
			binary.LittleEndian.PutUint32(buf[4:8], e.OffsetHi)
			binary.LittleEndian.PutUint32(buf[8:12], e.OffsetLo)
			if _, err := s.base.WriteAt(off, buf); err != nil {
				return err
			}
		}
	}
	if s.master != nil {
		s.master.Close()
	}
	return s.base.Close()
}
