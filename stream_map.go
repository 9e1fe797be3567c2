// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"os"

	mmap "github.com/edsrzf/mmap-go"
)

// mapStream is the read-only memory-mapped base provider variant, following
// the edsrzf/mmap-go usage pattern from saferwall-pe (mmap.Map(f, mmap.RDONLY, 0)).
type mapStream struct {
	f *os.File
	m mmap.MMap
}

func newMapStream(path string) (*mapStream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, newErr(KindAccessDenied, "open", path, err)
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, newErr(KindAccessDenied, "mmap", path, err)
	}
	return &mapStream{f: f, m: m}, nil
}

func (s *mapStream) ReadAt(offset int64, buf []byte) (int, error) {
	if offset < 0 || offset > int64(len(s.m)) {
		return 0, ErrEndOfFile
	}
	n := copy(buf, s.m[offset:])
	if n < len(buf) {
		return n, ErrEndOfFile
	}
	return n, nil
}

func (s *mapStream) WriteAt(offset int64, buf []byte) (int, error) {
	return 0, ErrAccessDenied
}

func (s *mapStream) Size() (int64, error) { return int64(len(s.m)), nil }

func (s *mapStream) Close() error {
	if err := s.m.Unmap(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
