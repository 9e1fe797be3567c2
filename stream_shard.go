// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"fmt"
	"os"
)

const (
	shardBlockPayload = 16384
	shardMD5TailSize  = 32
	shardBlockOnDisk  = shardBlockPayload + shardMD5TailSize
	shardMaxBlocks    = 8192
	shardMaxCount     = 30
)

// shardStream is the read-only block-4 sharded base provider: the logical
// stream is the concatenation of up to 30 numbered files name.0, name.1, …
// (spec.md §4.A "Block-4 shard").
type shardStream struct {
	files []*os.File
	sizes []int64
}

func newShardStream(basePath string) (*shardStream, error) {
	s := &shardStream{}
	for i := 0; i < shardMaxCount; i++ {
		path := fmt.Sprintf("%s.%d", basePath, i)
		f, err := os.Open(path)
		if err != nil {
			if i == 0 {
				return nil, newErr(KindAccessDenied, "open shard stream", path, err)
			}
			break
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		s.files = append(s.files, f)
		s.sizes = append(s.sizes, fi.Size())
	}
	return s, nil
}

// translate maps a logical payload offset to (shardIndex, onDiskOffset).
func (s *shardStream) translate(offset int64) (int, int64) {
	blockIdx := offset / shardBlockPayload
	blockOff := offset % shardBlockPayload
	shardIdx := int(blockIdx / shardMaxBlocks)
	blockInShard := blockIdx % shardMaxBlocks
	onDisk := blockInShard*shardBlockOnDisk + blockOff
	return shardIdx, onDisk
}

func (s *shardStream) ReadAt(offset int64, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		logical := offset + int64(total)
		shardIdx, onDisk := s.translate(logical)
		if shardIdx >= len(s.files) {
			return total, ErrEndOfFile
		}

		blockOff := logical % shardBlockPayload
		availInBlock := shardBlockPayload - blockOff
		want := int64(len(buf) - total)
		if want > availInBlock {
			want = availInBlock
		}

		n, err := s.files[shardIdx].ReadAt(buf[total:total+int(want)], onDisk)
		total += n
		if err != nil || int64(n) < want {
			return total, ErrEndOfFile
		}
	}
	return total, nil
}

func (s *shardStream) WriteAt(offset int64, buf []byte) (int, error) {
	return 0, ErrAccessDenied
}

func (s *shardStream) Size() (int64, error) {
	var total int64
	for i, sz := range s.sizes {
		blocks := sz / shardBlockOnDisk
		payload := blocks * shardBlockPayload
		if i < len(s.sizes)-1 {
			total += shardMaxBlocks * shardBlockPayload
		} else {
			total += payload
		}
	}
	return total, nil
}

func (s *shardStream) Close() error {
	var firstErr error
	for _, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
