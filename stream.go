// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"strings"
)

// streamProvider is the byte-exact random-access contract every archive
// handle is built on (component A). All offsets are absolute within the
// provider's own address space; archiveHeader.archiveOrigin maps those to
// MPQ-relative offsets above it.
type streamProvider interface {
	ReadAt(offset int64, buf []byte) (int, error)
	WriteAt(offset int64, buf []byte) (int, error)
	Size() (int64, error)
	Close() error
}

// blockProgressFunc reports a transition in block availability while an
// overlay provider services a read: (start, length) for each block fetched
// from the master, one call per block (a run of consecutive missing blocks
// is not merged into one call), and a final (0, 0) call once the request is
// satisfied.
type blockProgressFunc func(start, length int64)

// streamOpenOptions configures stream construction, shared by Open/Create.
type streamOpenOptions struct {
	writable bool
	create   bool
	progress blockProgressFunc
}

// openStream parses a URL of the form
// [flat-|part-|mpqe-|blk4-][file:|map:|http:]path[*masterpath]
// and builds the corresponding provider stack. "flat-" selects the bitmap
// overlay; unprefixed paths open the base provider with no overlay. An
// "http:" base is not implemented and fails with KindNotSupported.
func openStream(url string, opts streamOpenOptions) (streamProvider, error) {
	path, master := splitMaster(url)

	overlay, base := splitOverlayPrefix(path)
	basePrefix, basePath := splitBasePrefix(base)

	var provider streamProvider
	var err error

	switch basePrefix {
	case "map":
		provider, err = newMapStream(basePath)
	case "file", "":
		if opts.create {
			provider, err = newFlatStreamCreate(basePath)
		} else {
			provider, err = newFlatStream(basePath, opts.writable)
		}
	default:
		return nil, newErr(KindNotSupported, "open", url, nil)
	}
	if err != nil {
		return nil, err
	}

	switch overlay {
	case "part":
		provider, err = newPartialStream(provider, master, opts.progress)
	case "flat":
		provider, err = newBitmapStream(provider, master, opts.progress)
	case "mpqe":
		provider, err = newMPQEStream(provider)
	case "blk4":
		provider, err = newShardStream(basePath)
	case "":
		// no overlay
	default:
		return nil, newErr(KindNotSupported, "open", url, nil)
	}
	if err != nil {
		return nil, err
	}

	return provider, nil
}

func splitMaster(url string) (path, master string) {
	if i := strings.IndexByte(url, '*'); i >= 0 {
		return url[:i], url[i+1:]
	}
	return url, ""
}

func splitOverlayPrefix(s string) (prefix, rest string) {
	for _, p := range []string{"part-", "mpqe-", "blk4-", "flat-"} {
		if strings.HasPrefix(s, p) {
			return strings.TrimSuffix(p, "-"), s[len(p):]
		}
	}
	return "", s
}

func splitBasePrefix(s string) (prefix, rest string) {
	for _, p := range []string{"file:", "map:", "http:"} {
		if strings.HasPrefix(s, p) {
			return strings.TrimSuffix(p, ":"), s[len(p):]
		}
	}
	return "", s
}

// readFull reads len(buf) bytes at offset or returns ErrEndOfFile /
// ErrFileIncomplete / the underlying error, matching spec.md §4.A's failure
// semantics. A failed read never partially fills buf from the caller's
// point of view (callers must not assume bytes beyond the error are valid).
func readFull(p streamProvider, offset int64, buf []byte) error {
	n, err := p.ReadAt(offset, buf)
	if err != nil {
		return err
	}
	if n < len(buf) {
		return ErrEndOfFile
	}
	return nil
}
