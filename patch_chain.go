// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"crypto/md5"
	"os"
	"strings"
)

// PatchChain opens a base archive plus zero or more patch archives layered
// on top of it, and resolves file reads by walking the chain and applying
// each applicable patch in order (spec.md §4.H "Patch chain").
//
// Archives are listed lowest-priority first: archives[0] is the base,
// archives[len-1] is the highest-priority patch.
//
// Higher-numbered World of Warcraft patch archives store their files under
// a locale/version subdirectory (e.g. "enGB\\") rather than at the same
// path as the base file; each archive's prefixes entry is the prefix
// to prepend to a logical name before looking it up in that archive,
// derived per original_source/src/SFilePatchArchives.c's FindPatchPrefix.
type PatchChain struct {
	archives []*Archive
	prefixes []string // parallel to archives; "" for the base and for unprefixed patches
}

// patchChainConfig holds caller-supplied overrides for prefix derivation.
type patchChainConfig struct {
	prefixes map[int]string
}

// PatchChainOption configures patch-prefix derivation for OpenPatchChain.
type PatchChainOption func(*patchChainConfig)

// WithPatchPrefix pins the locale/version prefix used when looking up names
// in the archive at archiveIndex (its position in the paths slice passed to
// OpenPatchChain), bypassing heuristic detection for that archive. Passing
// an explicit prefix is StormLib's first-priority strategy
// (FindPatchPrefix's szPatchPathPrefix parameter) ahead of the WoW and SC2
// heuristics.
func WithPatchPrefix(archiveIndex int, prefix string) PatchChainOption {
	return func(c *patchChainConfig) {
		if c.prefixes == nil {
			c.prefixes = map[int]string{}
		}
		c.prefixes[archiveIndex] = normalizePath(prefix)
	}
}

// wowLanguageCodes lists the 4-character locale tags StormLib's
// LanguageList packs for WoW-style patch MPQs, in the order FindArchiveLanguage
// tries them, plus "base"/"teen" which are treated as pseudo-locales.
var wowLanguageCodes = []string{
	"base", "teen", "enUS", "enGB", "enCN", "enTW", "deDE", "esES",
	"esMX", "frFR", "itIT", "koKR", "ptBR", "ptPT", "ruRU", "zhCN", "zhTW",
}

// patchMetadataName is the marker file StormLib checks for (under the
// "base\" subdirectory) to decide a patch archive uses WoW-style locale
// prefixing at all (original_source's PATCH_METADATA_NAME).
const patchMetadataName = "(patch_metadata)"

// derivePatchPrefix implements a subset of original_source's FindPatchPrefix:
// if the patch archive carries a "base\(patch_metadata)" entry, it uses
// locale-prefixed paths, and the prefix is whichever locale's "<code>-md5.lst"
// file the base archive exposes (falling back to "Base\" when none match,
// mirroring FindPatchPrefix_WoW_13164_13623). Archives with no such marker
// use no prefix at all (the common case for Diablo III/Hearthstone-style
// patches per the reference source's closing comment in FindPatchPrefix).
func derivePatchPrefix(base, patch *Archive) string {
	if _, ok := patch.table.lookup("base\\"+patchMetadataName, localeNeutral, lookupAny); !ok {
		return ""
	}
	for _, code := range wowLanguageCodes {
		if _, ok := base.table.lookup(code+"-md5.lst", localeNeutral, lookupAny); ok {
			return code + "\\"
		}
	}
	return "Base\\"
}

// OpenPatchChain opens every path in order and returns a PatchChain over
// them. On error, any archives already opened are closed before returning.
//
// Each archive after the first has its patch-prefix derived per
// derivePatchPrefix; to override a prefix with WithPatchPrefix, use
// OpenPatchChainWithOptions.
func OpenPatchChain(paths []string, opts ...OpenOption) (*PatchChain, error) {
	return openPatchChain(paths, nil, opts...)
}

// OpenPatchChainWithOptions is OpenPatchChain with patch-prefix overrides
// (WithPatchPrefix) in addition to the usual archive-open options.
func OpenPatchChainWithOptions(paths []string, chainOpts []PatchChainOption, opts ...OpenOption) (*PatchChain, error) {
	return openPatchChain(paths, chainOpts, opts...)
}

func openPatchChain(paths []string, chainOpts []PatchChainOption, opts ...OpenOption) (*PatchChain, error) {
	var cfg patchChainConfig
	for _, o := range chainOpts {
		o(&cfg)
	}

	chain := &PatchChain{}
	for _, p := range paths {
		a, err := Open(p, opts...)
		if err != nil {
			chain.Close()
			return nil, err
		}
		chain.archives = append(chain.archives, a)
	}

	chain.prefixes = make([]string, len(chain.archives))
	for i := 1; i < len(chain.archives); i++ {
		if p, ok := cfg.prefixes[i]; ok {
			chain.prefixes[i] = p
			continue
		}
		chain.prefixes[i] = derivePatchPrefix(chain.archives[0], chain.archives[i])
	}

	return chain, nil
}

// lookupAt resolves a logical (un-prefixed) name against the archive at
// position i, trying that archive's derived/overridden prefix first and
// falling back to the bare name so callers that already pass a prefixed
// name (or archives with no prefix) keep working.
func (c *PatchChain) lookupAt(i int, name string) (*fileEntry, bool) {
	a := c.archives[i]
	if prefix := c.prefixes[i]; prefix != "" {
		if e, ok := a.table.lookup(prefix+name, localeNeutral, lookupAny); ok {
			return e, true
		}
	}
	return a.table.lookup(name, localeNeutral, lookupAny)
}

// Close closes every archive in the chain, returning the first error
// encountered (closing continues regardless).
func (c *PatchChain) Close() error {
	var first error
	for _, a := range c.archives {
		if err := a.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ArchiveCount returns how many archives are layered in the chain.
func (c *PatchChain) ArchiveCount() int { return len(c.archives) }

// HasFile reports whether any archive in the chain has an entry for name
// (including one that resolves to a delete marker).
func (c *PatchChain) HasFile(name string) bool {
	name = normalizePath(name)
	for i := range c.archives {
		if _, ok := c.lookupAt(i, name); ok {
			return true
		}
	}
	return false
}

// HasPatchFile reports whether the highest-priority archive carrying name
// marks it as a patch file.
func (c *PatchChain) HasPatchFile(name string) bool {
	name = normalizePath(name)
	for i := len(c.archives) - 1; i >= 0; i-- {
		if e, ok := c.lookupAt(i, name); ok {
			return e.isPatchFile()
		}
	}
	return false
}

// ListFiles unions every archive's recovered file names, stripping each
// archive's patch prefix (if any) so a file stored as "enGB\\Data\\File.txt"
// in a locale-prefixed patch archive is reported under its logical name
// "Data\\File.txt", matching what HasFile/ReadFile accept.
func (c *PatchChain) ListFiles() []string {
	seen := map[string]bool{}
	var out []string
	for i, a := range c.archives {
		prefix := c.prefixes[i]
		for _, n := range a.table.names() {
			logical := n
			if prefix != "" && strings.HasPrefix(n, prefix) {
				logical = n[len(prefix):]
			}
			if !seen[logical] {
				seen[logical] = true
				out = append(out, logical)
			}
		}
	}
	return out
}

// ReadFile resolves name by walking the chain bottom to top: the first
// non-patch entry materializes a base version; each subsequent patch-file
// entry is applied only if its stored before-patch MD5 matches the
// previously materialized bytes' MD5, per spec.md §4.H's chaining
// invariant. A delete marker clears the materialized version (a later base
// copy, if any, restarts the chain); a patch entry that doesn't chain is
// skipped rather than treated as an error, matching the documented
// tolerance for archives assembled out of order.
func (c *PatchChain) ReadFile(name string) ([]byte, error) {
	name = normalizePath(name)

	var current []byte
	var currentMD5 [16]byte
	haveCurrent := false

	for i, a := range c.archives {
		entry, ok := c.lookupAt(i, name)
		if !ok {
			continue
		}
		if entry.deleteMarker() {
			haveCurrent = false
			current = nil
			continue
		}
		if !entry.isPatchFile() {
			data, err := readEntireFile(a, entry)
			if err != nil {
				return nil, err
			}
			current = data
			currentMD5 = md5.Sum(data)
			haveCurrent = true
			continue
		}
		if !haveCurrent {
			continue
		}

		h, err := openForRead(a, entry)
		if err != nil {
			continue
		}
		if h.patchInfo == nil || h.patchInfo.MD5 != currentMD5 {
			continue
		}
		raw := make([]byte, entry.UncompressedSize)
		if _, err := readAll(h, raw); err != nil {
			continue
		}
		patched, err := applyPatch(raw, current)
		if err != nil {
			continue
		}
		current = patched
		currentMD5 = md5.Sum(current)
		haveCurrent = true
	}

	if !haveCurrent {
		return nil, newErr(KindNotFound, "read file", name, nil)
	}
	return current, nil
}

// ExtractFile resolves name via ReadFile and writes it to destPath.
func (c *PatchChain) ExtractFile(name, destPath string) error {
	data, err := c.ReadFile(name)
	if err != nil {
		return err
	}
	return os.WriteFile(destPath, data, 0o644)
}

func readAll(h *openFileHandle, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := h.Read(buf[total:])
		total += n
		if err != nil {
			if total == len(buf) {
				return total, nil
			}
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}
