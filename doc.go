// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

/*
Package mpq provides pure Go support for reading and writing MPQ (Mo'PaQ) archives.

MPQ is an archive format created by Blizzard Entertainment, used in games like
Diablo, StarCraft, and World of Warcraft. This package supports MPQ format
versions 1 through 4, covering everything from the original Diablo archives up
through Cataclysm-era World of Warcraft.

# Features

  - Pure Go implementation - no CGO
  - Read and write MPQ archives, including in-place modification of existing ones
  - MPQ format V1 (original, 32-bit offsets) through V4 (64-bit offsets, HET/BET
    tables, per-table MD5 digests)
  - Zlib, LZMA, and sparse/RLE compression for reading and writing; bzip2 and
    IMA ADPCM for reading only; PKWare implode as stored (uncompressed) blocks
    only; Huffman-coded data is not supported
  - Per-file encryption, including the FIX_KEY variant keyed off block offset
  - Weak, strong, and secure RSA archive signatures
  - Patch archives and patch chains (BSDIFF-style incremental file patches)
  - Archive compaction to reclaim space left by deleted or replaced files
  - Cross-platform compatibility

# Basic Usage

Creating an archive:

	archive, err := mpq.Create("patch.mpq", 100)
	if err != nil {
		log.Fatal(err)
	}
	defer archive.Close()

	err = archive.AddFile("local/file.txt", "Data\\file.txt")
	if err != nil {
		log.Fatal(err)
	}

Reading an archive:

	archive, err := mpq.Open("game.mpq")
	if err != nil {
		log.Fatal(err)
	}
	defer archive.Close()

	if archive.HasFile("Data\\file.txt") {
		err = archive.ExtractFile("Data\\file.txt", "output/file.txt")
		if err != nil {
			log.Fatal(err)
		}
	}

# Format Versions

Use [WithFormatVersion] with [Create] to pick the on-disk header version:
[FormatV1] (original, compatible with all games), [FormatV2] (adds the
hi-block table for archives over 4GB), [FormatV3] (adds HET/BET table
positions and a 64-bit archive size), or [FormatV4] (adds 64-bit table sizes
and per-table MD5 digests). [WithHetBet]
additionally enables HET/BET tables for V3 and V4 archives. Opening never
needs a version hint: the header on disk carries its own version, and Open
reads whichever tables are present.

# Path Conventions

MPQ archives use backslash (\) as the path separator. This package automatically
converts forward slashes to backslashes, so both formats work:

	archive.AddFile("src.txt", "Data\\SubDir\\file.txt")  // Native MPQ format
	archive.AddFile("src.txt", "Data/SubDir/file.txt")    // Also works

# Patch Archives

A patch archive stores, for each changed file, either its new bytes outright
(COPY) or a binary delta against the previous version (BSD0, a BSDIFF40
payload) gated by an MD5 check against the file it patches. [OpenPatchChain]
opens a base archive plus any number of patch archives layered on top and
resolves reads by walking the chain, applying each patch only when its
recorded before-MD5 matches.

# Signing and Compaction

[Archive.SignWeak], [Archive.SignStrong], and [Archive.SignSecure] attach an
RSA signature on the next Flush or Close; [Archive.VerifyWeakSignature],
[Archive.VerifyStrongSignature], and [Archive.VerifySecureSignature] check
one. [Archive.Compact]
rewrites the archive to reclaim space left by deleted or superseded files.
*/
package mpq
