// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"os"
	"sort"

	"github.com/google/uuid"
)

// Compact rewrites the archive into a fresh file with every gap and
// tombstoned entry squeezed out (spec.md §4.I "Compact"): live entries are
// relocated to a contiguous layout in their original relative order, each
// re-keyed under its new offset when FIX_KEY applies, and the classic/
// HET/BET tables and internal files are rebuilt from scratch by the normal
// flush path. The rewrite happens in a sibling temp file and is published
// over the original path with a single os.Rename, so a crash mid-compact
// never leaves a half-written archive at the real path.
//
// Entries with no recovered name can't be relocated (AddFileBytes keys
// everything by name) and are dropped; this only matters for archives
// whose (listfile) is missing or incomplete.
func (a *Archive) Compact() error {
	if a.mode == "r" {
		return newErr(KindAccessDenied, "compact", a.path, nil)
	}

	tmpPath := a.path + "." + uuid.NewString() + ".tmp"

	newArc, err := Create(tmpPath, len(a.table.entries)+1,
		WithFormatVersion(FormatVersion(a.header.FormatVersion)),
		WithSectorSizeShift(a.header.SectorSizeShift),
		WithAnubisCipherWrite(a.anubisCipher),
		WithSerpentCipherWrite(a.serpentCipher))
	if err != nil {
		return err
	}
	if a.useHetBet {
		newArc.useHetBet = true
	}

	order := make([]int, 0, len(a.table.entries))
	for i := range a.table.entries {
		if a.table.entries[i].exists {
			order = append(order, i)
		}
	}
	sort.Slice(order, func(i, j int) bool {
		return a.table.entries[order[i]].Offset < a.table.entries[order[j]].Offset
	})

	const keepFlags = fileCompress | fileImplode | fileEncrypted | fileFixKey |
		fileSingleUnit | fileSectorCRC | filePatchFile | fileAnubis | fileSerpent

	for _, idx := range order {
		e := &a.table.entries[idx]
		switch {
		case e.Name == "" || e.Name == internalListfile || e.Name == internalAttributes || e.Name == internalSignature:
			continue
		case e.deleteMarker():
			if err := newArc.AddDeleteMarker(e.Name); err != nil {
				newArc.Close()
				os.Remove(tmpPath)
				return err
			}
		default:
			data, err := readEntireFile(a, e)
			if err != nil {
				newArc.Close()
				os.Remove(tmpPath)
				return err
			}
			if err := newArc.AddFileBytes(e.Name, data, e.Flags&keepFlags, e.Locale); err != nil {
				newArc.Close()
				os.Remove(tmpPath)
				return err
			}
		}
	}

	if err := newArc.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := a.stream.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, a.path); err != nil {
		return newErr(KindDiskFull, "compact", a.path, err)
	}

	reopened, err := Open(a.path, reopenOptionsFor(a))
	if err != nil {
		return err
	}
	*a = *reopened
	return nil
}

// reopenOptionsFor carries the writability and whole-file ciphers this
// Archive was opened with into the post-Compact reopen.
func reopenOptionsFor(a *Archive) OpenOption {
	writable := a.mode == "m" || a.mode == "w"
	checkCRC := a.checkSectorCRC
	anubis := a.anubisCipher
	serpent := a.serpentCipher
	return func(c *openConfig) {
		c.writable = writable
		c.checkSectorCRC = checkCRC
		c.anubisCipher = anubis
		c.serpentCipher = serpent
	}
}
