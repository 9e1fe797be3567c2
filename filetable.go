// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

// fileEntry represents one file within one archive, the component E unit
// of directory state (spec.md §3.1 "File entry").
type fileEntry struct {
	Offset         uint64
	UncompressedSize uint32
	CompressedSize uint32
	Flags          uint32
	Locale         uint16
	Platform       uint16
	NameHash       uint64 // 64-bit Jenkins hash, populated when a HET table exists
	Name           string // empty when the archive has no (listfile) entry for it
	CRC32          uint32
	HasCRC32       bool
	MD5            [16]byte
	HasMD5         bool
	FileTime       uint64
	HasFileTime    bool
	exists         bool
	hashIndex      int // index into the classic hash table, -1 if none
}

func (e *fileEntry) compressed() bool      { return e.Flags&fileCompress != 0 }
func (e *fileEntry) imploded() bool        { return e.Flags&fileImplode != 0 }
func (e *fileEntry) encrypted() bool       { return e.Flags&fileEncrypted != 0 }
func (e *fileEntry) fixKey() bool          { return e.Flags&fileFixKey != 0 }
func (e *fileEntry) singleUnit() bool      { return e.Flags&fileSingleUnit != 0 }
func (e *fileEntry) sectorCRC() bool       { return e.Flags&fileSectorCRC != 0 }
func (e *fileEntry) isPatchFile() bool     { return e.Flags&filePatchFile != 0 }
func (e *fileEntry) deleteMarker() bool    { return e.Flags&fileDeleteMarker != 0 }

// fileTable is the unified in-memory directory: the file-entry array plus,
// when present, the classic hash table kept in sync with it (spec.md §4.E).
type fileTable struct {
	entries   []fileEntry
	hashTable []hashTableEntry // classic table; nil if archive has none
	het       *hetTable
	bet       *betTable
}

// classicLookup probes the classic hash table starting at
// hash("...", TABLE_OFFSET) mod size, matching HashA/HashB, honoring the
// tombstone invariant (spec.md §3.2): FREE terminates the probe, DELETED
// does not.
func (t *fileTable) classicLookup(name string, locale uint16, mode lookupMode) (*fileEntry, bool) {
	if len(t.hashTable) == 0 {
		return t.linearLookup(name, locale, mode)
	}

	size := uint32(len(t.hashTable))
	hashA := hashString(name, hashTypeNameA)
	hashB := hashString(name, hashTypeNameB)
	start := hashString(name, hashTypeTableOffset) % size

	var neutral, any *int
	idx := start
	for i := uint32(0); i < size; i++ {
		slot := t.hashTable[idx]
		if slot.BlockIndex == hashTableEmpty {
			break
		}
		if slot.BlockIndex != hashTableDeleted && slot.HashA == hashA && slot.HashB == hashB {
			bi := int(slot.BlockIndex)
			if bi >= 0 && bi < len(t.entries) && t.entries[bi].exists {
				if slot.Locale == locale {
					return &t.entries[bi], true
				}
				if slot.Locale == localeNeutral && neutral == nil {
					n := bi
					neutral = &n
				}
				if any == nil {
					a := bi
					any = &a
				}
			}
		}
		idx = (idx + 1) % size
	}

	switch mode {
	case lookupExact:
		return nil, false
	case lookupLocale:
		if neutral != nil {
			return &t.entries[*neutral], true
		}
	case lookupAny:
		if neutral != nil {
			return &t.entries[*neutral], true
		}
		if any != nil {
			return &t.entries[*any], true
		}
	}
	return nil, false
}

func (t *fileTable) linearLookup(name string, locale uint16, mode lookupMode) (*fileEntry, bool) {
	var neutral, any *int
	for i := range t.entries {
		e := &t.entries[i]
		if !e.exists || e.Name != name {
			continue
		}
		if e.Locale == locale {
			return e, true
		}
		if e.Locale == localeNeutral && neutral == nil {
			n := i
			neutral = &n
		}
		if any == nil {
			a := i
			any = &a
		}
	}
	switch mode {
	case lookupExact:
		return nil, false
	default:
		if neutral != nil {
			return &t.entries[*neutral], true
		}
		if any != nil && mode == lookupAny {
			return &t.entries[*any], true
		}
	}
	return nil, false
}

type lookupMode int

const (
	lookupExact lookupMode = iota
	lookupLocale
	lookupAny
)

// hetLookup resolves a name via the HET/BET pair, computing the full 64-bit
// Jenkins hash, deriving the fragment/probe start, and confirming the match
// against the BET record's truncated hash (spec.md §4.E).
func (t *fileTable) hetLookup(name string) (*fileEntry, bool) {
	if t.het == nil || t.bet == nil {
		return nil, false
	}
	betIdx, ok := lookupHet(t.het, name)
	if !ok || int(betIdx) >= len(t.entries) {
		return nil, false
	}
	hash := jenkinsHash(name)
	truncated := hash & (uint64(1)<<t.bet.header.BetHashBits - 1)
	if getBetHash(t.bet, int(betIdx)) != truncated {
		return nil, false
	}
	return &t.entries[betIdx], true
}

// lookup implements the three-operation priority order from spec.md §4.E:
// HET-backed lookup first when available (it returns the same entry as the
// classic path by construction), falling back to the classic hash table.
func (t *fileTable) lookup(name string, locale uint16, mode lookupMode) (*fileEntry, bool) {
	if e, ok := t.hetLookup(name); ok {
		return e, true
	}
	return t.classicLookup(name, locale, mode)
}

// allocate finds the first free-or-tombstoned slot, growing the array only
// when none exists (spec.md §4.E "Mutation").
func (t *fileTable) allocate() int {
	for i := range t.entries {
		if !t.entries[i].exists {
			return i
		}
	}
	t.entries = append(t.entries, fileEntry{})
	return len(t.entries) - 1
}

// insertClassic adds or updates the classic hash-table slot for name,
// pointing at blockIndex; it reuses a DELETED slot's place if it finds the
// name already there, otherwise it probes to the first DELETED-or-FREE slot.
func (t *fileTable) insertClassic(name string, locale uint16, blockIndex int) {
	if len(t.hashTable) == 0 {
		return
	}
	size := uint32(len(t.hashTable))
	hashA := hashString(name, hashTypeNameA)
	hashB := hashString(name, hashTypeNameB)
	start := hashString(name, hashTypeTableOffset) % size

	idx := start
	firstDeleted := int32(-1)
	for i := uint32(0); i < size; i++ {
		slot := &t.hashTable[idx]
		if slot.BlockIndex == hashTableEmpty {
			target := idx
			if firstDeleted >= 0 {
				target = uint32(firstDeleted)
			}
			t.hashTable[target] = hashTableEntry{HashA: hashA, HashB: hashB, Locale: locale, BlockIndex: uint32(blockIndex)}
			return
		}
		if slot.BlockIndex == hashTableDeleted && firstDeleted < 0 {
			firstDeleted = int32(idx)
		}
		if slot.HashA == hashA && slot.HashB == hashB && slot.Locale == locale {
			slot.BlockIndex = uint32(blockIndex)
			return
		}
		idx = (idx + 1) % size
	}
	if firstDeleted >= 0 {
		t.hashTable[firstDeleted] = hashTableEntry{HashA: hashA, HashB: hashB, Locale: locale, BlockIndex: uint32(blockIndex)}
	}
}

// deleteClassic tombstones the hash-table slot pointing at blockIndex.
func (t *fileTable) deleteClassic(blockIndex int) {
	for i := range t.hashTable {
		if t.hashTable[i].BlockIndex == uint32(blockIndex) {
			t.hashTable[i].BlockIndex = hashTableDeleted
		}
	}
}

// indexOf returns e's position in entries by pointer identity, or -1. Used
// by mutation operations that already hold a *fileEntry from lookup but
// need its slot index to update the classic hash table.
func (t *fileTable) indexOf(e *fileEntry) int {
	for i := range t.entries {
		if &t.entries[i] == e {
			return i
		}
	}
	return -1
}

// findFreeSpace returns the insertion offset for a new file's data: the
// byte past the end of every existing entry's data (spec.md §4.E).
func (t *fileTable) findFreeSpace(headerSize uint64) uint64 {
	max := headerSize
	for _, e := range t.entries {
		if !e.exists {
			continue
		}
		end := e.Offset + uint64(e.CompressedSize)
		if end > max {
			max = end
		}
	}
	return max
}

const (
	internalListfile   = "(listfile)"
	internalAttributes = "(attributes)"
	internalSignature  = "(signature)"
)

// buildFileTable assembles the unified directory from whichever on-disk
// tables are present, per spec.md §4.E "Construction": walk HET/BET when
// present (one entry per BET record), else walk the classic block table;
// either way fold in the classic hash table's locale/platform/hash-index
// fields for entries whose block index matches.
func buildFileTable(ht []hashTableEntry, bt []blockTableEntry, hiBlock []hiBlockEntry, het *hetTable, bet *betTable) *fileTable {
	t := &fileTable{hashTable: ht, het: het, bet: bet}

	if het != nil && bet != nil {
		count := int(bet.header.FileCount)
		t.entries = make([]fileEntry, count)
		for i := 0; i < count; i++ {
			rec := getBetRecord(bet, i)
			var flags uint32
			if int(rec.FlagIndex) < len(bet.flags) {
				flags = bet.flags[rec.FlagIndex]
			}
			t.entries[i] = fileEntry{
				Offset:           rec.FilePos,
				UncompressedSize: rec.FileSize,
				CompressedSize:   rec.CompressedSize,
				Flags:            flags,
				NameHash:         getBetHash(bet, i),
				exists:           flags&fileExists != 0,
				hashIndex:        -1,
			}
		}
	} else {
		t.entries = make([]fileEntry, len(bt))
		for i, b := range bt {
			var hi hiBlockEntry
			if i < len(hiBlock) {
				hi = hiBlock[i]
			}
			t.entries[i] = fileEntry{
				Offset:           filePos64(b, hi),
				UncompressedSize: b.FileSize,
				CompressedSize:   b.CompressedSize,
				Flags:            b.Flags,
				exists:           b.Flags&fileExists != 0,
				hashIndex:        -1,
			}
		}
	}

	for i := range ht {
		bi := ht[i].BlockIndex
		if bi == hashTableEmpty || bi == hashTableDeleted || int(bi) >= len(t.entries) {
			continue
		}
		t.entries[bi].Locale = ht[i].Locale
		t.entries[bi].Platform = ht[i].Platform
		t.entries[bi].hashIndex = i
	}

	return t
}

// names returns every known (non-internal) file name in the table, used by
// ListFiles; entries without a recovered Name are skipped, matching the
// "unknown file names" reality of archives whose (listfile) is missing.
func (t *fileTable) names() []string {
	var out []string
	for i := range t.entries {
		e := &t.entries[i]
		if e.exists && e.Name != "" && e.Name != internalListfile && e.Name != internalAttributes && e.Name != internalSignature {
			out = append(out, e.Name)
		}
	}
	return out
}
