// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import "encoding/binary"

// hetHeader is the fixed-size header following the HET\x1A ext-table
// prefix, giving the shape of the fragment array and the packed file-index
// array that follow it.
type hetHeader struct {
	TableSize      uint32 // total size in bytes of the table, header included
	MaxFileCount   uint32 // entry_count: capacity of the name-hash table
	HashTableSize  uint32 // number of one-byte fragment slots (>= MaxFileCount)
	HashEntrySize  uint32 // bit width of the full Jenkins hash kept (name_hash_bit_size)
	IndexSizeTotal uint32 // bit width of each file-index slot, including spare bits
	IndexSizeExtra uint32 // spare high bits reserved in each index slot
	IndexSize      uint32 // bit width actually used to represent a valid index
	BlockTableSize uint32 // number of entries in the paired BET table
}

const hetHeaderSize = 32

// hetTable is the decoded form of a HET blob: one byte fragment per slot,
// plus the packed file-index array.
type hetTable struct {
	header  hetHeader
	frags   []byte
	indices *bitArray
}

const (
	hetFragFree    = 0x00
	hetFragDeleted = 0x80
)

func decodeHetTable(data []byte) (*hetTable, error) {
	if len(data) < hetHeaderSize {
		return nil, newErr(KindFileCorrupt, "decode het table", "", nil)
	}
	h := hetHeader{
		TableSize:      binary.LittleEndian.Uint32(data[0:4]),
		MaxFileCount:   binary.LittleEndian.Uint32(data[4:8]),
		HashTableSize:  binary.LittleEndian.Uint32(data[8:12]),
		HashEntrySize:  binary.LittleEndian.Uint32(data[12:16]),
		IndexSizeTotal: binary.LittleEndian.Uint32(data[16:20]),
		IndexSizeExtra: binary.LittleEndian.Uint32(data[20:24]),
		IndexSize:      binary.LittleEndian.Uint32(data[24:28]),
		BlockTableSize: binary.LittleEndian.Uint32(data[28:32]),
	}

	rest := data[hetHeaderSize:]
	if uint32(len(rest)) < h.HashTableSize {
		return nil, newErr(KindFileCorrupt, "decode het table", "", nil)
	}
	frags := rest[:h.HashTableSize]
	indexBytes := rest[h.HashTableSize:]

	return &hetTable{header: h, frags: frags, indices: wrapBitArray(indexBytes)}, nil
}

func encodeHetTable(t *hetTable) []byte {
	out := make([]byte, hetHeaderSize)
	binary.LittleEndian.PutUint32(out[0:4], t.header.TableSize)
	binary.LittleEndian.PutUint32(out[4:8], t.header.MaxFileCount)
	binary.LittleEndian.PutUint32(out[8:12], t.header.HashTableSize)
	binary.LittleEndian.PutUint32(out[12:16], t.header.HashEntrySize)
	binary.LittleEndian.PutUint32(out[16:20], t.header.IndexSizeTotal)
	binary.LittleEndian.PutUint32(out[20:24], t.header.IndexSizeExtra)
	binary.LittleEndian.PutUint32(out[24:28], t.header.IndexSize)
	binary.LittleEndian.PutUint32(out[28:32], t.header.BlockTableSize)
	out = append(out, t.frags...)
	out = append(out, t.indices.buf...)
	return out
}

// hetHashParts folds a full 64-bit Jenkins hash down to hashBits bits with
// the high bit forced set, then splits it into an 8-bit fragment (the top
// byte) and the full masked value used for the probe start.
func hetHashParts(hash uint64, hashBits uint32, tableSize uint32) (fragment byte, probeStart uint32) {
	if hashBits >= 64 {
		hashBits = 64
	}
	mask := uint64(1)<<hashBits - 1
	folded := hash & mask
	folded |= uint64(1) << (hashBits - 1)

	fragment = byte(folded >> (hashBits - 8))
	probeStart = uint32(folded % uint64(tableSize))
	return
}

// buildHetTable constructs a fresh HET table for the given entries (name,
// betIndex) pairs, sized to entryCount slots (grown to the next useful size
// by the caller). Used at flush time, since the probe layout depends on
// entry_count and is therefore always rebuilt from scratch (spec.md §4.E).
func buildHetTable(names []string, betIndices []uint32, tableSize uint32, hashBits uint32) *hetTable {
	indexWidth := bitWidthFor(uint64(len(names)))
	if indexWidth < 1 {
		indexWidth = 1
	}

	h := hetHeader{
		MaxFileCount:   uint32(len(names)),
		HashTableSize:  tableSize,
		HashEntrySize:  hashBits,
		IndexSizeTotal: uint32(indexWidth),
		IndexSize:      uint32(indexWidth),
		BlockTableSize: uint32(len(names)),
	}

	frags := make([]byte, tableSize)
	indices := newBitArray(bitsToBytes(int(tableSize) * indexWidth))

	for i, name := range names {
		hash := jenkinsHash(name)
		fragment, start := hetHashParts(hash, hashBits, tableSize)
		if fragment == hetFragFree {
			fragment = 1
		}

		slot := start
		for {
			if frags[slot] == hetFragFree {
				break
			}
			slot = (slot + 1) % tableSize
		}
		frags[slot] = fragment
		indices.setBits(int(slot)*indexWidth, indexWidth, uint64(betIndices[i]))
	}

	h.TableSize = hetHeaderSize + tableSize + uint32(bitsToBytes(int(tableSize)*indexWidth))

	return &hetTable{header: h, frags: frags, indices: indices}
}

// lookupHet searches a HET table for name, returning the BET index and ok.
func lookupHet(t *hetTable, name string) (uint32, bool) {
	tableSize := t.header.HashTableSize
	if tableSize == 0 {
		return 0, false
	}
	hash := jenkinsHash(name)
	fragment, start := hetHashParts(hash, t.header.HashEntrySize, tableSize)
	if fragment == hetFragFree {
		fragment = 1
	}

	indexWidth := int(t.header.IndexSize)
	slot := start
	for i := uint32(0); i < tableSize; i++ {
		f := t.frags[slot]
		if f == hetFragFree {
			return 0, false
		}
		if f == fragment {
			idx := uint32(t.indices.getBits(int(slot)*indexWidth, indexWidth))
			return idx, true
		}
		slot = (slot + 1) % tableSize
	}
	return 0, false
}
