// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import "encoding/binary"

// betHeader describes the bit widths chosen for each field of a BET
// record; every record uses the same, globally-computed width, sized just
// wide enough to hold the maximum value seen across all entries.
type betHeader struct {
	TableSize     uint32
	FileCount     uint32
	TableEntrySize uint32 // total bits per record (sum of the four field widths)
	BitsFilePos   uint32
	BitsFileSize  uint32
	BitsCmpSize   uint32
	BitsFlagIndex uint32
	FlagCount     uint32
	BetHashBits   uint32 // width of the truncated Jenkins hash kept per entry
}

const betHeaderSize = 36

type betRecord struct {
	FilePos        uint64
	FileSize       uint32
	CompressedSize uint32
	FlagIndex      uint32
}

type betTable struct {
	header  betHeader
	flags   []uint32
	records *bitArray
	hashes  *bitArray
}

func decodeBetTable(data []byte) (*betTable, error) {
	if len(data) < betHeaderSize {
		return nil, newErr(KindFileCorrupt, "decode bet table", "", nil)
	}
	h := betHeader{
		TableSize:      binary.LittleEndian.Uint32(data[0:4]),
		FileCount:      binary.LittleEndian.Uint32(data[4:8]),
		TableEntrySize: binary.LittleEndian.Uint32(data[8:12]),
		BitsFilePos:    binary.LittleEndian.Uint32(data[12:16]),
		BitsFileSize:   binary.LittleEndian.Uint32(data[16:20]),
		BitsCmpSize:    binary.LittleEndian.Uint32(data[20:24]),
		BitsFlagIndex:  binary.LittleEndian.Uint32(data[24:28]),
		FlagCount:      binary.LittleEndian.Uint32(data[28:32]),
		BetHashBits:    binary.LittleEndian.Uint32(data[32:36]),
	}

	pos := betHeaderSize
	flags := make([]uint32, h.FlagCount)
	for i := range flags {
		flags[i] = binary.LittleEndian.Uint32(data[pos:])
		pos += 4
	}

	recordBytes := bitsToBytes(int(h.TableEntrySize) * int(h.FileCount))
	records := wrapBitArray(append([]byte(nil), data[pos:pos+recordBytes]...))
	pos += recordBytes

	hashBytes := bitsToBytes(int(h.BetHashBits) * int(h.FileCount))
	var hashes *bitArray
	if pos+hashBytes <= len(data) {
		hashes = wrapBitArray(append([]byte(nil), data[pos:pos+hashBytes]...))
	} else {
		hashes = newBitArray(hashBytes)
	}

	return &betTable{header: h, flags: flags, records: records, hashes: hashes}, nil
}

func encodeBetTable(t *betTable) []byte {
	out := make([]byte, betHeaderSize)
	binary.LittleEndian.PutUint32(out[0:4], t.header.TableSize)
	binary.LittleEndian.PutUint32(out[4:8], t.header.FileCount)
	binary.LittleEndian.PutUint32(out[8:12], t.header.TableEntrySize)
	binary.LittleEndian.PutUint32(out[12:16], t.header.BitsFilePos)
	binary.LittleEndian.PutUint32(out[16:20], t.header.BitsFileSize)
	binary.LittleEndian.PutUint32(out[20:24], t.header.BitsCmpSize)
	binary.LittleEndian.PutUint32(out[24:28], t.header.BitsFlagIndex)
	binary.LittleEndian.PutUint32(out[28:32], t.header.FlagCount)
	binary.LittleEndian.PutUint32(out[32:36], t.header.BetHashBits)

	for _, f := range t.flags {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, f)
		out = append(out, b...)
	}
	out = append(out, t.records.buf...)
	out = append(out, t.hashes.buf...)
	return out
}

// fieldOffsets returns the bit offset, within one record, of each field.
func (h betHeader) fieldOffsets() (filePos, fileSize, cmpSize, flagIdx int) {
	filePos = 0
	fileSize = filePos + int(h.BitsFilePos)
	cmpSize = fileSize + int(h.BitsFileSize)
	flagIdx = cmpSize + int(h.BitsCmpSize)
	return
}

func getBetRecord(t *betTable, index int) betRecord {
	stride := int(t.header.TableEntrySize)
	base := index * stride
	fp, fs, cs, fi := t.header.fieldOffsets()
	return betRecord{
		FilePos:        t.records.getBits(base+fp, int(t.header.BitsFilePos)),
		FileSize:       uint32(t.records.getBits(base+fs, int(t.header.BitsFileSize))),
		CompressedSize: uint32(t.records.getBits(base+cs, int(t.header.BitsCmpSize))),
		FlagIndex:      uint32(t.records.getBits(base+fi, int(t.header.BitsFlagIndex))),
	}
}

func setBetRecord(t *betTable, index int, r betRecord) {
	stride := int(t.header.TableEntrySize)
	base := index * stride
	fp, fs, cs, fi := t.header.fieldOffsets()
	t.records.setBits(base+fp, int(t.header.BitsFilePos), r.FilePos)
	t.records.setBits(base+fs, int(t.header.BitsFileSize), uint64(r.FileSize))
	t.records.setBits(base+cs, int(t.header.BitsCmpSize), uint64(r.CompressedSize))
	t.records.setBits(base+fi, int(t.header.BitsFlagIndex), uint64(r.FlagIndex))
}

func getBetHash(t *betTable, index int) uint64 {
	return t.hashes.getBits(index*int(t.header.BetHashBits), int(t.header.BetHashBits))
}

func setBetHash(t *betTable, index int, hash uint64) {
	bits := int(t.header.BetHashBits)
	truncated := hash & (uint64(1)<<bits - 1)
	t.hashes.setBits(index*bits, bits, truncated)
}

// buildBetTable constructs a fresh BET table from a set of records and the
// full 64-bit Jenkins hash for each, computing the minimum field widths
// needed to hold the maximum value across all entries, plus the shared
// flags array (the set of distinct flag-bit combinations).
func buildBetTable(records []betRecord, hashes []uint64, betHashBits uint32) *betTable {
	count := len(records)

	var maxPos, maxSize, maxCmp uint64
	flagSet := map[uint32]uint32{}
	var flagList []uint32
	flagIndex := make([]uint32, count)

	for i, r := range records {
		if r.FilePos > maxPos {
			maxPos = r.FilePos
		}
		if uint64(r.FileSize) > maxSize {
			maxSize = uint64(r.FileSize)
		}
		if uint64(r.CompressedSize) > maxCmp {
			maxCmp = uint64(r.CompressedSize)
		}
		idx, ok := flagSet[r.FlagIndex]
		if !ok {
			idx = uint32(len(flagList))
			flagSet[r.FlagIndex] = idx
			flagList = append(flagList, r.FlagIndex)
		}
		flagIndex[i] = idx
	}

	bitsFlagIdx := bitWidthFor(uint64(len(flagList)))
	if bitsFlagIdx < 1 {
		bitsFlagIdx = 1
	}

	h := betHeader{
		FileCount:     uint32(count),
		BitsFilePos:   uint32(bitWidthFor(maxPos)),
		BitsFileSize:  uint32(bitWidthFor(maxSize)),
		BitsCmpSize:   uint32(bitWidthFor(maxCmp)),
		BitsFlagIndex: uint32(bitsFlagIdx),
		FlagCount:     uint32(len(flagList)),
		BetHashBits:   betHashBits,
	}
	h.TableEntrySize = h.BitsFilePos + h.BitsFileSize + h.BitsCmpSize + h.BitsFlagIndex

	t := &betTable{
		header:  h,
		flags:   flagList,
		records: newBitArray(bitsToBytes(int(h.TableEntrySize) * count)),
		hashes:  newBitArray(bitsToBytes(int(betHashBits) * count)),
	}

	for i, r := range records {
		setBetRecord(t, i, betRecord{FilePos: r.FilePos, FileSize: r.FileSize, CompressedSize: r.CompressedSize, FlagIndex: flagIndex[i]})
		setBetHash(t, i, hashes[i])
	}

	t.header.TableSize = uint32(betHeaderSize + len(flagList)*4 + len(t.records.buf) + len(t.hashes.buf))
	return t
}
