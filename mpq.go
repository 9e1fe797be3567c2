// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"crypto/cipher"
	"os"
	"path/filepath"
	"strings"
)

// FormatVersion selects the on-disk MPQ header shape an archive is created
// with (spec.md §4.D). Opening never needs this: the header itself carries
// its version.
type FormatVersion uint16

const (
	FormatV1 FormatVersion = formatVersion1
	FormatV2 FormatVersion = formatVersion2
	FormatV3 FormatVersion = formatVersion3
	FormatV4 FormatVersion = formatVersion4
)

// Archive is an open MPQ archive: the component A stream, the normalized
// header, and the unified file table, plus the bookkeeping needed to flush
// writes back out in the documented table layout (spec.md §3.1 "Archive").
type Archive struct {
	stream           streamProvider
	header           *archiveHeader
	table            *fileTable
	dataEnd          uint64 // next free offset for new file data, relative to archiveOrigin
	dirty            bool
	mode             string // "r", "w" (fresh create), or "m" (open for modify)
	path             string
	checkSectorCRC   bool
	useHetBet        bool
	pendingSignature *pendingSign
	anubisCipher     cipher.Block // spec.md §3.1 MPQ_FILE_ENCRYPT_ANUBIS overlay; see blockcipher.go
	serpentCipher    cipher.Block // spec.md §3.1 MPQ_FILE_ENCRYPT_SERPENT overlay; see blockcipher.go
}

// OpenOption configures Open.
type OpenOption func(*openConfig)

type openConfig struct {
	writable       bool
	checkSectorCRC bool
	maxHeaderScan  int64
	anubisCipher   cipher.Block
	serpentCipher  cipher.Block
}

// WithWritable opens the archive for modification in addition to reading.
func WithWritable() OpenOption { return func(c *openConfig) { c.writable = true } }

// WithSectorCRCCheck enables or disables per-sector CRC verification on
// read (enabled by default).
func WithSectorCRCCheck(v bool) OpenOption {
	return func(c *openConfig) { c.checkSectorCRC = v }
}

// WithMaxHeaderScan bounds how far findArchiveHeader scans looking for the
// MPQ magic, for archives embedded in a larger container file.
func WithMaxHeaderScan(n int64) OpenOption {
	return func(c *openConfig) { c.maxHeaderScan = n }
}

// WithAnubisCipher supplies the block cipher entries flagged
// MPQ_FILE_ENCRYPT_ANUBIS are decrypted with (spec.md §1 treats the
// concrete Anubis algorithm as an external named-algorithm collaborator;
// the core only implements the ciphertext-stealing chaining mode around
// it, see blockcipher.go). Reading such an entry without this option set
// fails with KindNotSupported.
func WithAnubisCipher(block cipher.Block) OpenOption {
	return func(c *openConfig) { c.anubisCipher = block }
}

// WithSerpentCipher is WithAnubisCipher's counterpart for entries flagged
// MPQ_FILE_ENCRYPT_SERPENT.
func WithSerpentCipher(block cipher.Block) OpenOption {
	return func(c *openConfig) { c.serpentCipher = block }
}

// CreateOption configures Create.
type CreateOption func(*createConfig)

type createConfig struct {
	version         FormatVersion
	sectorSizeShift uint16
	useHetBet       bool
	anubisCipher    cipher.Block
	serpentCipher   cipher.Block
}

// WithFormatVersion selects the on-disk header version (FormatV1 by
// default).
func WithFormatVersion(v FormatVersion) CreateOption {
	return func(c *createConfig) { c.version = v }
}

// WithSectorSizeShift sets the sector size to 512<<shift (shift 3, 4096
// bytes, by default).
func WithSectorSizeShift(shift uint16) CreateOption {
	return func(c *createConfig) { c.sectorSizeShift = shift }
}

// WithHetBet enables HET/BET tables alongside the classic hash/block
// tables; only meaningful for FormatV3 and FormatV4.
func WithHetBet() CreateOption {
	return func(c *createConfig) { c.useHetBet = true }
}

// WithAnubisCipherWrite is WithAnubisCipher's Create-side counterpart:
// entries later added with fileAnubis set are encrypted with block on
// Finish.
func WithAnubisCipherWrite(block cipher.Block) CreateOption {
	return func(c *createConfig) { c.anubisCipher = block }
}

// WithSerpentCipherWrite is WithSerpentCipher's Create-side counterpart.
func WithSerpentCipherWrite(block cipher.Block) CreateOption {
	return func(c *createConfig) { c.serpentCipher = block }
}

func (a *Archive) sectorSize() int { return sectorSizeFor(a.header) }

// Open opens an existing MPQ archive for reading, recovering file names
// from its (listfile) and per-entry checksums/timestamps from its
// (attributes) when present (spec.md §4.D, §4.E, §4.K).
func Open(path string, opts ...OpenOption) (*Archive, error) {
	cfg := openConfig{checkSectorCRC: true}
	for _, o := range opts {
		o(&cfg)
	}

	provider, err := openStream(path, streamOpenOptions{writable: cfg.writable})
	if err != nil {
		return nil, err
	}

	header, err := findArchiveHeader(provider, cfg.maxHeaderScan)
	if err != nil {
		provider.Close()
		return nil, err
	}

	table, err := loadTables(provider, header)
	if err != nil {
		provider.Close()
		return nil, err
	}

	mode := "r"
	if cfg.writable {
		mode = "m"
	}

	a := &Archive{
		stream:         provider,
		header:         header,
		table:          table,
		mode:           mode,
		path:           path,
		checkSectorCRC: cfg.checkSectorCRC,
		useHetBet:      header.hasHetBet(),
		anubisCipher:   cfg.anubisCipher,
		serpentCipher:  cfg.serpentCipher,
	}
	a.dataEnd = table.findFreeSpace(uint64(header.HeaderSize))

	recoverNames(a)
	recoverAttributes(a)

	return a, nil
}

// loadTables reads and decodes every on-disk table (classic hash/block,
// optional hi-block, optional HET/BET) and assembles the unified file
// table, per spec.md §4.D "Load" and §4.E "Construction".
func loadTables(p streamProvider, header *archiveHeader) (*fileTable, error) {
	origin := header.archiveOrigin

	hashAbs := uint64(origin) + header.getHashTableOffset64()
	blockAbs := uint64(origin) + header.getBlockTableOffset64()
	var hiAbs, hetAbs, betAbs uint64
	if header.hiBlockTableOffset() != 0 {
		hiAbs = uint64(origin) + header.hiBlockTableOffset()
	}
	if header.hasHetBet() {
		hetAbs = uint64(origin) + header.HetTablePos64
		betAbs = uint64(origin) + header.BetTablePos64
	}

	var archiveEnd uint64
	if sz, err := p.Size(); err == nil {
		archiveEnd = uint64(sz)
	}
	if as := header.getArchiveSize64(); as != 0 {
		if end := uint64(origin) + as; end < archiveEnd {
			archiveEnd = end
		}
	}

	others := []uint64{hashAbs, blockAbs}
	if hiAbs > 0 {
		others = append(others, hiAbs)
	}
	if hetAbs > 0 {
		others = append(others, hetAbs)
	}
	if betAbs > 0 {
		others = append(others, betAbs)
	}

	hashOnDisk := tableSpan(hashAbs, others, archiveEnd)
	blockOnDisk := tableSpan(blockAbs, others, archiveEnd)

	htBytes, err := loadTable(p, origin, header.getHashTableOffset64(), header.HashTableSize, hashOnDisk, "(hash table)")
	if err != nil {
		return nil, err
	}
	ht := decodeHashTable(htBytes)

	btBytes, err := loadTable(p, origin, header.getBlockTableOffset64(), header.BlockTableSize, blockOnDisk, "(block table)")
	if err != nil {
		return nil, err
	}
	bt := decodeBlockTable(btBytes)

	var hiBlock []hiBlockEntry
	if hiAbs > 0 {
		hiBlock, err = loadHiBlockTable(p, origin, header.hiBlockTableOffset(), header.BlockTableSize)
		if err != nil {
			return nil, err
		}
	}

	var het *hetTable
	var bet *betTable
	if header.hasHetBet() {
		// v3 headers carry no HET/BET sizes; use the gap to the next table.
		hetSize, betSize := header.HetTableSize64, header.BetTableSize64
		if hetSize == 0 {
			hetSize = uint64(tableSpan(hetAbs, others, archiveEnd))
		}
		if betSize == 0 {
			betSize = uint64(tableSpan(betAbs, others, archiveEnd))
		}
		hetBytes, err := loadExtTable(p, origin, header.HetTablePos64, hetSize, hetMagic, "(hash table)")
		if err == nil && hetBytes != nil {
			het, _ = decodeHetTable(hetBytes)
		}
		betBytes, err := loadExtTable(p, origin, header.BetTablePos64, betSize, betMagic, "(block table)")
		if err == nil && betBytes != nil {
			bet, _ = decodeBetTable(betBytes)
		}
	}

	return buildFileTable(ht, bt, hiBlock, het, bet), nil
}

// recoverNames reads the (listfile) internal file, if present, and matches
// each line back onto a table entry by name (spec.md §4.E "Name
// recovery").
func recoverNames(a *Archive) {
	entry, ok := a.table.lookup(internalListfile, localeNeutral, lookupAny)
	if !ok {
		return
	}
	data, err := readEntireFile(a, entry)
	if err != nil {
		return
	}
	for _, raw := range strings.Split(string(data), "\n") {
		name := normalizePath(strings.TrimSpace(strings.TrimRight(raw, "\r")))
		if name == "" {
			continue
		}
		if e, ok := a.table.lookup(name, localeNeutral, lookupAny); ok {
			e.Name = name
		}
	}
	entry.Name = internalListfile
}

// recoverAttributes reads the (attributes) internal file, if present, and
// folds its columns back onto the file table (spec.md §4.K).
func recoverAttributes(a *Archive) {
	entry, ok := a.table.lookup(internalAttributes, localeNeutral, lookupAny)
	if !ok {
		return
	}
	data, err := readEntireFile(a, entry)
	if err != nil {
		return
	}
	parseAttributes(data, a.table.entries)
	entry.Name = internalAttributes
}

func readEntireFile(a *Archive, entry *fileEntry) ([]byte, error) {
	h, err := openForRead(a, entry)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, entry.UncompressedSize)
	total := 0
	for total < len(buf) {
		n, err := h.Read(buf[total:])
		total += n
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
	}
	return buf[:total], nil
}

// Create makes a brand-new, empty archive at path, sized to hold roughly
// maxFiles entries (spec.md §4.D "Create").
func Create(path string, maxFiles int, opts ...CreateOption) (*Archive, error) {
	cfg := createConfig{version: FormatV1, sectorSizeShift: defaultSectorSizeShift}
	for _, o := range opts {
		o(&cfg)
	}

	hashSize := nextPowerOf2(uint32(maxFiles*4/3 + 1))
	if hashSize < 4 {
		hashSize = 4
	}

	provider, err := openStream(path, streamOpenOptions{writable: true, create: true})
	if err != nil {
		return nil, err
	}

	headerSize := uint32(headerSizeV1)
	switch cfg.version {
	case FormatV2:
		headerSize = headerSizeV2
	case FormatV3:
		headerSize = headerSizeV3
	case FormatV4:
		headerSize = headerSizeV4
	}

	header := &archiveHeader{}
	header.Magic = mpqMagic
	header.HeaderSize = headerSize
	header.FormatVersion = uint16(cfg.version)
	header.SectorSizeShift = cfg.sectorSizeShift
	header.HashTableSize = hashSize

	ht := make([]hashTableEntry, hashSize)
	for i := range ht {
		ht[i] = hashTableEntry{HashA: 0xFFFFFFFF, HashB: 0xFFFFFFFF, Locale: 0xFFFF, Platform: 0xFFFF, BlockIndex: hashTableEmpty}
	}

	a := &Archive{
		stream:        provider,
		header:        header,
		table:         &fileTable{hashTable: ht},
		mode:          "w",
		path:          path,
		useHetBet:     cfg.useHetBet && cfg.version >= FormatV3,
		dirty:         true,
		anubisCipher:  cfg.anubisCipher,
		serpentCipher: cfg.serpentCipher,
	}
	a.dataEnd = uint64(headerSize)
	return a, nil
}

// nextPowerOf2 rounds n up to the next power of two, the classic hash
// table's sizing rule (spec.md §3.2).
func nextPowerOf2(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	return n + 1
}

// Close flushes pending writes (if any) and releases the underlying
// stream.
func (a *Archive) Close() error {
	if a.mode != "r" && a.dirty {
		if err := a.flush(); err != nil {
			a.stream.Close()
			return err
		}
	}
	return a.stream.Close()
}

// Flush writes any pending changes back to disk without closing the
// archive.
func (a *Archive) Flush() error {
	if a.mode == "r" || !a.dirty {
		return nil
	}
	return a.flush()
}

// deleteInternalIfExists tombstones name's existing fileEntry, if any,
// before regenerating it — otherwise a second Flush would leave an
// orphaned classic-hash-table slot pointing at the previous copy.
func (a *Archive) deleteInternalIfExists(name string) {
	if e, ok := a.table.lookup(name, localeNeutral, lookupAny); ok {
		a.deleteEntry(e)
	}
}

func (a *Archive) deleteEntry(entry *fileEntry) {
	idx := a.table.indexOf(entry)
	if idx < 0 {
		return
	}
	entry.exists = false
	entry.Name = ""
	a.table.deleteClassic(idx)
	a.dirty = true
}

// AddFile reads srcPath off disk and stores it at mpqPath, zlib-compressed
// (spec.md §4.G).
func (a *Archive) AddFile(srcPath, mpqPath string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return newErr(KindNotFound, "add file", srcPath, err)
	}
	return a.AddFileBytes(mpqPath, data, fileCompress, localeNeutral)
}

// AddFileWithCRC is AddFile but also requests a per-sector CRC trailer.
func (a *Archive) AddFileWithCRC(srcPath, mpqPath string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return newErr(KindNotFound, "add file", srcPath, err)
	}
	return a.AddFileBytes(mpqPath, data, fileCompress|fileSectorCRC, localeNeutral)
}

// AddPatchFile stores srcPath's bytes as a patch-file entry (the
// patch-info header is attached by the write path automatically).
func (a *Archive) AddPatchFile(srcPath, mpqPath string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return newErr(KindNotFound, "add patch file", srcPath, err)
	}
	return a.AddFileBytes(mpqPath, data, fileCompress|filePatchFile, localeNeutral)
}

// AddFileBytes is the in-memory form of AddFile: it drives CreateFileWriter
// through a single Write+Finish, for callers that already have the
// payload.
func (a *Archive) AddFileBytes(mpqPath string, data []byte, flags uint32, locale uint16) error {
	w, err := a.CreateFileWriter(mpqPath, uint32(len(data)), flags, locale)
	if err != nil {
		return err
	}
	if err := w.Write(data, compressionZlib); err != nil {
		return err
	}
	return w.Finish()
}

// AddDeleteMarker inserts a zero-length deletion-marker entry for mpqPath,
// the patch-chain mechanism spec.md §4.H describes for "file removed in
// this patch".
func (a *Archive) AddDeleteMarker(mpqPath string) error {
	if a.mode != "w" && a.mode != "m" {
		return newErr(KindAccessDenied, "add delete marker", mpqPath, nil)
	}
	mpqPath = normalizePath(mpqPath)
	idx := a.table.allocate()
	entry := &a.table.entries[idx]
	*entry = fileEntry{
		Name:      mpqPath,
		Flags:     fileDeleteMarker | fileExists,
		Locale:    localeNeutral,
		Offset:    a.dataEnd,
		exists:    true,
		hashIndex: -1,
	}
	a.table.insertClassic(mpqPath, localeNeutral, idx)
	a.dirty = true
	return nil
}

// RenameFile moves oldName to newName within the archive by re-extracting
// and re-writing its bytes under the new name, which re-derives the file
// key from scratch — matching the documented behavior that renaming always
// re-encrypts, even when the old and new keys would coincidentally match
// (spec.md §4.E "Rename").
func (a *Archive) RenameFile(oldName, newName string, locale uint16) error {
	if a.mode != "w" && a.mode != "m" {
		return newErr(KindAccessDenied, "rename file", oldName, nil)
	}
	oldName = normalizePath(oldName)
	newName = normalizePath(newName)

	entry, ok := a.table.lookup(oldName, locale, lookupExact)
	if !ok {
		return newErr(KindNotFound, "rename file", oldName, nil)
	}
	data, err := readEntireFile(a, entry)
	if err != nil {
		return err
	}

	keep := entry.Flags & (fileSingleUnit | fileSectorCRC | filePatchFile | fileEncrypted | fileFixKey)
	entryLocale := entry.Locale
	a.deleteEntry(entry)
	return a.AddFileBytes(newName, data, keep, entryLocale)
}

// RemoveFile deletes mpqPath's entry from the archive (its data is not
// reclaimed until a later Compact).
func (a *Archive) RemoveFile(mpqPath string, locale uint16) error {
	if a.mode != "w" && a.mode != "m" {
		return newErr(KindAccessDenied, "remove file", mpqPath, nil)
	}
	entry, ok := a.table.lookup(normalizePath(mpqPath), locale, lookupExact)
	if !ok {
		return newErr(KindNotFound, "remove file", mpqPath, nil)
	}
	a.deleteEntry(entry)
	return nil
}

// ReadFile returns mpqPath's decompressed, decrypted bytes.
func (a *Archive) ReadFile(mpqPath string) ([]byte, error) {
	mpqPath = normalizePath(mpqPath)
	entry, ok := a.table.lookup(mpqPath, localeNeutral, lookupLocale)
	if !ok {
		return nil, newErr(KindNotFound, "read file", mpqPath, nil)
	}
	if entry.deleteMarker() {
		return nil, newErr(KindMarkedForDelete, "read file", mpqPath, nil)
	}
	return readEntireFile(a, entry)
}

// ExtractFile writes mpqPath's bytes to destPath on the local filesystem,
// creating destPath's parent directories as needed.
func (a *Archive) ExtractFile(mpqPath, destPath string) error {
	data, err := a.ReadFile(mpqPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(destPath, data, 0o644)
}

// ListFiles returns every recovered file name in the archive (those with no
// recovered (listfile) entry are omitted).
func (a *Archive) ListFiles() []string { return a.table.names() }

// HasFile reports whether mpqPath exists and is not a delete marker.
func (a *Archive) HasFile(mpqPath string) bool {
	entry, ok := a.table.lookup(normalizePath(mpqPath), localeNeutral, lookupAny)
	return ok && !entry.deleteMarker()
}

// IsDeleteMarker reports whether mpqPath is present as a deletion marker.
func (a *Archive) IsDeleteMarker(mpqPath string) bool {
	entry, ok := a.table.lookup(normalizePath(mpqPath), localeNeutral, lookupAny)
	return ok && entry.deleteMarker()
}

// IsPatchFile reports whether mpqPath carries the patch-file flag.
func (a *Archive) IsPatchFile(mpqPath string) bool {
	entry, ok := a.table.lookup(normalizePath(mpqPath), localeNeutral, lookupAny)
	return ok && entry.isPatchFile()
}
