package qcow2

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// refcountTableHeaderOffset is the byte offset of RefcountTableOffset in
// the wire header; RefcountTableClusters immediately follows it at +8,
// giving a single contiguous 12-byte field (format.go). Growing the
// reftable commits both with one WriteAt at this offset, which is the
// atomicity the on-disk format actually guarantees.
const refcountTableHeaderOffset = 48

// loadRefcountTable reads the entire reftable into memory. Called once
// from newImage; the engine keeps it resident and mutates it in place,
// the same way the L1 table is kept resident.
func (img *Image) loadRefcountTable() error {
	size := uint64(img.header.RefcountTableClusters) * img.clusterSize
	img.refcountTable = make([]byte, size)
	if size == 0 {
		return nil
	}
	_, err := img.file.ReadAt(img.refcountTable, int64(img.header.RefcountTableOffset))
	return err
}

// refblockAddressing computes which reftable slot and which slot within
// that refblock describes cluster index i, along with how many clusters
// one refblock covers at the image's configured refcount width.
func (img *Image) refblockAddressing(i uint64) (tableIndex, blockIndex, entriesPerBlock uint64) {
	bits := uint64(img.header.RefcountBits())
	entriesPerBlock = img.clusterSize * 8 / bits
	tableIndex = i / entriesPerBlock
	blockIndex = i % entriesPerBlock
	return
}

// readRefcountEntry reads the blockIndex-th refcount entry (width bits)
// out of a refblock's raw bytes.
func readRefcountEntry(block []byte, index uint64, bits uint32) uint64 {
	switch bits {
	case 1:
		byteIndex := index / 8
		bitIndex := 7 - (index % 8)
		return uint64((block[byteIndex] >> bitIndex) & 1)
	case 2:
		byteIndex := index / 4
		bitIndex := 6 - (index%4)*2
		return uint64((block[byteIndex] >> bitIndex) & 3)
	case 4:
		byteIndex := index / 2
		bitIndex := 4 - (index%2)*4
		return uint64((block[byteIndex] >> bitIndex) & 0xf)
	case 8:
		return uint64(block[index])
	case 16:
		return uint64(binary.BigEndian.Uint16(block[index*2:]))
	case 32:
		return uint64(binary.BigEndian.Uint32(block[index*4:]))
	case 64:
		return binary.BigEndian.Uint64(block[index*8:])
	default:
		return 0
	}
}

// writeRefcountEntry writes value into the index-th refcount entry of a
// refblock's raw bytes in place.
func writeRefcountEntry(block []byte, index uint64, bits uint32, value uint64) {
	switch bits {
	case 1:
		byteIndex := index / 8
		bitIndex := 7 - (index % 8)
		if value != 0 {
			block[byteIndex] |= 1 << bitIndex
		} else {
			block[byteIndex] &^= 1 << bitIndex
		}
	case 2:
		byteIndex := index / 4
		bitIndex := 6 - (index%4)*2
		block[byteIndex] = (block[byteIndex] &^ (3 << bitIndex)) | (byte(value&3) << bitIndex)
	case 4:
		byteIndex := index / 2
		bitIndex := 4 - (index%2)*4
		block[byteIndex] = (block[byteIndex] &^ (0xf << bitIndex)) | (byte(value&0xf) << bitIndex)
	case 8:
		block[index] = byte(value)
	case 16:
		binary.BigEndian.PutUint16(block[index*2:], uint16(value))
	case 32:
		binary.BigEndian.PutUint32(block[index*4:], uint32(value))
	case 64:
		binary.BigEndian.PutUint64(block[index*8:], value)
	}
}

// getLocked returns the refcount of cluster index i. refcountTableLock
// must already be held (read or write) by the caller.
func (img *Image) getLocked(i uint64) (uint64, error) {
	bits := img.header.RefcountBits()
	tableIndex, blockIndex, _ := img.refblockAddressing(i)
	tableEntries := uint64(len(img.refcountTable)) / 8
	if tableIndex >= tableEntries {
		return 0, nil
	}
	blockOffset := binary.BigEndian.Uint64(img.refcountTable[tableIndex*8:])
	if blockOffset == 0 {
		return 0, nil
	}
	entry, err := img.refcountCache.get(blockOffset)
	if err != nil {
		return 0, err
	}
	v := readRefcountEntry(entry.data, blockIndex, bits)
	img.refcountCache.put(entry)
	return v, nil
}

// get is the public cluster-index refcount lookup.
func (img *Image) get(i uint64) (uint64, error) {
	img.refcountTableLock.RLock()
	defer img.refcountTableLock.RUnlock()
	return img.getLocked(i)
}

// getRefcount is the byte-offset convenience wrapper most of qcow2.go uses.
func (img *Image) getRefcount(hostOffset uint64) (uint64, error) {
	return img.get(hostOffset >> img.clusterBits)
}

// ClusterRefcount returns the reference count for the cluster containing
// clusterOffset, aligning down to the cluster boundary first.
func (img *Image) ClusterRefcount(clusterOffset uint64) (uint64, error) {
	aligned := clusterOffset &^ img.offsetMask
	return img.getRefcount(aligned)
}

// IsClusterFree reports whether the cluster at clusterOffset has
// refcount 0.
func (img *Image) IsClusterFree(clusterOffset uint64) (bool, error) {
	r, err := img.getRefcount(clusterOffset)
	if err != nil {
		return false, err
	}
	return r == 0, nil
}

// RefcountInfo reports summary information about the refcount structure.
type RefcountInfo struct {
	RefcountBits    uint32
	EntriesPerBlock uint64
	TableClusters   uint32
	TableEntries    uint64
	AllocatedBlocks uint64
}

// GetRefcountInfo returns information about the refcount structure.
func (img *Image) GetRefcountInfo() (RefcountInfo, error) {
	img.refcountTableLock.RLock()
	defer img.refcountTableLock.RUnlock()

	bits := img.header.RefcountBits()
	_, _, entriesPerBlock := img.refblockAddressing(0)
	tableEntries := uint64(len(img.refcountTable)) / 8

	var allocated uint64
	for i := uint64(0); i < tableEntries; i++ {
		if binary.BigEndian.Uint64(img.refcountTable[i*8:]) != 0 {
			allocated++
		}
	}

	return RefcountInfo{
		RefcountBits:    bits,
		EntriesPerBlock: entriesPerBlock,
		TableClusters:   img.header.RefcountTableClusters,
		TableEntries:    tableEntries,
		AllocatedBlocks: allocated,
	}, nil
}

// HasLazyRefcounts reports whether this image was opened with the lazy
// refcounts compatible feature enabled.
func (img *Image) HasLazyRefcounts() bool {
	return img.lazyRefcounts
}

// applyDeltaLocked performs the read-modify-write of one already-resolved
// refblock entry, updates the free-cluster hint and discard queue on a
// transition to zero, and releases the cache pin.
func (img *Image) applyDeltaLocked(entry *metaCacheEntry, blockIndex uint64, bits uint32, idx uint64, delta int64, class DiscardClass) (uint64, error) {
	cur := readRefcountEntry(entry.data, blockIndex, bits)

	var next uint64
	if delta > 0 {
		next = cur + uint64(delta)
	} else {
		if cur < uint64(-delta) {
			img.refcountCache.put(entry)
			return 0, img.corrupt("error", idx<<img.clusterBits, img.clusterSize,
				"refcount underflow for cluster %d (current %d)", idx, cur)
		}
		next = cur - uint64(-delta)
	}

	maxVal := (uint64(1) << bits) - 1
	if next > maxVal {
		img.refcountCache.put(entry)
		return 0, img.corrupt("error", idx<<img.clusterBits, img.clusterSize,
			"refcount overflow for cluster %d (limit %d)", idx, maxVal)
	}

	writeRefcountEntry(entry.data, blockIndex, bits, next)
	img.refcountCache.markDirty(entry)
	img.refcountCache.put(entry)

	if next == 0 {
		img.resetFreeHint(idx)
		if class == DiscardAlways || (class == DiscardIfRequested && img.discardOnFree) {
			img.discards.enqueue(idx<<img.clusterBits, img.clusterSize)
			if !img.discards.suppressedNow() {
				if err := img.discards.flush(img, true); err != nil {
					return next, err
				}
			}
		}
	}
	return next, nil
}

// modifyOneLocked applies delta to cluster idx's refcount, allocating and
// growing whatever refcount metadata is missing along the way. The retry
// sentinel from loadOrAllocRefblockLocked is retried here, bounded, since
// by construction (raw allocation always advances the free-cluster hint
// before returning) the index this call is charging can never be the same
// physical cluster a nested metadata allocation just consumed.
func (img *Image) modifyOneLocked(idx uint64, delta int64, class DiscardClass) (uint64, error) {
	const maxRetries = 64
	for attempt := 0; attempt < maxRetries; attempt++ {
		entry, blockIndex, bits, err := img.loadOrAllocRefblockLocked(idx)
		if err == errRetry {
			continue
		}
		if err != nil {
			return 0, err
		}
		return img.applyDeltaLocked(entry, blockIndex, bits, idx, delta, class)
	}
	return 0, img.corrupt("fatal", idx<<img.clusterBits, img.clusterSize,
		"refblock allocation for cluster %d did not converge", idx)
}

// modifyOne applies delta to a single cluster index's refcount.
func (img *Image) modifyOne(i uint64, delta int64, class DiscardClass) (uint64, error) {
	if img.isCorrupted() {
		return 0, ErrIOCorrupt
	}
	img.refcountTableLock.Lock()
	defer img.refcountTableLock.Unlock()
	return img.modifyOneLocked(i, delta, class)
}

// modifyLocked applies delta to every cluster in [firstOffset,
// firstOffset+length), undoing whatever it already applied if a later
// cluster in the range fails.
func (img *Image) modifyLocked(firstOffset, length uint64, delta int64, class DiscardClass) error {
	firstIdx := firstOffset >> img.clusterBits
	n := length >> img.clusterBits
	var applied uint64
	for applied < n {
		if _, err := img.modifyOneLocked(firstIdx+applied, delta, class); err != nil {
			if uerr := img.undoAppliedLocked(firstIdx, applied, delta); uerr != nil {
				return uerr
			}
			return err
		}
		applied++
	}
	return nil
}

// undoAppliedLocked reverses the first `applied` clusters of a partially
// failed modify, in reverse order. A failure during undo escalates to
// ErrIOCorrupt: leaving a silently partial delta applied is exactly the
// inconsistency this subsystem exists to prevent.
func (img *Image) undoAppliedLocked(firstIdx, applied uint64, delta int64) error {
	for k := applied; k > 0; k-- {
		idx := firstIdx + k - 1
		if _, err := img.modifyOneLocked(idx, -delta, DiscardNever); err != nil {
			return img.corrupt("fatal", idx<<img.clusterBits, img.clusterSize,
				"undo of partially applied refcount delta failed: %v", err)
		}
	}
	return nil
}

// modify adds delta (+1 or -1) to the refcount of every cluster in
// [firstOffset, firstOffset+length).
func (img *Image) modify(firstOffset, length uint64, delta int64, class DiscardClass) error {
	if length == 0 {
		return nil
	}
	if delta != 1 && delta != -1 {
		return ErrInvalidArgument
	}
	if img.isCorrupted() {
		return ErrIOCorrupt
	}
	if firstOffset&img.offsetMask != 0 || length&img.offsetMask != 0 {
		return fmt.Errorf("%w: unaligned refcount range [0x%x,+0x%x)", ErrInvalidArgument, firstOffset, length)
	}

	img.refcountTableLock.Lock()
	defer img.refcountTableLock.Unlock()
	return img.modifyLocked(firstOffset, length, delta, class)
}

// incrementRefcount and decrementRefcount are the convenience wrappers the
// rest of qcow2.go calls; they route through the refcount engine and
// respect lazy-refcounts mode.
func (img *Image) incrementRefcount(hostOffset uint64) error {
	if img.lazyRefcounts {
		return nil
	}
	return img.modify(hostOffset, img.clusterSize, 1, DiscardNever)
}

func (img *Image) decrementRefcount(hostOffset uint64) error {
	if img.lazyRefcounts {
		return nil
	}
	return img.modify(hostOffset, img.clusterSize, -1, DiscardIfRequested)
}

// loadOrAllocRefblockLocked resolves the refblock entry describing cluster
// index i, allocating and linking a new refblock (and, if needed, growing
// the reftable itself) when none exists yet. This is the self-hosting
// allocator the refcount store depends on: the metadata it allocates is
// charged through the very same machinery it is extending.
//
// On success it returns a pinned cache entry (caller must eventually put
// it via applyDeltaLocked) plus the entry's blockIndex and bit width. On
// errRetry, the caller must call this again for the same i: the reftable
// just changed shape and the lookup must be redone against it.
func (img *Image) loadOrAllocRefblockLocked(i uint64) (*metaCacheEntry, uint64, uint32, error) {
	bits := img.header.RefcountBits()
	tableIndex, blockIndex, entriesPerBlock := img.refblockAddressing(i)
	tableEntries := uint64(len(img.refcountTable)) / 8

	if tableIndex < tableEntries {
		blockOffset := binary.BigEndian.Uint64(img.refcountTable[tableIndex*8:])
		if blockOffset != 0 {
			if blockOffset&img.offsetMask != 0 {
				return nil, 0, 0, img.corrupt("fatal", blockOffset, img.clusterSize,
					"refblock offset 0x%x is not cluster-aligned", blockOffset)
			}
			entry, err := img.refcountCache.get(blockOffset)
			if err != nil {
				return nil, 0, 0, err
			}
			return entry, blockIndex, bits, nil
		}
	}

	// No refblock covers i yet. Allocate a cluster b to hold one. b comes
	// from the same raw allocation free-hint as ordinary data, so it can
	// never collide with a cluster a concurrent call in this same critical
	// section is about to charge (the hint is advanced before raw
	// allocation returns).
	b, err := img.rawAllocLocked(1)
	if err != nil {
		return nil, 0, 0, err
	}
	bTableIndex, bBlockIndex, _ := img.refblockAddressing(b >> img.clusterBits)

	if bTableIndex == tableIndex {
		// Self-describing: b's own refblock span is the one that will
		// describe i, so seed b's self-reference directly into the new
		// block before it is ever linked into the reftable.
		entry := img.refcountCache.getEmpty(b)
		writeRefcountEntry(entry.data, bBlockIndex, bits, 1)
		img.refcountCache.markDirty(entry)
		if err := img.refcountCache.flush(); err != nil {
			img.refcountCache.put(entry)
			return nil, 0, 0, err
		}
		img.refcountCache.put(entry)
	} else {
		// Cross-describing: charge b's own span first (this may itself
		// recurse one level down into the self-describing case, since raw
		// allocation keeps moving forward and a recursive allocation lands
		// in the same span as b by construction), then seed b as an
		// all-zero refblock.
		if err := img.modifyLocked(b, img.clusterSize, 1, DiscardNever); err != nil {
			return nil, 0, 0, err
		}
		entry := img.refcountCache.getEmpty(b)
		img.refcountCache.markDirty(entry)
		if err := img.refcountCache.flush(); err != nil {
			img.refcountCache.put(entry)
			return nil, 0, 0, err
		}
		img.refcountCache.put(entry)
	}

	if tableIndex < tableEntries {
		binary.BigEndian.PutUint64(img.refcountTable[tableIndex*8:], b)
		if _, err := img.file.WriteAt(img.refcountTable[tableIndex*8:tableIndex*8+8],
			int64(img.header.RefcountTableOffset+tableIndex*8)); err != nil {
			return nil, 0, 0, err
		}
		return nil, 0, 0, errRetry
	}

	if err := img.growReftableLocked(tableIndex, b, entriesPerBlock); err != nil {
		return nil, 0, 0, err
	}
	return nil, 0, 0, errRetry
}

// growReftableLocked enlarges the reftable so that slot tableIndex exists,
// using b (already allocated and self-described by the caller) as that
// slot's refblock. New reftable clusters are placed past the current end
// of the file and are themselves self-described before the single atomic
// 12-byte header write that makes the new layout the image's reftable.
// The old reftable's clusters are freed afterward.
func (img *Image) growReftableLocked(tableIndex uint64, b uint64, entriesPerBlock uint64) error {
	oldEntries := uint64(len(img.refcountTable)) / 8

	newEntries := oldEntries*3/2 + 1
	if newEntries <= tableIndex {
		newEntries = tableIndex + 1
	}
	newTableClusters := (newEntries*8 + img.clusterSize - 1) / img.clusterSize
	newEntries = newTableClusters * img.clusterSize / 8

	if img.maxReftableClusters > 0 && newTableClusters > uint64(img.maxReftableClusters) {
		return ErrTooBig
	}

	newTable := make([]byte, newEntries*8)
	copy(newTable, img.refcountTable)

	placed := make(map[uint64]uint64, oldEntries+4)
	for idx := uint64(0); idx < oldEntries; idx++ {
		if off := binary.BigEndian.Uint64(newTable[idx*8:]); off != 0 {
			placed[idx] = off
		}
	}
	placed[tableIndex] = b

	info, err := img.file.Stat()
	if err != nil {
		return err
	}
	nextFree := uint64(info.Size())
	if nextFree&img.offsetMask != 0 {
		nextFree = (nextFree + img.clusterSize) &^ img.offsetMask
	}

	reftableOffset := nextFree
	nextFree += newTableClusters * img.clusterSize

	var newBlocks []uint64
	allocBlock := func(span uint64) uint64 {
		off := nextFree
		nextFree += img.clusterSize
		placed[span] = off
		newBlocks = append(newBlocks, span)
		return off
	}

	// Fixed point: every cluster of the new reftable (and every refblock
	// cluster allocated to describe one) must itself be covered by some
	// refblock span. This converges quickly because each pass can only
	// add clusters adjacent to what was just placed.
	touched := make(map[uint64]bool)
	checkCovered := func(clusterOff uint64) bool {
		idx := clusterOff >> img.clusterBits
		span := idx / entriesPerBlock
		if touched[clusterOff] {
			return false
		}
		touched[clusterOff] = true
		if _, ok := placed[span]; ok {
			return false
		}
		allocBlock(span)
		return true
	}
	for pass := 0; pass < 8; pass++ {
		progress := false
		for c := uint64(0); c < newTableClusters; c++ {
			if checkCovered(reftableOffset + c*img.clusterSize) {
				progress = true
			}
		}
		for _, span := range newBlocks {
			if checkCovered(placed[span]) {
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	for idx, off := range placed {
		if idx < newEntries {
			binary.BigEndian.PutUint64(newTable[idx*8:], off)
		}
	}

	for _, span := range newBlocks {
		off := placed[span]
		entry := img.refcountCache.getEmpty(off)
		spanBase := span * entriesPerBlock
		for idx, candidateOff := range placed {
			if candidateOff == 0 || idx/entriesPerBlock != span {
				continue
			}
			writeRefcountEntry(entry.data, idx-spanBase, img.header.RefcountBits(), 1)
		}
		img.refcountCache.markDirty(entry)
		if err := img.refcountCache.flush(); err != nil {
			img.refcountCache.put(entry)
			return err
		}
		img.refcountCache.put(entry)
	}

	if err := extendFile(img.file, nextFree); err != nil {
		return err
	}
	if _, err := img.file.WriteAt(newTable, int64(reftableOffset)); err != nil {
		return err
	}
	if err := img.file.Sync(); err != nil {
		return err
	}

	// Linearization point: one write covering both header fields.
	headerUpdate := make([]byte, 12)
	binary.BigEndian.PutUint64(headerUpdate[0:8], reftableOffset)
	binary.BigEndian.PutUint32(headerUpdate[8:12], uint32(newTableClusters))
	if _, err := img.file.WriteAt(headerUpdate, refcountTableHeaderOffset); err != nil {
		return err
	}
	if err := img.file.Sync(); err != nil {
		return err
	}

	oldReftableOffset := img.header.RefcountTableOffset
	oldReftableClusters := img.header.RefcountTableClusters

	img.header.RefcountTableOffset = reftableOffset
	img.header.RefcountTableClusters = uint32(newTableClusters)
	img.refcountTable = newTable

	if oldReftableClusters > 0 {
		if err := img.modifyLocked(oldReftableOffset, uint64(oldReftableClusters)*img.clusterSize, -1, DiscardAlways); err != nil {
			img.logLeak(oldReftableOffset, uint64(oldReftableClusters)*img.clusterSize,
				fmt.Sprintf("failed to free old reftable after growth: %v", err))
		}
	}
	return nil
}

// rebuildRefcounts reconstructs every refcount in the image from ground
// truth (header, L1/L2 tables, reftable, snapshots) and rewrites the
// refcount store to match. It is invoked by the consistency checker's
// rebuild phase and directly by newImage when a lazy-refcounts image is
// reopened dirty.
func (img *Image) rebuildRefcounts() error {
	img.refcountTableLock.Lock()
	defer img.refcountTableLock.Unlock()

	img.refcountCache.empty()

	refcounts, err := img.walkGroundTruthRefcountsLocked()
	if err != nil {
		return err
	}

	bits := img.header.RefcountBits()
	_, _, entriesPerBlock := img.refblockAddressing(0)
	tableEntries := uint64(len(img.refcountTable)) / 8

	blockUpdates := make(map[uint64]map[uint64]uint64)
	for clusterIdx, refcount := range refcounts {
		tableIndex := clusterIdx / entriesPerBlock
		blockIndex := clusterIdx % entriesPerBlock
		if tableIndex >= tableEntries {
			continue
		}
		blockOffset := binary.BigEndian.Uint64(img.refcountTable[tableIndex*8:])
		if blockOffset == 0 {
			continue
		}
		if blockUpdates[blockOffset] == nil {
			blockUpdates[blockOffset] = make(map[uint64]uint64)
		}
		blockUpdates[blockOffset][blockIndex] = refcount
	}

	for blockOffset, updates := range blockUpdates {
		entry := img.refcountCache.getEmpty(blockOffset)
		for blockIndex, refcount := range updates {
			writeRefcountEntry(entry.data, blockIndex, bits, refcount)
		}
		img.refcountCache.markDirty(entry)
		img.refcountCache.put(entry)
	}

	if err := img.refcountCache.flush(); err != nil {
		return err
	}
	if img.freeBitmap != nil {
		img.freeBitmap = nil
		img.freeBitmapOnce = sync.Once{}
	}
	img.freeClusterHintMu.Lock()
	img.freeClusterHintInit = false
	img.freeClusterHintMu.Unlock()
	return img.file.Sync()
}

// walkGroundTruthRefcountsLocked scans the header, L1/L2 tables, reftable
// and refblocks, and every snapshot's own L1 table, to compute what each
// cluster's refcount ought to be. refcountTableLock must already be held.
func (img *Image) walkGroundTruthRefcountsLocked() (map[uint64]uint64, error) {
	refcounts := make(map[uint64]uint64)

	refcounts[0] = 1 // header

	l1Start := img.header.L1TableOffset >> img.clusterBits
	l1Size := uint64(img.header.L1Size) * 8
	l1Clusters := (l1Size + img.clusterSize - 1) >> img.clusterBits
	for i := uint64(0); i < l1Clusters; i++ {
		refcounts[l1Start+i] = 1
	}

	refStart := img.header.RefcountTableOffset >> img.clusterBits
	refClusters := uint64(img.header.RefcountTableClusters)
	for i := uint64(0); i < refClusters; i++ {
		refcounts[refStart+i] = 1
	}

	tableEntries := uint64(len(img.refcountTable)) / 8
	for i := uint64(0); i < tableEntries; i++ {
		blockOffset := binary.BigEndian.Uint64(img.refcountTable[i*8:])
		if blockOffset == 0 {
			continue
		}
		refcounts[blockOffset>>img.clusterBits] = 1
	}

	if err := img.walkL1TableRefcounts(img.header.L1TableOffset, uint64(img.header.L1Size), refcounts); err != nil {
		return nil, err
	}

	if img.header.NbSnapshots > 0 && img.header.SnapshotsOffset != 0 {
		offset := int64(img.header.SnapshotsOffset)
		var snapTableBytes int64
		for i := uint32(0); i < img.header.NbSnapshots; i++ {
			snap, entrySize, err := parseSnapshot(img.file, offset+snapTableBytes)
			if err != nil {
				return nil, fmt.Errorf("qcow2: failed to parse snapshot %d during rebuild: %w", i, err)
			}
			snapTableBytes += entrySize

			l1Entries := uint64(snap.L1Size)
			l1Clusters := (l1Entries*8 + img.clusterSize - 1) >> img.clusterBits
			start := snap.L1TableOffset >> img.clusterBits
			for c := uint64(0); c < l1Clusters; c++ {
				refcounts[start+c]++
			}
			if err := img.walkL1TableRefcounts(snap.L1TableOffset, l1Entries, refcounts); err != nil {
				return nil, err
			}
		}

		snapTableStart := img.header.SnapshotsOffset >> img.clusterBits
		snapTableClusters := (uint64(snapTableBytes) + img.clusterSize - 1) >> img.clusterBits
		for i := uint64(0); i < snapTableClusters; i++ {
			refcounts[snapTableStart+i]++
		}
	}

	return refcounts, nil
}

// walkL1TableRefcounts adds to refcounts every L2 table and data cluster
// reachable from the L1 table at l1Offset.
func (img *Image) walkL1TableRefcounts(l1Offset uint64, l1Entries uint64, refcounts map[uint64]uint64) error {
	if l1Offset == 0 || l1Entries == 0 {
		return nil
	}
	l1Size := l1Entries * 8
	l1 := make([]byte, l1Size)
	if _, err := img.file.ReadAt(l1, int64(l1Offset)); err != nil {
		return fmt.Errorf("qcow2: failed to read L1 table during rebuild: %w", err)
	}

	for i := uint64(0); i < l1Entries; i++ {
		l1Entry := binary.BigEndian.Uint64(l1[i*8:])
		l2Offset := l1Entry & L1EntryOffsetMask
		if l2Offset == 0 {
			continue
		}
		refcounts[l2Offset>>img.clusterBits]++

		l2Table := make([]byte, img.clusterSize)
		if _, err := img.file.ReadAt(l2Table, int64(l2Offset)); err != nil {
			return fmt.Errorf("qcow2: failed to read L2 table during rebuild: %w", err)
		}
		for j := uint64(0); j < img.l2Entries; j++ {
			l2Entry := binary.BigEndian.Uint64(l2Table[j*8:])
			if l2Entry == 0 {
				continue
			}
			if l2Entry&L2EntryCompressed != 0 {
				offset, compressedSize := img.parseCompressedL2Entry(l2Entry)
				clusterOff := offset &^ img.offsetMask
				clusterEnd := (offset + compressedSize + img.clusterSize - 1) &^ img.offsetMask
				for c := clusterOff; c < clusterEnd; c += img.clusterSize {
					refcounts[c>>img.clusterBits]++
				}
				continue
			}
			if l2Entry&L2EntryZeroFlag != 0 && l2Entry&L2EntryOffsetMask == 0 {
				continue
			}
			dataOffset := l2Entry & L2EntryOffsetMask
			if dataOffset != 0 {
				refcounts[dataOffset>>img.clusterBits]++
			}
		}
	}
	return nil
}
