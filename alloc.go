package qcow2

import (
	"fmt"
	"os"
)

// minSearchCluster is the lowest cluster index raw_alloc will ever hand
// out: cluster 0 always holds the header and is never free.
const minSearchCluster = 1

// rawAlloc implements C5.A: find n contiguous free (refcount-zero) clusters
// starting at the current free-cluster hint, extend the backing files if
// the run falls past their current end, and advance the hint past the run
// — all without touching any refcount. The caller (alloc/allocAt) charges
// the refcounts afterward; this split is what lets the self-hosting C4
// allocator reuse rawAlloc for its own metadata clusters without
// recursively needing a charged cluster first.
//
// refcountTableLock must already be held by the caller.
func (img *Image) rawAllocLocked(n uint64) (uint64, error) {
	if img.discards.pending() && !img.discards.suppressedNow() {
		if err := img.discards.flush(img, true); err != nil {
			return 0, err
		}
	}

	img.freeBitmapOnce.Do(func() { img.buildFreeBitmapLocked() })

	if img.freeBitmap != nil && n == 1 {
		if offset, ok := img.tryBitmapAllocLocked(); ok {
			return offset, nil
		}
	}

	img.freeClusterHintMu.Lock()
	idx := img.freeClusterHint
	if !img.freeClusterHintInit {
		idx = minSearchCluster
		img.freeClusterHintInit = true
	}
	img.freeClusterHintMu.Unlock()

	for {
		bad, ok := img.scanContiguousFreeLocked(idx, n)
		if ok {
			if err := img.ensureFileExtendsToLocked((idx + n) << img.clusterBits); err != nil {
				return 0, err
			}
			img.setFreeHint(idx + n)
			if img.freeBitmap != nil {
				for k := uint64(0); k < n; k++ {
					img.freeBitmap.setUsed(idx + k)
				}
			}
			return idx << img.clusterBits, nil
		}
		idx = bad + 1
	}
}

// tryBitmapAllocLocked consults the accelerator bitmap for a single free
// cluster. The bitmap is only a hint — every candidate is re-verified
// against the refcount store (ground truth) before being trusted, since it
// can go stale after a rebuild or a rewound reftable growth.
func (img *Image) tryBitmapAllocLocked() (uint64, bool) {
	for {
		idx, ok := img.freeBitmap.findFree()
		if !ok {
			return 0, false
		}
		r, err := img.getLocked(idx)
		if err != nil {
			return 0, false
		}
		if r != 0 || img.isMetadataCluster(idx<<img.clusterBits) {
			continue // stale bit; findFree already consumed it
		}
		if err := img.ensureFileExtendsToLocked((idx + 1) << img.clusterBits); err != nil {
			return 0, false
		}
		img.setFreeHint(idx + 1)
		return idx << img.clusterBits, true
	}
}

// scanContiguousFreeLocked checks whether clusters [idx, idx+n) are all
// free and not metadata. On success it returns (idx, true). On failure it
// returns the index of the first cluster that wasn't usable, so the caller
// can restart its scan immediately past it.
func (img *Image) scanContiguousFreeLocked(idx, n uint64) (uint64, bool) {
	for k := uint64(0); k < n; k++ {
		r, err := img.getLocked(idx + k)
		if err != nil || r != 0 {
			return idx + k, false
		}
		if img.isMetadataCluster((idx + k) << img.clusterBits) {
			return idx + k, false
		}
	}
	return idx, true
}

func (img *Image) setFreeHint(idx uint64) {
	img.freeClusterHintMu.Lock()
	img.freeClusterHint = idx
	img.freeClusterHintInit = true
	img.freeClusterHintMu.Unlock()
}

// resetFreeHint pulls the hint back down whenever a cluster below it goes
// to refcount zero, so the next allocation reuses freed space instead of
// always growing the file.
func (img *Image) resetFreeHint(idx uint64) {
	img.freeClusterHintMu.Lock()
	if !img.freeClusterHintInit || idx < img.freeClusterHint {
		img.freeClusterHint = idx
		img.freeClusterHintInit = true
	}
	img.freeClusterHintMu.Unlock()
	if img.freeBitmap != nil {
		img.freeBitmap.setFree(idx)
	}
}

func (img *Image) ensureFileExtendsToLocked(end uint64) error {
	if err := extendFile(img.file, end); err != nil {
		return err
	}
	if img.externalDataFile != nil {
		if err := extendFile(img.externalDataFile, end); err != nil {
			return err
		}
	}
	if img.freeBitmap != nil {
		img.freeBitmap.grow(end >> img.clusterBits)
	}
	return nil
}

func extendFile(f *os.File, end uint64) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if uint64(info.Size()) < end {
		if err := f.Truncate(int64(end)); err != nil {
			return err
		}
	}
	return nil
}

// buildFreeBitmapLocked scans the current refcount store once to seed the
// accelerator bitmap. Called lazily, at most once per Image, the first
// time rawAlloc needs it.
func (img *Image) buildFreeBitmapLocked() {
	info, err := img.file.Stat()
	if err != nil {
		return
	}
	numClusters := uint64(info.Size()) >> img.clusterBits
	if numClusters == 0 {
		return
	}

	img.freeBitmap = newFreeClusterBitmap(numClusters, minSearchCluster)
	for idx := uint64(minSearchCluster); idx < numClusters; idx++ {
		r, err := img.getLocked(idx)
		if err != nil || r != 0 {
			continue
		}
		if img.isMetadataCluster(idx << img.clusterBits) {
			continue
		}
		img.freeBitmap.setFree(idx)
	}
}

// alloc is the public C5.B allocator: find size bytes of contiguous free
// clusters and charge each a refcount of 1.
func (img *Image) alloc(size uint64) (uint64, error) {
	if size == 0 || size&img.offsetMask != 0 {
		return 0, ErrInvalidArgument
	}
	if img.isCorrupted() {
		return 0, ErrIOCorrupt
	}
	n := size >> img.clusterBits

	img.refcountTableLock.Lock()
	defer img.refcountTableLock.Unlock()

	offset, err := img.rawAllocLocked(n)
	if err != nil {
		return 0, err
	}
	if err := img.modifyLocked(offset, size, 1, DiscardNever); err != nil {
		return 0, err
	}
	return offset, nil
}

// allocAt implements C5.C: claim as many of the n clusters starting at
// offset as are currently free, charging each a refcount of 1. Used to
// restore specific clusters (e.g. re-materializing a snapshot's L1/L2
// tables at their original addresses). Returns the number of clusters
// actually claimed, which may be less than n if some were already in use.
func (img *Image) allocAt(offset uint64, n uint64) (uint64, error) {
	if offset&img.offsetMask != 0 {
		return 0, ErrInvalidArgument
	}
	if img.isCorrupted() {
		return 0, ErrIOCorrupt
	}

	img.refcountTableLock.Lock()
	defer img.refcountTableLock.Unlock()

	startIdx := offset >> img.clusterBits
	var claimed uint64
	for claimed < n {
		r, err := img.getLocked(startIdx + claimed)
		if err != nil {
			return claimed, err
		}
		if r != 0 {
			break
		}
		claimed++
	}
	if claimed == 0 {
		return 0, nil
	}
	if err := img.ensureFileExtendsToLocked((startIdx + claimed) << img.clusterBits); err != nil {
		return 0, err
	}
	if err := img.modifyLocked(offset, claimed<<img.clusterBits, 1, DiscardNever); err != nil {
		return 0, err
	}
	return claimed, nil
}

// allocBytes implements C5.D: a bump allocator for sub-cluster payloads
// (compressed cluster data, which rarely fills a whole cluster). Distinct
// sub-allocations sharing one physical cluster each get their own
// reference on that cluster's refcount so they can be freed independently.
func (img *Image) allocBytes(size uint64) (uint64, error) {
	if size == 0 || size > img.clusterSize {
		return 0, ErrInvalidArgument
	}
	if img.isCorrupted() {
		return 0, ErrIOCorrupt
	}

	img.byteAllocMu.Lock()
	defer img.byteAllocMu.Unlock()

	needFresh := img.byteAllocCluster == 0 || img.byteAllocOffset+size > img.clusterSize
	if needFresh {
		if img.byteAllocCluster != 0 && img.byteAllocOffset < img.clusterSize {
			remainder := img.clusterSize - img.byteAllocOffset
			img.logLeak(img.byteAllocCluster+img.byteAllocOffset, remainder,
				"abandoning partial sub-cluster remainder, next allocation doesn't fit")
		}
		clusterOff, err := img.alloc(img.clusterSize)
		if err != nil {
			return 0, err
		}
		img.byteAllocCluster = clusterOff
		img.byteAllocOffset = 0
	} else if img.byteAllocOffset > 0 {
		// Sharing the current bump cluster with another sub-allocation: it
		// needs its own reference so it can be freed independently later.
		if _, err := img.modifyOne(img.byteAllocCluster>>img.clusterBits, 1, DiscardNever); err != nil {
			return 0, err
		}
	}

	offset := img.byteAllocCluster + img.byteAllocOffset
	img.byteAllocOffset += size
	if img.byteAllocOffset >= img.clusterSize {
		img.byteAllocCluster = 0
		img.byteAllocOffset = 0
	}

	// The L2 entry the caller is about to write points at this offset, so
	// the charge backing it must be durable first (C2 set_dependency).
	if err := img.refcountCache.flush(); err != nil {
		return 0, err
	}
	return offset, nil
}

// free implements C5.E: release length bytes starting at offset. Failures
// are logged and leaked rather than returned, matching spec §7's sole
// exception — callers of free cannot themselves abort a release path.
func (img *Image) free(offset, length uint64, class DiscardClass) {
	if err := img.modify(offset, length, -1, class); err != nil {
		img.logLeak(offset, length, fmt.Sprintf("failed to free cluster range: %v", err))
	}
}

// freeByL2Entry implements C5.F: decode an L2 (or extended-L2) entry's
// cluster type and free whatever it references.
func (img *Image) freeByL2Entry(entry uint64, n uint64, class DiscardClass) {
	if entry&L2EntryCompressed != 0 {
		offset, compressedSize := img.parseCompressedL2Entry(entry)
		clusterOff := offset &^ img.offsetMask
		clusterEnd := (offset + compressedSize + img.clusterSize - 1) &^ img.offsetMask
		img.free(clusterOff, clusterEnd-clusterOff, class)
		return
	}
	physOff := entry & L2EntryOffsetMask
	if physOff == 0 {
		return // unallocated or zero-without-data
	}
	img.free(physOff, n*img.clusterSize, class)
}
