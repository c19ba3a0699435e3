package qcow2

import (
	"encoding/binary"
	"fmt"
)

// CheckResult reports what a Check (or CheckWithOptions) pass found, and,
// in fix mode, what it repaired.
type CheckResult struct {
	Leaks          int
	LeakedClusters uint64
	Corruptions    int
	Errors         []string

	AllocatedClusters  uint64
	ReferencedClusters uint64
	FragmentedClusters uint64

	// UnknownFeatures lists compatible/autoclear feature bits the header
	// advertises that this engine doesn't act on, named via the feature
	// name table extension when the image carries one (e.g. "compat_3",
	// or "autoclear_0 (bitmaps)" if the writer named it). These don't
	// block opening the image — only unrecognized incompatible bits do,
	// in Header.Validate — but a repair pass should know about them
	// before it rewrites metadata out from under a feature it can't see.
	UnknownFeatures []string

	NeedsRebuild    bool
	CorruptionsFixed int
	LeaksFixed       int
}

// IsClean reports whether no errors, corruptions, or leaks were found.
func (r *CheckResult) IsClean() bool {
	return r.Corruptions == 0 && r.Leaks == 0 && len(r.Errors) == 0
}

// CheckOptions configures a consistency check pass.
type CheckOptions struct {
	// FixErrors repairs under-counts and refcount-zero-but-live clusters.
	FixErrors bool
	// FixLeaks repairs over-counts (refcount-nonzero-but-unreferenced),
	// discarding the leaked clusters.
	FixLeaks bool
}

// Check performs a read-only consistency check: phases 1-3 of the
// five-phase algorithm. Phase 4 (rebuild) never runs, and phase 5 runs
// only when a fix flag is set, so Check does not examine only-copy bits.
func (img *Image) Check() (*CheckResult, error) {
	return img.check(CheckOptions{})
}

// CheckWithOptions performs a check, applying whatever repairs opts
// requests. A structural problem found in phase 2 (a misaligned or
// out-of-image refblock pointer) forces a phase-4 rebuild whenever either
// fix flag is set, regardless of which flag.
func (img *Image) CheckWithOptions(opts CheckOptions) (*CheckResult, error) {
	return img.check(opts)
}

func (img *Image) check(opts CheckOptions) (*CheckResult, error) {
	if (opts.FixErrors || opts.FixLeaks) && img.readOnly {
		return nil, ErrReadOnly
	}

	img.refcountTableLock.Lock()
	defer img.refcountTableLock.Unlock()

	result := &CheckResult{}
	result.UnknownFeatures = img.unrecognizedFeatureNames()

	// Phase 1: ground truth from L1/L2/snapshots/reftable region.
	truth, err := img.walkGroundTruthRefcountsLocked()
	if err != nil {
		return nil, fmt.Errorf("qcow2: check phase 1 failed: %w", err)
	}

	// Phase 2: validate the reftable/refblock structure itself.
	tableEntries := uint64(len(img.refcountTable)) / 8
	refblockCounts := make(map[uint64]int)
	for i := uint64(0); i < tableEntries; i++ {
		blockOffset := binary.BigEndian.Uint64(img.refcountTable[i*8:])
		if blockOffset == 0 {
			continue
		}
		if blockOffset&img.offsetMask != 0 {
			result.Corruptions++
			result.NeedsRebuild = true
			result.Errors = append(result.Errors,
				fmt.Sprintf("reftable[%d]: refblock offset 0x%x is not cluster-aligned", i, blockOffset))
			continue
		}
		refblockCounts[blockOffset>>img.clusterBits]++
	}
	info, err := img.file.Stat()
	if err != nil {
		return nil, fmt.Errorf("qcow2: check failed to stat file: %w", err)
	}
	maxCluster := uint64(info.Size()) >> img.clusterBits
	for idx, n := range refblockCounts {
		if idx >= maxCluster {
			result.Corruptions++
			result.NeedsRebuild = true
			result.Errors = append(result.Errors,
				fmt.Sprintf("refblock cluster %d lies outside the image", idx))
			continue
		}
		if n != 1 {
			result.NeedsRebuild = true
		}
	}

	// Phase 3: compare ground truth to on-disk refcounts.
	if err := img.checkComparePhaseLocked(result, truth, maxCluster, opts); err != nil {
		return nil, err
	}

	// Phase 4: rebuild, only if requested and needed.
	if result.NeedsRebuild && (opts.FixErrors || opts.FixLeaks) {
		if err := img.rebuildRefcounts(); err != nil {
			return nil, fmt.Errorf("qcow2: check phase 4 rebuild failed: %w", err)
		}
		result.NeedsRebuild = false

		// Step 7: re-run phase 3 in leak-only mode to free the clusters
		// the old reftable/refblocks occupied before the rebuild.
		leakOnly := &CheckResult{}
		if err := img.checkComparePhaseLocked(leakOnly, truth, maxCluster, CheckOptions{FixLeaks: true}); err != nil {
			return nil, err
		}
		result.LeaksFixed += leakOnly.LeaksFixed
	}

	// Phase 5: only-copy flag check.
	if err := img.checkOflagCopiedLocked(result, opts); err != nil {
		return nil, err
	}

	return result, nil
}

// checkComparePhaseLocked implements phase 3: compare on-disk refcounts
// to ground truth cluster by cluster and apply whatever repair opts asks
// for.
func (img *Image) checkComparePhaseLocked(result *CheckResult, truth map[uint64]uint64, maxCluster uint64, opts CheckOptions) error {
	var lastData uint64
	for idx := uint64(0); idx < maxCluster; idx++ {
		rTruth := truth[idx]
		rDisk, err := img.getLocked(idx)
		if err != nil {
			continue
		}

		if rDisk > 0 {
			result.AllocatedClusters++
		}
		if rTruth > 0 {
			result.ReferencedClusters++
			if lastData != 0 && idx != lastData+1 {
				result.FragmentedClusters++
			}
			lastData = idx
		}

		switch {
		case rDisk == rTruth:
			// correct
		case rDisk == 0 && rTruth > 0:
			result.Corruptions++
			result.NeedsRebuild = true
			result.Errors = append(result.Errors,
				fmt.Sprintf("cluster %d: live reference but refcount is 0", idx))
			if opts.FixErrors {
				if _, err := img.modifyOneLocked(idx, int64(rTruth), DiscardNever); err != nil {
					return err
				}
				result.CorruptionsFixed++
			}
		case rDisk < rTruth:
			result.Corruptions++
			result.Errors = append(result.Errors,
				fmt.Sprintf("cluster %d: refcount under-count (disk=%d, truth=%d)", idx, rDisk, rTruth))
			if opts.FixErrors {
				if _, err := img.modifyOneLocked(idx, int64(rTruth-rDisk), DiscardNever); err != nil {
					return err
				}
				result.CorruptionsFixed++
			}
		case rDisk > rTruth:
			result.Leaks++
			result.LeakedClusters += (rDisk - rTruth) * img.clusterSize
			if opts.FixLeaks {
				if _, err := img.modifyOneLocked(idx, -int64(rDisk-rTruth), DiscardAlways); err != nil {
					return err
				}
				result.LeaksFixed++
			}
		}
	}
	return nil
}

// checkOflagCopiedLocked implements phase 5: every L1/L2 entry's only-copy
// bit must equal refcount(target)==1. It does nothing unless a fix flag is
// set. In leak-only mode a repair is only applied if no unresolved errors
// remain, matching the ordering spec.md phase 5 calls for.
func (img *Image) checkOflagCopiedLocked(result *CheckResult, opts CheckOptions) error {
	if !opts.FixErrors && !opts.FixLeaks {
		return nil
	}
	mayRepair := opts.FixErrors || (opts.FixLeaks && result.Corruptions == result.CorruptionsFixed)
	if !mayRepair {
		return nil
	}

	img.l1Mu.Lock()
	defer img.l1Mu.Unlock()

	l1Entries := uint64(img.header.L1Size)
	l1Dirty := false
	for i := uint64(0); i < l1Entries; i++ {
		if i*8+8 > uint64(len(img.l1Table)) {
			break
		}
		l1Entry := binary.BigEndian.Uint64(img.l1Table[i*8:])
		l2Offset := l1Entry & L1EntryOffsetMask
		if l2Offset == 0 {
			continue
		}
		if err := img.fixOflagInL2Locked(l2Offset); err != nil {
			return err
		}

		r, err := img.getLocked(l2Offset >> img.clusterBits)
		if err != nil {
			return err
		}
		wantFlag := r == 1
		hasFlag := l1Entry&L1EntryCopied != 0
		if wantFlag != hasFlag {
			if wantFlag {
				l1Entry |= L1EntryCopied
			} else {
				l1Entry &^= L1EntryCopied
			}
			binary.BigEndian.PutUint64(img.l1Table[i*8:], l1Entry)
			l1Dirty = true
		}
	}
	if l1Dirty {
		if _, err := img.file.WriteAt(img.l1Table, int64(img.header.L1TableOffset)); err != nil {
			return fmt.Errorf("qcow2: failed to rewrite L1 table during only-copy repair: %w", err)
		}
	}
	return nil
}

// fixOflagInL2Locked repairs the only-copy bit of every data-cluster entry
// in the L2 table at l2Offset.
func (img *Image) fixOflagInL2Locked(l2Offset uint64) error {
	l2Table, err := img.getL2Table(l2Offset)
	if err != nil {
		return err
	}
	dirty := false
	for j := uint64(0); j < img.l2Entries; j++ {
		l2Entry := binary.BigEndian.Uint64(l2Table[j*8:])
		if l2Entry == 0 || l2Entry&L2EntryCompressed != 0 {
			continue // compressed entries never carry the bit
		}
		dataOffset := l2Entry & L2EntryOffsetMask
		if dataOffset == 0 {
			continue
		}
		r, err := img.getLocked(dataOffset >> img.clusterBits)
		if err != nil {
			return err
		}
		wantFlag := r == 1
		hasFlag := l2Entry&L2EntryCopied != 0
		if wantFlag != hasFlag {
			if wantFlag {
				l2Entry |= L2EntryCopied
			} else {
				l2Entry &^= L2EntryCopied
			}
			binary.BigEndian.PutUint64(l2Table[j*8:], l2Entry)
			dirty = true
		}
	}
	if dirty {
		if _, err := img.file.WriteAt(l2Table, int64(l2Offset)); err != nil {
			return fmt.Errorf("qcow2: failed to rewrite L2 table during only-copy repair: %w", err)
		}
		img.l2Cache.put(l2Offset, l2Table)
	}
	return nil
}

// Repair runs a full fix-mode check (both fix flags set), matching the
// historical one-shot repair entry point. Refcounts are rebuilt from ground
// truth (phase 4) only when that check finds a structural reftable/refblock
// problem; otherwise individual counts are repaired in place.
func (img *Image) Repair() (*CheckResult, error) {
	return img.CheckWithOptions(CheckOptions{FixErrors: true, FixLeaks: true})
}

// unrecognizedFeatureNames lists compatible/autoclear feature bits this
// engine doesn't implement, named from the feature name table extension
// (extensions.go) when the writer included one. Lazy refcounts is the
// only compatible feature C4 understands; nothing in the autoclear set is
// acted on, since the bitmap directory this engine would otherwise clear
// is out of scope.
func (img *Image) unrecognizedFeatureNames() []string {
	const knownCompatible = uint64(CompatLazyRefcounts)
	const knownAutoclear = uint64(0)

	unknownCompat := img.header.CompatibleFeatures &^ knownCompatible
	unknownAutoclear := img.header.AutoclearFeatures &^ knownAutoclear
	if unknownCompat == 0 && unknownAutoclear == 0 {
		return nil
	}

	var names map[string]string
	if img.extensions != nil {
		names = img.extensions.FeatureNames
	}

	var out []string
	for bit := 0; bit < 64; bit++ {
		if unknownCompat&(1<<uint(bit)) != 0 {
			out = append(out, featureLabel(names, "compat", bit))
		}
	}
	for bit := 0; bit < 64; bit++ {
		if unknownAutoclear&(1<<uint(bit)) != 0 {
			out = append(out, featureLabel(names, "autoclear", bit))
		}
	}
	return out
}

func featureLabel(names map[string]string, class string, bit int) string {
	key := fmt.Sprintf("%s_%d", class, bit)
	if name, ok := names[key]; ok && name != "" {
		return fmt.Sprintf("%s (%s)", key, name)
	}
	return key
}
