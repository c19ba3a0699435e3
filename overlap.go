package qcow2

import "encoding/binary"

// overlapRegionKind names the kind of metadata an overlapRegion covers.
type overlapRegionKind string

const (
	overlapHeader         overlapRegionKind = "header"
	overlapL1Table        overlapRegionKind = "l1_table"
	overlapL2Table        overlapRegionKind = "l2_table"
	overlapRefcountTable  overlapRegionKind = "refcount_table"
	overlapRefcountBlock  overlapRegionKind = "refcount_block"
	overlapSnapshotTable  overlapRegionKind = "snapshot_table"
	overlapSnapshotL1     overlapRegionKind = "snapshot_l1"
	overlapSnapshotL2     overlapRegionKind = "snapshot_l2"
)

// overlapRegion identifies one piece of metadata the overlap sentinel (C8)
// knows about.
type overlapRegion struct {
	kind   overlapRegionKind
	offset uint64
}

// overlapCheck reports whether the cluster-aligned offset falls inside any
// region of metadata this image currently knows about: the header, the
// active L1/L2 tables, the reftable and its refblocks, the snapshot table,
// and every snapshot's own L1/L2 tables. It is the single traversal behind
// the allocator's metadata exclusion (isMetadataCluster) and the public
// CheckOverlap; the guest write path does not call it.
func (img *Image) overlapCheck(offset uint64) (overlapRegion, bool) {
	if offset < img.clusterSize {
		return overlapRegion{overlapHeader, 0}, true
	}

	l1Start := img.header.L1TableOffset &^ img.offsetMask
	l1Size := uint64(img.header.L1Size) * 8
	l1Clusters := (l1Size + img.clusterSize - 1) / img.clusterSize
	if img.header.L1TableOffset != 0 && withinRegion(offset, l1Start, l1Clusters, img.clusterSize) {
		return overlapRegion{overlapL1Table, img.header.L1TableOffset}, true
	}

	refStart := img.header.RefcountTableOffset &^ img.offsetMask
	refClusters := uint64(img.header.RefcountTableClusters)
	if img.header.RefcountTableOffset != 0 && withinRegion(offset, refStart, refClusters, img.clusterSize) {
		return overlapRegion{overlapRefcountTable, img.header.RefcountTableOffset}, true
	}

	img.refcountTableLock.RLock()
	tableEntries := uint64(len(img.refcountTable)) / 8
	for i := uint64(0); i < tableEntries; i++ {
		blockOffset := binary.BigEndian.Uint64(img.refcountTable[i*8:])
		if blockOffset != 0 && offset == blockOffset&^img.offsetMask {
			img.refcountTableLock.RUnlock()
			return overlapRegion{overlapRefcountBlock, blockOffset}, true
		}
	}
	img.refcountTableLock.RUnlock()

	img.l1Mu.RLock()
	l1Entries := uint64(img.header.L1Size)
	for i := uint64(0); i < l1Entries; i++ {
		if i*8+8 > uint64(len(img.l1Table)) {
			break
		}
		l1Entry := binary.BigEndian.Uint64(img.l1Table[i*8:])
		l2Offset := l1Entry & L1EntryOffsetMask
		if l2Offset != 0 && offset == l2Offset&^img.offsetMask {
			img.l1Mu.RUnlock()
			return overlapRegion{overlapL2Table, l2Offset}, true
		}
	}
	img.l1Mu.RUnlock()

	if img.header.NbSnapshots > 0 && img.header.SnapshotsOffset != 0 {
		if region, ok := img.overlapCheckSnapshots(offset); ok {
			return region, true
		}
	}

	return overlapRegion{}, false
}

// overlapCheckSnapshots walks the snapshot table and every snapshot's own
// L1/L2 tables looking for offset. Parsed once per call rather than
// cached, since snapshots change rarely and this path is not on the hot
// write loop.
func (img *Image) overlapCheckSnapshots(offset uint64) (overlapRegion, bool) {
	snapTableStart := img.header.SnapshotsOffset &^ img.offsetMask
	pos := int64(img.header.SnapshotsOffset)
	var tableBytes int64

	for i := uint32(0); i < img.header.NbSnapshots; i++ {
		snap, entrySize, err := parseSnapshot(img.file, pos)
		if err != nil {
			break
		}
		tableBytes += entrySize
		pos += entrySize

		l1Entries := uint64(snap.L1Size)
		l1Start := snap.L1TableOffset &^ img.offsetMask
		l1Clusters := (l1Entries*8 + img.clusterSize - 1) / img.clusterSize
		if snap.L1TableOffset != 0 && withinRegion(offset, l1Start, l1Clusters, img.clusterSize) {
			return overlapRegion{overlapSnapshotL1, snap.L1TableOffset}, true
		}

		if snap.L1TableOffset == 0 || l1Entries == 0 {
			continue
		}
		l1 := make([]byte, l1Entries*8)
		if _, err := img.file.ReadAt(l1, int64(snap.L1TableOffset)); err != nil {
			continue
		}
		for j := uint64(0); j < l1Entries; j++ {
			l1Entry := binary.BigEndian.Uint64(l1[j*8:])
			l2Offset := l1Entry & L1EntryOffsetMask
			if l2Offset != 0 && offset == l2Offset&^img.offsetMask {
				return overlapRegion{overlapSnapshotL2, l2Offset}, true
			}
		}
	}

	snapTableClusters := (uint64(tableBytes) + img.clusterSize - 1) / img.clusterSize
	if withinRegion(offset, snapTableStart, snapTableClusters, img.clusterSize) {
		return overlapRegion{overlapSnapshotTable, img.header.SnapshotsOffset}, true
	}
	return overlapRegion{}, false
}

// withinRegion reports whether aligned offset falls within n clusters of
// clusterSize starting at start (also aligned).
func withinRegion(offset, start, n, clusterSize uint64) bool {
	if n == 0 {
		return false
	}
	end := start + n*clusterSize
	return offset >= start && offset < end
}
