package qcow2

import (
	"errors"
	"fmt"
)

// Error taxonomy for the refcount engine (spec §7). These are distinct from
// the format-level sentinels in format.go because callers need to tell a
// malformed argument apart from on-disk corruption apart from a full disk.
var (
	// ErrInvalidArgument is returned for a negative length or an out-of-range
	// sub-cluster size passed to the refcount engine.
	ErrInvalidArgument = errors.New("qcow2: invalid argument")

	// ErrIOCorrupt marks the image unusable for further writes: a structural
	// invariant was violated on disk (misaligned offset, out-of-range count,
	// an overlap-sentinel hit, or a failed best-effort rollback). Once set on
	// an Image, further mutating operations return it without touching disk.
	ErrIOCorrupt = errors.New("qcow2: on-disk refcount structure is corrupt")

	// ErrOutOfSpace is returned when the backing store refuses to grow.
	ErrOutOfSpace = errors.New("qcow2: backing store out of space")

	// ErrTooBig is returned when reftable growth would exceed the configured
	// MaxReftableClusters.
	ErrTooBig = errors.New("qcow2: reftable growth exceeds configured maximum")

	// errRetry is the internal sentinel described in spec §4.C4: it tells the
	// caller of loadOrAllocRefblock that metadata allocation may have
	// consumed the cluster the caller was about to charge, and the caller
	// must re-scan. It never escapes the package.
	errRetry = errors.New("qcow2: internal retry")
)

// DiscardClass controls whether a cluster newly freed to a refcount of zero
// is handed to the discard queue (spec §4.C3/C4).
type DiscardClass int

const (
	// DiscardNever never enqueues the cluster for discard.
	DiscardNever DiscardClass = iota
	// DiscardAlways always enqueues the cluster, even for metadata clusters
	// freed during a rebuild (used by the checker's leak-fix path).
	DiscardAlways
	// DiscardIfRequested enqueues the cluster only when the engine's
	// discard-on-free option is enabled (the default for ordinary data
	// cluster frees).
	DiscardIfRequested
)

// corrupt formats a message from format and args, wraps ErrIOCorrupt with it
// (so errors.Is reports ErrIOCorrupt) and emits the structured corruption signal
// spec §7 requires before returning it. It also latches the image so every
// subsequent mutating call fails fast.
func (img *Image) corrupt(severity string, offset, length uint64, format string, args ...any) error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	img.corruptMu.Lock()
	img.corrupted = true
	img.corruptMu.Unlock()
	img.logCorruption(severity, offset, length, msg)
	return fmt.Errorf("qcow2: %s: %w", msg, ErrIOCorrupt)
}

// isCorrupted reports whether a prior fatal corruption has already latched
// the image; callers check this before touching disk.
func (img *Image) isCorrupted() bool {
	img.corruptMu.RLock()
	defer img.corruptMu.RUnlock()
	return img.corrupted
}
