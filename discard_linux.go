//go:build linux

package qcow2

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// discardRange is the real C1 discard primitive on Linux: it punches a
// hole in the backing file without shrinking it, so the filesystem can
// reclaim the underlying blocks while the cluster's offset stays valid.
func (img *Image) discardRange(offset, length uint64) error {
	f := img.dataFile()
	err := unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, int64(offset), int64(length))
	if err != nil {
		return fmt.Errorf("qcow2: fallocate punch-hole at 0x%x: %w", offset, err)
	}
	return nil
}
