//go:build linux || darwin

package contentstore

import (
	"golang.org/x/sys/unix"
	"gitlab.com/tozd/go/errors"
)

// checkFreeSpace requires the destination filesystem to hold the source
// plus a headroom megabyte. A failing statfs does not block the copy.
func checkFreeSpace(dir string, need int64) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return nil
	}
	free := int64(stat.Bavail) * int64(stat.Bsize)
	if free < need+spaceHeadroomBytes {
		return errors.Errorf("%w: need %d bytes, %d available", ErrInsufficientSpace, need+spaceHeadroomBytes, free)
	}
	return nil
}
