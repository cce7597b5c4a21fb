//go:build unix

package block

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mapGuarded maps size bytes (rounded up to pages) with one PROT_NONE page
// on either side.
func mapGuarded(size int) ([]byte, func() error, error) {
	page := unix.Getpagesize()
	usable := (size + page - 1) &^ (page - 1)
	region, err := unix.Mmap(-1, 0, usable+2*page, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, fmt.Errorf("block: mmap guarded region: %w", err)
	}
	mem := region[page : page+usable : page+usable]
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		_ = unix.Munmap(region)
		return nil, nil, fmt.Errorf("block: mprotect usable region: %w", err)
	}
	unmap := func() error {
		if err := unix.Munmap(region); err != nil {
			return fmt.Errorf("block: munmap guarded region: %w", err)
		}
		return nil
	}
	return mem, unmap, nil
}
