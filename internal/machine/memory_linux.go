//go:build linux

package machine

import "golang.org/x/sys/unix"

func allocate(size uint64) ([]byte, func([]byte) error, error) {
	buf, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, nil, err
	}
	return buf, unix.Munmap, nil
}
