//go:build !linux

package machine

func allocate(size uint64) ([]byte, func([]byte) error, error) {
	return make([]byte, size), func([]byte) error { return nil }, nil
}
