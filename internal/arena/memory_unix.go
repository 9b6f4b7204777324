//go:build unix

package arena

import "golang.org/x/sys/unix"

// mapMemory reserves size bytes of anonymous memory. The mapping keeps the
// cache outside the Go heap.
func mapMemory(size int) ([]byte, func() error, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	return data, func() error { return unix.Munmap(data) }, nil
}
