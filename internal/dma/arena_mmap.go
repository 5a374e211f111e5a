//go:build linux || darwin || freebsd

package dma

import "golang.org/x/sys/unix"

// allocArenaMemory maps anonymous memory outside the Go heap so buffers
// keep stable addresses for the lifetime of the arena.
func allocArenaMemory(size int) ([]byte, func() error, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	// Packet buffers are touched sequentially by the DMA engine model.
	_ = unix.Madvise(mem, unix.MADV_SEQUENTIAL)
	return mem, func() error { return unix.Munmap(mem) }, nil
}
