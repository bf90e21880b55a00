//go:build unix

package vmem

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// SystemPageSource maps anonymous private memory straight from the kernel
type SystemPageSource struct{}

func (SystemPageSource) Map(size int) (unsafe.Pointer, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}

	return unsafe.Pointer(unsafe.SliceData(data)), nil
}

func (SystemPageSource) Unmap(ptr unsafe.Pointer, size int) error {
	// unix.Munmap identifies the mapping by the slice it handed out, which had len == cap == size
	return unix.Munmap(unsafe.Slice((*byte)(ptr), size))
}
