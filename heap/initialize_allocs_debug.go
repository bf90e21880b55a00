//go:build debug_init_allocs

package heap

import (
	"unsafe"

	"github.com/vkngwrapper/pageheap/memutils/metadata"
)

const (
	// InitializeAllocs causes all new allocations to be filled with deterministic data, and all freed
	// allocations to be overwritten before their slot is reused. If you are concerned that nondeterministic
	// initialization of memory is causing a bug, you can activate this to help diagnose the issue. It
	// impacts performance and should generally be left deactivated.
	InitializeAllocs bool = true
)

func (a *Allocator) fillAllocation(ptr unsafe.Pointer, pattern uint8) {
	data := metadata.Bytes(ptr, a.usableSize(ptr))
	for i := range data {
		data[i] = pattern
	}
}
