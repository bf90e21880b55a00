//go:build !debug_init_allocs

package heap

import "unsafe"

const (
	// InitializeAllocs causes all new allocations to be filled with deterministic data, and all freed
	// allocations to be overwritten before their slot is reused. If you are concerned that nondeterministic
	// initialization of memory is causing a bug, you can activate this to help diagnose the issue. It
	// impacts performance and should generally be left deactivated.
	InitializeAllocs bool = false
)

func (a *Allocator) fillAllocation(ptr unsafe.Pointer, pattern uint8) {
}
