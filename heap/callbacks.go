package heap

import "unsafe"

type MapPagesCallback func(
	allocator *Allocator,
	base unsafe.Pointer,
	size int,
	userData interface{},
)

type UnmapPagesCallback func(
	allocator *Allocator,
	base unsafe.Pointer,
	size int,
	userData interface{},
)

// MemoryCallbackOptions holds optional callbacks that are executed whenever the allocator maps or unmaps
// pages. Small-object pages are mapped and unmapped far less often than slots are allocated and freed,
// so these do not fire once per allocation.
type MemoryCallbackOptions struct {
	Map      MapPagesCallback
	Unmap    UnmapPagesCallback
	UserData interface{}
}

type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
	Allocator *Allocator
}

func (c *memoryCallbacks) Map(base unsafe.Pointer, size int) {
	if c.Callbacks != nil && c.Callbacks.Map != nil {
		c.Callbacks.Map(c.Allocator, base, size, c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Unmap(base unsafe.Pointer, size int) {
	if c.Callbacks != nil && c.Callbacks.Unmap != nil {
		c.Callbacks.Unmap(c.Allocator, base, size, c.Callbacks.UserData)
	}
}
