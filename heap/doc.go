// Package heap is a general-purpose allocator for process memory. It maps memory from the operating
// system a page at a time and carves small requests out of those pages by size class, while large
// requests each receive a dedicated mapping.
//
// Each small-object page begins with a header and an occupancy bitmap, followed by equal-sized slots.
// Pages with at least one free slot sit on a per-class free list, and pages with none sit on a
// per-class full list. A page is returned to the operating system as soon as its last slot is freed.
//
// The zero value of Allocator is not usable; create one with New:
//
//	allocator, err := heap.New(logger, heap.CreateOptions{})
//	if err != nil {
//		return err
//	}
//	defer allocator.Destroy()
//
//	ptr, err := allocator.Allocate(64)
package heap
