package heap

import (
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/pageheap/heap/internal/utils"
	"github.com/vkngwrapper/pageheap/heap/internal/vmem"
	"github.com/vkngwrapper/pageheap/memutils"
	"github.com/vkngwrapper/pageheap/memutils/metadata"
)

const (
	createdFillPattern   uint8 = 0xDC
	destroyedFillPattern uint8 = 0xEF
)

// Allocator hands out blocks of process memory from pages it maps itself. Requests of fewer than
// 2 << metadata.NumClass bytes are rounded into one of metadata.NumClass size classes and share
// metadata.PageSize pages with other blocks of the same class; larger requests each receive a dedicated
// mapping.
//
// An Allocator is not safe for concurrent use unless it was created with
// AllocatorCreateInternallySynchronized.
type Allocator struct {
	mutex       utils.OptionalMutex
	logger      *slog.Logger
	createFlags CreateFlags

	memory *vmem.VirtualMemory
	pages  pageLists

	requestedSizes *swiss.Map[uintptr, int]
	destroyed      bool
}

// Allocate returns a block of at least size bytes. The contents of the block are unspecified.
//
// A size of 0 or less returns nil with no error. If pages could not be mapped, the allocator is
// unchanged and the returned error is marked with memutils.ErrOutOfMemory; test for it with
// github.com/cockroachdb/errors.Is.
func (a *Allocator) Allocate(size int) (unsafe.Pointer, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.allocate(size)
}

// AllocateZeroed returns a block of at least count*size bytes, every byte of which is zero. If the
// product cannot be represented, or either operand is negative, the returned error is marked with
// memutils.ErrSizeOverflow.
func (a *Allocator) AllocateZeroed(count, size int) (unsafe.Pointer, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	total, ok := memutils.CheckedMul(count, size)
	if !ok {
		return nil, errors.Mark(
			errors.Newf("cannot allocate %d elements of %d bytes", count, size),
			memutils.ErrSizeOverflow,
		)
	}

	ptr, err := a.allocate(total)
	if err != nil || ptr == nil {
		return ptr, err
	}

	clear(metadata.Bytes(ptr, a.usableSize(ptr)))
	return ptr, nil
}

// Reallocate returns a block of at least size bytes holding the leading contents of the block at ptr,
// and frees ptr.
//
// If ptr is nil, Reallocate behaves like Allocate. If size is 0 or less, ptr is freed and nil is
// returned. If the new block cannot be allocated, the error is returned and ptr is left untouched.
//
// The number of bytes copied is the smaller of size and the capacity of the old block. When the
// allocator was created with AllocatorCreateTrackRequestedSize, the size originally requested for ptr
// is used in place of its capacity.
func (a *Allocator) Reallocate(ptr unsafe.Pointer, size int) (unsafe.Pointer, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if ptr == nil {
		return a.allocate(size)
	}

	a.debugCheckPointer(ptr)

	if size <= 0 {
		a.free(ptr)
		return nil, nil
	}

	copySize := a.usableSize(ptr)
	if requested, tracked := a.requestedSize(ptr); tracked {
		copySize = requested
	}
	copySize = min(copySize, size)

	newPtr, err := a.allocate(size)
	if err != nil {
		return nil, err
	}

	copy(metadata.Bytes(newPtr, copySize), metadata.Bytes(ptr, copySize))
	a.free(ptr)

	a.logger.Debug("Allocator::Reallocate", slog.Int("Size", size), slog.Int("CopiedBytes", copySize))

	return newPtr, nil
}

// Free returns the block at ptr to the allocator. Freeing nil does nothing.
//
// ptr must have been returned by this allocator and not freed since. This is only verified when built
// with the debug_mem_utils tag, in which case violations panic.
func (a *Allocator) Free(ptr unsafe.Pointer) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if ptr == nil {
		return
	}

	a.debugCheckPointer(ptr)
	a.free(ptr)
}

// UsableSize returns the number of bytes that may be used at ptr: the slot size of its class for small
// blocks, or the payload size for large blocks. UsableSize(nil) is 0.
func (a *Allocator) UsableSize(ptr unsafe.Pointer) int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if ptr == nil {
		return 0
	}

	return a.usableSize(ptr)
}

// RequestedSize returns the size that was passed when the block at ptr was allocated. ok is false if
// the allocator was not created with AllocatorCreateTrackRequestedSize or ptr is not a live block.
func (a *Allocator) RequestedSize(ptr unsafe.Pointer) (size int, ok bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.requestedSize(ptr)
}

// Validate checks every page list and every page header and bitmap for internal consistency. It
// returns the first inconsistency found.
func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return errors.New("the allocator has been destroyed")
	}

	err := a.pages.Validate()
	if err != nil {
		return err
	}

	budget := a.memory.Budget()
	pageCount := a.pages.PageCount()
	if budget.MappingCount != pageCount {
		return errors.Newf("the allocator holds %d pages but %d mappings are live", pageCount, budget.MappingCount)
	}

	if a.requestedSizes != nil {
		var liveCount int
		for class := 0; class < metadata.NumClass; class++ {
			_ = a.pages.free[class].visit(func(page metadata.Page) error {
				small, _ := page.Small()
				liveCount += small.OccupiedCount()
				return nil
			})
			liveCount += a.pages.full[class].count * metadata.SlotsPerPage(class)
		}
		liveCount += a.pages.overflow().count

		if a.requestedSizes.Count() != liveCount {
			return errors.Newf("%d requested sizes are tracked but %d blocks are live", a.requestedSizes.Count(), liveCount)
		}
	}

	return nil
}

// Destroy unmaps every page held by the allocator, including pages holding live blocks. The allocator
// may not be used afterward. Destroy returns every unmap failure combined into one error.
func (a *Allocator) Destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return nil
	}
	a.destroyed = true

	var pages []metadata.Page
	collect := func(page metadata.Page) error {
		pages = append(pages, page)
		return nil
	}
	for class := 0; class < metadata.NumClass; class++ {
		_ = a.pages.free[class].visit(collect)
	}
	for index := 0; index <= metadata.NumClass; index++ {
		_ = a.pages.full[index].visit(collect)
	}

	a.logger.Debug("Allocator::Destroy", slog.Int("PageCount", len(pages)))

	var err error
	for _, page := range pages {
		size := metadata.PageSize
		if large, ok := page.Large(); ok {
			size = large.MappedSize()
		}

		unmapErr := a.memory.UnmapPages(page.Base(), size)
		if unmapErr != nil {
			a.logger.Error("error attempting to unmap page during destroy", slog.Any("error", unmapErr))
			err = errors.CombineErrors(err, unmapErr)
		}
	}

	a.pages = pageLists{}
	if a.requestedSizes != nil {
		a.requestedSizes = swiss.NewMap[uintptr, int](42)
	}

	return err
}

func (a *Allocator) allocate(size int) (unsafe.Pointer, error) {
	if a.destroyed {
		panic("attempted to allocate from a destroyed allocator")
	}

	if size <= 0 {
		return nil, nil
	}

	var ptr unsafe.Pointer
	var err error

	class := metadata.ClassOf(size)
	if metadata.IsSmallClass(class) {
		ptr, err = a.allocateSmall(class)
	} else {
		ptr, err = a.allocateLarge(size)
	}
	if err != nil {
		return nil, err
	}

	if a.requestedSizes != nil {
		a.requestedSizes.Put(uintptr(ptr), size)
	}

	if InitializeAllocs {
		a.fillAllocation(ptr, createdFillPattern)
	}

	memutils.DebugValidate(&a.pages)

	a.logger.Debug("Allocator::Allocate", slog.Int("Size", size), slog.Int("Class", min(class, metadata.LargeClass)))

	return ptr, nil
}

func (a *Allocator) allocateSmall(class int) (unsafe.Pointer, error) {
	page, ok := a.pages.freeHead(class)
	if !ok {
		base, err := a.memory.MapPages(metadata.PageSize)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to map a page for class %d", class)
		}

		page = metadata.InitSmallPage(base, class)
		a.pages.pushFree(page)
	}

	ptr := page.FreeSlot()
	if page.Occupy(ptr) {
		a.pages.removeFree(page)
		a.pages.pushFull(page.Page)
	}

	return ptr, nil
}

func (a *Allocator) allocateLarge(size int) (unsafe.Pointer, error) {
	if size > int(^uint(0)>>1)-metadata.HeaderSize {
		return nil, errors.Mark(
			errors.Newf("cannot allocate %d bytes plus a %d byte header", size, metadata.HeaderSize),
			memutils.ErrSizeOverflow,
		)
	}

	mappedSize := size + metadata.HeaderSize
	base, err := a.memory.MapPages(mappedSize)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map a large page of %d bytes", mappedSize)
	}

	page := metadata.InitLargePage(base, mappedSize)
	a.pages.pushFull(page.Page)

	return page.Payload(), nil
}

func (a *Allocator) free(ptr unsafe.Pointer) {
	if a.destroyed {
		panic("attempted to free into a destroyed allocator")
	}

	if InitializeAllocs {
		a.fillAllocation(ptr, destroyedFillPattern)
	}

	if a.requestedSizes != nil {
		a.requestedSizes.Delete(uintptr(ptr))
	}

	page := metadata.PageAt(ptr)
	class := min(page.Class(), metadata.LargeClass)
	if small, ok := page.Small(); ok {
		a.freeSmall(small, ptr)
	} else if large, ok := page.Large(); ok {
		a.pages.removeFull(large.Page)
		a.unmap(large.Page, large.MappedSize())
	}

	memutils.DebugValidate(&a.pages)

	a.logger.Debug("Allocator::Free", slog.Int("Class", class))
}

func (a *Allocator) freeSmall(page metadata.SmallPage, ptr unsafe.Pointer) {
	wasFull, empty := page.Release(ptr)
	if wasFull {
		a.pages.removeFull(page.Page)
		a.pages.pushFree(page)
	}

	if empty {
		a.pages.removeFree(page)
		a.unmap(page.Page, page.MappedSize())
	}
}

func (a *Allocator) unmap(page metadata.Page, size int) {
	err := a.memory.UnmapPages(page.Base(), size)
	if err != nil {
		panic(errors.Wrapf(err, "failed to release the page at %p", page.Base()))
	}
}

func (a *Allocator) usableSize(ptr unsafe.Pointer) int {
	page := metadata.PageAt(ptr)
	if small, ok := page.Small(); ok {
		return small.SlotSize()
	}

	large, _ := page.Large()
	return large.PayloadSize()
}

func (a *Allocator) requestedSize(ptr unsafe.Pointer) (int, bool) {
	if a.requestedSizes == nil || ptr == nil {
		return 0, false
	}
	return a.requestedSizes.Get(uintptr(ptr))
}

// debugCheckPointer verifies that ptr is a live block belonging to this allocator. It compiles away
// unless memutils is built with the debug_mem_utils tag.
func (a *Allocator) debugCheckPointer(ptr unsafe.Pointer) {
	if !memutils.DebugEnabled {
		return
	}

	err := a.checkPointer(ptr)
	if err != nil {
		panic(err)
	}
}

func (a *Allocator) checkPointer(ptr unsafe.Pointer) error {
	page := metadata.PageAt(ptr)
	err := page.Validate()
	if err != nil {
		return errors.Wrapf(err, "%p does not belong to a page with a valid header", ptr)
	}

	var list *pageList
	var validatePointer func(unsafe.Pointer) error

	if small, ok := page.Small(); ok {
		list = &a.pages.free[small.Class()]
		if small.IsFull() {
			list = &a.pages.full[small.Class()]
		}
		validatePointer = small.ValidatePointer
	} else if large, ok := page.Large(); ok {
		list = a.pages.overflow()
		validatePointer = large.ValidatePointer
	}

	found := errors.New("found")
	err = list.visit(func(listed metadata.Page) error {
		if listed.Equal(page) {
			return found
		}
		return nil
	})
	if err == nil {
		return errors.Newf("%p belongs to the page at %p, which is not owned by this allocator", ptr, page.Base())
	}

	return validatePointer(ptr)
}
