//go:generate mockgen -destination mocks/page_source.go -package mocks github.com/vkngwrapper/pageheap/heap/internal/vmem PageSource

package vmem

import (
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/pageheap/memutils"
	"github.com/vkngwrapper/pageheap/memutils/metadata"
)

// PageSource maps and unmaps anonymous, page-aligned, read-write regions of virtual memory. Map must
// return memory aligned to at least metadata.PageSize. Both calls are synchronous.
type PageSource interface {
	Map(size int) (unsafe.Pointer, error)
	Unmap(ptr unsafe.Pointer, size int) error
}

// MemoryCallbacks is notified of every successful map and unmap
type MemoryCallbacks interface {
	Map(ptr unsafe.Pointer, size int)
	Unmap(ptr unsafe.Pointer, size int)
}

// Budget is a snapshot of how much virtual memory is currently mapped through a VirtualMemory
type Budget struct {
	// Number of live mappings
	MappingCount int
	// Size in bytes of all live mappings
	MappedBytes int
	// Maximum number of bytes that may be mapped at once, or 0 if there is no limit
	Limit int
	// Number of map calls made over the lifetime of the VirtualMemory, including failed ones
	MapCalls int
}

// VirtualMemory wraps a PageSource with accounting, an optional byte limit, and callbacks. It is not
// safe for concurrent use; the owning allocator serializes access.
type VirtualMemory struct {
	mappingCount int
	mappedBytes  int
	mapCalls     int

	limit     int
	source    PageSource
	callbacks MemoryCallbacks
	logger    *slog.Logger
}

// New creates a VirtualMemory. limit is the maximum number of bytes that may be mapped at once, or
// 0 for no limit. callbacks may be nil.
func New(logger *slog.Logger, source PageSource, callbacks MemoryCallbacks, limit int) (*VirtualMemory, error) {
	if source == nil {
		return nil, errors.New("a PageSource is required")
	}

	if limit < 0 {
		return nil, errors.Newf("the heap size limit must be 0 (no limit) or positive, but was %d", limit)
	}

	return &VirtualMemory{
		limit:     limit,
		source:    source,
		callbacks: callbacks,
		logger:    logger,
	}, nil
}

func (m *VirtualMemory) Budget() Budget {
	return Budget{
		MappingCount: m.mappingCount,
		MappedBytes:  m.mappedBytes,
		Limit:        m.limit,
		MapCalls:     m.mapCalls,
	}
}

// MapPages maps size bytes of fresh memory. Failures, including exceeding the limit, are marked with
// memutils.ErrOutOfMemory.
func (m *VirtualMemory) MapPages(size int) (unsafe.Pointer, error) {
	m.mapCalls++

	if size <= 0 {
		return nil, errors.Newf("invalid mapping size %d", size)
	}

	if m.limit > 0 && m.mappedBytes+size > m.limit {
		return nil, errors.Mark(
			errors.Newf("mapping %d bytes would exceed the heap size limit of %d bytes (%d currently mapped)", size, m.limit, m.mappedBytes),
			memutils.ErrOutOfMemory,
		)
	}

	ptr, err := m.source.Map(size)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to map %d bytes", size), memutils.ErrOutOfMemory)
	}

	if ptr == nil {
		return nil, errors.Mark(errors.Newf("page source returned no memory for %d bytes", size), memutils.ErrOutOfMemory)
	}

	if !metadata.IsPageAligned(ptr) {
		unmapErr := m.source.Unmap(ptr, size)
		if unmapErr != nil {
			m.logger.Error("error attempting to unmap misaligned pages", slog.Any("error", unmapErr))
		}
		return nil, errors.Mark(
			errors.Newf("page source returned %p, which is not aligned to %d bytes", ptr, metadata.PageSize),
			memutils.ErrOutOfMemory,
		)
	}

	m.mappingCount++
	m.mappedBytes += size

	m.logger.Debug("VirtualMemory::MapPages", slog.Int("Size", size), slog.Int("MappedBytes", m.mappedBytes))

	if m.callbacks != nil {
		m.callbacks.Map(ptr, size)
	}

	return ptr, nil
}

// UnmapPages releases a mapping previously returned by MapPages. size must be the size it was mapped with.
func (m *VirtualMemory) UnmapPages(ptr unsafe.Pointer, size int) error {
	err := m.source.Unmap(ptr, size)
	if err != nil {
		return errors.Wrapf(err, "failed to unmap %d bytes at %p", size, ptr)
	}

	m.mappedBytes -= size
	if m.mappedBytes < 0 {
		panic(fmt.Sprintf("mapped byte count went negative after unmapping %d bytes at %p", size, ptr))
	}

	m.mappingCount--
	if m.mappingCount < 0 {
		panic(fmt.Sprintf("mapping count went negative after unmapping %d bytes at %p", size, ptr))
	}

	m.logger.Debug("VirtualMemory::UnmapPages", slog.Int("Size", size), slog.Int("MappedBytes", m.mappedBytes))

	if m.callbacks != nil {
		m.callbacks.Unmap(ptr, size)
	}

	return nil
}
