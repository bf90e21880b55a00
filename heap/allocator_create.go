package heap

import (
	"log/slog"
	"strings"

	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/pageheap/heap/internal/utils"
	"github.com/vkngwrapper/pageheap/heap/internal/vmem"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// AllocatorCreateInternallySynchronized wraps every allocator operation in a single mutex so the
	// allocator may be shared between goroutines. Without it, the consumer must guarantee that the
	// allocator is used from only one goroutine at a time.
	AllocatorCreateInternallySynchronized CreateFlags = 1 << iota
	// AllocatorCreateTrackRequestedSize records the byte count requested for every live allocation.
	// Reallocate then copies only the requested bytes rather than the full slot capacity, and
	// RequestedSize becomes available.
	AllocatorCreateTrackRequestedSize
)

var allocatorCreateFlagsMapping = map[CreateFlags]string{
	AllocatorCreateInternallySynchronized: "AllocatorCreateInternallySynchronized",
	AllocatorCreateTrackRequestedSize:     "AllocatorCreateTrackRequestedSize",
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for bit := CreateFlags(1); bit != 0 && bit <= f; bit <<= 1 {
		if f&bit == 0 {
			continue
		}

		name, ok := allocatorCreateFlagsMapping[bit]
		if !ok {
			name = "Unknown"
		}
		names = append(names, name)
	}

	return strings.Join(names, "|")
}

// PageSource maps and unmaps page-aligned virtual memory on behalf of an Allocator. Memory returned
// from Map must be aligned to at least metadata.PageSize bytes, readable, and writable.
type PageSource = vmem.PageSource

// SystemPageSource is the default PageSource, backed by anonymous private mmap
type SystemPageSource = vmem.SystemPageSource

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags

	// HeapSizeLimit is the maximum number of bytes the allocator may have mapped at once, counting
	// page headers and bitmaps. Allocations that would exceed it fail with memutils.ErrOutOfMemory.
	// 0 means no limit.
	HeapSizeLimit int

	// PageSource can be left nil, in which case pages are mapped directly from the operating system
	PageSource PageSource

	// MemoryCallbackOptions is an optional set of callbacks that will be executed when pages are
	// mapped or unmapped by this allocator
	MemoryCallbackOptions *MemoryCallbackOptions
}

// New creates a new Allocator with no pages mapped
//
// logger - Receives debug output. If nil, slog.Default() is used
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	allocator := &Allocator{
		logger:      logger,
		createFlags: options.Flags,
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&AllocatorCreateInternallySynchronized != 0,
		},
	}

	source := options.PageSource
	if source == nil {
		source = SystemPageSource{}
	}

	var err error
	allocator.memory, err = vmem.New(
		logger,
		source,
		&memoryCallbacks{
			Callbacks: options.MemoryCallbackOptions,
			Allocator: allocator,
		},
		options.HeapSizeLimit,
	)
	if err != nil {
		return nil, err
	}

	if options.Flags&AllocatorCreateTrackRequestedSize != 0 {
		allocator.requestedSizes = swiss.NewMap[uintptr, int](42)
	}

	logger.Debug("Allocator::New", slog.String("Flags", options.Flags.String()), slog.Int("HeapSizeLimit", options.HeapSizeLimit))

	return allocator, nil
}
