package heap

import (
	"io"
	"log/slog"
	"math"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/pageheap/heap/internal/vmem/mocks"
	"github.com/vkngwrapper/pageheap/memutils"
	"github.com/vkngwrapper/pageheap/memutils/metadata"
	"go.uber.org/mock/gomock"
)

type AllocatorSetup struct {
	AllocatorOptions CreateOptions
	PreNewMock       func(source *mocks.MockPageSource, system SystemPageSource)
}

func readyAllocator(t *testing.T, ctrl *gomock.Controller, setup AllocatorSetup) (*mocks.MockPageSource, *Allocator) {
	source := mocks.NewMockPageSource(ctrl)

	if setup.PreNewMock != nil {
		setup.PreNewMock(source, SystemPageSource{})
	}

	options := setup.AllocatorOptions
	if options.PageSource == nil {
		options.PageSource = source
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	allocator, err := New(logger, options)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, allocator.Destroy())
	})

	return source, allocator
}

// passthrough lets the mock map and unmap real memory any number of times
func passthrough(source *mocks.MockPageSource, system SystemPageSource) {
	source.EXPECT().Map(gomock.Any()).DoAndReturn(system.Map).AnyTimes()
	source.EXPECT().Unmap(gomock.Any(), gomock.Any()).DoAndReturn(system.Unmap).AnyTimes()
}

func slotIndexOf(t *testing.T, ptr unsafe.Pointer) int {
	small, ok := metadata.PageAt(ptr).Small()
	require.True(t, ok)

	index, ok := small.SlotIndex(ptr)
	require.True(t, ok)
	return index
}

func TestAllocateColdStart(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, allocator := readyAllocator(t, ctrl, AllocatorSetup{
		PreNewMock: func(source *mocks.MockPageSource, system SystemPageSource) {
			source.EXPECT().Map(metadata.PageSize).DoAndReturn(system.Map).Times(1)
			source.EXPECT().Unmap(gomock.Any(), metadata.PageSize).DoAndReturn(system.Unmap).Times(1)
		},
	})

	first, err := allocator.Allocate(8)
	require.NoError(t, err)
	require.NotNil(t, first)

	page, ok := metadata.PageAt(first).Small()
	require.True(t, ok)
	require.Equal(t, 3, page.Class())
	require.Equal(t, 0, slotIndexOf(t, first))

	second, err := allocator.Allocate(8)
	require.NoError(t, err)
	require.Equal(t, 1, slotIndexOf(t, second))
	require.True(t, metadata.PageAt(second).Equal(page.Page))

	require.NoError(t, allocator.Validate())
}

func TestAllocateFillsPageThenMapsAnother(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, allocator := readyAllocator(t, ctrl, AllocatorSetup{
		PreNewMock: func(source *mocks.MockPageSource, system SystemPageSource) {
			source.EXPECT().Map(metadata.PageSize).DoAndReturn(system.Map).Times(2)
			source.EXPECT().Unmap(gomock.Any(), metadata.PageSize).DoAndReturn(system.Unmap).Times(2)
		},
	})

	slotCount := metadata.SlotsPerPage(3)
	require.Equal(t, 252, slotCount)

	seen := make(map[uintptr]bool)
	var firstPage metadata.Page
	for i := 0; i < slotCount; i++ {
		ptr, err := allocator.Allocate(8)
		require.NoError(t, err)
		require.False(t, seen[uintptr(ptr)])
		seen[uintptr(ptr)] = true

		if i == 0 {
			firstPage = metadata.PageAt(ptr)
		}
		require.True(t, metadata.PageAt(ptr).Equal(firstPage))
		require.Equal(t, i, slotIndexOf(t, ptr))
	}

	small, ok := firstPage.Small()
	require.True(t, ok)
	require.True(t, small.IsFull())
	require.Equal(t, 1, allocator.pages.full[3].count)
	require.True(t, allocator.pages.free[3].IsEmpty())

	next, err := allocator.Allocate(8)
	require.NoError(t, err)
	require.False(t, seen[uintptr(next)])
	require.False(t, firstPage.Contains(next))
	require.Equal(t, 0, slotIndexOf(t, next))
	require.Equal(t, 1, allocator.pages.free[3].count)

	require.NoError(t, allocator.Validate())
}

func TestFreeLastSlotUnmapsPage(t *testing.T) {
	ctrl := gomock.NewController(t)

	var mapped []unsafe.Pointer
	_, allocator := readyAllocator(t, ctrl, AllocatorSetup{
		PreNewMock: func(source *mocks.MockPageSource, system SystemPageSource) {
			source.EXPECT().Map(metadata.PageSize).DoAndReturn(func(size int) (unsafe.Pointer, error) {
				ptr, err := system.Map(size)
				mapped = append(mapped, ptr)
				return ptr, err
			}).Times(2)
			source.EXPECT().Unmap(gomock.Any(), metadata.PageSize).DoAndReturn(func(ptr unsafe.Pointer, size int) error {
				require.Equal(t, mapped[0], ptr)
				return system.Unmap(ptr, size)
			}).Times(1)
			source.EXPECT().Unmap(gomock.Any(), metadata.PageSize).DoAndReturn(system.Unmap).Times(1)
		},
	})

	ptr, err := allocator.Allocate(24)
	require.NoError(t, err)
	require.Equal(t, mapped[0], metadata.PageBase(ptr))

	allocator.Free(ptr)
	require.Zero(t, allocator.pages.PageCount())
	require.True(t, allocator.pages.free[4].IsEmpty())
	require.NoError(t, allocator.Validate())

	again, err := allocator.Allocate(24)
	require.NoError(t, err)
	require.Len(t, mapped, 2)
	require.Equal(t, 0, slotIndexOf(t, again))
	require.Equal(t, 1, allocator.pages.free[4].count)
	require.NoError(t, allocator.Validate())
}

func TestAllocateLarge(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, allocator := readyAllocator(t, ctrl, AllocatorSetup{
		PreNewMock: func(source *mocks.MockPageSource, system SystemPageSource) {
			source.EXPECT().Map(5000 + metadata.HeaderSize).DoAndReturn(system.Map).Times(1)
			source.EXPECT().Unmap(gomock.Any(), 5000+metadata.HeaderSize).DoAndReturn(system.Unmap).Times(1)
		},
	})

	ptr, err := allocator.Allocate(5000)
	require.NoError(t, err)

	page := metadata.PageAt(ptr)
	require.GreaterOrEqual(t, page.Class(), metadata.NumClass)
	require.Equal(t, metadata.KindLarge, page.Kind())

	large, ok := page.Large()
	require.True(t, ok)
	require.Equal(t, 5000+metadata.HeaderSize, large.MappedSize())
	require.Equal(t, ptr, large.Payload())
	require.Equal(t, 5000, allocator.UsableSize(ptr))
	require.Equal(t, 1, allocator.pages.overflow().count)

	data := metadata.Bytes(ptr, 5000)
	data[0] = 1
	data[4999] = 2

	require.NoError(t, allocator.Validate())

	allocator.Free(ptr)
	require.Zero(t, allocator.pages.overflow().count)
	require.NoError(t, allocator.Validate())
}

func TestAllocateZeroSize(t *testing.T) {
	ctrl := gomock.NewController(t)

	// No expectations: any map is a failure
	_, allocator := readyAllocator(t, ctrl, AllocatorSetup{})

	ptr, err := allocator.Allocate(0)
	require.NoError(t, err)
	require.Nil(t, ptr)

	ptr, err = allocator.Allocate(-12)
	require.NoError(t, err)
	require.Nil(t, ptr)

	ptr, err = allocator.AllocateZeroed(0, 16)
	require.NoError(t, err)
	require.Nil(t, ptr)

	allocator.Free(nil)
	require.Zero(t, allocator.pages.PageCount())
}

func TestAllocateClassBoundaries(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, allocator := readyAllocator(t, ctrl, AllocatorSetup{PreNewMock: passthrough})

	sizes := map[int]int{
		1:    2,
		2:    4,
		3:    4,
		7:    8,
		8:    16,
		15:   16,
		100:  128,
		511:  512,
		512:  1024,
		1023: 1024,
		1024: 1024,
		1025: 1025,
	}

	for size, usable := range sizes {
		ptr, err := allocator.Allocate(size)
		require.NoError(t, err)
		require.Equalf(t, usable, allocator.UsableSize(ptr), "size %d", size)
		require.GreaterOrEqual(t, allocator.UsableSize(ptr), size)
	}

	require.NoError(t, allocator.Validate())
}

func TestFreeFromFullPageReturnsItToFreeList(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, allocator := readyAllocator(t, ctrl, AllocatorSetup{PreNewMock: passthrough})

	// Class 9 holds three 1024 byte slots per page
	var ptrs []unsafe.Pointer
	for i := 0; i < 3; i++ {
		ptr, err := allocator.Allocate(600)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}
	require.Equal(t, 1, allocator.pages.full[9].count)
	require.True(t, allocator.pages.free[9].IsEmpty())

	allocator.Free(ptrs[1])
	require.True(t, allocator.pages.full[9].IsEmpty())
	require.Equal(t, 1, allocator.pages.free[9].count)

	page, ok := allocator.pages.freeHead(9)
	require.True(t, ok)
	require.Equal(t, ptrs[1], page.FreeSlot())
	require.NoError(t, allocator.Validate())

	reused, err := allocator.Allocate(1000)
	require.NoError(t, err)
	require.Equal(t, ptrs[1], reused)
	require.Equal(t, 1, allocator.pages.full[9].count)
	require.NoError(t, allocator.Validate())
}

func TestFreeLowersCachedSlot(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, allocator := readyAllocator(t, ctrl, AllocatorSetup{PreNewMock: passthrough})

	var ptrs []unsafe.Pointer
	for i := 0; i < 5; i++ {
		ptr, err := allocator.Allocate(40)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}

	allocator.Free(ptrs[3])
	allocator.Free(ptrs[1])

	next, err := allocator.Allocate(40)
	require.NoError(t, err)
	require.Equal(t, ptrs[1], next)

	next, err = allocator.Allocate(40)
	require.NoError(t, err)
	require.Equal(t, ptrs[3], next)

	next, err = allocator.Allocate(40)
	require.NoError(t, err)
	require.Equal(t, 5, slotIndexOf(t, next))

	require.NoError(t, allocator.Validate())
}

func TestOccupiedBitsMatchAllocations(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, allocator := readyAllocator(t, ctrl, AllocatorSetup{PreNewMock: passthrough})

	// Class 0 spans 30 bitmap words; allocate past a single page
	count := metadata.SlotsPerPage(0) + 17
	for i := 0; i < count; i++ {
		_, err := allocator.Allocate(1)
		require.NoError(t, err)
	}

	occupied := 0
	visit := func(page metadata.Page) error {
		small, ok := page.Small()
		require.True(t, ok)
		occupied += small.OccupiedCount()
		return nil
	}
	require.NoError(t, allocator.pages.free[0].visit(visit))
	require.NoError(t, allocator.pages.full[0].visit(visit))
	require.Equal(t, 1, allocator.pages.full[0].count)
	require.Equal(t, 1, allocator.pages.free[0].count)
	require.Equal(t, count, occupied)
	require.NoError(t, allocator.Validate())
}

func TestMapFailureLeavesStateUnchanged(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, allocator := readyAllocator(t, ctrl, AllocatorSetup{
		PreNewMock: func(source *mocks.MockPageSource, system SystemPageSource) {
			gomock.InOrder(
				source.EXPECT().Map(metadata.PageSize).DoAndReturn(system.Map),
				source.EXPECT().Map(metadata.PageSize).Return(unsafe.Pointer(nil), errors.New("cannot allocate memory")),
				source.EXPECT().Map(8192+metadata.HeaderSize).Return(unsafe.Pointer(nil), errors.New("cannot allocate memory")),
			)
			source.EXPECT().Unmap(gomock.Any(), metadata.PageSize).DoAndReturn(system.Unmap).Times(1)
		},
	})

	existing, err := allocator.Allocate(16)
	require.NoError(t, err)

	var before HeapStatistics
	allocator.CalculateStatistics(&before)

	ptr, err := allocator.Allocate(64)
	require.Nil(t, ptr)
	require.Truef(t, errors.Is(err, memutils.ErrOutOfMemory), "%+v", err)

	ptr, err = allocator.Allocate(8192)
	require.Nil(t, ptr)
	require.Truef(t, errors.Is(err, memutils.ErrOutOfMemory), "%+v", err)

	var after HeapStatistics
	allocator.CalculateStatistics(&after)
	require.Equal(t, before, after)
	require.Equal(t, 0, slotIndexOf(t, existing))
	require.NoError(t, allocator.Validate())
}

func TestAllocateSizeOverflow(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, allocator := readyAllocator(t, ctrl, AllocatorSetup{})

	ptr, err := allocator.Allocate(math.MaxInt)
	require.Nil(t, ptr)
	require.Truef(t, errors.Is(err, memutils.ErrSizeOverflow), "%+v", err)

	ptr, err = allocator.AllocateZeroed(math.MaxInt, 2)
	require.Nil(t, ptr)
	require.Truef(t, errors.Is(err, memutils.ErrSizeOverflow), "%+v", err)

	ptr, err = allocator.AllocateZeroed(-1, 8)
	require.Nil(t, ptr)
	require.Truef(t, errors.Is(err, memutils.ErrSizeOverflow), "%+v", err)

	ptr, err = allocator.AllocateZeroed(1<<32, 1<<32)
	require.Nil(t, ptr)
	require.Truef(t, errors.Is(err, memutils.ErrSizeOverflow), "%+v", err)
}

func TestAllocateZeroedClearsReusedSlot(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, allocator := readyAllocator(t, ctrl, AllocatorSetup{PreNewMock: passthrough})

	dirty, err := allocator.Allocate(64)
	require.NoError(t, err)
	keep, err := allocator.Allocate(64)
	require.NoError(t, err)

	data := metadata.Bytes(dirty, allocator.UsableSize(dirty))
	for i := range data {
		data[i] = 0xFF
	}
	allocator.Free(dirty)

	zeroed, err := allocator.AllocateZeroed(8, 8)
	require.NoError(t, err)
	require.Equal(t, dirty, zeroed)

	for _, b := range metadata.Bytes(zeroed, allocator.UsableSize(zeroed)) {
		require.Equal(t, byte(0), b)
	}

	large, err := allocator.AllocateZeroed(100, 50)
	require.NoError(t, err)
	require.Equal(t, 5000, allocator.UsableSize(large))
	for _, b := range metadata.Bytes(large, 5000) {
		require.Equal(t, byte(0), b)
	}

	allocator.Free(keep)
	require.NoError(t, allocator.Validate())
}

func TestHeapSizeLimit(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, allocator := readyAllocator(t, ctrl, AllocatorSetup{
		AllocatorOptions: CreateOptions{
			HeapSizeLimit: 2 * metadata.PageSize,
		},
		PreNewMock: func(source *mocks.MockPageSource, system SystemPageSource) {
			source.EXPECT().Map(metadata.PageSize).DoAndReturn(system.Map).Times(3)
			source.EXPECT().Unmap(gomock.Any(), metadata.PageSize).DoAndReturn(system.Unmap).Times(3)
		},
	})

	first, err := allocator.Allocate(8)
	require.NoError(t, err)
	_, err = allocator.Allocate(16)
	require.NoError(t, err)

	_, err = allocator.Allocate(32)
	require.Truef(t, errors.Is(err, memutils.ErrOutOfMemory), "%+v", err)

	_, err = allocator.Allocate(5000)
	require.Truef(t, errors.Is(err, memutils.ErrOutOfMemory), "%+v", err)

	// Slots on existing pages do not count against the limit
	nine, err := allocator.Allocate(9)
	require.NoError(t, err)

	allocator.Free(first)
	allocator.Free(nine)
	_, err = allocator.Allocate(32)
	require.NoError(t, err)

	require.NoError(t, allocator.Validate())
}

func TestMemoryCallbacks(t *testing.T) {
	ctrl := gomock.NewController(t)

	var mapped, unmapped []int
	var callbackAllocator *Allocator

	_, allocator := readyAllocator(t, ctrl, AllocatorSetup{
		AllocatorOptions: CreateOptions{
			MemoryCallbackOptions: &MemoryCallbackOptions{
				Map: func(allocator *Allocator, base unsafe.Pointer, size int, userData interface{}) {
					require.Equal(t, "user data", userData)
					require.True(t, metadata.IsPageAligned(base))
					callbackAllocator = allocator
					mapped = append(mapped, size)
				},
				Unmap: func(allocator *Allocator, base unsafe.Pointer, size int, userData interface{}) {
					require.Equal(t, "user data", userData)
					unmapped = append(unmapped, size)
				},
				UserData: "user data",
			},
		},
		PreNewMock: passthrough,
	})

	var ptrs []unsafe.Pointer
	for i := 0; i < 10; i++ {
		ptr, err := allocator.Allocate(100)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}
	large, err := allocator.Allocate(10000)
	require.NoError(t, err)

	require.Same(t, allocator, callbackAllocator)
	require.Equal(t, []int{metadata.PageSize, 10000 + metadata.HeaderSize}, mapped)
	require.Empty(t, unmapped)

	for _, ptr := range ptrs {
		allocator.Free(ptr)
	}
	allocator.Free(large)

	require.Equal(t, []int{metadata.PageSize, 10000 + metadata.HeaderSize}, unmapped)
}

func TestDestroyUnmapsEveryPage(t *testing.T) {
	ctrl := gomock.NewController(t)

	source := mocks.NewMockPageSource(ctrl)
	system := SystemPageSource{}
	source.EXPECT().Map(gomock.Any()).DoAndReturn(system.Map).Times(4)
	source.EXPECT().Unmap(gomock.Any(), metadata.PageSize).DoAndReturn(system.Unmap).Times(3)
	source.EXPECT().Unmap(gomock.Any(), 4096+metadata.HeaderSize).DoAndReturn(system.Unmap).Times(1)

	allocator, err := New(nil, CreateOptions{PageSource: source})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = allocator.Allocate(600)
		require.NoError(t, err)
	}
	_, err = allocator.Allocate(1)
	require.NoError(t, err)
	_, err = allocator.Allocate(100)
	require.NoError(t, err)
	_, err = allocator.Allocate(4096)
	require.NoError(t, err)

	require.NoError(t, allocator.Destroy())
	require.Zero(t, allocator.pages.PageCount())
	require.Equal(t, 0, allocator.memory.Budget().MappingCount)

	require.NoError(t, allocator.Destroy())
	require.Error(t, allocator.Validate())
}

func TestDestroyCombinesUnmapFailures(t *testing.T) {
	ctrl := gomock.NewController(t)

	source := mocks.NewMockPageSource(ctrl)
	system := SystemPageSource{}
	source.EXPECT().Map(gomock.Any()).DoAndReturn(system.Map).Times(2)
	source.EXPECT().Unmap(gomock.Any(), gomock.Any()).DoAndReturn(func(ptr unsafe.Pointer, size int) error {
		require.NoError(t, system.Unmap(ptr, size))
		return errors.New("munmap failed")
	}).Times(2)

	allocator, err := New(nil, CreateOptions{PageSource: source})
	require.NoError(t, err)

	_, err = allocator.Allocate(8)
	require.NoError(t, err)
	_, err = allocator.Allocate(16)
	require.NoError(t, err)

	err = allocator.Destroy()
	require.Error(t, err)
	require.Contains(t, err.Error(), "munmap failed")
}

func TestNewRejectsNegativeLimit(t *testing.T) {
	_, err := New(nil, CreateOptions{HeapSizeLimit: -1})
	require.Error(t, err)
}

func TestCreateFlagsString(t *testing.T) {
	flags := map[CreateFlags]string{
		0:                                     "None",
		AllocatorCreateInternallySynchronized: "AllocatorCreateInternallySynchronized",
		AllocatorCreateTrackRequestedSize:     "AllocatorCreateTrackRequestedSize",
		AllocatorCreateInternallySynchronized | AllocatorCreateTrackRequestedSize: "AllocatorCreateInternallySynchronized|AllocatorCreateTrackRequestedSize",
		AllocatorCreateTrackRequestedSize | 8:                                     "AllocatorCreateTrackRequestedSize|Unknown",
	}

	for flag, expected := range flags {
		require.Equal(t, expected, flag.String())
	}
}
