package metadata

import (
	"fmt"
	"unsafe"

	"github.com/vkngwrapper/pageheap/memutils"
)

// All raw address arithmetic and pointer casting for managed pages lives in this file. The rest of the
// module only converts between slot indices and addresses through the functions below.

const (
	// PageSize is the size in bytes of every small-object page, and the alignment of every managed page
	PageSize int = 4096
	// NumClass is the number of small-object size classes. Class c holds slots of SlotSize(c) bytes.
	NumClass int = 10
	// LargeClass is the class value recorded in the header of large-object pages. Any header class at or
	// above NumClass identifies a large-object page.
	LargeClass int = NumClass
	// HeaderSize is the number of bytes at the start of each page reserved for the page header
	HeaderSize int = int(unsafe.Sizeof(pageHeader{}))
	// BitmapWordBits is the number of slots tracked by each bitmap word
	BitmapWordBits int = 64

	bitmapWordBytes int = int(unsafe.Sizeof(uint64(0)))
)

type classGeometry struct {
	slotSize     int
	bitmapWords  int
	slotsPerPage int
	objectOffset int
}

var geometry [NumClass]classGeometry

func init() {
	memutils.DebugCheckPow2(PageSize, "PageSize")

	for class := 0; class < NumClass; class++ {
		slotSize := 2 << class
		// Each bitmap word pays for itself (8 bytes) plus the 64 slots it tracks
		words := memutils.CeilDiv(PageSize-HeaderSize, BitmapWordBits*slotSize+bitmapWordBytes)
		offset := HeaderSize + words*bitmapWordBytes
		slots := (PageSize - offset) / slotSize

		if slots > words*BitmapWordBits {
			panic(fmt.Sprintf("class %d has %d slots but only %d bitmap bits", class, slots, words*BitmapWordBits))
		}

		geometry[class] = classGeometry{
			slotSize:     slotSize,
			bitmapWords:  words,
			slotsPerPage: slots,
			objectOffset: offset,
		}
	}
}

// SlotSize returns the size in bytes of a single slot of the provided small-object class
func SlotSize(class int) int { return geometry[class].slotSize }

// BitmapWords returns the number of 64-bit occupancy words stored after the header of a page of the
// provided class
func BitmapWords(class int) int { return geometry[class].bitmapWords }

// BitmapBytes returns the size in bytes of the occupancy bitmap of a page of the provided class
func BitmapBytes(class int) int { return geometry[class].bitmapWords * bitmapWordBytes }

// SlotsPerPage returns the number of slots that fit in a page of the provided class
func SlotsPerPage(class int) int { return geometry[class].slotsPerPage }

// ObjectOffset returns the offset from the page base of slot 0 for the provided class
func ObjectOffset(class int) int { return geometry[class].objectOffset }

// ClassOf maps a request of size bytes to its size class, floor(log2(size)). Results at or above
// NumClass must be served as large objects. size must be positive.
func ClassOf(size int) int {
	return memutils.Log2Floor(size)
}

// IsSmallClass reports whether class can be served from a small-object page
func IsSmallClass(class int) bool {
	return class >= 0 && class < NumClass
}

// PageBase masks ptr down to the base of the managed page containing it
func PageBase(ptr unsafe.Pointer) unsafe.Pointer {
	addr := int(uintptr(ptr))
	return unsafe.Add(ptr, memutils.AlignDown(addr, uint(PageSize))-addr)
}

// IsPageAligned reports whether ptr sits on a page boundary
func IsPageAligned(ptr unsafe.Pointer) bool {
	addr := int(uintptr(ptr))
	return memutils.AlignDown(addr, uint(PageSize)) == addr
}

// Bytes exposes size bytes starting at ptr as a byte slice
func Bytes(ptr unsafe.Pointer, size int) []byte {
	if ptr == nil || size <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(ptr), size)
}

func headerAt(base unsafe.Pointer) *pageHeader {
	return (*pageHeader)(base)
}

func bitmapAt(base unsafe.Pointer, class int) []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Add(base, HeaderSize)), geometry[class].bitmapWords)
}

func slotAddress(base unsafe.Pointer, class int, index int) unsafe.Pointer {
	g := &geometry[class]
	return unsafe.Add(base, g.objectOffset+index*g.slotSize)
}

func slotIndex(base unsafe.Pointer, class int, ptr unsafe.Pointer) (int, bool) {
	g := &geometry[class]
	offset := int(uintptr(ptr)-uintptr(base)) - g.objectOffset
	if offset < 0 || offset%g.slotSize != 0 {
		return -1, false
	}

	index := offset / g.slotSize
	if index >= g.slotsPerPage {
		return -1, false
	}

	return index, true
}

func largePayload(base unsafe.Pointer) unsafe.Pointer {
	return unsafe.Add(base, HeaderSize)
}

func addressBefore(left, right unsafe.Pointer) bool {
	return uintptr(left) < uintptr(right)
}

func zeroRegion(ptr unsafe.Pointer, size int) {
	clear(unsafe.Slice((*byte)(ptr), size))
}
