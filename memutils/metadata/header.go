package metadata

import (
	"unsafe"

	"github.com/pkg/errors"
)

// pageHeader is the record stored in the first HeaderSize bytes of every managed page. class selects
// which of the remaining fields are meaningful: freeSlot for small-object pages, size for large-object
// pages.
type pageHeader struct {
	next     unsafe.Pointer
	class    uint32
	_        uint32
	freeSlot unsafe.Pointer
	size     uintptr
}

// Kind identifies which shape of header is in force for a page
type Kind uint8

const (
	// KindSmall pages are divided into slots of a single size class
	KindSmall Kind = iota
	// KindLarge pages hold exactly one allocation immediately after the header
	KindLarge
)

var kindMapping = map[Kind]string{
	KindSmall: "Small",
	KindLarge: "Large",
}

func (k Kind) String() string {
	return kindMapping[k]
}

// Page is a handle to a managed page, identified by its page-aligned base address. The zero value
// refers to no page.
type Page struct {
	base unsafe.Pointer
}

// PageAt returns the page containing ptr
func PageAt(ptr unsafe.Pointer) Page {
	if ptr == nil {
		return Page{}
	}
	return Page{base: PageBase(ptr)}
}

// PageFromBase wraps a page base address returned from the operating system
func PageFromBase(base unsafe.Pointer) Page {
	return Page{base: base}
}

func (p Page) IsNil() bool           { return p.base == nil }
func (p Page) Base() unsafe.Pointer  { return p.base }
func (p Page) Equal(other Page) bool { return p.base == other.base }
func (p Page) header() *pageHeader   { return headerAt(p.base) }
func (p Page) Next() Page            { return Page{base: p.header().next} }
func (p Page) SetNext(next Page)     { p.header().next = next.base }
func (p Page) Class() int            { return int(p.header().class) }
func (p Page) Contains(ptr unsafe.Pointer) bool {
	return ptr != nil && PageBase(ptr) == p.base
}

func (p Page) Kind() Kind {
	if IsSmallClass(p.Class()) {
		return KindSmall
	}
	return KindLarge
}

// Small returns the small-object view of this page. ok is false if the page holds a large object.
func (p Page) Small() (SmallPage, bool) {
	if p.base == nil || p.Kind() != KindSmall {
		return SmallPage{}, false
	}
	return SmallPage{Page: p}, true
}

// Large returns the large-object view of this page. ok is false if the page is a small-object page.
func (p Page) Large() (LargePage, bool) {
	if p.base == nil || p.Kind() != KindLarge {
		return LargePage{}, false
	}
	return LargePage{Page: p}, true
}

// Validate performs the cheap page-origin sanity check on the header: the class must be a known small
// class or exactly LargeClass, and a large page must record a size covering more than its header.
func (p Page) Validate() error {
	if p.base == nil {
		return errors.New("page is nil")
	}

	if !IsPageAligned(p.base) {
		return errors.Errorf("page base %p is not aligned to %d bytes", p.base, PageSize)
	}

	class := p.Class()
	if class < 0 || class > LargeClass {
		return errors.Errorf("page at %p has invalid class %d", p.base, class)
	}

	if class == LargeClass && p.header().size <= uintptr(HeaderSize) {
		return errors.Errorf("large page at %p records a mapped size of %d bytes", p.base, p.header().size)
	}

	return nil
}

// SmallPage is the view of a page that serves a single size class
type SmallPage struct {
	Page
}

// InitSmallPage formats freshly-mapped memory at base as an empty page of the provided class. The cached
// free slot starts at slot 0.
func InitSmallPage(base unsafe.Pointer, class int) SmallPage {
	zeroRegion(base, HeaderSize+BitmapBytes(class))

	page := SmallPage{Page: PageFromBase(base)}
	page.header().class = uint32(class)
	page.header().freeSlot = slotAddress(base, class, 0)

	return page
}

func (p SmallPage) SlotSize() int    { return SlotSize(p.Class()) }
func (p SmallPage) SlotCount() int   { return SlotsPerPage(p.Class()) }
func (p SmallPage) IsFull() bool     { return p.header().freeSlot == nil }
func (p SmallPage) MappedSize() int  { return PageSize }
func (p SmallPage) bitmap() []uint64 { return bitmapAt(p.base, p.Class()) }

// FreeSlot returns the cached address of a known-free slot, or nil if the page is full
func (p SmallPage) FreeSlot() unsafe.Pointer {
	return p.header().freeSlot
}

func (p SmallPage) SlotAddress(index int) unsafe.Pointer {
	return slotAddress(p.base, p.Class(), index)
}

// SlotIndex converts ptr into a slot index. ok is false if ptr does not address the start of a slot
// in this page.
func (p SmallPage) SlotIndex(ptr unsafe.Pointer) (int, bool) {
	if !p.Contains(ptr) {
		return -1, false
	}
	return slotIndex(p.base, p.Class(), ptr)
}

// LargePage is the view of a page that serves exactly one allocation
type LargePage struct {
	Page
}

// InitLargePage formats freshly-mapped memory at base as a large-object page. mappedSize is the full
// size of the mapping, header included.
func InitLargePage(base unsafe.Pointer, mappedSize int) LargePage {
	zeroRegion(base, HeaderSize)

	page := LargePage{Page: PageFromBase(base)}
	page.header().class = uint32(LargeClass)
	page.header().size = uintptr(mappedSize)

	return page
}

func (p LargePage) MappedSize() int         { return int(p.header().size) }
func (p LargePage) PayloadSize() int        { return int(p.header().size) - HeaderSize }
func (p LargePage) Payload() unsafe.Pointer { return largePayload(p.base) }
