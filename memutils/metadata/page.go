package metadata

import (
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/pageheap/memutils"
)

// Occupy marks the slot at ptr allocated and refreshes the cached free slot by scanning the bitmap
// forward from that slot. It returns true if no free slot remains, in which case the cache is nil.
//
// The cache always holds the lowest free slot in the page: allocation only consumes the cached slot,
// and Release lowers the cache whenever a slot before it is freed. A forward scan is therefore enough.
func (p SmallPage) Occupy(ptr unsafe.Pointer) (full bool) {
	index, ok := p.SlotIndex(ptr)
	if !ok {
		panic(errors.Errorf("attempted to occupy %p, which is not a slot of the class %d page at %p", ptr, p.Class(), p.base))
	}

	p.setOccupied(index)

	next := p.findFreeFrom(index)
	if next < 0 {
		p.header().freeSlot = nil
		return true
	}

	p.header().freeSlot = p.SlotAddress(next)
	return false
}

// Release marks the slot at ptr unoccupied. wasFull reports whether the page had no free slot before
// the call, and empty reports whether the page no longer has any occupied slot.
func (p SmallPage) Release(ptr unsafe.Pointer) (wasFull bool, empty bool) {
	index, ok := p.SlotIndex(ptr)
	if !ok {
		panic(errors.Errorf("attempted to release %p, which is not a slot of the class %d page at %p", ptr, p.Class(), p.base))
	}

	p.clearOccupied(index)

	cached := p.header().freeSlot
	wasFull = cached == nil
	if wasFull || addressBefore(ptr, cached) {
		p.header().freeSlot = ptr
	}

	return wasFull, p.IsEmpty()
}

// ValidatePointer checks that ptr is a live allocation in this page
func (p SmallPage) ValidatePointer(ptr unsafe.Pointer) error {
	index, ok := p.SlotIndex(ptr)
	if !ok {
		return errors.Errorf("%p is not the start of a slot in the class %d page at %p", ptr, p.Class(), p.base)
	}

	if !p.IsOccupied(index) {
		return errors.Errorf("slot %d of the class %d page at %p is not allocated", index, p.Class(), p.base)
	}

	return nil
}

// ValidatePointer checks that ptr is the allocation held by this page
func (p LargePage) ValidatePointer(ptr unsafe.Pointer) error {
	if ptr != p.Payload() {
		return errors.Errorf("%p is not the payload of the large page at %p", ptr, p.base)
	}
	return nil
}

// Validate performs internal consistency checks on the page: the cached free slot must address an
// unoccupied slot, and no bitmap bit may be set past the final slot.
func (p SmallPage) Validate() error {
	err := p.Page.Validate()
	if err != nil {
		return err
	}

	cached := p.FreeSlot()
	if cached != nil {
		index, ok := p.SlotIndex(cached)
		if !ok {
			return errors.Errorf("the cached free slot %p of the page at %p is not a slot boundary", cached, p.base)
		}

		if p.IsOccupied(index) {
			return errors.Errorf("the cached free slot %d of the page at %p is occupied", index, p.base)
		}
	} else if p.OccupiedCount() != p.SlotCount() {
		return errors.Errorf("the page at %p has no cached free slot but only %d of %d slots are occupied", p.base, p.OccupiedCount(), p.SlotCount())
	}

	words := p.bitmap()
	lastWord := words[len(words)-1]
	tailBits := p.SlotCount() - (len(words)-1)*BitmapWordBits
	if tailBits <= 0 && lastWord != 0 || tailBits > 0 && tailBits < BitmapWordBits && lastWord>>tailBits != 0 {
		return errors.Errorf("the page at %p has occupancy bits set past its final slot", p.base)
	}

	return nil
}

func (p LargePage) Validate() error {
	return p.Page.Validate()
}

// AddDetailedStatistics sums this page's allocation statistics into the provided memutils.DetailedStatistics
func (p SmallPage) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	occupied := p.OccupiedCount()

	stats.PageCount++
	stats.PageBytes += PageSize
	stats.AddAllocations(occupied, p.SlotSize())
	stats.AddFreeSlots(p.SlotCount() - occupied)
	if p.IsFull() {
		stats.FullPageCount++
	}
}

// AddDetailedStatistics sums this page's allocation statistics into the provided memutils.DetailedStatistics
func (p LargePage) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.PageCount++
	stats.PageBytes += p.MappedSize()
	stats.FullPageCount++
	stats.AddAllocations(1, p.PayloadSize())
}

// PageJsonData populates a json object with information about this page
func (p SmallPage) PageJsonData(json *jwriter.ObjectState) {
	json.Name("Kind").String(KindSmall.String())
	json.Name("Class").Int(p.Class())
	json.Name("SlotSize").Int(p.SlotSize())
	json.Name("Slots").Int(p.SlotCount())
	json.Name("Occupied").Int(p.OccupiedCount())

	freeIndex := -1
	if cached := p.FreeSlot(); cached != nil {
		freeIndex, _ = p.SlotIndex(cached)
	}
	json.Name("FreeSlot").Int(freeIndex)
}

// PageJsonData populates a json object with information about this page
func (p LargePage) PageJsonData(json *jwriter.ObjectState) {
	json.Name("Kind").String(KindLarge.String())
	json.Name("TotalBytes").Int(p.MappedSize())
	json.Name("PayloadBytes").Int(p.PayloadSize())
}
