package metadata

import "math/bits"

func (p SmallPage) IsOccupied(index int) bool {
	word := p.bitmap()[index/BitmapWordBits]
	return word&(uint64(1)<<(index%BitmapWordBits)) != 0
}

func (p SmallPage) setOccupied(index int) {
	words := p.bitmap()
	words[index/BitmapWordBits] |= uint64(1) << (index % BitmapWordBits)
}

func (p SmallPage) clearOccupied(index int) {
	words := p.bitmap()
	words[index/BitmapWordBits] &^= uint64(1) << (index % BitmapWordBits)
}

// OccupiedCount returns the number of slots currently allocated in this page
func (p SmallPage) OccupiedCount() int {
	count := 0
	for _, word := range p.bitmap() {
		count += bits.OnesCount64(word)
	}
	return count
}

// IsEmpty returns true if no slot in this page is allocated
func (p SmallPage) IsEmpty() bool {
	for _, word := range p.bitmap() {
		if word != 0 {
			return false
		}
	}
	return true
}

// findFreeFrom returns the lowest unoccupied slot index at or after start, or -1 if there is none
func (p SmallPage) findFreeFrom(start int) int {
	words := p.bitmap()
	slotCount := p.SlotCount()

	firstWord := start / BitmapWordBits
	for wordIndex := firstWord; wordIndex < len(words); wordIndex++ {
		free := ^words[wordIndex]
		if wordIndex == firstWord {
			free &= ^uint64(0) << (start % BitmapWordBits)
		}

		if free == 0 {
			continue
		}

		// Bits past the last slot are never set, so the first of them ends the search
		index := wordIndex*BitmapWordBits + bits.TrailingZeros64(free)
		if index >= slotCount {
			return -1
		}
		return index
	}

	return -1
}
