package memutils

import "math"

// Statistics holds the basic counters for a set of pages. AllocationBytes counts the capacity that
// has been handed out (slot size or large payload size), not the byte counts originally requested.
type Statistics struct {
	PageCount       int
	AllocationCount int
	PageBytes       int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.PageCount = 0
	s.AllocationCount = 0
	s.PageBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.PageCount += other.PageCount
	s.AllocationCount += other.AllocationCount
	s.PageBytes += other.PageBytes
	s.AllocationBytes += other.AllocationBytes
}

type DetailedStatistics struct {
	Statistics
	FreeSlotCount     int
	FullPageCount     int
	AllocationSizeMin int
	AllocationSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeSlotCount = 0
	s.FullPageCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
}

func (s *DetailedStatistics) AddFreeSlots(count int) {
	s.FreeSlotCount += count
}

func (s *DetailedStatistics) AddAllocations(count int, size int) {
	if count <= 0 {
		return
	}

	s.AllocationCount += count
	s.AllocationBytes += count * size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.FreeSlotCount += other.FreeSlotCount
	s.FullPageCount += other.FullPageCount

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}
