package heap

import (
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/pageheap/memutils"
	"github.com/vkngwrapper/pageheap/memutils/metadata"
)

// HeapStatistics breaks down the pages and blocks held by an Allocator
type HeapStatistics struct {
	// Classes holds the statistics for small-object pages, indexed by size class
	Classes [metadata.NumClass]memutils.DetailedStatistics
	// Large holds the statistics for large-object pages
	Large memutils.DetailedStatistics
	// Total is the sum of Classes and Large
	Total memutils.DetailedStatistics
}

// CalculateStatistics walks every page held by the allocator and fills stats with the result. This
// visits every page, so it is not cheap.
func (a *Allocator) CalculateStatistics(stats *HeapStatistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.calculateStatistics(stats)
}

func (a *Allocator) calculateStatistics(stats *HeapStatistics) {
	stats.Total.Clear()
	stats.Large.Clear()

	for class := 0; class < metadata.NumClass; class++ {
		classStats := &stats.Classes[class]
		classStats.Clear()

		a.pages.free[class].AddDetailedStatistics(classStats)
		a.pages.full[class].AddDetailedStatistics(classStats)

		stats.Total.AddDetailedStatistics(classStats)
	}

	a.pages.overflow().AddDetailedStatistics(&stats.Large)
	stats.Total.AddDetailedStatistics(&stats.Large)
}

// BuildStatsString returns a JSON document describing the allocator's configuration, its mapped memory,
// and per-class statistics. When detailed is true, every page is listed with its occupancy.
func (a *Allocator) BuildStatsString(detailed bool) string {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var stats HeapStatistics
	a.calculateStatistics(&stats)

	writer := jwriter.NewWriter()
	objState := writer.Object()

	general := objState.Name("General").Object()
	general.Name("Flags").String(a.createFlags.String())
	general.Name("PageSize").Int(metadata.PageSize)
	general.Name("HeaderSize").Int(metadata.HeaderSize)
	general.Name("ClassCount").Int(metadata.NumClass)
	general.End()

	budget := a.memory.Budget()
	budgetObj := objState.Name("Budget").Object()
	budgetObj.Name("MappingCount").Int(budget.MappingCount)
	budgetObj.Name("MappedBytes").Int(budget.MappedBytes)
	budgetObj.Name("Limit").Int(budget.Limit)
	budgetObj.Name("MapCalls").Int(budget.MapCalls)
	budgetObj.End()

	totalObj := objState.Name("Total").Object()
	printDetailedStatistics(&totalObj, &stats.Total)
	totalObj.End()

	classesObj := objState.Name("Classes").Object()
	for class := 0; class < metadata.NumClass; class++ {
		if stats.Classes[class].PageCount == 0 {
			continue
		}

		classObj := classesObj.Name(strconv.Itoa(metadata.SlotSize(class))).Object()
		classObj.Name("Class").Int(class)
		classObj.Name("SlotsPerPage").Int(metadata.SlotsPerPage(class))
		printDetailedStatistics(&classObj, &stats.Classes[class])

		if detailed {
			freePages := classObj.Name("FreePages").Array()
			a.pages.free[class].PrintPages(&freePages)
			freePages.End()

			fullPages := classObj.Name("FullPages").Array()
			a.pages.full[class].PrintPages(&fullPages)
			fullPages.End()
		}

		classObj.End()
	}
	classesObj.End()

	largeObj := objState.Name("Large").Object()
	printDetailedStatistics(&largeObj, &stats.Large)
	if detailed {
		largePages := largeObj.Name("Pages").Array()
		a.pages.overflow().PrintPages(&largePages)
		largePages.End()
	}
	largeObj.End()

	objState.End()

	return string(writer.Bytes())
}

func printDetailedStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("PageCount").Int(stats.PageCount)
	json.Name("FullPageCount").Int(stats.FullPageCount)
	json.Name("PageBytes").Int(stats.PageBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("FreeSlotCount").Int(stats.FreeSlotCount)

	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
}
