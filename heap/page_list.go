package heap

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/pageheap/memutils"
	"github.com/vkngwrapper/pageheap/memutils/metadata"
)

// pageList is a singly linked list of pages threaded through the link field of each page header.
// Removal walks from the head because headers carry no back pointer; lists are expected to stay short.
type pageList struct {
	count int
	head  metadata.Page
}

func (l *pageList) IsEmpty() bool {
	return l.count == 0
}

func (l *pageList) push(page metadata.Page) {
	page.SetNext(l.head)
	l.head = page
	l.count++
}

func (l *pageList) remove(page metadata.Page) {
	if l.head.Equal(page) {
		l.head = page.Next()
	} else {
		prev := l.head
		for !prev.IsNil() && !prev.Next().Equal(page) {
			prev = prev.Next()
		}

		if prev.IsNil() {
			panic(errors.Errorf("attempted to remove the page at %p from a list that did not contain it", page.Base()))
		}

		prev.SetNext(page.Next())
	}

	page.SetNext(metadata.Page{})
	l.count--
}

// visit calls visitPage for each page in the list, head first. visitPage may not modify the list.
func (l *pageList) visit(visitPage func(page metadata.Page) error) error {
	for page := l.head; !page.IsNil(); page = page.Next() {
		err := visitPage(page)
		if err != nil {
			return err
		}
	}

	return nil
}

func (l *pageList) Validate(validatePage func(page metadata.Page) error) error {
	declaredCount := l.count
	actualCount := 0

	err := l.visit(func(page metadata.Page) error {
		actualCount++
		if actualCount > declaredCount {
			return errors.Errorf("the list holds more pages than its declared count of %d", declaredCount)
		}
		return validatePage(page)
	})
	if err != nil {
		return err
	}

	if declaredCount != actualCount {
		return errors.Errorf("the listed number of pages in the list (%d) does not match the actual number of pages (%d)", declaredCount, actualCount)
	}

	return nil
}

func addPageStatistics(page metadata.Page, stats *memutils.DetailedStatistics) {
	if small, ok := page.Small(); ok {
		small.AddDetailedStatistics(stats)
	} else if large, ok := page.Large(); ok {
		large.AddDetailedStatistics(stats)
	}
}

func (l *pageList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	_ = l.visit(func(page metadata.Page) error {
		addPageStatistics(page, stats)
		return nil
	})
}

func (l *pageList) PrintPages(arrayState *jwriter.ArrayState) {
	_ = l.visit(func(page metadata.Page) error {
		obj := arrayState.Object()
		defer obj.End()

		if small, ok := page.Small(); ok {
			small.PageJsonData(&obj)
		} else if large, ok := page.Large(); ok {
			large.PageJsonData(&obj)
		}
		return nil
	})
}

// pageLists holds every list head for one allocator: per size class a free list (pages with at least
// one unoccupied slot) and a full list, plus one overflow full list at index metadata.NumClass that
// tracks live large-object pages.
type pageLists struct {
	free [metadata.NumClass]pageList
	full [metadata.NumClass + 1]pageList
}

func fullListIndex(class int) int {
	if class >= metadata.NumClass {
		return metadata.NumClass
	}
	return class
}

func (l *pageLists) pushFree(page metadata.SmallPage) {
	l.free[page.Class()].push(page.Page)
}

func (l *pageLists) removeFree(page metadata.SmallPage) {
	l.free[page.Class()].remove(page.Page)
}

func (l *pageLists) pushFull(page metadata.Page) {
	l.full[fullListIndex(page.Class())].push(page)
}

func (l *pageLists) removeFull(page metadata.Page) {
	l.full[fullListIndex(page.Class())].remove(page)
}

// freeHead returns the head of the free list for class. Only the head is ever offered for allocation.
func (l *pageLists) freeHead(class int) (metadata.SmallPage, bool) {
	return l.free[class].head.Small()
}

func (l *pageLists) overflow() *pageList {
	return &l.full[metadata.NumClass]
}

func (l *pageLists) PageCount() int {
	count := 0
	for class := 0; class < metadata.NumClass; class++ {
		count += l.free[class].count
	}
	for index := 0; index <= metadata.NumClass; index++ {
		count += l.full[index].count
	}
	return count
}

func (l *pageLists) Validate() error {
	for class := 0; class < metadata.NumClass; class++ {
		err := l.free[class].Validate(func(page metadata.Page) error {
			small, ok := page.Small()
			if !ok || small.Class() != class {
				return errors.Errorf("the page at %p is in the free list for class %d but has class %d", page.Base(), class, page.Class())
			}

			if small.IsFull() {
				return errors.Errorf("the page at %p is in the free list for class %d but has no free slot", page.Base(), class)
			}

			if small.IsEmpty() {
				return errors.Errorf("the page at %p is in the free list for class %d but has no occupied slot", page.Base(), class)
			}

			return small.Validate()
		})
		if err != nil {
			return err
		}

		err = l.full[class].Validate(func(page metadata.Page) error {
			small, ok := page.Small()
			if !ok || small.Class() != class {
				return errors.Errorf("the page at %p is in the full list for class %d but has class %d", page.Base(), class, page.Class())
			}

			if !small.IsFull() {
				return errors.Errorf("the page at %p is in the full list for class %d but has a free slot", page.Base(), class)
			}

			return small.Validate()
		})
		if err != nil {
			return err
		}
	}

	return l.overflow().Validate(func(page metadata.Page) error {
		large, ok := page.Large()
		if !ok {
			return errors.Errorf("the page at %p is in the large-object list but has class %d", page.Base(), page.Class())
		}

		return large.Validate()
	})
}
