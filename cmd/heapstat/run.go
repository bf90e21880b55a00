package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/pageheap/heap"
	"github.com/vkngwrapper/pageheap/memutils/metadata"
)

var (
	runSizes     []int
	runCount     int
	runFreeEvery int
	runDetailed  bool
	runLimit     int
	runTrack     bool
)

func init() {
	cmd := newRunCmd()
	cmd.Flags().IntSliceVar(&runSizes, "sizes", []int{8, 16, 5000}, "Request sizes to cycle through, in bytes")
	cmd.Flags().IntVar(&runCount, "count", 1000, "Number of allocations to make")
	cmd.Flags().IntVar(&runFreeEvery, "free-every", 3, "Free every Nth allocation before reporting (0 keeps all)")
	cmd.Flags().BoolVar(&runDetailed, "detailed", false, "List every page in the report")
	cmd.Flags().IntVar(&runLimit, "limit", 0, "Heap size limit in bytes (0 for no limit)")
	cmd.Flags().BoolVar(&runTrack, "track", false, "Track requested sizes")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a synthetic allocation workload and report statistics",
		Long: `The run command allocates --count blocks, cycling through the sizes given
with --sizes, writes a pattern into every block, frees every Nth block, and
validates the allocator. It then reports the per-class statistics, verifies
the surviving blocks, and releases everything.

Example:
  heapstat run
  heapstat run --sizes 8,16,5000 --count 1000 --free-every 3
  heapstat run --sizes 100 --count 64 --detailed --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkload()
		},
	}
	return cmd
}

type workloadBlock struct {
	ptr  unsafe.Pointer
	size int
}

func (b workloadBlock) fill(seed int) {
	data := metadata.Bytes(b.ptr, b.size)
	for i := range data {
		data[i] = byte(seed + i)
	}
}

func (b workloadBlock) check(seed int) error {
	data := metadata.Bytes(b.ptr, b.size)
	for i := range data {
		if data[i] != byte(seed+i) {
			return errors.Newf("block %d (%d bytes at %p) was overwritten at byte %d", seed, b.size, b.ptr, i)
		}
	}
	return nil
}

func runWorkload() error {
	if len(runSizes) == 0 {
		return errors.New("at least one size is required")
	}
	if runCount < 0 || runFreeEvery < 0 {
		return errors.New("--count and --free-every may not be negative")
	}

	var flags heap.CreateFlags
	if runTrack {
		flags |= heap.AllocatorCreateTrackRequestedSize
	}

	allocator, err := heap.New(newLogger(os.Stderr), heap.CreateOptions{
		Flags:         flags,
		HeapSizeLimit: runLimit,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create allocator")
	}
	defer func() {
		destroyErr := allocator.Destroy()
		if destroyErr != nil {
			printError("%v\n", destroyErr)
		}
	}()

	printVerbose("Allocating %d blocks from sizes %v\n", runCount, runSizes)

	blocks := make([]workloadBlock, runCount)
	for i := range blocks {
		size := runSizes[i%len(runSizes)]
		ptr, err := allocator.Allocate(size)
		if err != nil {
			return errors.Wrapf(err, "allocation %d of %d bytes failed", i, size)
		}

		blocks[i] = workloadBlock{ptr: ptr, size: size}
		if ptr != nil {
			blocks[i].fill(i)
		}
	}

	freed := 0
	if runFreeEvery > 0 {
		for i := 0; i < len(blocks); i += runFreeEvery {
			allocator.Free(blocks[i].ptr)
			blocks[i].ptr = nil
			freed++
		}
	}
	printVerbose("Freed %d blocks\n", freed)

	err = allocator.Validate()
	if err != nil {
		return errors.Wrap(err, "allocator failed validation")
	}

	if jsonOut {
		err = printStatsJSON(allocator.BuildStatsString(runDetailed))
	} else {
		var stats heap.HeapStatistics
		allocator.CalculateStatistics(&stats)
		printStatistics(&stats)
	}
	if err != nil {
		return err
	}

	for i, block := range blocks {
		if block.ptr == nil {
			continue
		}

		err = block.check(i)
		if err != nil {
			return err
		}
		allocator.Free(block.ptr)
	}

	err = allocator.Validate()
	if err != nil {
		return errors.Wrap(err, "allocator failed validation after releasing every block")
	}

	printVerbose("Released every block\n")
	return nil
}

func printStatsJSON(stats string) error {
	var out bytes.Buffer
	err := json.Indent(&out, []byte(stats), "", "  ")
	if err != nil {
		return errors.Wrap(err, "allocator produced malformed statistics")
	}

	out.WriteByte('\n')
	_, err = out.WriteTo(os.Stdout)
	return err
}

func printStatistics(stats *heap.HeapStatistics) {
	printInfo("\nAllocator Statistics:\n")
	printInfo("  %-8s %6s %6s %8s %10s %12s\n", "Class", "Pages", "Full", "Blocks", "FreeSlots", "Bytes")

	for class := 0; class < metadata.NumClass; class++ {
		classStats := &stats.Classes[class]
		if classStats.PageCount == 0 {
			continue
		}

		printInfo("  %-8s %6d %6d %8d %10d %12d\n",
			fmt.Sprintf("%d (%d)", class, metadata.SlotSize(class)),
			classStats.PageCount,
			classStats.FullPageCount,
			classStats.AllocationCount,
			classStats.FreeSlotCount,
			classStats.AllocationBytes,
		)
	}

	if stats.Large.PageCount > 0 {
		printInfo("  %-8s %6d %6d %8d %10s %12d\n",
			"large",
			stats.Large.PageCount,
			stats.Large.FullPageCount,
			stats.Large.AllocationCount,
			"-",
			stats.Large.AllocationBytes,
		)
	}

	printInfo("\nTotals:\n")
	printInfo("  Pages: %d (%d bytes mapped)\n", stats.Total.PageCount, stats.Total.PageBytes)
	printInfo("  Blocks: %d (%d bytes)\n", stats.Total.AllocationCount, stats.Total.AllocationBytes)
	if stats.Total.PageBytes > 0 {
		printInfo("  Utilization: %.1f%%\n", 100*float64(stats.Total.AllocationBytes)/float64(stats.Total.PageBytes))
	}
}
