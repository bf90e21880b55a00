package main

import (
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/pageheap/memutils/metadata"
)

func init() {
	rootCmd.AddCommand(newClassesCmd())
}

func newClassesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classes",
		Short: "Print the size-class geometry table",
		Long: `The classes command prints, for every small-object size class, the slot
size, the number of bitmap words in the page header, the number of slots per
page, the offset of the first slot, and the bytes left unused at the end of
each page.

Example:
  heapstat classes
  heapstat classes --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClasses()
		},
	}
	return cmd
}

type ClassGeometry struct {
	Class        int
	SlotSize     int
	MinRequest   int
	BitmapWords  int
	SlotsPerPage int
	ObjectOffset int
	UnusedBytes  int
}

func classTable() []ClassGeometry {
	table := make([]ClassGeometry, 0, metadata.NumClass)
	for class := 0; class < metadata.NumClass; class++ {
		slotSize := metadata.SlotSize(class)
		offset := metadata.ObjectOffset(class)
		slots := metadata.SlotsPerPage(class)

		table = append(table, ClassGeometry{
			Class:        class,
			SlotSize:     slotSize,
			MinRequest:   slotSize / 2,
			BitmapWords:  metadata.BitmapWords(class),
			SlotsPerPage: slots,
			ObjectOffset: offset,
			UnusedBytes:  metadata.PageSize - offset - slots*slotSize,
		})
	}
	return table
}

func runClasses() error {
	table := classTable()

	if jsonOut {
		return printJSON(table)
	}

	printInfo("\nPage size: %d bytes, header: %d bytes\n\n", metadata.PageSize, metadata.HeaderSize)
	printInfo("  %5s %8s %10s %7s %6s %7s %7s\n", "Class", "Slot", "Requests", "Words", "Slots", "Offset", "Unused")
	for _, row := range table {
		printInfo("  %5d %8d %4d-%-5d %7d %6d %7d %7d\n",
			row.Class,
			row.SlotSize,
			row.MinRequest,
			row.SlotSize-1,
			row.BitmapWords,
			row.SlotsPerPage,
			row.ObjectOffset,
			row.UnusedBytes,
		)
	}
	printInfo("\nRequests of %d bytes or more receive a dedicated mapping of the request plus the header.\n",
		metadata.SlotSize(metadata.NumClass-1))

	return nil
}
