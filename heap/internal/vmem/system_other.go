//go:build !unix

package vmem

import (
	"unsafe"

	"github.com/cockroachdb/errors"
)

// SystemPageSource maps anonymous private memory straight from the kernel. It is only
// implemented on unix platforms; elsewhere a PageSource must be supplied.
type SystemPageSource struct{}

func (SystemPageSource) Map(size int) (unsafe.Pointer, error) {
	return nil, errors.New("anonymous page mapping is not supported on this platform")
}

func (SystemPageSource) Unmap(ptr unsafe.Pointer, size int) error {
	return errors.New("anonymous page mapping is not supported on this platform")
}
