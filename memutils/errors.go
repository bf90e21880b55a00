package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// ErrOutOfMemory is returned (usually wrapped) when the operating system refuses to map more pages, or when
// a configured heap size limit would be exceeded
var ErrOutOfMemory error = errors.New("out of memory")

// ErrSizeOverflow is returned when the byte count of a request cannot be represented
var ErrSizeOverflow error = errors.New("requested size overflows")
