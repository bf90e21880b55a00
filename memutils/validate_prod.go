//go:build !debug_mem_utils

package memutils

const (
	// DebugEnabled is true when memutils is built with the debug_mem_utils build tag. Consumers can
	// use it to compile out expensive sanity checks of caller-supplied pointers.
	DebugEnabled bool = false
)

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckPow2(value int, name string) {
}
