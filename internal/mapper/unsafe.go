package mapper

import "unsafe"

// regionBase returns the address of byte 0 of region.
func regionBase(region []byte) uintptr {
	return uintptr(unsafe.Pointer(&region[0]))
}
