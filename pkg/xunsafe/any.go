package xunsafe

import "unsafe"

// AnyData returns the data word of the interface value v, i.e. the pointer
// an interface value carries alongside its type descriptor.
//
// This is unsafe: the result is meaningless once v's underlying value
// becomes unreachable by ordinary means.
func AnyData(v any) unsafe.Pointer {
	return (*[2]unsafe.Pointer)(unsafe.Pointer(&v))[1]
}
