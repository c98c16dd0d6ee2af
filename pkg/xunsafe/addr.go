//go:build go1.20

package xunsafe

import (
	"fmt"
	"math/bits"
	"unsafe"
)

// Addr is a typed address: a uintptr that remembers what it points to,
// without itself being a pointer the garbage collector needs to trace.
//
// Unlike a *T, an Addr[T] can be computed, compared, and stored inside
// structures the GC must not scan (such as data meant to live on NVM),
// and converted back into a live pointer with [Addr.AssertValid] only
// when the caller knows the memory it refers to is still valid.
type Addr[T any] uintptr

// AddrOf returns the address of p.
func AddrOf[T any](p *T) Addr[T] {
	return Addr[T](uintptr(unsafe.Pointer(p)))
}

// EndOf returns the address one past the last element of s.
func EndOf[T any](s []T) Addr[T] {
	return AddrOf(unsafe.SliceData(s)).Add(len(s))
}

// AssertValid converts this address back into a pointer.
//
// The caller must ensure that the address still refers to live memory of
// the appropriate type; this performs no validation whatsoever.
func (a Addr[T]) AssertValid() *T {
	return (*T)(unsafe.Pointer(uintptr(a)))
}

// Add returns the address of the element n positions past a, scaled by
// the size of T.
func (a Addr[T]) Add(n int) Addr[T] {
	var z T
	return a + Addr[T](uintptr(n)*unsafe.Sizeof(z))
}

// ByteAdd returns the address n bytes past a.
func (a Addr[T]) ByteAdd(n int) Addr[T] {
	return a + Addr[T](n)
}

// Sub returns the number of T-sized elements between a and b.
func (a Addr[T]) Sub(b Addr[T]) int {
	var z T
	size := Addr[T](unsafe.Sizeof(z))
	if size == 0 {
		return 0
	}
	return int((a - b) / size)
}

// Padding returns the number of bytes needed to round a up to align, which
// must be a power of two.
func (a Addr[T]) Padding(align int) int {
	rem := int(uintptr(a)) % align
	if rem == 0 {
		return 0
	}
	return align - rem
}

// RoundUpTo rounds a up to the next multiple of align, which must be a
// power of two.
func (a Addr[T]) RoundUpTo(align int) Addr[T] {
	return a.ByteAdd(a.Padding(align))
}

// SignBit returns the value of the most significant bit of a.
func (a Addr[T]) SignBit() bool {
	return int(uintptr(a)>>(bits.UintSize-1))&1 != 0
}

// SignBitMask returns an address that is all-ones if SignBit is set, and
// all-zeros otherwise.
func (a Addr[T]) SignBitMask() Addr[T] {
	return Addr[T](uintptr(int(a) >> (bits.UintSize - 1)))
}

// ClearSignBit returns a with its most significant bit cleared.
func (a Addr[T]) ClearSignBit() Addr[T] {
	return a &^ (Addr[T](1) << (bits.UintSize - 1))
}

// String formats a as a hexadecimal address.
func (a Addr[T]) String() string {
	return fmt.Sprintf("0x%x", uintptr(a))
}

// Format implements fmt.Formatter so that %x prints bare hex digits.
func (a Addr[T]) Format(f fmt.State, verb rune) {
	switch verb {
	case 'x', 'X':
		_, _ = fmt.Fprintf(f, fmt.FormatString(f, verb), uintptr(a))
	default:
		_, _ = fmt.Fprint(f, a.String())
	}
}
