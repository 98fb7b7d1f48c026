package fence

import "unsafe"

//go:noinline
func wordPtr(mem []byte, off int) unsafe.Pointer {
	return unsafe.Pointer(&mem[off])
}
