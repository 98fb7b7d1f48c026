package regs

import "unsafe"

// wordPtr returns a pointer to the 32-bit word at byte offset off within
// mem. Callers have already alignment- and range-checked off.
//
//go:noinline
func wordPtr(mem []byte, off int) unsafe.Pointer {
	return unsafe.Pointer(&mem[off])
}
