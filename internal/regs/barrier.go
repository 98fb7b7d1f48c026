//go:build linux && cgo

// Barriers for the two ordering points the register/ring path depends on:
// publishing a ring write to the device, and restoring register state ahead
// of re-enabling interrupts during reset. Go's memory model has no notion
// of a hardware fence, so both are implemented in a few lines of cgo.
package regs

/*
#include <stdint.h>

// Store fence: every dword Ring.Write staged into coherent memory must be
// globally visible before CMD_TAIL and the doorbell register are written,
// or the device can start consuming a command it hasn't fully received.
static inline void sfence_impl(void) {
    __asm__ __volatile__("sfence" ::: "memory");
}

// Full fence: every register restore() performs while unwinding a reset
// must land before the interrupt mask is cleared, or an IRQ can fire into
// state the device hasn't actually resumed yet.
static inline void mfence_impl(void) {
    __asm__ __volatile__("mfence" ::: "memory");
}
*/
import "C"

// Sfence issues a store fence (x86 SFENCE instruction). Required between a
// ring write and the CMD_TAIL/doorbell writes that publish it.
func Sfence() {
	C.sfence_impl()
}

// Mfence issues a full memory fence (x86 MFENCE instruction). Used between
// register restore and interrupt unmask during reset.
func Mfence() {
	C.mfence_impl()
}
