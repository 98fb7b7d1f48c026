// Package regs provides typed accessors over the device's memory-mapped
// register window: fixed single registers, per-queue register groups at a
// 0x10 stride, and the doorbell region at a 4-byte stride.
package regs

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/fpgadrv/gpucore/internal/constants"
)

// Bank is a register window backed by a plain byte slice. All accesses are
// 32-bit, little-endian, and alignment-checked; a real backend would mmap a
// PCI/AXI BAR here, a simulated one just owns the slice directly.
type Bank struct {
	mem []byte
}

// NewBank wraps an existing byte slice as a register window. size must be
// large enough to hold the doorbell region for the configured number of
// queues; callers size it via DoorbellBase + numQueues*DoorbellStride.
func NewBank(mem []byte) *Bank {
	return &Bank{mem: mem}
}

func (b *Bank) checkOffset(off int) error {
	if off < 0 || off%4 != 0 {
		return fmt.Errorf("regs: misaligned offset 0x%x", off)
	}
	if off+4 > len(b.mem) {
		return fmt.Errorf("regs: offset 0x%x out of range (window size %d)", off, len(b.mem))
	}
	return nil
}

// Read32 reads a 32-bit register with volatile (uncached) semantics: every
// call re-reads memory rather than trusting a cached value, which matters
// for device-owned registers like CMD_HEAD.
func (b *Bank) Read32(off int) (uint32, error) {
	if err := b.checkOffset(off); err != nil {
		return 0, err
	}
	word := (*uint32)(wordPtr(b.mem, off))
	return atomic.LoadUint32(word), nil
}

// Write32 writes a 32-bit register.
func (b *Bank) Write32(off int, v uint32) error {
	if err := b.checkOffset(off); err != nil {
		return err
	}
	word := (*uint32)(wordPtr(b.mem, off))
	atomic.StoreUint32(word, v)
	return nil
}

// MustRead32/MustWrite32 panic on error; reserved for offsets this package
// itself computes and knows to be valid (e.g. fixed register constants).
func (b *Bank) MustRead32(off int) uint32 {
	v, err := b.Read32(off)
	if err != nil {
		panic(err)
	}
	return v
}

func (b *Bank) MustWrite32(off int, v uint32) {
	if err := b.Write32(off, v); err != nil {
		panic(err)
	}
}

// CmdRegOffset returns the offset of one of the per-queue CMD_* registers
// (CMD_BASE, CMD_SIZE, CMD_HEAD, CMD_TAIL) for queue q.
func CmdRegOffset(base int, q int) int {
	return base + q*constants.PerQueueStride
}

// DoorbellOffset returns the offset of queue q's doorbell register.
func DoorbellOffset(q int) int {
	return constants.DoorbellBase + q*constants.DoorbellStride
}

// Encode/Decode expose the little-endian wire encoding directly for callers
// that operate on raw byte slices (the command ring payload) rather than
// through a Bank.
func Encode(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

func Decode(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}
