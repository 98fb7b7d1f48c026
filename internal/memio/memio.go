// Package memio allocates page-aligned, zeroed memory regions standing in
// for the DMA-coherent pages a real device would share with the host: the
// per-queue command rings and the fence page.
package memio

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// syntheticAddr hands out fake "DMA addresses" for allocated regions. There
// is no real bus in this simulated deployment, but components that program
// CMD_BASE/FENCE_ADDR still need a stable integer to write into those
// registers, and two regions must never collide.
var (
	addrMu   sync.Mutex
	nextAddr uint64 = 0x1000_0000
)

func allocAddr(size int) uint64 {
	addrMu.Lock()
	defer addrMu.Unlock()
	addr := nextAddr
	nextAddr += uint64(pageRound(size))
	return addr
}

func pageRound(size int) int {
	pageSize := os.Getpagesize()
	if rem := size % pageSize; rem != 0 {
		size += pageSize - rem
	}
	return size
}

// Region is a coherent memory allocation: a host-visible byte slice plus the
// synthetic DMA address a register write would program a real device with.
type Region struct {
	Bytes   []byte
	DMAAddr uint64
}

// Alloc allocates a zeroed, page-aligned anonymous mapping of at least size
// bytes and assigns it a synthetic DMA address.
func Alloc(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("memio: invalid size %d", size)
	}
	rounded := pageRound(size)

	data, err := unix.Mmap(-1, 0, rounded, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("memio: mmap failed: %w", err)
	}

	return &Region{
		Bytes:   data[:size],
		DMAAddr: allocAddr(size),
	}, nil
}

// Free unmaps the region. Safe to call on a nil region.
func (r *Region) Free() error {
	if r == nil || r.Bytes == nil {
		return nil
	}
	rounded := pageRound(len(r.Bytes))
	full := r.Bytes[:rounded:rounded]
	err := unix.Munmap(full)
	r.Bytes = nil
	return err
}

// Zero clears the region's contents, mirroring the zeroing step create()
// performs before programming device registers.
func (r *Region) Zero() {
	for i := range r.Bytes {
		r.Bytes[i] = 0
	}
}
