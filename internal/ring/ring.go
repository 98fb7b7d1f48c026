// Package ring implements the per-queue command ring transport: a
// power-of-two producer/consumer buffer in coherent memory with the host
// owning tail and the device owning head.
package ring

import (
	"context"
	"time"

	"github.com/fpgadrv/gpucore/internal/constants"
	"github.com/fpgadrv/gpucore/internal/memio"
	"github.com/fpgadrv/gpucore/internal/regs"
)

// ErrorKind mirrors the error-kind vocabulary the rest of the driver uses;
// defined locally to keep this package import-free of the root package.
type ErrorKind int

const (
	ErrNone ErrorKind = iota
	ErrInvalidSize
	ErrOutOfMemory
	ErrBusy
	ErrTimeout
	ErrHardwareError
)

// Error wraps an ErrorKind with a message.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func newErr(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// StatusReader lets the ring observe the device STATUS register without
// depending on the irq/hw packages, breaking an import cycle.
type StatusReader interface {
	ReadStatus() (uint32, error)
}

// Ring is one hardware queue's command ring.
type Ring struct {
	QueueID int

	bank   *regs.Bank
	status StatusReader
	region *memio.Region

	sizeBytes  int
	sizeDwords int

	tail uint32 // host-private, in dwords

	submitted uint64
	completed uint64

	enabled bool

	spaceWake chan struct{} // closed-and-replaced to broadcast QUEUE_EMPTY wakes
}

// roundSize rounds size up to the next power of two within
// [MinRingSize, MaxRingSize].
func roundSize(size int) (int, error) {
	if size <= 0 {
		return 0, newErr(ErrInvalidSize, "ring: size must be positive")
	}
	if size > constants.MaxRingSize {
		return 0, newErr(ErrInvalidSize, "ring: size exceeds maximum")
	}
	rounded := constants.MinRingSize
	for rounded < size {
		rounded <<= 1
	}
	if rounded > constants.MaxRingSize {
		return 0, newErr(ErrInvalidSize, "ring: rounded size exceeds maximum")
	}
	return rounded, nil
}

// Create allocates a ring for queue_id of at least the given size (rounded
// up to the next power of two in [4096, 262144]), zeros it, programs the
// device's base/size registers, and resets head/tail to zero.
func Create(bank *regs.Bank, status StatusReader, queueID int, size int) (*Ring, error) {
	rounded, err := roundSize(size)
	if err != nil {
		return nil, err
	}

	region, err := memio.Alloc(rounded)
	if err != nil {
		return nil, newErr(ErrOutOfMemory, err.Error())
	}
	region.Zero()

	r := &Ring{
		QueueID:    queueID,
		bank:       bank,
		status:     status,
		region:     region,
		sizeBytes:  rounded,
		sizeDwords: rounded / 4,
		enabled:    true,
		spaceWake:  make(chan struct{}),
	}

	base := regs.CmdRegOffset(constants.RegCmdBase, queueID)
	sz := regs.CmdRegOffset(constants.RegCmdSize, queueID)
	head := regs.CmdRegOffset(constants.RegCmdHead, queueID)
	tail := regs.CmdRegOffset(constants.RegCmdTail, queueID)

	if err := bank.Write32(base, uint32(region.DMAAddr)); err != nil {
		region.Free()
		return nil, err
	}
	if err := bank.Write32(sz, uint32(rounded)); err != nil {
		region.Free()
		return nil, err
	}
	if err := bank.Write32(head, 0); err != nil {
		region.Free()
		return nil, err
	}
	if err := bank.Write32(tail, 0); err != nil {
		region.Free()
		return nil, err
	}

	return r, nil
}

func (r *Ring) headOffset() int { return regs.CmdRegOffset(constants.RegCmdHead, r.QueueID) }
func (r *Ring) tailOffset() int { return regs.CmdRegOffset(constants.RegCmdTail, r.QueueID) }

// head re-reads the device-owned head register; never cached.
func (r *Ring) head() (uint32, error) {
	return r.bank.Read32(r.headOffset())
}

// SpaceDw returns available dwords using the reserved-slot convention.
func (r *Ring) SpaceDw() (int, error) {
	head, err := r.head()
	if err != nil {
		return 0, err
	}
	n := r.sizeDwords
	used := (int(r.tail) - int(head) + n) % n
	return n - 1 - used, nil
}

// WaitSpace polls SpaceDw at short intervals until at least needed dwords
// are free, or timeout elapses. A zero timeout means an immediate poll, not
// an indefinite wait — only fence.Wait treats zero as "wait forever".
func (r *Ring) WaitSpace(ctx context.Context, needed int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		space, err := r.SpaceDw()
		if err != nil {
			return err
		}
		if space >= needed {
			return nil
		}

		if statusErr := r.checkHardwareError(); statusErr != nil {
			return statusErr
		}

		if timeout == 0 {
			return newErr(ErrBusy, "ring: insufficient space")
		}
		if time.Now().After(deadline) {
			return newErr(ErrTimeout, "ring: timed out waiting for space")
		}

		select {
		case <-ctx.Done():
			return newErr(ErrTimeout, "ring: cancelled waiting for space")
		case <-time.After(constants.WaitSpacePollInterval):
		case <-r.spaceWakeChan():
		}
	}
}

func (r *Ring) spaceWakeChan() <-chan struct{} {
	return r.spaceWake
}

// WakeSpace is invoked by the IRQ core's QUEUE_EMPTY handler to short-circuit
// waiters; treated purely as a hint per the edge-triggered decision.
func (r *Ring) WakeSpace() {
	close(r.spaceWake)
	r.spaceWake = make(chan struct{})
}

func (r *Ring) checkHardwareError() error {
	if r.status == nil {
		return nil
	}
	st, err := r.status.ReadStatus()
	if err != nil {
		return nil
	}
	if st&constants.StatusError != 0 {
		return newErr(ErrHardwareError, "ring: device reported STATUS_ERROR")
	}
	return nil
}

// Write copies dwords into the ring at tail, wrapping at the boundary, and
// advances the host-private tail. Caller must hold the device command lock.
func (r *Ring) Write(dwords []uint32) {
	n := r.sizeDwords
	pos := int(r.tail)
	for _, dw := range dwords {
		off := pos * 4
		r.region.Bytes[off] = byte(dw)
		r.region.Bytes[off+1] = byte(dw >> 8)
		r.region.Bytes[off+2] = byte(dw >> 16)
		r.region.Bytes[off+3] = byte(dw >> 24)
		pos = (pos + 1) % n
	}
	r.tail = uint32(pos)
	regs.Sfence()
}

// Kick writes the updated tail to CMD_TAIL then rings the doorbell,
// transferring ownership of the written region to the device.
func (r *Ring) Kick() error {
	if err := r.bank.Write32(r.tailOffset(), r.tail); err != nil {
		return err
	}
	regs.Sfence()
	if err := r.bank.Write32(regs.DoorbellOffset(r.QueueID), 1); err != nil {
		return err
	}
	r.submitted++
	return nil
}

// Read returns the dwords at [from, from+count) for verification (used by
// the round-trip property test); it does not affect ring state.
func (r *Ring) Read(from int, count int) []uint32 {
	n := r.sizeDwords
	out := make([]uint32, count)
	pos := from % n
	for i := 0; i < count; i++ {
		off := pos * 4
		out[i] = uint32(r.region.Bytes[off]) | uint32(r.region.Bytes[off+1])<<8 |
			uint32(r.region.Bytes[off+2])<<16 | uint32(r.region.Bytes[off+3])<<24
		pos = (pos + 1) % n
	}
	return out
}

// Tail returns the host-private tail index in dwords.
func (r *Ring) Tail() uint32 { return r.tail }

// SizeDwords returns the ring size in dwords.
func (r *Ring) SizeDwords() int { return r.sizeDwords }

// DMAAddr exposes the region's synthetic DMA address, useful for the
// simulator to locate a queue's backing memory.
func (r *Ring) DMAAddr() uint64 { return r.region.DMAAddr }

// Bytes exposes the raw backing bytes to the simulator.
func (r *Ring) Bytes() []byte { return r.region.Bytes }

// Submitted returns the number of successful Kick calls on this ring.
func (r *Ring) Submitted() uint64 { return r.submitted }

// Suspend clears the ring's enabled flag and waits up to timeout for head to
// meet tail, for the reset sequence's ring-drain step. Write and Kick do not
// check the enabled flag, so a suspended ring still accepts submissions.
func (r *Ring) Suspend(timeout time.Duration) error {
	r.enabled = false
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		head, err := r.head()
		if err != nil {
			return err
		}
		if head == r.tail {
			return nil
		}
		time.Sleep(constants.WaitSpacePollInterval)
	}
	return newErr(ErrTimeout, "ring: timed out draining on suspend")
}

// Resume re-programs base/size, restores head/tail, and re-enables the ring.
func (r *Ring) Resume(savedTail uint32) error {
	base := regs.CmdRegOffset(constants.RegCmdBase, r.QueueID)
	sz := regs.CmdRegOffset(constants.RegCmdSize, r.QueueID)
	head := regs.CmdRegOffset(constants.RegCmdHead, r.QueueID)
	tail := regs.CmdRegOffset(constants.RegCmdTail, r.QueueID)

	if err := r.bank.Write32(base, uint32(r.region.DMAAddr)); err != nil {
		return err
	}
	if err := r.bank.Write32(sz, uint32(r.sizeBytes)); err != nil {
		return err
	}
	if err := r.bank.Write32(head, savedTail); err != nil {
		return err
	}
	if err := r.bank.Write32(tail, savedTail); err != nil {
		return err
	}
	r.tail = savedTail
	r.enabled = true
	r.WakeSpace()
	return nil
}

// Close releases the ring's coherent memory.
func (r *Ring) Close() error {
	if r.region == nil {
		return nil
	}
	return r.region.Free()
}
