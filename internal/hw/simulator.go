// Package hw provides an in-process stand-in for the FPGA accelerator:
// a goroutine that "executes" whatever commands appear in each attached
// ring, advances the device-owned head register, and raises interrupts
// through the same register interface a real card would use. It exists
// because there is no physical card to target in this environment; every
// other package talks to it only through registers and coherent memory,
// never through a hw-specific API.
package hw

import (
	"context"
	"sync"
	"time"

	"github.com/fpgadrv/gpucore/internal/command"
	"github.com/fpgadrv/gpucore/internal/constants"
	"github.com/fpgadrv/gpucore/internal/fence"
	"github.com/fpgadrv/gpucore/internal/regs"
	"github.com/fpgadrv/gpucore/internal/ring"
)

// IRQSink is the interrupt core's top half, invoked once the simulator has
// raised bits in IRQ_STATUS, mirroring how a real device's interrupt line
// would trigger it.
type IRQSink interface {
	TopHalf() (bool, error)
}

// attachedRing is the simulator's view of one hardware queue.
type attachedRing struct {
	r    *ring.Ring
	head uint32 // device-owned, in dwords; mirrors CMD_HEAD
}

// Simulator plays the role of the FPGA: it owns no state the host doesn't
// also see through registers or coherent memory, so probing it never
// requires a special-cased API.
type Simulator struct {
	bank    *regs.Bank
	fence   *fence.Engine
	irqSink IRQSink

	tick time.Duration

	mu      sync.Mutex
	queues  map[int]*attachedRing
	hung    bool
	errored bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a simulator bound to the shared register bank and fence
// engine. irqSink may be nil, in which case interrupts are still reflected
// in IRQ_STATUS but never delivered to a top half (useful in unit tests
// that only assert on ring/fence state).
func New(bank *regs.Bank, fe *fence.Engine, irqSink IRQSink) *Simulator {
	return &Simulator{
		bank:    bank,
		fence:   fe,
		irqSink: irqSink,
		tick:    time.Millisecond,
		queues:  make(map[int]*attachedRing),
	}
}

// AttachRing registers a ring for execution. Must be called before Start
// processes commands submitted to it.
func (s *Simulator) AttachRing(r *ring.Ring) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[r.QueueID] = &attachedRing{r: r}
}

// DetachRing stops executing commands for a queue, used when a ring is
// suspended for reset.
func (s *Simulator) DetachRing(queueID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, queueID)
}

// ReadStatus implements ring.StatusReader by reading the STATUS register.
func (s *Simulator) ReadStatus() (uint32, error) {
	return s.bank.Read32(constants.RegStatus)
}

// ForceHang makes the simulator stop advancing every attached ring's head,
// as if the device wedged; used to exercise the hang detector.
func (s *Simulator) ForceHang(hang bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hung = hang
	if hang {
		s.setStatusBitLocked(constants.StatusBusy, true)
	}
}

// ForceError makes the simulator assert STATUS_ERROR and raise IRQ_ERROR on
// the next tick, as if the device detected a fault.
func (s *Simulator) ForceError(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errored = on
}

func (s *Simulator) setStatusBitLocked(bit uint32, on bool) {
	cur, _ := s.bank.Read32(constants.RegStatus)
	if on {
		cur |= bit
	} else {
		cur &^= bit
	}
	_ = s.bank.Write32(constants.RegStatus, cur)
}

// Start launches the execution goroutine. It runs until ctx is cancelled
// or Stop is called.
func (s *Simulator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.step()
			}
		}
	}()
}

// Stop halts the execution goroutine and waits for it to exit.
func (s *Simulator) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// step runs one execution tick across every attached ring.
func (s *Simulator) step() {
	s.mu.Lock()
	if ctl, err := s.bank.Read32(constants.RegControl); err == nil && ctl&constants.ControlReset != 0 {
		// Mirrors real silicon settling into STATUS_IDLE while the RESET bit
		// is asserted: clears whatever wedged or faulted state triggered the
		// reset so the host's poll for STATUS_IDLE can observe it.
		s.hung = false
		s.errored = false
		cur, _ := s.bank.Read32(constants.RegStatus)
		cur &^= constants.StatusBusy | constants.StatusError
		cur |= constants.StatusIdle
		_ = s.bank.Write32(constants.RegStatus, cur)
		s.mu.Unlock()
		return
	}
	if s.errored {
		s.setStatusBitLocked(constants.StatusError, true)
		s.errored = false
		s.mu.Unlock()
		s.raiseIRQ(constants.IRQError)
		return
	}
	if s.hung {
		s.mu.Unlock()
		return
	}

	var completedAny bool
	for _, aq := range s.queues {
		if s.executeQueueLocked(aq) {
			completedAny = true
		}
	}
	s.mu.Unlock()

	if completedAny {
		s.raiseIRQ(constants.IRQCmdComplete)
	}
}

// executeQueueLocked decodes and "runs" every command between the queue's
// simulated head and the host-published tail, then publishes the new head
// to CMD_HEAD. Caller must hold s.mu.
func (s *Simulator) executeQueueLocked(aq *attachedRing) bool {
	tailOff := regs.CmdRegOffset(constants.RegCmdTail, aq.r.QueueID)
	headOff := regs.CmdRegOffset(constants.RegCmdHead, aq.r.QueueID)

	tail, err := s.bank.Read32(tailOff)
	if err != nil {
		return false
	}
	if tail == aq.head {
		return false
	}

	n := aq.r.SizeDwords()
	pos := aq.head
	bytes := aq.r.Bytes()

	for pos != tail {
		word := readDword(bytes, int(pos)%n)
		hdr := command.Decode(word)
		size := int(hdr.Size)
		if size < 1 {
			size = 1
		}
		s.execute(aq.r.QueueID, hdr, bytes, int(pos)%n, n)
		pos = uint32((int(pos) + size) % n)
	}

	aq.head = tail
	_ = s.bank.Write32(headOff, aq.head)
	return true
}

func readDword(b []byte, dwordIdx int) uint32 {
	off := dwordIdx * 4
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

// execute interprets a single command record. Most opcodes are instant in
// this simulator; only FENCE and REG_WRITE have observable side effects.
func (s *Simulator) execute(queueID int, hdr command.Header, bytes []byte, pos, n int) {
	switch hdr.Opcode {
	case command.OpFence:
		addr := readDword(bytes, (pos+1)%n)
		value := readDword(bytes, (pos+2)%n)
		if s.fence != nil {
			s.fence.DeviceWrite(addr, value)
		}
		s.raiseIRQ(constants.IRQFence)
	case command.OpRegWrite:
		regOff := int(readDword(bytes, (pos+1)%n))
		value := readDword(bytes, (pos+2)%n)
		_ = s.bank.Write32(regOff, value)
	default:
		// DRAW, COMPUTE, DMA, WAIT, REG_READ, NOP complete immediately.
	}
}

// raiseIRQ ORs bit into IRQ_STATUS and, if an IRQSink is attached, invokes
// its top half synchronously, mirroring an edge-triggered interrupt line.
func (s *Simulator) raiseIRQ(bit uint32) {
	cur, err := s.bank.Read32(constants.RegIRQStatus)
	if err != nil {
		return
	}
	_ = s.bank.Write32(constants.RegIRQStatus, cur|bit)
	if s.irqSink != nil {
		_, _ = s.irqSink.TopHalf()
	}
}
