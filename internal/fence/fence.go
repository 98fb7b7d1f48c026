// Package fence implements the fence/completion engine: a monotonic
// sequence counter and a DMA-coherent page of 32-bit cells the device
// advances, with host waiters parked until a cell reaches an expected value.
package fence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fpgadrv/gpucore/internal/memio"
	"github.com/fpgadrv/gpucore/internal/regs"
)

// ErrorKind mirrors the shared error-kind vocabulary without importing the
// root package (avoids an import cycle).
type ErrorKind int

const (
	ErrNone ErrorKind = iota
	ErrInvalidArgument
	ErrTimeout
	ErrCancelled
)

type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func newErr(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

type waiter struct {
	addr     uint32
	expected uint32
	done     chan struct{}
	once     sync.Once
}

func (w *waiter) signal() {
	w.once.Do(func() { close(w.done) })
}

// Engine is the fence/completion engine for one device.
type Engine struct {
	bank *regs.Bank
	page *memio.Region

	seq atomic.Uint32

	mu      sync.Mutex
	waiters []*waiter
}

// Init allocates a single coherent page for fence storage, zeros it,
// programs FENCE_ADDR, and initializes the sequence counter at one.
func Init(bank *regs.Bank, pageSize int) (*Engine, error) {
	page, err := memio.Alloc(pageSize)
	if err != nil {
		return nil, newErr(ErrInvalidArgument, err.Error())
	}
	page.Zero()

	e := &Engine{bank: bank, page: page}
	e.seq.Store(1)

	if err := bank.Write32(fenceAddrOffset, uint32(page.DMAAddr)); err != nil {
		page.Free()
		return nil, err
	}

	return e, nil
}

const fenceAddrOffset = 0x0060
const fenceValueOffset = 0x0064

// Next returns the next monotonically increasing sequence number; never
// returns zero, which is reserved to mean "no fence".
func (e *Engine) Next() uint32 {
	return e.seq.Add(1) - 1
}

// Addr returns the fence page's synthetic DMA address.
func (e *Engine) Addr() uint64 { return e.page.DMAAddr }

// withinPage reports whether addr falls inside the fence page.
func (e *Engine) withinPage(addr uint32) (int, bool) {
	base := uint32(e.page.DMAAddr)
	if addr < base {
		return 0, false
	}
	off := addr - base
	if int(off)+4 > len(e.page.Bytes) {
		return 0, false
	}
	return int(off), true
}

// Emit validates that addr lies within the fence page. The actual FENCE
// command is a caller-owned ring write; this only validates the pair.
func (e *Engine) Emit(addr uint32, value uint32) error {
	if _, ok := e.withinPage(addr); !ok {
		return newErr(ErrInvalidArgument, "fence: address outside fence page")
	}
	if value == 0 {
		return newErr(ErrInvalidArgument, "fence: value 0 is reserved for \"no fence\"")
	}
	return nil
}

// Signaled reads the 32-bit word at addr with volatile semantics and
// returns whether current >= expected. Addresses outside the fence page are
// treated as signaled so a caller never blocks on an unknown address.
func (e *Engine) Signaled(addr uint32, expected uint32) bool {
	off, ok := e.withinPage(addr)
	if !ok {
		return true
	}
	current := atomic.LoadUint32((*uint32)(wordPtr(e.page.Bytes, off)))
	return current >= expected
}

// DeviceWrite simulates the device's write to a fence cell; exported for the
// simulator package to call, never used by real host-side code.
func (e *Engine) DeviceWrite(addr uint32, value uint32) bool {
	off, ok := e.withinPage(addr)
	if !ok {
		return false
	}
	atomic.StoreUint32((*uint32)(wordPtr(e.page.Bytes, off)), value)
	if err := e.bank.Write32(fenceValueOffset, value); err != nil {
		return false
	}
	return true
}

// Wait returns immediately if already signaled; otherwise it enrolls in the
// wait queue and sleeps until Process wakes it, timeout elapses, or ctx is
// cancelled. A zero timeout means indefinite (fence.wait only).
func (e *Engine) Wait(ctx context.Context, addr uint32, expected uint32, timeout time.Duration) error {
	if e.Signaled(addr, expected) {
		return nil
	}

	w := &waiter{addr: addr, expected: expected, done: make(chan struct{})}
	e.mu.Lock()
	e.waiters = append(e.waiters, w)
	e.mu.Unlock()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-w.done:
		return nil
	case <-timeoutCh:
		e.removeWaiter(w)
		return newErr(ErrTimeout, "fence: wait timed out")
	case <-ctx.Done():
		e.removeWaiter(w)
		return newErr(ErrCancelled, "fence: wait cancelled")
	}
}

func (e *Engine) removeWaiter(target *waiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, w := range e.waiters {
		if w == target {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}

// Process is called from the fence-IRQ deferred handler: it scans the wait
// list and wakes every entry whose expected value has now been reached.
func (e *Engine) Process() {
	e.mu.Lock()
	remaining := e.waiters[:0]
	var toWake []*waiter
	for _, w := range e.waiters {
		if e.signaledLocked(w.addr, w.expected) {
			toWake = append(toWake, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	e.waiters = remaining
	e.mu.Unlock()

	for _, w := range toWake {
		w.signal()
	}
}

func (e *Engine) signaledLocked(addr, expected uint32) bool {
	return e.Signaled(addr, expected)
}

// Close releases the fence page.
func (e *Engine) Close() error {
	if e.page == nil {
		return nil
	}
	return e.page.Free()
}
