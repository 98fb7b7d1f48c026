// Package irq implements the interrupt core: a top half that drains the
// device's IRQ status word into an accumulated mask, and a bottom half,
// run from a dedicated goroutine, that dispatches each set bit to its
// handler. Both halves must be idempotent with respect to polling paths
// that observe the same completions out of band.
package irq

import (
	"context"
	"sync"

	"github.com/fpgadrv/gpucore/internal/constants"
	"github.com/fpgadrv/gpucore/internal/logging"
	"github.com/fpgadrv/gpucore/internal/regs"
)

// Handlers are the bottom-half actions for each IRQ bit. Any may be nil,
// in which case the bit is acknowledged but otherwise ignored.
type Handlers struct {
	OnCmdComplete func()
	OnError       func()
	OnFence       func()
	OnQueueEmpty  func()
	OnShaderHalt  func()
	OnPerfCounter func()
}

// bitOrder lists the dispatch bits in the order the bottom half evaluates
// them; position in this slice is also the metrics bucket index.
var bitOrder = []uint32{
	constants.IRQCmdComplete,
	constants.IRQError,
	constants.IRQFence,
	constants.IRQQueueEmpty,
	constants.IRQShaderHalt,
	constants.IRQPerfCounter,
}

// Core is the device's interrupt core.
type Core struct {
	bank     *regs.Bank
	logger   *logging.Logger
	handlers Handlers
	onRecord func(bit int)

	mu          sync.Mutex
	accumulated uint32

	notify chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs an interrupt core with interrupts masked; call Enable to
// program IRQ_ENABLE and Start to launch the bottom-half goroutine.
func New(bank *regs.Bank, logger *logging.Logger, handlers Handlers, onRecord func(bit int)) *Core {
	return &Core{
		bank:     bank,
		logger:   logger,
		handlers: handlers,
		onRecord: onRecord,
		notify:   make(chan struct{}, 1),
	}
}

// Enable programs IRQ_ENABLE with the full set of supported bits.
func (c *Core) Enable() error {
	mask := uint32(0)
	for _, b := range bitOrder {
		mask |= b
	}
	return c.bank.Write32(constants.RegIRQEnable, mask)
}

// Disable masks all interrupts at the device.
func (c *Core) Disable() error {
	return c.bank.Write32(constants.RegIRQEnable, 0)
}

// TopHalf reads IRQ_STATUS; if zero it reports the interrupt as not ours.
// Otherwise it acks the observed bits, folds them into the accumulated
// mask under lock, and wakes the bottom half. Safe to call from whatever
// context raises interrupts in this simulated environment.
func (c *Core) TopHalf() (bool, error) {
	status, err := c.bank.Read32(constants.RegIRQStatus)
	if err != nil {
		return false, err
	}
	if status == 0 {
		return false, nil
	}

	if err := c.bank.Write32(constants.RegIRQAck, status); err != nil {
		return true, err
	}
	// IRQ_ACK is write-one-to-clear against IRQ_STATUS; this register bank
	// is passive storage, so the core applies the clear itself, only for
	// the bits it just observed in case new ones arrived concurrently.
	cur, err := c.bank.Read32(constants.RegIRQStatus)
	if err != nil {
		return true, err
	}
	if err := c.bank.Write32(constants.RegIRQStatus, cur&^status); err != nil {
		return true, err
	}

	c.mu.Lock()
	c.accumulated |= status
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}

	return true, nil
}

// Start launches the bottom-half goroutine. It runs until ctx is cancelled
// or Stop is called.
func (c *Core) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.notify:
				c.bottomHalf()
			}
		}
	}()
}

// Stop cancels the bottom-half goroutine and waits for it to exit.
func (c *Core) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
}

// bottomHalf takes and clears the accumulated mask, then dispatches each
// set bit. Multiple hard IRQs coalesce into a single pass here.
func (c *Core) bottomHalf() {
	c.mu.Lock()
	mask := c.accumulated
	c.accumulated = 0
	c.mu.Unlock()

	if mask == 0 {
		return
	}

	for i, bit := range bitOrder {
		if mask&bit == 0 {
			continue
		}
		if c.onRecord != nil {
			c.onRecord(i)
		}
		c.dispatch(bit)
	}
}

func (c *Core) dispatch(bit uint32) {
	switch bit {
	case constants.IRQCmdComplete:
		if c.handlers.OnCmdComplete != nil {
			c.handlers.OnCmdComplete()
		}
	case constants.IRQError:
		if c.logger != nil {
			c.logger.Printf("irq: device reported ERROR")
		}
		if c.handlers.OnError != nil {
			c.handlers.OnError()
		}
	case constants.IRQFence:
		if c.handlers.OnFence != nil {
			c.handlers.OnFence()
		}
	case constants.IRQQueueEmpty:
		if c.handlers.OnQueueEmpty != nil {
			c.handlers.OnQueueEmpty()
		}
	case constants.IRQShaderHalt:
		if c.handlers.OnShaderHalt != nil {
			c.handlers.OnShaderHalt()
		}
	case constants.IRQPerfCounter:
		if c.handlers.OnPerfCounter != nil {
			c.handlers.OnPerfCounter()
		}
	}
}
