// Package lifecycle orchestrates initialization, suspend, resume, and
// shutdown across the register, fence, interrupt, ring, scheduler, and
// reset/health components in the order spec.md §4.H requires, and wires
// the interrupt core's bottom half to each component's completion path.
//
// It knows nothing about a concrete FPGA: the device it drives is
// supplied by a HardwareFactory, the same seam ublk.Device uses a Backend
// for — a real build would back it with an mmap'd BAR, tests and examples
// back it with the in-process simulator in internal/hw.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fpgadrv/gpucore/internal/constants"
	"github.com/fpgadrv/gpucore/internal/fence"
	"github.com/fpgadrv/gpucore/internal/irq"
	"github.com/fpgadrv/gpucore/internal/logging"
	"github.com/fpgadrv/gpucore/internal/regs"
	"github.com/fpgadrv/gpucore/internal/reset"
	"github.com/fpgadrv/gpucore/internal/ring"
	"github.com/fpgadrv/gpucore/internal/scheduler"
	"github.com/fpgadrv/gpucore/internal/shader"
)

// IRQSink is satisfied by *irq.Core; declared locally so this package
// doesn't need to import the hardware package its factory produces.
type IRQSink interface {
	TopHalf() (bool, error)
}

// Hardware is whatever plays the role of the physical device: it executes
// commands appearing in attached rings, reports STATUS, and drives
// interrupts through the IRQSink handed to its factory. Implemented by
// *hw.Simulator.
type Hardware interface {
	AttachRing(r *ring.Ring)
	DetachRing(queueID int)
	ReadStatus() (uint32, error)
	Start(ctx context.Context)
	Stop()
}

// HardwareFactory builds the Hardware once the register bank, fence
// engine, and interrupt sink it needs to drive exist.
type HardwareFactory func(bank *regs.Bank, fe *fence.Engine, sink IRQSink) Hardware

// Config collects every knob the lifecycle sequence needs. New applies no
// defaults; the root package fills every field from DeviceParams, whose
// defaults come from DefaultParams.
type Config struct {
	NumQueues           int // 1..16, the device's advertised hardware-queue count
	QueueRingSize       int // bytes; rounded to a power of two in [4096, 262144]
	QueueDepth          int // per-queue max in-flight admission
	DefaultJobTimeout   time.Duration
	SweepInterval       time.Duration
	RegisterWindowSize  int // must cover the doorbell region for NumQueues
	Logger              *logging.Logger
	SchedulerObserver   scheduler.Observer
	ResetHooks          reset.Hooks
	RecordIRQ           func(bit int)
	NewHardware         HardwareFactory
	AffinityCPUs        []int // pins the scheduler worker goroutine's OS thread; empty disables pinning
}

// Controller owns every subsystem and the order they were brought up in,
// so teardown can run the reverse sequence even on a partial failure.
type Controller struct {
	cfg Config

	bank  *regs.Bank
	irq   *irq.Core
	fence *fence.Engine
	shdr  *shader.Window
	rings map[int]*ring.Ring
	sched *scheduler.Scheduler
	rst   *reset.Engine
	hw    Hardware

	mu        sync.Mutex
	suspended bool
	savedTail map[int]uint32
	savedCtl  uint32
	savedIRQ  uint32
	savedFA   uint32
}

type bankStatus struct{ bank *regs.Bank }

func (b bankStatus) ReadStatus() (uint32, error) { return b.bank.Read32(constants.RegStatus) }

// New brings up every subsystem in spec.md §4.H's order: register window,
// interrupt core (installed but masked), fence engine, one ring per queue,
// the shader instruction-memory accessor, the scheduler (over those
// rings), and the reset/health engine. It
// does not unmask interrupts or start any goroutine; call Start for that.
func New(cfg Config) (*Controller, error) {
	if cfg.NumQueues < 1 || cfg.NumQueues > 16 {
		return nil, fmt.Errorf("lifecycle: NumQueues %d out of range [1, 16]", cfg.NumQueues)
	}
	if cfg.NewHardware == nil {
		return nil, fmt.Errorf("lifecycle: NewHardware factory is required")
	}

	mem := make([]byte, cfg.RegisterWindowSize)
	bank := regs.NewBank(mem)

	c := &Controller{
		cfg:   cfg,
		bank:  bank,
		rings: make(map[int]*ring.Ring),
	}

	c.irq = irq.New(bank, cfg.Logger, irq.Handlers{
		OnCmdComplete: c.onCmdComplete,
		OnError:       c.onError,
		OnFence:       c.onFence,
		OnQueueEmpty:  c.onQueueEmpty,
	}, cfg.RecordIRQ)

	fe, err := fence.Init(bank, constants.FencePageSize)
	if err != nil {
		return nil, err
	}
	c.fence = fe

	status := bankStatus{bank}
	for q := 0; q < cfg.NumQueues; q++ {
		r, err := ring.Create(bank, status, q, cfg.QueueRingSize)
		if err != nil {
			for _, existing := range c.rings {
				existing.Close()
			}
			fe.Close()
			return nil, err
		}
		c.rings[q] = r
	}

	c.shdr = shader.NewWindow(bank)

	c.sched = scheduler.New(c.rings, cfg.QueueDepth, cfg.DefaultJobTimeout, cfg.SweepInterval, cfg.SchedulerObserver, c.onScheduleHang)
	c.sched.SetAffinity(cfg.AffinityCPUs)

	c.rst = reset.New(bank, c.irq, c.rings, cfg.Logger, cfg.ResetHooks)

	c.hw = cfg.NewHardware(bank, fe, c.irq)
	for _, r := range c.rings {
		c.hw.AttachRing(r)
	}

	return c, nil
}

// Start launches every component's background work, unmasks interrupts,
// and runs a self-test (a scratch-register write/read round trip).
func (c *Controller) Start(ctx context.Context) error {
	c.irq.Start(ctx)
	c.sched.Start(ctx)
	c.rst.Start(ctx)
	c.hw.Start(ctx)

	if err := c.irq.Enable(); err != nil {
		return fmt.Errorf("lifecycle: enabling interrupts: %w", err)
	}

	return c.selfTest()
}

func (c *Controller) selfTest() error {
	const probe = 0x5a5a5a5a
	if err := c.bank.Write32(constants.RegScratch, probe); err != nil {
		return fmt.Errorf("lifecycle: self-test write: %w", err)
	}
	got, err := c.bank.Read32(constants.RegScratch)
	if err != nil {
		return fmt.Errorf("lifecycle: self-test read: %w", err)
	}
	if got != probe {
		return fmt.Errorf("lifecycle: self-test mismatch: wrote %#x, read %#x", probe, got)
	}
	return nil
}

// Close tears down every component in the reverse of New's order. Safe to
// call on a partially-started controller.
func (c *Controller) Close() error {
	c.hw.Stop()
	c.rst.Stop()
	c.sched.Stop()
	c.irq.Stop()
	for _, r := range c.rings {
		r.Close()
	}
	return c.fence.Close()
}

// Suspend suspends every ring (see ring.Ring.Suspend), waiting up to
// timeout for each to drain, saves the host-controlled registers, and
// disables interrupts. The scheduler is not stopped.
func (c *Controller) Suspend(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suspended {
		return nil
	}

	c.savedTail = make(map[int]uint32, len(c.rings))
	for id, r := range c.rings {
		c.savedTail[id] = r.Tail()
		if err := r.Suspend(timeout); err != nil && c.cfg.Logger != nil {
			c.cfg.Logger.Printf("lifecycle: ring %d did not drain before suspend: %v", id, err)
		}
	}

	c.savedCtl, _ = c.bank.Read32(constants.SavedRegControl)
	c.savedIRQ, _ = c.bank.Read32(constants.SavedRegIRQEnable)
	c.savedFA, _ = c.bank.Read32(constants.SavedRegFenceAddr)

	if err := c.irq.Disable(); err != nil {
		return err
	}
	c.suspended = true
	return nil
}

// Resume restores registers, re-enables interrupts, and resumes every
// ring from its saved tail. The reset/health goroutines are not
// restarted: they run continuously across suspend since they carry their
// own "device not yet live" tolerance via the heartbeat miss counter.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.suspended {
		return nil
	}

	if err := c.bank.Write32(constants.SavedRegFenceAddr, c.savedFA); err != nil {
		return err
	}
	if err := c.bank.Write32(constants.SavedRegIRQEnable, c.savedIRQ); err != nil {
		return err
	}
	if err := c.bank.Write32(constants.SavedRegControl, c.savedCtl); err != nil {
		return err
	}

	if err := c.irq.Enable(); err != nil {
		return err
	}

	for id, r := range c.rings {
		if err := r.Resume(c.savedTail[id]); err != nil {
			return err
		}
	}

	c.suspended = false
	return nil
}

// Scheduler, Fence, Reset, Bank, and Ring expose the wired subsystems to
// the root package, which builds the public submit/wait API on top of
// them.
func (c *Controller) Scheduler() *scheduler.Scheduler { return c.sched }
func (c *Controller) Fence() *fence.Engine            { return c.fence }
func (c *Controller) Reset() *reset.Engine            { return c.rst }
func (c *Controller) Bank() *regs.Bank                { return c.bank }
func (c *Controller) Shader() *shader.Window          { return c.shdr }
func (c *Controller) Ring(queueID int) (*ring.Ring, bool) {
	r, ok := c.rings[queueID]
	return r, ok
}

// onCmdComplete is the CMD_COMPLETE bottom-half action: for every queue
// whose ring has fully drained (head caught up to the host's published
// tail), the running job is complete. Idempotent with the scheduler's own
// polling path, since CompleteJob no-ops when a queue has no current job.
func (c *Controller) onCmdComplete() {
	status, err := c.bank.Read32(constants.RegStatus)
	hwErr := error(nil)
	if err == nil && status&constants.StatusError != 0 {
		hwErr = fmt.Errorf("lifecycle: device reported STATUS_ERROR during completion")
	}
	for id, r := range c.rings {
		head, err := c.bank.Read32(regs.CmdRegOffset(constants.RegCmdHead, id))
		if err != nil {
			continue
		}
		if head == r.Tail() {
			c.sched.CompleteJob(id, hwErr)
		}
	}
}

// onError completes every queue's current job with a hardware error and
// schedules a reset; the redesign note in spec.md §9 leaves the exact
// error encoding unspecified, so this synthesizes a generic HardwareError.
func (c *Controller) onError() {
	reason := fmt.Errorf("lifecycle: device reported STATUS_ERROR")
	for id := range c.rings {
		c.sched.CompleteJob(id, reason)
	}
	c.rst.ScheduleReset(reason)
}

func (c *Controller) onFence() {
	c.fence.Process()
}

func (c *Controller) onQueueEmpty() {
	for _, r := range c.rings {
		r.WakeSpace()
	}
}

// onScheduleHang is passed to the scheduler as onScheduleHang: invoked by
// the timeout sweep when a running job exceeds its deadline.
func (c *Controller) onScheduleHang(reason error) {
	c.rst.ScheduleReset(reason)
}
