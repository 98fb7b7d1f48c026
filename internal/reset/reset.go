// Package reset implements the device health engine: a heartbeat that
// detects an unresponsive scratch register, a hang detector that watches
// CMD_HEAD and the fence value for a stall while the device reports busy,
// and the ten-step staged reset sequence both converge on.
package reset

import (
	"context"
	"sync"
	"time"

	"github.com/fpgadrv/gpucore/internal/constants"
	"github.com/fpgadrv/gpucore/internal/irq"
	"github.com/fpgadrv/gpucore/internal/logging"
	"github.com/fpgadrv/gpucore/internal/regs"
	"github.com/fpgadrv/gpucore/internal/ring"
)

// missThreshold is the number of consecutive heartbeat mismatches tolerated
// before a reset is scheduled.
const missThreshold = 3

// Hooks are metrics/observability callbacks; any may be nil.
type Hooks struct {
	OnHeartbeat func()
	OnHang      func()
	OnReset     func()
}

// Engine is the reset and health subsystem for one device.
type Engine struct {
	bank  *regs.Bank
	irq   *irq.Core // may be nil in tests that don't exercise interrupt masking
	rings map[int]*ring.Ring

	logger *logging.Logger
	hooks  Hooks

	heartbeatInterval time.Duration
	hangCheckInterval time.Duration
	hangTimeout       time.Duration

	mu        sync.Mutex
	inReset    bool
	fatal      bool
	resetCount uint64
	resetWake  chan struct{}

	heartbeatCounter uint32
	missCount        int

	lastHead       map[int]uint32
	lastFenceValue uint32
	unchangedSince time.Time
	sampled        bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a health engine. rings is the live set of per-queue rings
// the reset sequence suspends and resumes.
func New(bank *regs.Bank, irqCore *irq.Core, rings map[int]*ring.Ring, logger *logging.Logger, hooks Hooks) *Engine {
	return &Engine{
		bank:              bank,
		irq:               irqCore,
		rings:             rings,
		logger:            logger,
		hooks:             hooks,
		heartbeatInterval: constants.HeartbeatInterval,
		hangCheckInterval: constants.HangCheckInterval,
		hangTimeout:       constants.HangTimeout,
		resetWake:         make(chan struct{}),
		lastHead:          make(map[int]uint32),
	}
}

// Start launches the heartbeat and hang-detector goroutines.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(2)
	go e.heartbeatLoop(ctx)
	go e.hangLoop(ctx)
}

// Stop cancels both goroutines and waits for them to exit. It does not
// interrupt a reset already in flight.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// InReset reports whether a reset is currently running.
func (e *Engine) InReset() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inReset
}

// Fatal reports whether a reset attempt failed to bring the device back to
// STATUS_IDLE. Once fatal, the device instance rejects new work; there is
// no in-place recovery from this state.
func (e *Engine) Fatal() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatal
}

// ResetCount returns the number of completed reset cycles.
func (e *Engine) ResetCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resetCount
}

// WaitForReset blocks until any in-flight reset completes, or returns
// immediately if none is running.
func (e *Engine) WaitForReset(ctx context.Context) error {
	e.mu.Lock()
	if !e.inReset {
		e.mu.Unlock()
		return nil
	}
	ch := e.resetWake
	e.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ScheduleReset requests a reset; idempotent while one is already running.
func (e *Engine) ScheduleReset(reason error) {
	e.mu.Lock()
	if e.inReset {
		e.mu.Unlock()
		return
	}
	e.inReset = true
	e.mu.Unlock()

	go e.runReset(reason)
}

func (e *Engine) heartbeatLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.heartbeatTick()
		}
	}
}

func (e *Engine) heartbeatTick() {
	if e.InReset() {
		return
	}
	e.mu.Lock()
	e.heartbeatCounter++
	counter := e.heartbeatCounter
	e.mu.Unlock()

	if e.hooks.OnHeartbeat != nil {
		e.hooks.OnHeartbeat()
	}

	if err := e.bank.Write32(constants.RegScratch, counter); err != nil {
		return
	}
	readback, err := e.bank.Read32(constants.RegScratch)
	if err != nil || readback != counter {
		e.mu.Lock()
		e.missCount++
		miss := e.missCount
		e.mu.Unlock()
		if miss >= missThreshold {
			if e.logger != nil {
				e.logger.Printf("reset: heartbeat missed %d times consecutively, scheduling reset", miss)
			}
			e.ScheduleReset(errHeartbeatLost{})
		}
		return
	}

	e.mu.Lock()
	e.missCount = 0
	e.mu.Unlock()
}

type errHeartbeatLost struct{}

func (errHeartbeatLost) Error() string { return "reset: heartbeat register stopped echoing" }

type errHang struct{}

func (errHang) Error() string { return "reset: device hung (CMD_HEAD and fence value stalled under STATUS_BUSY)" }

func (e *Engine) hangLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.hangCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.hangTick()
		}
	}
}

func (e *Engine) hangTick() {
	if e.InReset() {
		return
	}
	status, err := e.bank.Read32(constants.RegStatus)
	if err != nil {
		return
	}
	if status&constants.StatusBusy == 0 {
		e.mu.Lock()
		e.sampled = false
		e.mu.Unlock()
		return
	}

	fenceValue, err := e.bank.Read32(constants.RegFenceValue)
	if err != nil {
		return
	}

	changed := false
	e.mu.Lock()
	for qid, r := range e.rings {
		head, herr := e.bank.Read32(regs.CmdRegOffset(constants.RegCmdHead, qid))
		if herr != nil {
			continue
		}
		if prev, ok := e.lastHead[qid]; !ok || prev != head {
			changed = true
		}
		e.lastHead[qid] = head
		_ = r
	}
	if fenceValue != e.lastFenceValue {
		changed = true
	}
	e.lastFenceValue = fenceValue

	now := time.Now()
	if !e.sampled || changed {
		e.unchangedSince = now
		e.sampled = true
		e.mu.Unlock()
		return
	}
	stalled := now.Sub(e.unchangedSince) > e.hangTimeout
	e.mu.Unlock()

	if stalled {
		if e.hooks.OnHang != nil {
			e.hooks.OnHang()
		}
		if e.logger != nil {
			e.logger.Printf("reset: hang detected, scheduling reset")
		}
		e.ScheduleReset(errHang{})
	}
}

// runReset performs the ten-step staged reset sequence.
func (e *Engine) runReset(reason error) {
	if e.logger != nil {
		e.logger.Printf("reset: starting (%v)", reason)
	}

	savedTails := make(map[int]uint32, len(e.rings))
	for qid, r := range e.rings {
		savedTails[qid] = r.Tail()
		if err := r.Suspend(time.Second); err != nil && e.logger != nil {
			e.logger.Printf("reset: ring %d did not drain before suspend: %v", qid, err)
		}
	}

	savedControl, _ := e.bank.Read32(constants.SavedRegControl)
	savedIRQEnable, _ := e.bank.Read32(constants.SavedRegIRQEnable)
	savedFenceAddr, _ := e.bank.Read32(constants.SavedRegFenceAddr)

	if e.irq != nil {
		_ = e.irq.Disable()
	}

	cur, _ := e.bank.Read32(constants.RegControl)
	_ = e.bank.Write32(constants.RegControl, cur|constants.ControlReset)
	time.Sleep(constants.ResetAssertDuration)
	_ = e.bank.Write32(constants.RegControl, cur&^constants.ControlReset)

	if !e.pollStatusIdle(time.Second) {
		if e.logger != nil {
			e.logger.Printf("reset: fatal: device never reached STATUS_IDLE")
		}
		e.mu.Lock()
		e.fatal = true
		e.mu.Unlock()
		return
	}

	_, _ = e.bank.Read32(constants.RegVersion)
	_, _ = e.bank.Read32(constants.RegCaps)
	_ = e.bank.Write32(constants.RegScratch, 0xA5A5A5A5)
	_, _ = e.bank.Read32(constants.RegScratch)

	_ = e.bank.Write32(constants.SavedRegFenceAddr, savedFenceAddr)
	_ = e.bank.Write32(constants.SavedRegIRQEnable, savedIRQEnable)
	_ = e.bank.Write32(constants.SavedRegControl, savedControl)

	regs.Mfence()
	if e.irq != nil {
		_ = e.irq.Enable()
	}

	for qid, r := range e.rings {
		if err := r.Resume(savedTails[qid]); err != nil && e.logger != nil {
			e.logger.Printf("reset: ring %d failed to resume: %v", qid, err)
		}
	}

	e.mu.Lock()
	e.inReset = false
	e.missCount = 0
	e.sampled = false
	e.resetCount++
	close(e.resetWake)
	e.resetWake = make(chan struct{})
	e.mu.Unlock()

	if e.hooks.OnReset != nil {
		e.hooks.OnReset()
	}
	if e.logger != nil {
		e.logger.Printf("reset: complete")
	}
}

func (e *Engine) pollStatusIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st, err := e.bank.Read32(constants.RegStatus)
		if err == nil && st&constants.StatusIdle != 0 {
			return true
		}
		time.Sleep(constants.WaitSpacePollInterval)
	}
	return false
}
