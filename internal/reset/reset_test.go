package reset

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fpgadrv/gpucore/internal/constants"
	"github.com/fpgadrv/gpucore/internal/regs"
	"github.com/fpgadrv/gpucore/internal/ring"
)

func newTestBank(numQueues int) *regs.Bank {
	size := constants.DoorbellBase + numQueues*constants.DoorbellStride
	return regs.NewBank(make([]byte, size))
}

func newTestEngine(t *testing.T, bank *regs.Bank, rings map[int]*ring.Ring, hooks Hooks) *Engine {
	t.Helper()
	return &Engine{
		bank:              bank,
		rings:             rings,
		hooks:             hooks,
		heartbeatInterval: 5 * time.Millisecond,
		hangCheckInterval: 5 * time.Millisecond,
		hangTimeout:       20 * time.Millisecond,
		resetWake:         make(chan struct{}),
		lastHead:          make(map[int]uint32),
	}
}

// markIdle writes STATUS_IDLE once, standing in for a device that comes
// back up immediately after reset.
func markIdle(bank *regs.Bank) {
	_ = bank.Write32(constants.RegStatus, constants.StatusIdle)
}

func TestHeartbeatMismatchSchedulesReset(t *testing.T) {
	bank := newTestBank(0)
	markIdle(bank)

	var resetCount int
	var mu sync.Mutex
	e := newTestEngine(t, bank, nil, Hooks{
		OnReset: func() {
			mu.Lock()
			resetCount++
			mu.Unlock()
		},
	})

	// Corrupt every scratch write so the readback never matches.
	go func() {
		for i := 0; i < 200; i++ {
			_ = bank.Write32(constants.RegScratch, 0xBAD)
			time.Sleep(time.Millisecond)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := resetCount
		mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Error("expected a reset to run after consecutive heartbeat misses")
}

func TestHangDetectorFiresWhenStalled(t *testing.T) {
	bank := newTestBank(1)
	_ = bank.Write32(constants.RegStatus, constants.StatusBusy)

	var hangCalled bool
	var mu sync.Mutex
	e := newTestEngine(t, bank, map[int]*ring.Ring{}, Hooks{
		OnHang: func() {
			mu.Lock()
			hangCalled = true
			mu.Unlock()
		},
		OnReset: func() {
			markIdle(bank)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		called := hangCalled
		mu.Unlock()
		if called {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Error("expected hang detector to fire when CMD_HEAD and fence value never change under STATUS_BUSY")
}

func TestResetIsIdempotentWhileInFlight(t *testing.T) {
	bank := newTestBank(0)
	markIdle(bank)

	var resetCount int
	var mu sync.Mutex
	e := newTestEngine(t, bank, nil, Hooks{
		OnReset: func() {
			mu.Lock()
			resetCount++
			mu.Unlock()
		},
	})

	e.ScheduleReset(errHeartbeatLost{})
	e.ScheduleReset(errHeartbeatLost{})
	e.ScheduleReset(errHeartbeatLost{})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := resetCount
		mu.Unlock()
		if n > 0 {
			time.Sleep(20 * time.Millisecond) // let any duplicate reset land
			mu.Lock()
			n = resetCount
			mu.Unlock()
			if n != 1 {
				t.Errorf("expected exactly 1 reset, got %d", n)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Error("reset never completed")
}

func TestResetRestoresSavedRegistersAndResumesRings(t *testing.T) {
	bank := newTestBank(1)
	markIdle(bank)

	r, err := ring.Create(bank, nil, 0, 4096)
	if err != nil {
		t.Fatalf("ring.Create failed: %v", err)
	}
	defer r.Close()

	if err := bank.Write32(constants.RegControl, constants.ControlEnable); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := bank.Write32(constants.RegIRQEnable, constants.IRQFence); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	e := newTestEngine(t, bank, map[int]*ring.Ring{0: r}, Hooks{})
	e.runReset(errHeartbeatLost{})

	control, _ := bank.Read32(constants.RegControl)
	if control&constants.ControlEnable == 0 {
		t.Error("expected CONTROL.ENABLE to be restored after reset")
	}
	if e.InReset() {
		t.Error("expected in_reset to clear after reset completes")
	}
}

func TestWaitForResetReturnsImmediatelyWhenIdle(t *testing.T) {
	bank := newTestBank(0)
	e := newTestEngine(t, bank, nil, Hooks{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := e.WaitForReset(ctx); err != nil {
		t.Errorf("expected immediate return when not resetting, got %v", err)
	}
}
