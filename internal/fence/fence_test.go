package fence

import (
	"context"
	"testing"
	"time"

	"github.com/fpgadrv/gpucore/internal/regs"
)

func newTestBank() *regs.Bank {
	return regs.NewBank(make([]byte, 4096))
}

func TestNextNeverReturnsZero(t *testing.T) {
	e, err := Init(newTestBank(), 4096)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer e.Close()

	first := e.Next()
	if first == 0 {
		t.Error("Next() must never return 0")
	}
	second := e.Next()
	if second <= first {
		t.Errorf("expected monotonically increasing sequence, got %d then %d", first, second)
	}
}

func TestSignaledOutsidePageIsTrue(t *testing.T) {
	e, err := Init(newTestBank(), 4096)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer e.Close()

	if !e.Signaled(0xffffffff, 100) {
		t.Error("expected addresses outside the fence page to be treated as signaled")
	}
}

func TestWaitFastPathWhenAlreadySignaled(t *testing.T) {
	e, err := Init(newTestBank(), 4096)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer e.Close()

	addr := uint32(e.Addr())
	e.DeviceWrite(addr, 5)

	err = e.Wait(context.Background(), addr, 5, time.Second)
	if err != nil {
		t.Errorf("expected immediate success, got %v", err)
	}
}

func TestWaitTimesOutIndependentlyOfJobState(t *testing.T) {
	e, err := Init(newTestBank(), 4096)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer e.Close()

	addr := uint32(e.Addr())
	err = e.Wait(context.Background(), addr, 10, 20*time.Millisecond)
	if err == nil {
		t.Error("expected timeout when device never advances the fence")
	}
}

func TestProcessWakesReachedWaiters(t *testing.T) {
	e, err := Init(newTestBank(), 4096)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer e.Close()

	addr := uint32(e.Addr())
	results := make(chan int, 3)

	for i, expected := range []uint32{1, 2, 3} {
		i := i
		go func(expected uint32) {
			if werr := e.Wait(context.Background(), addr, expected, time.Second); werr == nil {
				results <- i
			}
		}(expected)
	}
	time.Sleep(10 * time.Millisecond) // let goroutines enroll

	e.DeviceWrite(addr, 2)
	e.Process()

	got := map[int]bool{}
	for i := 0; i < 2; i++ {
		select {
		case idx := <-results:
			got[idx] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for waiters to wake")
		}
	}
	if !got[0] || !got[1] {
		t.Errorf("expected waiters for value 1 and 2 to wake, got %v", got)
	}
}
