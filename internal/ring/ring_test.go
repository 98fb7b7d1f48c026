package ring

import (
	"context"
	"testing"
	"time"

	"github.com/fpgadrv/gpucore/internal/constants"
	"github.com/fpgadrv/gpucore/internal/regs"
)

func newTestBank(numQueues int) *regs.Bank {
	size := constants.DoorbellBase + numQueues*constants.DoorbellStride
	return regs.NewBank(make([]byte, size))
}

func TestCreateRoundsSizeToPowerOfTwo(t *testing.T) {
	bank := newTestBank(1)
	r, err := Create(bank, nil, 0, 5000)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer r.Close()

	if r.SizeDwords() != 8192/4 {
		t.Errorf("size = %d dwords, want %d", r.SizeDwords(), 8192/4)
	}
}

func TestCreateRejectsOversizedRing(t *testing.T) {
	bank := newTestBank(1)
	if _, err := Create(bank, nil, 0, constants.MaxRingSize+1); err == nil {
		t.Error("expected error for oversized ring")
	}
}

func TestFillAndDrain(t *testing.T) {
	bank := newTestBank(1)
	r, err := Create(bank, nil, 0, 4096) // 1024 dwords
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer r.Close()

	// Submit 1023 single-dword NOP commands; one slot is always reserved.
	for i := 0; i < 1023; i++ {
		space, err := r.SpaceDw()
		if err != nil {
			t.Fatalf("SpaceDw failed: %v", err)
		}
		if space < 1 {
			t.Fatalf("expected space before submit %d, got %d", i, space)
		}
		r.Write([]uint32{0x00000000}) // NOP header
		if err := r.Kick(); err != nil {
			t.Fatalf("Kick failed: %v", err)
		}
	}

	space, err := r.SpaceDw()
	if err != nil {
		t.Fatalf("SpaceDw failed: %v", err)
	}
	if space != 0 {
		t.Errorf("expected 0 space after filling ring, got %d", space)
	}

	// 1024th submit should time out waiting for space (device never drains here).
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = r.WaitSpace(ctx, 1, 10*time.Millisecond)
	if err == nil {
		t.Error("expected timeout waiting for space on a full ring")
	}

	// Simulate the device draining by advancing head to tail.
	headOff := regs.CmdRegOffset(constants.RegCmdHead, 0)
	if err := bank.Write32(headOff, r.Tail()); err != nil {
		t.Fatalf("failed to advance head: %v", err)
	}

	space, err = r.SpaceDw()
	if err != nil {
		t.Fatalf("SpaceDw failed: %v", err)
	}
	if space != 1023 {
		t.Errorf("expected 1023 space after drain, got %d", space)
	}
}

func TestRoundTripWriteBeforeDoorbell(t *testing.T) {
	bank := newTestBank(1)
	r, err := Create(bank, nil, 0, 4096)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer r.Close()

	payload := []uint32{0x11223344, 0x55667788, 0x9abcdef0}
	r.Write(payload)

	got := r.Read(0, len(payload))
	for i, want := range payload {
		if got[i] != want {
			t.Errorf("dword %d = %#x, want %#x", i, got[i], want)
		}
	}
}

func TestSuspendTimesOutIfHeadNeverCatchesUp(t *testing.T) {
	bank := newTestBank(1)
	r, err := Create(bank, nil, 0, 4096)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer r.Close()

	r.Write([]uint32{0})
	if err := r.Kick(); err != nil {
		t.Fatalf("Kick failed: %v", err)
	}

	if err := r.Suspend(20 * time.Millisecond); err == nil {
		t.Error("expected Suspend to time out when head never reaches tail")
	}
}
