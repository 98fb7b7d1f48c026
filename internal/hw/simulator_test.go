package hw

import (
	"context"
	"testing"
	"time"

	"github.com/fpgadrv/gpucore/internal/command"
	"github.com/fpgadrv/gpucore/internal/constants"
	"github.com/fpgadrv/gpucore/internal/fence"
	"github.com/fpgadrv/gpucore/internal/regs"
	"github.com/fpgadrv/gpucore/internal/ring"
)

func newBank(numQueues int) *regs.Bank {
	size := constants.DoorbellBase + numQueues*constants.DoorbellStride
	return regs.NewBank(make([]byte, size))
}

func TestSimulatorAdvancesHeadForNOP(t *testing.T) {
	bank := newBank(1)
	r, err := ring.Create(bank, nil, 0, 4096)
	if err != nil {
		t.Fatalf("ring.Create failed: %v", err)
	}
	defer r.Close()

	sim := New(bank, nil, nil)
	sim.AttachRing(r)

	r.Write([]uint32{command.Encode(command.Header{Opcode: command.OpNOP, Size: 1})})
	if err := r.Kick(); err != nil {
		t.Fatalf("Kick failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sim.Start(ctx)
	defer sim.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r.Submitted() > 0 {
			space, _ := r.SpaceDw()
			if space == r.SizeDwords()-1 {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Error("simulator never advanced CMD_HEAD for a submitted NOP")
}

func TestSimulatorFenceCommandSignals(t *testing.T) {
	bank := newBank(1)
	fe, err := fence.Init(bank, 4096)
	if err != nil {
		t.Fatalf("fence.Init failed: %v", err)
	}
	defer fe.Close()

	r, err := ring.Create(bank, nil, 0, 4096)
	if err != nil {
		t.Fatalf("ring.Create failed: %v", err)
	}
	defer r.Close()

	sim := New(bank, fe, nil)
	sim.AttachRing(r)

	addr := uint32(fe.Addr())
	r.Write([]uint32{
		command.Encode(command.Header{Opcode: command.OpFence, Size: 3}),
		addr,
		7,
	})
	if err := r.Kick(); err != nil {
		t.Fatalf("Kick failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sim.Start(ctx)
	defer sim.Stop()

	err = fe.Wait(context.Background(), addr, 7, 2*time.Second)
	if err != nil {
		t.Errorf("expected fence to signal, got %v", err)
	}
}

func TestForceErrorAssertsStatusError(t *testing.T) {
	bank := newBank(1)
	sim := New(bank, nil, nil)
	sim.ForceError(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sim.Start(ctx)
	defer sim.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		st, _ := sim.ReadStatus()
		if st&constants.StatusError != 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Error("expected STATUS_ERROR to be asserted after ForceError")
}

func TestForceHangStopsHeadAdvance(t *testing.T) {
	bank := newBank(1)
	r, err := ring.Create(bank, nil, 0, 4096)
	if err != nil {
		t.Fatalf("ring.Create failed: %v", err)
	}
	defer r.Close()

	sim := New(bank, nil, nil)
	sim.AttachRing(r)
	sim.ForceHang(true)

	r.Write([]uint32{command.Encode(command.Header{Opcode: command.OpNOP, Size: 1})})
	if err := r.Kick(); err != nil {
		t.Fatalf("Kick failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sim.Start(ctx)
	defer sim.Stop()

	time.Sleep(30 * time.Millisecond)

	space, err := r.SpaceDw()
	if err != nil {
		t.Fatalf("SpaceDw failed: %v", err)
	}
	if space == r.SizeDwords()-1 {
		t.Error("expected head to remain stuck while hung")
	}
}
