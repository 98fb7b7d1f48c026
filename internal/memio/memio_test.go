package memio

import "testing"

func TestAllocZeroedAndPageAligned(t *testing.T) {
	r, err := Alloc(100)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	defer r.Free()

	if len(r.Bytes) != 100 {
		t.Errorf("len(Bytes) = %d, want 100", len(r.Bytes))
	}
	for i, b := range r.Bytes {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %d", i, b)
		}
	}
}

func TestAllocAssignsDistinctAddresses(t *testing.T) {
	a, err := Alloc(4096)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	defer a.Free()

	b, err := Alloc(4096)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	defer b.Free()

	if a.DMAAddr == b.DMAAddr {
		t.Error("expected distinct DMA addresses for two allocations")
	}
}

func TestZeroClearsAfterWrite(t *testing.T) {
	r, err := Alloc(16)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	defer r.Free()

	for i := range r.Bytes {
		r.Bytes[i] = 0xff
	}
	r.Zero()
	for i, b := range r.Bytes {
		if b != 0 {
			t.Fatalf("byte %d not cleared: %d", i, b)
		}
	}
}

func TestRejectsNonPositiveSize(t *testing.T) {
	if _, err := Alloc(0); err == nil {
		t.Error("expected error for zero size")
	}
	if _, err := Alloc(-1); err == nil {
		t.Error("expected error for negative size")
	}
}
