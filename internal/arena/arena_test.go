package arena

import "testing"

func testShape() BlockShape {
	return BlockShape{NumLayers: 2, TokensPerBlock: 4, NumKVHeads: 2, HeadDim: 8}
}

func TestAllocate_PrefersGPUThenLazilyCreates(t *testing.T) {
	a := New(Config{Shape: testShape(), GPUCapacity: 2})

	id1, err := a.Allocate()
	if err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	id2, err := a.Allocate()
	if err != nil {
		t.Fatalf("second allocate: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected distinct block ids, got %d twice", id1)
	}

	if _, err := a.Allocate(); err != ErrOutOfCapacity {
		t.Fatalf("expected ErrOutOfCapacity at gpu capacity, got %v", err)
	}
}

func TestAllocate_CPUOverflowWhenEnabled(t *testing.T) {
	a := New(Config{Shape: testShape(), GPUCapacity: 1, CPUCapacity: 1, EnableOverflow: true})

	gpuID, err := a.Allocate()
	if err != nil {
		t.Fatalf("gpu allocate: %v", err)
	}
	cpuID, err := a.Allocate()
	if err != nil {
		t.Fatalf("expected cpu overflow allocate to succeed: %v", err)
	}
	if gpuID == cpuID {
		t.Fatal("expected distinct ids across tiers")
	}
	if _, err := a.Allocate(); err != ErrOutOfCapacity {
		t.Fatalf("expected ErrOutOfCapacity once both tiers exhausted, got %v", err)
	}
}

func TestAllocate_NoOverflowFailsAtGPUCapacity(t *testing.T) {
	a := New(Config{Shape: testShape(), GPUCapacity: 1, CPUCapacity: 4, EnableOverflow: false})
	if _, err := a.Allocate(); err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	if _, err := a.Allocate(); err != ErrOutOfCapacity {
		t.Fatalf("expected ErrOutOfCapacity with overflow disabled, got %v", err)
	}
}

func TestAllocateN_TransactionalReleaseOnFailure(t *testing.T) {
	a := New(Config{Shape: testShape(), GPUCapacity: 3})

	ids, err := a.AllocateN(2)
	if err != nil {
		t.Fatalf("allocateN(2): %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}

	// only 1 block of capacity remains; requesting 2 more must fail and
	// release the one it did manage to grab before failing.
	if _, err := a.AllocateN(2); err != ErrOutOfCapacity {
		t.Fatalf("expected ErrOutOfCapacity, got %v", err)
	}

	stats := a.Stats()
	if stats.AllocatedTotal != 2 {
		t.Fatalf("expected allocated total to remain 2 after failed transactional allocate, got %d", stats.AllocatedTotal)
	}
	if stats.FreePerTier[TierGPU] != 1 {
		t.Fatalf("expected 1 free gpu block after rollback, got %d", stats.FreePerTier[TierGPU])
	}
}

func TestRefUnref_ReturnsBlockToFreeListAtZero(t *testing.T) {
	a := New(Config{Shape: testShape(), GPUCapacity: 1})
	id, err := a.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := a.Ref(id); err != nil {
		t.Fatalf("ref: %v", err)
	}
	rc, _ := a.RefCount(id)
	if rc != 2 {
		t.Fatalf("expected refcount 2, got %d", rc)
	}

	if err := a.Unref(id); err != nil {
		t.Fatalf("unref: %v", err)
	}
	if stats := a.Stats(); stats.FreePerTier[TierGPU] != 0 {
		t.Fatalf("block should still be in use after one unref, free=%d", stats.FreePerTier[TierGPU])
	}
	if err := a.Unref(id); err != nil {
		t.Fatalf("second unref: %v", err)
	}
	if stats := a.Stats(); stats.FreePerTier[TierGPU] != 1 {
		t.Fatalf("block should be free after refcount reaches zero, free=%d", stats.FreePerTier[TierGPU])
	}
}

func TestUnref_BelowZeroIsInvalidArgument(t *testing.T) {
	a := New(Config{Shape: testShape(), GPUCapacity: 1})
	id, _ := a.Allocate()
	_ = a.Unref(id)
	if err := a.Unref(id); err == nil {
		t.Fatal("expected error unref-ing an already-free block")
	}
}

func TestTouch_StrictlyIncreasesLastAccess(t *testing.T) {
	a := New(Config{Shape: testShape(), GPUCapacity: 1})
	id, _ := a.Allocate()
	first, _ := a.LastAccess(id)
	if err := a.Touch(id); err != nil {
		t.Fatalf("touch: %v", err)
	}
	second, _ := a.LastAccess(id)
	if second <= first {
		t.Fatalf("expected last_access to strictly increase, got %d -> %d", first, second)
	}
}

func TestMove_TracksCrossTierCounters(t *testing.T) {
	a := New(Config{Shape: testShape(), GPUCapacity: 1, CPUCapacity: 1, EnableOverflow: true})
	id, _ := a.Allocate()
	if err := a.Move(id, TierCPU); err != nil {
		t.Fatalf("move to cpu: %v", err)
	}
	if err := a.Move(id, TierGPU); err != nil {
		t.Fatalf("move back to gpu: %v", err)
	}
	stats := a.Stats()
	if stats.MovesGPUToCPU != 1 || stats.MovesCPUToGPU != 1 {
		t.Fatalf("expected 1 move each direction, got gpu->cpu=%d cpu->gpu=%d", stats.MovesGPUToCPU, stats.MovesCPUToGPU)
	}
}

func TestStats_ConservesTotalBlockCount(t *testing.T) {
	// free+allocated == total created, across
	// a sequence of allocate/unref/allocate churn.
	a := New(Config{Shape: testShape(), GPUCapacity: 4})
	var ids []int
	for i := 0; i < 4; i++ {
		id, err := a.Allocate()
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids[:2] {
		if err := a.Unref(id); err != nil {
			t.Fatalf("unref: %v", err)
		}
	}
	if _, err := a.Allocate(); err != nil {
		t.Fatalf("reuse of freed block should succeed: %v", err)
	}

	stats := a.Stats()
	if stats.FreePerTier[TierGPU]+stats.AllocatedTotal != stats.TotalCreated {
		t.Fatalf("free+allocated != total: free=%d allocated=%d total=%d",
			stats.FreePerTier[TierGPU], stats.AllocatedTotal, stats.TotalCreated)
	}
}

func TestKViewVView_SliceDimensionsMatchShape(t *testing.T) {
	shape := testShape()
	a := New(Config{Shape: shape, GPUCapacity: 1})
	id, _ := a.Allocate()

	kv, err := a.KView(0, id)
	if err != nil {
		t.Fatalf("kview: %v", err)
	}
	want := shape.TokensPerBlock * shape.NumKVHeads * shape.HeadDim
	if len(kv.Data) != want {
		t.Fatalf("expected %d elements per layer view, got %d", want, len(kv.Data))
	}

	if _, err := a.KView(shape.NumLayers, id); err == nil {
		t.Fatal("expected error for out-of-range layer")
	}
}

func TestUnknownBlockOperationsError(t *testing.T) {
	a := New(Config{Shape: testShape(), GPUCapacity: 1})
	if err := a.Ref(999); err == nil {
		t.Fatal("expected error referencing unknown block")
	}
	if err := a.Touch(999); err == nil {
		t.Fatal("expected error touching unknown block")
	}
}
