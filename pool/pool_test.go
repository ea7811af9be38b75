package pool

import (
	"math/bits"
	"testing"
)

func popcount(bitmap []uint32) int {
	n := 0
	for _, w := range bitmap {
		n += bits.OnesCount32(w)
	}
	return n
}

func newTestPool(t *testing.T, objTotal, objSize uint32) *Pool {
	t.Helper()
	p := New("test", Limits{ObjMinSize: 64, ObjMaxSize: 1 << 20, NumMin: 1, NumMax: 1 << 20})
	if err := p.Configure(objTotal, objSize); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := p.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return p
}

func TestConfigureRoundsObjSizeToCacheLine(t *testing.T) {
	p := New("test", Limits{ObjMinSize: 64, ObjMaxSize: 1 << 20, NumMin: 1, NumMax: 1 << 20})
	if err := p.Configure(10, 100); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if p.ObjSize() != 128 {
		t.Fatalf("objSize = %d, want 128 (100 rounded up to 64-byte multiple)", p.ObjSize())
	}
}

func TestFinalizeClusterGeometry(t *testing.T) {
	p := newTestPool(t, 2048, 2048)
	if p.ClustSize()%uint32(pageSizeForTest()) != 0 {
		t.Fatalf("clustsize %d not a page-size multiple", p.ClustSize())
	}
	if p.ObjTotal != p.NumClusters*p.ClustEntries() {
		t.Fatalf("objtotal %d != numclusters*clustentries %d", p.ObjTotal, p.NumClusters*p.ClustEntries())
	}
	if p.MemTotal != p.NumClusters*p.ClustSize() {
		t.Fatalf("memtotal %d != numclusters*clustsize", p.MemTotal)
	}
}

func pageSizeForTest() int {
	// Mirrors unix.Getpagesize without importing unix in the test to
	// keep the assertion independent of the production code path.
	return 4096
}

func TestBitmapLutCoherence(t *testing.T) {
	p := newTestPool(t, 256, 64)
	if err := p.InitBitmap(false); err != nil {
		t.Fatalf("InitBitmap: %v", err)
	}

	var allocated []uint32
	for i := 0; i < 10; i++ {
		_, idx, ok := p.Allocate(0)
		if !ok {
			t.Fatalf("allocate %d: pool exhausted early", i)
		}
		for _, a := range allocated {
			if a == idx {
				t.Fatalf("index %d allocated twice before being freed", idx)
			}
		}
		allocated = append(allocated, idx)
	}

	if got, want := int(p.ObjFree), popcount(p.Bitmap); got != want {
		t.Fatalf("objfree = %d, want popcount(bitmap) = %d", got, want)
	}

	for _, idx := range allocated {
		if err := p.FreeByIndex(idx); err != nil {
			t.Fatalf("FreeByIndex(%d): %v", idx, err)
		}
	}
	if got, want := int(p.ObjFree), popcount(p.Bitmap); got != want {
		t.Fatalf("objfree = %d, want popcount(bitmap) = %d after freeing", got, want)
	}
}

func TestOffsetRoundTrip(t *testing.T) {
	p := newTestPool(t, 512, 128)
	for i := uint32(0); i < p.ObjTotal; i += 37 {
		vaddr := p.Lut[i].Vaddr
		offset, err := p.OffsetOf(vaddr)
		if err != nil {
			t.Fatalf("OffsetOf(%d): %v", i, err)
		}
		back, err := p.VaddrAt(offset)
		if err != nil {
			t.Fatalf("VaddrAt(%d): %v", offset, err)
		}
		if back != vaddr {
			t.Fatalf("round trip mismatch at index %d: got %p, want %p", i, back, vaddr)
		}
	}
	if p.MemTotal != p.NumClusters*p.ClustSize() {
		t.Fatalf("memtotal inconsistent with cluster geometry")
	}
}

func TestClusterContiguity(t *testing.T) {
	p := newTestPool(t, 1024, 64)
	for c := uint32(0); c < p.NumClusters; c++ {
		base := p.Lut[c*p.ClustEntries()].Vaddr
		for j := uint32(0); j < p.ClustEntries(); j++ {
			idx := c*p.ClustEntries() + j
			off, err := p.OffsetOf(p.Lut[idx].Vaddr)
			if err != nil {
				t.Fatalf("OffsetOf: %v", err)
			}
			wantOff, _ := p.OffsetOf(base)
			if off != wantOff+int64(j)*int64(p.ObjSize()) {
				t.Fatalf("cluster %d object %d not at expected stride", c, j)
			}
		}
	}
}

func TestReservedBuffersNeverAllocated(t *testing.T) {
	p := newTestPool(t, 256, 64)
	if err := p.InitBitmap(true); err != nil {
		t.Fatalf("InitBitmap: %v", err)
	}
	for i := 0; i < int(p.ObjTotal); i++ {
		_, idx, ok := p.Allocate(0)
		if !ok {
			break
		}
		if idx == 0 || idx == 1 {
			t.Fatalf("allocate returned reserved index %d", idx)
		}
	}
}

func TestDoubleFreeDetected(t *testing.T) {
	p := newTestPool(t, 256, 64)
	if err := p.InitBitmap(false); err != nil {
		t.Fatalf("InitBitmap: %v", err)
	}
	_, idx, ok := p.Allocate(0)
	if !ok {
		t.Fatalf("allocate: pool exhausted")
	}
	if err := p.FreeByIndex(idx); err != nil {
		t.Fatalf("first free: %v", err)
	}
	before := p.ObjFree
	if err := p.FreeByIndex(idx); err == nil {
		t.Fatalf("second free of %d did not report an error", idx)
	}
	if p.ObjFree != before {
		t.Fatalf("objfree changed on rejected double free: got %d, want %d", p.ObjFree, before)
	}
}

func TestFreeByAddress(t *testing.T) {
	p := newTestPool(t, 256, 64)
	if err := p.InitBitmap(false); err != nil {
		t.Fatalf("InitBitmap: %v", err)
	}
	vaddr, idx, ok := p.Allocate(0)
	if !ok {
		t.Fatalf("allocate: pool exhausted")
	}
	if err := p.FreeByAddress(vaddr); err != nil {
		t.Fatalf("FreeByAddress: %v", err)
	}
	bit := p.Bitmap[idx/32] & (1 << (idx % 32))
	if bit == 0 {
		t.Fatalf("index %d not marked free after FreeByAddress", idx)
	}
}
