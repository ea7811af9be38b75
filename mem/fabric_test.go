package mem

import (
	"testing"
	"unsafe"
)

func TestIfNewAndRingsCreate(t *testing.T) {
	d := newTestDomain(t)
	params := Params{
		ClassIF:   {Size: 256, Num: 4},
		ClassRING: {Size: 4096, Num: 4},
		ClassBUF:  {Size: 64, Num: 64},
	}
	if err := d.Config(params); err != nil {
		t.Fatalf("Config: %v", err)
	}
	if err := d.Finalize(-1); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	a := NewAdapter("eth0", 1, 1, 8, 8, false)
	h, err := d.IfNew(a)
	if err != nil {
		t.Fatalf("IfNew: %v", err)
	}

	a.TxKrings[0].Users = 1
	a.RxKrings[0].Users = 1
	if err := d.RingsCreate(a); err != nil {
		t.Fatalf("RingsCreate: %v", err)
	}

	tx := a.TxKrings[0]
	if tx.Mem == nil {
		t.Fatalf("tx kring has no ring memory after RingsCreate")
	}
	if tx.Mem.NumSlots != 8 {
		t.Fatalf("num_slots = %d, want 8", tx.Mem.NumSlots)
	}
	bufObjSize, _, _ := d.GetInfo(ClassBUF)
	if tx.Mem.NrBufSize != bufObjSize {
		t.Fatalf("nr_buf_size = %d, want %d", tx.Mem.NrBufSize, bufObjSize)
	}

	ofs := h.Hdr.RingOfs(a.NTxRings, a.NRxRings)
	if ofs[0] == 0 {
		t.Fatalf("ring_ofs[0] is zero for a selected, created ring")
	}

	slot0 := tx.Mem.Slots()[0]
	if slot0.BufIdx < 2 {
		t.Fatalf("real ring slot carries a reserved buffer index %d", slot0.BufIdx)
	}

	// nifp + ring_ofs[0] + ring.buf_ofs + slot.buf_idx*nr_buf_size must
	// land inside the BUF pool's memory range within the shared region.
	nifpAbs := d.RegionOffset(ClassIF, mustOffset(t, d, ClassIF, h.vaddr))
	bufAbs := nifpAbs + ofs[0] + tx.Mem.BufferOffset(slot0)
	bufRegionStart := d.RegionOffset(ClassBUF, 0)
	bufRegionEnd := bufRegionStart + int64(d.pools[ClassBUF].MemTotal)
	if bufAbs < bufRegionStart || bufAbs >= bufRegionEnd {
		t.Fatalf("buffer address %d outside BUF pool range [%d, %d)", bufAbs, bufRegionStart, bufRegionEnd)
	}
}

func mustOffset(t *testing.T, d *Domain, class PoolClass, vaddr uintptr) int64 {
	t.Helper()
	off, err := d.pools[class].OffsetOf(unsafe.Pointer(vaddr))
	if err != nil {
		t.Fatalf("OffsetOf: %v", err)
	}
	return off
}

func TestRingsCreateSkipsUnneededRings(t *testing.T) {
	d := newTestDomain(t)
	params := Params{
		ClassIF:   {Size: 256, Num: 4},
		ClassRING: {Size: 4096, Num: 4},
		ClassBUF:  {Size: 64, Num: 64},
	}
	if err := d.Config(params); err != nil {
		t.Fatalf("Config: %v", err)
	}
	if err := d.Finalize(-1); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	a := NewAdapter("eth1", 1, 1, 8, 8, false)
	if err := d.RingsCreate(a); err != nil {
		t.Fatalf("RingsCreate: %v", err)
	}
	if a.TxKrings[0].Mem != nil {
		t.Fatalf("ring created for a kring with no users and no NEEDRING")
	}
}

func TestRingsDeleteKeepsNeedring(t *testing.T) {
	d := newTestDomain(t)
	params := Params{
		ClassIF:   {Size: 256, Num: 4},
		ClassRING: {Size: 4096, Num: 4},
		ClassBUF:  {Size: 64, Num: 64},
	}
	if err := d.Config(params); err != nil {
		t.Fatalf("Config: %v", err)
	}
	if err := d.Finalize(-1); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	a := NewAdapter("eth2", 1, 1, 8, 8, false)
	a.TxKrings[0].NeedRing = true
	if err := d.RingsCreate(a); err != nil {
		t.Fatalf("RingsCreate: %v", err)
	}
	if a.TxKrings[0].Mem == nil {
		t.Fatalf("ring not created for a NEEDRING kring")
	}

	d.RingsDelete(a)
	if a.TxKrings[0].Mem == nil {
		t.Fatalf("ring deleted despite NEEDRING still set")
	}

	a.TxKrings[0].NeedRing = false
	d.RingsDelete(a)
	if a.TxKrings[0].Mem != nil {
		t.Fatalf("ring not deleted once NEEDRING cleared and no users")
	}
}
