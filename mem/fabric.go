package mem

import (
	"unsafe"

	"github.com/vmaffione/go-netmap/ring"
)

// IfNew allocates a netmap_if block from the IF pool for a, writes its
// fixed header, and zeroes the trailing ring_ofs array. Per-client ring
// selection narrowing (ring_ofs entries outside [qfirst, qlast) staying
// zero) is left to the caller: this module always builds the handle with
// every ring selected, since nothing here models multiple simultaneous
// client opens of the same adapter.
func (d *Domain) IfNew(a *Adapter) (*IfHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.flags&FlagFinalized == 0 {
		return nil, ErrNotFinalized
	}

	vaddr, _, ok := d.pools[ClassIF].Allocate(0)
	if !ok {
		return nil, ErrOutOfMemory
	}

	hdr := ring.IfAt(vaddr)
	hdr.SetName(a.Name)
	hdr.NTxRings = a.NTxRings
	hdr.NRxRings = a.NRxRings
	hdr.BufsHead = 0

	ofsSlice := hdr.RingOfs(a.NTxRings, a.NRxRings)
	for i := range ofsSlice {
		ofsSlice[i] = 0
	}

	h := &IfHandle{
		Adapter:  a,
		Hdr:      hdr,
		vaddr:    uintptr(vaddr),
		QFirstTx: 0, QLastTx: a.NTxRings,
		QFirstRx: 0, QLastRx: a.NRxRings,
	}
	a.Nifp = h
	return h, nil
}

// IfDelete returns h's netmap_if block to the IF pool.
func (d *Domain) IfDelete(h *IfHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = d.pools[ClassIF].FreeByAddress(unsafe.Pointer(h.vaddr))
	if h.Adapter != nil {
		h.Adapter.Nifp = nil
	}
}

// populateRingOfs fills h's ring_ofs array now that every selected
// kring's netmap_ring has a real address, computing each entry as
// ring_offset(ring) - if_offset(nifp) per section 4.4. A kring with no
// backing Mem (outside the client's selected range, or not yet created)
// leaves its entry at 0.
func (d *Domain) populateRingOfs(h *IfHandle) error {
	nifpOfs, err := d.pools[ClassIF].OffsetOf(unsafe.Pointer(h.vaddr))
	if err != nil {
		return err
	}
	ofs := h.Hdr.RingOfs(h.Adapter.NTxRings, h.Adapter.NRxRings)
	i := 0
	for _, k := range h.Adapter.TxKrings {
		if k.Mem != nil {
			// ring_ofs[i] = ring_offset(ring) - if_offset(nifp), both
			// expressed as absolute offsets within the IF|RING|BUF region.
			ringOfs, err := d.pools[ClassRING].OffsetOf(k.memVaddr)
			if err == nil {
				ofs[i] = (int64(d.pools[ClassIF].MemTotal) + ringOfs) - nifpOfs
			}
		}
		i++
	}
	// RX entries start after every TX entry, host slot included.
	i = int(h.Adapter.NTxRings) + 1
	for _, k := range h.Adapter.RxKrings {
		if k.Mem != nil {
			ringOfs, err := d.pools[ClassRING].OffsetOf(k.memVaddr)
			if err == nil {
				ofs[i] = (int64(d.pools[ClassIF].MemTotal) + ringOfs) - nifpOfs
			}
		}
		i++
	}
	return nil
}

// ringIsHost reports whether kring index i of the direction-sliced array
// krings is the trailing host-ring slot.
func ringIsHost(a *Adapter, krings []*Kring, i int) bool {
	return a.HostRings && i == len(krings)-1
}

// RingsCreate allocates a netmap_ring (plus its buffers) from the RING
// and BUF pools for every kring of a that has users or whose peer has
// flagged NEEDRING and that does not yet have a ring, per section 4.4.
func (d *Domain) RingsCreate(a *Adapter) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.flags&FlagFinalized == 0 {
		return ErrNotFinalized
	}

	for _, krings := range [][]*Kring{a.TxKrings, a.RxKrings} {
		for i, k := range krings {
			if k.Mem != nil {
				continue
			}
			if k.Users == 0 && !k.NeedRing {
				continue
			}
			if err := d.createRingLocked(k, ringIsHost(a, krings, i)); err != nil {
				return err
			}
		}
	}
	if a.Nifp != nil {
		_ = d.populateRingOfs(a.Nifp)
	}
	return nil
}

func (d *Domain) createRingLocked(k *Kring, isHost bool) error {
	vaddr, _, ok := d.pools[ClassRING].Allocate(0)
	if !ok {
		return ErrOutOfMemory
	}

	offWithinRingPool, err := d.pools[ClassRING].OffsetOf(vaddr)
	if err != nil {
		_ = d.pools[ClassRING].FreeByAddress(vaddr)
		return err
	}
	bufOfs := int64(d.pools[ClassRING].MemTotal) - offWithinRingPool

	hdr := ring.RingAt(vaddr)
	hdr.NumSlots = k.NumSlots
	hdr.BufOfs = bufOfs
	hdr.Head, hdr.Cur, hdr.Tail = k.Rhead, k.Rcur, k.Rtail
	hdr.NrBufSize = d.pools[ClassBUF].ObjSize()
	hdr.RingID = uint16(k.Index)
	hdr.RingDir = k.RingDir

	slots := hdr.Slots()
	if isHost {
		for i := range slots {
			slots[i] = ring.Slot{BufIdx: 0, Len: 0, Flags: 0}
		}
	} else {
		allocated := make([]uint32, 0, len(slots))
		for i := range slots {
			bvaddr, idx, ok := d.pools[ClassBUF].Allocate(0)
			if !ok {
				for _, ai := range allocated {
					_ = d.pools[ClassBUF].FreeByIndex(ai)
				}
				_ = d.pools[ClassRING].FreeByAddress(vaddr)
				return ErrOutOfMemory
			}
			_ = bvaddr
			slots[i] = ring.Slot{BufIdx: idx, Len: uint16(hdr.NrBufSize), Flags: 0}
			allocated = append(allocated, idx)
		}
	}

	k.Mem = hdr
	k.memVaddr = vaddr
	return nil
}

// RingsDelete frees every kring's ring and buffers, but only for krings
// with no remaining users and no peer NEEDRING flag; any other kring is
// left exactly as it is, which is how a peer keeps a ring alive across
// its own register/unregister cycle.
func (d *Domain) RingsDelete(a *Adapter) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, krings := range [][]*Kring{a.TxKrings, a.RxKrings} {
		for i, k := range krings {
			if k.Mem == nil {
				continue
			}
			if k.Users > 0 || k.NeedRing {
				continue
			}
			isHost := ringIsHost(a, krings, i)
			if !isHost {
				for _, s := range k.Mem.Slots() {
					if s.BufIdx >= 2 {
						_ = d.pools[ClassBUF].FreeByIndex(s.BufIdx)
					}
				}
			}
			_ = d.pools[ClassRING].FreeByAddress(k.memVaddr)
			k.Mem = nil
			k.memVaddr = nil
		}
	}
}
