package mem

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/vmaffione/go-netmap/pool"
	"github.com/vmaffione/go-netmap/ring"
)

// Passthrough is the guest/ptnetmap variant of Ops: a non-owning lut over
// a region some host process already mapped (conceptually a PCI BAR).
// Configure is a no-op; Finalize reads the region's geometry from a
// caller-supplied descriptor instead of allocating anything itself.
type Passthrough struct {
	mu sync.Mutex

	Name string

	id      uint16
	hidden  bool
	refcount int
	active   int
	finalized bool

	basePaddr uintptr
	baseVaddr unsafe.Pointer
	totalSize uint32

	// per-class geometry, read from the host's descriptor on Finalize.
	objSize  [numClasses]uint32
	objTotal [numClasses]uint32
	poolOfs  [numClasses]int64 // byte offset of each pool within the region
	lut      [numClasses][]pool.Entry

	// nifpByAdapter maps an adapter name to its host-assigned netmap_if
	// offset within the region, populated by AddInterface/RemoveInterface
	// (the explicit add/del calls section 4.6 describes).
	nifpByAdapter map[string]int64
}

var _ Ops = (*Passthrough)(nil)

// GuestDescriptor is what the host side hands the guest out-of-band
// (conceptually read from device registers) to let it interpret the
// mapped region: per-class object size/total and byte offset, plus the
// region's base virtual/physical address and total size.
type GuestDescriptor struct {
	BaseVaddr unsafe.Pointer
	BasePaddr uintptr
	TotalSize uint32

	ObjSize  [numClasses]uint32
	ObjTotal [numClasses]uint32
	PoolOfs  [numClasses]int64
}

// NewPassthroughDomain creates and registers a guest-variant domain.
func NewPassthroughDomain(name string) (*Passthrough, error) {
	d := &Passthrough{Name: name, refcount: 1, nifpByAdapter: make(map[string]int64)}
	if _, err := globalRegistry.registerPassthrough(d); err != nil {
		return nil, err
	}
	return d, nil
}

// Config is a no-op: the guest has no sizing choices, it only describes
// a region the host already built.
func (d *Passthrough) Config(p Params) error { return nil }

// Finalize always fails: the guest's geometry can only arrive through
// FinalizeWithDescriptor, which adopts the descriptor and builds a lut
// whose vaddr entries are computed from the base virtual address and
// each class's stride.
func (d *Passthrough) Finalize(_ int) error {
	return fmt.Errorf("passthrough domain requires FinalizeWithDescriptor")
}

// FinalizeWithDescriptor is Passthrough's real finalize entry point; the
// Ops.Finalize signature (groupID int) has nothing to adopt here since
// IOMMU grouping is the host's problem, not the guest's.
func (d *Passthrough) FinalizeWithDescriptor(desc GuestDescriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.finalized {
		d.active++
		return nil
	}

	d.baseVaddr = desc.BaseVaddr
	d.basePaddr = desc.BasePaddr
	d.totalSize = desc.TotalSize
	d.objSize = desc.ObjSize
	d.objTotal = desc.ObjTotal
	d.poolOfs = desc.PoolOfs

	for c := PoolClass(0); c < numClasses; c++ {
		n := d.objTotal[c]
		lut := make([]pool.Entry, n)
		stride := uintptr(d.objSize[c])
		base := unsafe.Add(d.baseVaddr, uintptr(d.poolOfs[c]))
		paddrBase := d.basePaddr + uintptr(d.poolOfs[c])
		for i := uint32(0); i < n; i++ {
			lut[i] = pool.Entry{
				Vaddr: unsafe.Add(base, uintptr(i)*stride),
				Paddr: paddrBase + uintptr(i)*stride,
			}
		}
		d.lut[c] = lut
	}

	d.finalized = true
	d.active++
	return nil
}

// Deref decrements active. Unlike the global variant there is no bitmap
// to re-init: the host owns allocation state, the guest only observes.
func (d *Passthrough) Deref() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active > 0 {
		d.active--
	}
}

// Delete drops the guest's mapping bookkeeping. It never unmaps the BAR;
// that belongs to whatever set up the mapping in the first place.
func (d *Passthrough) Delete() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finalized = false
	for c := range d.lut {
		d.lut[c] = nil
	}
}

func (d *Passthrough) GetLut(class PoolClass) []pool.Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lut[class]
}

func (d *Passthrough) GetInfo(class PoolClass) (objSize, objTotal, memTotal uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.objSize[class], d.objTotal[class], d.objSize[class] * d.objTotal[class]
}

// OfsToPhys is base_paddr + offset, per section 4.6.
func (d *Passthrough) OfsToPhys(_ PoolClass, offset int64) (uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset < 0 || offset >= int64(d.totalSize) {
		return 0, ErrBadOffset
	}
	return d.basePaddr + uintptr(offset), nil
}

func (d *Passthrough) IfOffset(vaddr uintptr) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rel := int64(vaddr) - int64(uintptr(d.baseVaddr))
	if rel < 0 || rel >= int64(d.totalSize) {
		return 0, ErrBadOffset
	}
	return rel, nil
}

// AddInterface records where the host placed a's netmap_if inside the
// region, the explicit add call section 4.6 describes.
func (d *Passthrough) AddInterface(name string, nifpOffset int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nifpByAdapter[name] = nifpOffset
}

// RemoveInterface is AddInterface's inverse.
func (d *Passthrough) RemoveInterface(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.nifpByAdapter, name)
}

// IfNew returns a handle pointing into the BAR at the adapter's
// host-assigned offset rather than allocating anything, per section 4.6.
func (d *Passthrough) IfNew(a *Adapter) (*IfHandle, error) {
	d.mu.Lock()
	nifpOfs, ok := d.nifpByAdapter[a.Name]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no host-assigned netmap_if for %q", ErrPeerNotFound, a.Name)
	}
	vaddr := unsafe.Add(d.baseVaddr, uintptr(nifpOfs))
	h := &IfHandle{
		Adapter: a, Hdr: ring.IfAt(vaddr), vaddr: uintptr(vaddr),
		QFirstTx: 0, QLastTx: a.NTxRings, QFirstRx: 0, QLastRx: a.NRxRings,
	}
	a.Nifp = h
	return h, nil
}

// IfDelete drops the guest's pointer; the backing block belongs to the
// host and is never freed from here.
func (d *Passthrough) IfDelete(h *IfHandle) {
	if h.Adapter != nil {
		h.Adapter.Nifp = nil
	}
}

// RingsCreate points each kring at the ring embedded in the host-owned
// netmap_if: the guest never allocates ring memory, it only locates it
// via the already-populated ring_ofs array.
func (d *Passthrough) RingsCreate(a *Adapter) error {
	if a.Nifp == nil {
		return ErrNotFinalized
	}
	ofs := a.Nifp.Hdr.RingOfs(a.NTxRings, a.NRxRings)
	i := 0
	for _, k := range a.TxKrings {
		if ofs[i] != 0 {
			base := unsafe.Add(unsafe.Pointer(uintptr(a.Nifp.vaddr)), uintptr(ofs[i]))
			k.Mem = ring.RingAt(base)
			k.memVaddr = base
		}
		i++
	}
	// RX entries start after every TX entry, host slot included.
	i = int(a.NTxRings) + 1
	for _, k := range a.RxKrings {
		if ofs[i] != 0 {
			base := unsafe.Add(unsafe.Pointer(uintptr(a.Nifp.vaddr)), uintptr(ofs[i]))
			k.Mem = ring.RingAt(base)
			k.memVaddr = base
		}
		i++
	}
	return nil
}

// RingsDelete is an intentional no-op: the host owns every ring backing
// this guest's krings, so there is nothing for the guest to free. See
// the corresponding design note on netmap_mem_pt_guest_rings_delete.
func (d *Passthrough) RingsDelete(a *Adapter) {}
