package mem

import (
	"sync/atomic"
	"unsafe"

	"github.com/vmaffione/go-netmap/ring"
)

// Adapter is the minimal netmap_adapter this module needs: an interface
// identity, its ring geometry, and the kring arrays the ring fabric and
// the peer-pipe protocol operate on. Driver-specific fields (the vendor
// txsync/rxsync hooks) are out of scope; only the fields the core
// allocator and pipe protocol touch are modeled.
type Adapter struct {
	Name      string
	NTxRings  uint32
	NRxRings  uint32
	NTxDescs  uint32
	NRxDescs  uint32
	HostRings bool
	GroupID   int

	Domain *Domain

	TxKrings []*Kring // length NTxRings, plus one host kring if HostRings
	RxKrings []*Kring // length NRxRings, plus one host kring if HostRings

	ActiveFDs int

	Nifp *IfHandle
}

// NewAdapter allocates an adapter's kring arrays (not yet backed by any
// ring memory; that is RingsCreate's job).
func NewAdapter(name string, ntx, nrx, ntxDescs, nrxDescs uint32, hostRings bool) *Adapter {
	a := &Adapter{
		Name: name, NTxRings: ntx, NRxRings: nrx,
		NTxDescs: ntxDescs, NRxDescs: nrxDescs,
		HostRings: hostRings, GroupID: -1,
	}
	txCount, rxCount := ntx, nrx
	if hostRings {
		txCount++
		rxCount++
	}
	a.TxKrings = make([]*Kring, txCount)
	a.RxKrings = make([]*Kring, rxCount)
	for i := range a.TxKrings {
		a.TxKrings[i] = &Kring{Owner: a, RingDir: ring.DirTX, Index: uint32(i), NumSlots: ntxDescs}
	}
	for i := range a.RxKrings {
		a.RxKrings[i] = &Kring{Owner: a, RingDir: ring.DirRX, Index: uint32(i), NumSlots: nrxDescs}
	}
	return a
}

// Krings returns the kring array for direction t.
func (a *Adapter) Krings(t ring.Dir) []*Kring {
	if t == ring.DirTX {
		return a.TxKrings
	}
	return a.RxKrings
}

// Kring is the kernel-side shadow of a netmap_ring: indices, mode flags,
// the peer back-pointer, a users count, and a notify callback. nrHwcur
// and nrHwtail are only read and written through the atomic accessors
// below, which carry the peer-pipe protocol's memory-barrier discipline;
// the other fields are plain and rely on the owning domain's lock,
// mirroring the reference's own mix of barriers and lock-protected
// control-plane fields.
type Kring struct {
	Owner *Adapter
	RingDir ring.Dir
	Index   uint32

	NumSlots uint32

	nrHwcur  uint32
	nrHwtail uint32

	Rhead, Rcur, Rtail uint32

	ModeOn   bool
	NeedRing bool
	Users    int

	Pipe *Kring

	Notify func(k *Kring, flags int) int

	Mem      *ring.RingHeader
	memVaddr unsafe.Pointer // raw address, for FreeByAddress
}

// HwCur/HwTail are accessed through atomic load/store so that txsync and
// rxsync on opposite sides of a pipe observe each other's writes without
// taking a lock on the fast path, matching section 5's "no spinlock is
// taken on the fast path."
func (k *Kring) HwCur() uint32        { return atomic.LoadUint32(&k.nrHwcur) }
func (k *Kring) SetHwCur(v uint32)    { atomic.StoreUint32(&k.nrHwcur, v) }
func (k *Kring) HwTail() uint32       { return atomic.LoadUint32(&k.nrHwtail) }
func (k *Kring) SetHwTail(v uint32)   { atomic.StoreUint32(&k.nrHwtail, v) }

// Lim returns nkr_num_slots-1.
func (k *Kring) Lim() uint32 { return k.NumSlots - 1 }

// IfHandle is the per-client view of an adapter's netmap_if: the block
// allocated from the IF pool plus the selected ring range.
type IfHandle struct {
	Adapter *Adapter
	Hdr     *ring.IfHeader
	vaddr   uintptr
	QFirstTx, QLastTx uint32
	QFirstRx, QLastRx uint32
}
