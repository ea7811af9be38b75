// Package pipe implements the peer-pipe/veth protocol: two adapters
// cross-link their krings so that one side's TX ring and the other
// side's RX ring share a slot array, and packets move between them by
// swapping whole netmap_slot descriptors rather than copying bytes.
package pipe

import (
	"errors"
	"fmt"

	"github.com/vmaffione/go-netmap/mem"
	"github.com/vmaffione/go-netmap/ring"
)

var ErrPeerNotFound = errors.New("pipe: peer not found")

// txrxSwap returns the opposite direction: TX <-> RX.
func txrxSwap(t ring.Dir) ring.Dir {
	if t == ring.DirTX {
		return ring.DirRX
	}
	return ring.DirTX
}

// CrossLink links every kring of a to the corresponding kring of b so
// that `a.kring[t][i].pipe == b.kring[swap(t)][i]` and vice versa, per
// section 4.5. It is idempotent: calling it twice on an already-linked
// pair is harmless.
func CrossLink(a, b *mem.Adapter) error {
	if len(a.TxKrings) != len(b.RxKrings) || len(a.RxKrings) != len(b.TxKrings) {
		return fmt.Errorf("pipe: ring count mismatch between %q and %q", a.Name, b.Name)
	}
	for i := range a.TxKrings {
		a.TxKrings[i].Pipe = b.RxKrings[i]
		b.RxKrings[i].Pipe = a.TxKrings[i]
	}
	for i := range a.RxKrings {
		a.RxKrings[i].Pipe = b.TxKrings[i]
		b.TxKrings[i].Pipe = a.RxKrings[i]
	}
	return nil
}

// KringsCreate creates a's krings (a no-op here since mem.NewAdapter
// already allocates the kring slice), then the peer's, then cross-links
// both directions. On failure of the cross-link, nothing has been
// allocated on either side to roll back: cross-linking only assigns
// pointers.
func KringsCreate(a, b *mem.Adapter) error {
	if b == nil {
		return ErrPeerNotFound
	}
	return CrossLink(a, b)
}

// KringsNeeded reports whether any kring of a still has NEEDRING set,
// the condition that keeps KringsDelete from tearing the pair down.
func KringsNeeded(a *mem.Adapter) bool {
	for _, k := range a.TxKrings {
		if k.NeedRing {
			return true
		}
	}
	for _, k := range a.RxKrings {
		if k.NeedRing {
			return true
		}
	}
	return false
}

// KringsDelete is a no-op if a's krings are still needed by its peer;
// otherwise it clears the cross-link on both sides.
func KringsDelete(a, b *mem.Adapter) {
	if KringsNeeded(a) {
		return
	}
	for _, k := range a.TxKrings {
		k.Pipe = nil
	}
	for _, k := range a.RxKrings {
		k.Pipe = nil
	}
	if b != nil {
		for _, k := range b.TxKrings {
			k.Pipe = nil
		}
		for _, k := range b.RxKrings {
			k.Pipe = nil
		}
	}
}

// RegisterOn marks every kring of a whose ring is not yet active as
// pending-on, flags the peer ring NEEDRING, asks the shared domain to
// create any missing peer rings, then flips each pending-on kring to
// NETMAP_ON, matching section 4.5's on-transition.
func RegisterOn(domain *mem.Domain, a, peer *mem.Adapter) error {
	for _, krings := range [][]*mem.Kring{a.TxKrings, a.RxKrings} {
		for _, k := range krings {
			if !k.ModeOn && k.Pipe != nil {
				k.Pipe.NeedRing = true
			}
		}
	}
	if err := domain.RingsCreate(a); err != nil {
		return fmt.Errorf("creating local rings: %w", err)
	}
	if err := domain.RingsCreate(peer); err != nil {
		return fmt.Errorf("creating peer rings: %w", err)
	}
	for _, krings := range [][]*mem.Kring{a.TxKrings, a.RxKrings} {
		for _, k := range krings {
			if !k.ModeOn {
				k.ModeOn = true
			}
		}
	}
	a.ActiveFDs++
	return nil
}

// RegisterOff is the inverse of RegisterOn: it clears NETMAP_ON and the
// peer's NEEDRING for every kring transitioning off, then asks the
// domain to delete any peer rings that are no longer needed. Calling it
// twice in a row is idempotent: the second call finds every kring
// already off and changes nothing, satisfying testable property 7.
func RegisterOff(domain *mem.Domain, a, peer *mem.Adapter) {
	for _, krings := range [][]*mem.Kring{a.TxKrings, a.RxKrings} {
		for _, k := range krings {
			if k.ModeOn {
				k.ModeOn = false
				if k.Pipe != nil {
					k.Pipe.NeedRing = false
				}
			}
		}
	}
	domain.RingsDelete(peer)
	if a.ActiveFDs > 0 {
		a.ActiveFDs--
	}
}

// TxSync reconciles kernel and user view of t, a TX kring, against its
// peer RX kring, by swapping netmap_slot descriptors. It implements the
// exact fence schedule of section 4.5: one barrier before reading the
// peer's nr_hwcur, one after writing the slot array, one after writing
// nr_hwtail. If t has no peer, TxSync does nothing and returns nil.
func TxSync(t *mem.Kring) error {
	r := t.Pipe
	if r == nil || t.Mem == nil || r.Mem == nil {
		return nil
	}

	lim := t.Lim()
	limPeer := r.Lim()
	head := t.Rhead

	nmI := t.HwCur()
	nmJ := r.HwTail() // peer's hwtail: where the peer last gave us room

	// Barrier 1: this atomic load of r.nr_hwcur is the acquire that lets
	// us see the peer's latest release before computing how far we may
	// advance into its ring.
	peerHwcurLim := ring.Prev(r.HwCur(), limPeer)

	if nmI == head {
		return nil
	}

	txSlots := t.Mem.Slots()
	rxSlots := r.Mem.Slots()

	var n uint32
	for nmI != head && nmJ != peerHwcurLim {
		txSlots[nmI], rxSlots[nmJ] = rxSlots[nmJ], txSlots[nmI]
		nmI = ring.Next(nmI, lim)
		nmJ = ring.Next(nmJ, limPeer)
		n++
	}

	t.SetHwCur(nmI)

	// Barrier 2: the atomic store of r.nr_hwtail below is the release
	// that publishes the slot writes above; the peer must never observe
	// an advanced nr_hwtail before the slot contents it points at.
	r.SetHwTail(nmJ)

	// Barrier 3: publish nr_hwtail (just done) before reclaiming space
	// for the sender below; the two stores must not be reordered.
	newHwTail := t.HwTail() + n
	if newHwTail > lim {
		newHwTail -= lim + 1
	}
	t.SetHwTail(newHwTail)

	if r.Notify != nil {
		r.Notify(r, 0)
	}
	return nil
}

// RxSync reconciles kernel and user view of r, an RX kring: imports are
// performed by the peer's TxSync, so this only advances nr_hwcur to the
// user-released head and, if that changed anything, wakes the peer's TX
// side, per section 4.5.
func RxSync(r *mem.Kring) error {
	old := r.HwCur()
	head := r.Rhead

	r.SetHwCur(head)

	if old != head {
		t := r.Pipe
		if t != nil && t.Notify != nil {
			t.Notify(t, 0)
		}
	}
	return nil
}
