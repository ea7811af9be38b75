// Package ringstat snapshots per-adapter kring occupancy, the in-process
// analogue of reading hardware packet/byte counters off a NIC: instead
// of shelling out to a counter source, it reads the ring indices the
// allocator and peer-pipe protocol already maintain.
package ringstat

import (
	"fmt"

	"github.com/vmaffione/go-netmap/mem"
	"github.com/vmaffione/go-netmap/ring"
)

// Counter identifies one occupancy figure tracked per ring.
type Counter int

const (
	HwCur Counter = iota
	HwTail
	Head
	Cur
	Tail
	Occupancy // HwTail - HwCur, modulo ring size: slots ready for the peer
)

func (c Counter) String() string {
	switch c {
	case HwCur:
		return "hwcur"
	case HwTail:
		return "hwtail"
	case Head:
		return "head"
	case Cur:
		return "cur"
	case Tail:
		return "tail"
	case Occupancy:
		return "occupancy"
	default:
		return "unknown"
	}
}

// RingStats maps each requested counter to its current value for one
// kring.
type RingStats map[Counter]uint32

// Stats maps an adapter name and direction/index label to its
// RingStats, mirroring the reference's per-interface stats map shape.
type Stats map[string]RingStats

// label identifies a kring as "<adapter>/<tx|rx><index>".
func label(a *mem.Adapter, dir ring.Dir, index int) string {
	d := "tx"
	if dir == ring.DirRX {
		d = "rx"
	}
	return fmt.Sprintf("%s/%s%d", a.Name, d, index)
}

// Snapshot reads the requested counters for every TX and RX kring of
// every adapter in adapters. With no counters given, it reads all of
// them.
func Snapshot(adapters []*mem.Adapter, counters ...Counter) Stats {
	if len(counters) == 0 {
		counters = []Counter{HwCur, HwTail, Head, Cur, Tail, Occupancy}
	}
	out := make(Stats)
	for _, a := range adapters {
		for i, k := range a.TxKrings {
			out[label(a, ring.DirTX, i)] = readKring(k, counters)
		}
		for i, k := range a.RxKrings {
			out[label(a, ring.DirRX, i)] = readKring(k, counters)
		}
	}
	return out
}

func readKring(k *mem.Kring, counters []Counter) RingStats {
	rs := make(RingStats, len(counters))
	for _, c := range counters {
		switch c {
		case HwCur:
			rs[c] = k.HwCur()
		case HwTail:
			rs[c] = k.HwTail()
		case Head:
			rs[c] = k.Rhead
		case Cur:
			rs[c] = k.Rcur
		case Tail:
			rs[c] = k.Rtail
		case Occupancy:
			hc, ht := k.HwCur(), k.HwTail()
			if ht >= hc {
				rs[c] = ht - hc
			} else {
				rs[c] = k.NumSlots - hc + ht
			}
		}
	}
	return rs
}

// Since computes the per-counter delta between a later snapshot and an
// earlier one, for every ring key present in both, mirroring the
// reference's Stats.Since. Rings present in cur but absent from old are
// returned unchanged, matching a newly created ring having no prior
// baseline.
func (cur Stats) Since(old Stats) Stats {
	out := make(Stats, len(cur))
	for key, newRS := range cur {
		oldRS, ok := old[key]
		if !ok {
			out[key] = newRS
			continue
		}
		delta := make(RingStats, len(newRS))
		for c, v := range newRS {
			ov, ok := oldRS[c]
			if !ok || v < ov {
				delta[c] = v
				continue
			}
			delta[c] = v - ov
		}
		out[key] = delta
	}
	return out
}
