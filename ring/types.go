// Package ring defines the bit-exact shared-memory layout that userspace
// consumes: the netmap_if header and its trailing ring_ofs array, the
// netmap_ring header and its inline netmap_slot array, and the offset
// arithmetic a userspace pointer needs to walk from one to the other.
//
// Every type here overlays raw bytes living inside a pool object; nothing
// in this package allocates memory, it only describes how to read and
// write a region someone else owns.
package ring

import "unsafe"

// IfNameSize mirrors IFNAMSIZ, the fixed width of an interface name
// embedded in netmap_if.
const IfNameSize = 16

// Slot is one netmap_slot: a buffer index into the BUF pool plus its
// occupied length and protocol-agnostic flags. This is the unit the
// peer-pipe protocol swaps wholesale between two rings.
type Slot struct {
	BufIdx uint32
	Len    uint16
	Flags  uint16
}

// SlotSize is sizeof(netmap_slot) on the wire.
const SlotSize = 8

// IfHeader is the fixed portion of netmap_if. It is immediately followed
// in memory by ring_ofs[ni_tx_rings+1+ni_rx_rings+1] signed byte offsets,
// one pair of host-ring slots included unconditionally; an unused
// host-ring entry simply holds offset 0 like any other deselected ring.
type IfHeader struct {
	Name       [IfNameSize]byte
	NTxRings   uint32
	NRxRings   uint32
	BufsHead   uint32
	_          uint32 // padding to keep RingOfs 8-byte aligned
}

// IfHeaderSize is sizeof(netmap_if)'s fixed part.
const IfHeaderSize = int(unsafe.Sizeof(IfHeader{}))

// IfBlockSize returns the total byte size of a netmap_if plus its
// ring_ofs array for an adapter with ntx TX rings and nrx RX rings, each
// with one extra host-ring slot.
func IfBlockSize(ntx, nrx uint32) uint32 {
	entries := (ntx + 1) + (nrx + 1)
	return uint32(IfHeaderSize) + entries*8
}

// IfAt overlays an IfHeader on top of base.
func IfAt(base unsafe.Pointer) *IfHeader {
	return (*IfHeader)(base)
}

// RingOfs returns the ring_ofs array trailing h, sized for ntx TX rings
// and nrx RX rings (each with one host-ring entry). The slice aliases
// live shared memory; writes through it are visible to userspace.
func (h *IfHeader) RingOfs(ntx, nrx uint32) []int64 {
	entries := (ntx + 1) + (nrx + 1)
	base := unsafe.Add(unsafe.Pointer(h), IfHeaderSize)
	return unsafe.Slice((*int64)(base), entries)
}

// SetName copies name into the fixed-width Name field, truncating to
// leave room for a terminating zero byte, matching the null-terminated
// IFNAMSIZ convention.
func (h *IfHeader) SetName(name string) {
	if len(name) > IfNameSize-1 {
		name = name[:IfNameSize-1]
	}
	n := copy(h.Name[:], name)
	for i := n; i < IfNameSize; i++ {
		h.Name[i] = 0
	}
}

// Dir identifies which half of an adapter a ring belongs to.
type Dir uint8

const (
	DirTX Dir = iota
	DirRX
)

// RingHeader is the fixed portion of netmap_ring. It is immediately
// followed in memory by NumSlots netmap_slot entries.
type RingHeader struct {
	NumSlots  uint32
	BufOfs    int64
	Head      uint32
	Cur       uint32
	Tail      uint32
	NrBufSize uint32
	RingID    uint16
	RingDir   Dir
	_         [5]byte // pad to 8-byte alignment
}

// RingHeaderSize is sizeof(netmap_ring)'s fixed part.
const RingHeaderSize = int(unsafe.Sizeof(RingHeader{}))

// RingBlockSize returns the byte size of a netmap_ring holding numSlots
// slots.
func RingBlockSize(numSlots uint32) uint32 {
	return uint32(RingHeaderSize) + numSlots*SlotSize
}

// RingAt overlays a RingHeader on top of base.
func RingAt(base unsafe.Pointer) *RingHeader {
	return (*RingHeader)(base)
}

// Slots returns the inline netmap_slot array trailing r. The slice
// aliases live shared memory.
func (r *RingHeader) Slots() []Slot {
	base := unsafe.Add(unsafe.Pointer(r), RingHeaderSize)
	return unsafe.Slice((*Slot)(base), r.NumSlots)
}

// Lim returns the ring's modulus-minus-one, the value every wraparound
// index computation takes as its limit.
func (r *RingHeader) Lim() uint32 {
	return r.NumSlots - 1
}

// Next advances idx by one slot position modulo the ring size lim+1.
func Next(idx, lim uint32) uint32 {
	if idx == lim {
		return 0
	}
	return idx + 1
}

// Prev steps idx back by one slot position modulo the ring size lim+1.
func Prev(idx, lim uint32) uint32 {
	if idx == 0 {
		return lim
	}
	return idx - 1
}

// BufferOffset returns the byte offset of the buffer belonging to slot,
// relative to this ring's own base address, given the ring's BufOfs and
// NrBufSize: ring + buf_ofs + slot.buf_idx*nr_buf_size, per the bit-exact
// ABI description.
func (r *RingHeader) BufferOffset(s Slot) int64 {
	return r.BufOfs + int64(s.BufIdx)*int64(r.NrBufSize)
}
