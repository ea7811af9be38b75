package ring

import (
	"testing"
	"unsafe"
)

func TestIfHeaderRingOfsRoundTrip(t *testing.T) {
	ntx, nrx := uint32(2), uint32(3)
	size := IfBlockSize(ntx, nrx)
	buf := make([]byte, size)
	hdr := IfAt(unsafe.Pointer(&buf[0]))
	hdr.SetName("vale0")
	hdr.NTxRings = ntx
	hdr.NRxRings = nrx

	ofs := hdr.RingOfs(ntx, nrx)
	if len(ofs) != int(ntx+1+nrx+1) {
		t.Fatalf("ring_ofs length = %d, want %d", len(ofs), ntx+1+nrx+1)
	}
	for i := range ofs {
		ofs[i] = int64(i * 8)
	}
	ofs2 := hdr.RingOfs(ntx, nrx)
	for i := range ofs2 {
		if ofs2[i] != int64(i*8) {
			t.Fatalf("ring_ofs[%d] = %d, want %d", i, ofs2[i], i*8)
		}
	}
}

func TestIfHeaderSetNameTruncates(t *testing.T) {
	buf := make([]byte, IfBlockSize(1, 1))
	hdr := IfAt(unsafe.Pointer(&buf[0]))
	hdr.SetName("this-name-is-far-too-long-for-the-field")
	for _, b := range hdr.Name {
		if b == 0 {
			return
		}
	}
	t.Fatalf("name field never null-terminated")
}

func TestRingHeaderSlotsAliasMemory(t *testing.T) {
	numSlots := uint32(16)
	size := RingBlockSize(numSlots)
	buf := make([]byte, size)
	hdr := RingAt(unsafe.Pointer(&buf[0]))
	hdr.NumSlots = numSlots
	hdr.NrBufSize = 2048
	hdr.BufOfs = 1024

	slots := hdr.Slots()
	if len(slots) != int(numSlots) {
		t.Fatalf("Slots() length = %d, want %d", len(slots), numSlots)
	}
	slots[3] = Slot{BufIdx: 42, Len: 64, Flags: 1}

	slots2 := hdr.Slots()
	if slots2[3] != (Slot{BufIdx: 42, Len: 64, Flags: 1}) {
		t.Fatalf("slot write not visible through a second Slots() call")
	}
}

func TestNextPrevWraparound(t *testing.T) {
	lim := uint32(7) // 8 slots
	if got := Next(lim, lim); got != 0 {
		t.Fatalf("Next(lim, lim) = %d, want 0", got)
	}
	if got := Prev(0, lim); got != lim {
		t.Fatalf("Prev(0, lim) = %d, want %d", got, lim)
	}
	if got := Next(3, lim); got != 4 {
		t.Fatalf("Next(3, lim) = %d, want 4", got)
	}
}

func TestBufferOffset(t *testing.T) {
	hdr := &RingHeader{BufOfs: 1000, NrBufSize: 2048}
	off := hdr.BufferOffset(Slot{BufIdx: 3})
	if off != 1000+3*2048 {
		t.Fatalf("BufferOffset = %d, want %d", off, 1000+3*2048)
	}
}
