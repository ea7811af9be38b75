package ring

import (
	"testing"
	"unsafe"
)

func newExtraBacking(numBufs uint32) ([]byte, func(idx uint32) (unsafe.Pointer, bool)) {
	const bufSize = 64
	buf := make([]byte, int(numBufs)*bufSize)
	vaddrOf := func(idx uint32) (unsafe.Pointer, bool) {
		if idx >= numBufs {
			return nil, false
		}
		return unsafe.Pointer(&buf[int(idx)*bufSize]), true
	}
	return buf, vaddrOf
}

func TestExtraListPushPopLIFO(t *testing.T) {
	_, vaddrOf := newExtraBacking(16)
	l := NewExtraList(vaddrOf)

	for _, idx := range []uint32{2, 3, 4} {
		l.Push(idx)
	}
	if l.Head() != 4 {
		t.Fatalf("head = %d, want 4", l.Head())
	}

	want := []uint32{4, 3, 2}
	for _, w := range want {
		got, ok := l.Pop()
		if !ok {
			t.Fatalf("pop: list empty early")
		}
		if got != w {
			t.Fatalf("pop = %d, want %d", got, w)
		}
	}
	if _, ok := l.Pop(); ok {
		t.Fatalf("pop on empty list returned ok=true")
	}
}

func TestExtraListFreeSkipsReservedIndices(t *testing.T) {
	_, vaddrOf := newExtraBacking(16)
	l := NewExtraList(vaddrOf)
	l.Free([]uint32{0, 1, 5, 6})

	seen := map[uint32]bool{}
	for {
		idx, ok := l.Pop()
		if !ok {
			break
		}
		seen[idx] = true
	}
	if seen[0] || seen[1] {
		t.Fatalf("reserved index 0 or 1 ended up on the free list: %v", seen)
	}
	if !seen[5] || !seen[6] {
		t.Fatalf("pushed indices missing from free list: %v", seen)
	}
}

func TestExtraListPopTruncatesOnOutOfRangeTerminator(t *testing.T) {
	_, vaddrOf := newExtraBacking(4)
	l := NewExtraList(vaddrOf)

	// Simulate a chain that reaches an index out of range for this
	// backing: after a single valid push, set the head directly to an
	// out-of-range value, then observe that Pop returns that out-of-range
	// index once with ok=true, resets the head to 0, and so loses the
	// in-range index 2 that was pushed before it.
	l.Push(2)
	l.SetHead(99) // out-of-range terminator, as if chained from a larger pool

	idx, ok := l.Pop()
	if !ok {
		t.Fatalf("pop: expected ok=true for the out-of-range terminator itself")
	}
	if idx != 99 {
		t.Fatalf("pop = %d, want 99", idx)
	}
	// The walk stops here: head is now reset to 0 rather than faulting.
	if l.Head() != 0 {
		t.Fatalf("head after truncation = %d, want 0", l.Head())
	}
	if _, ok := l.Pop(); ok {
		t.Fatalf("pop after truncation returned ok=true, rest of chain not lost")
	}
}

func TestExtraListSetHeadRoundTrip(t *testing.T) {
	_, vaddrOf := newExtraBacking(16)
	l := NewExtraList(vaddrOf)
	l.Push(7)
	saved := l.Head()

	l2 := NewExtraList(vaddrOf)
	l2.SetHead(saved)
	idx, ok := l2.Pop()
	if !ok || idx != 7 {
		t.Fatalf("pop after SetHead = (%d, %v), want (7, true)", idx, ok)
	}
}
