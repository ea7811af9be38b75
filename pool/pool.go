// Package pool implements the slab-style object allocator that backs every
// netmap memory pool (the IF, RING and BUF classes). A Pool owns a set of
// physically contiguous, page-aligned clusters, a lookup table mapping
// object index to (virtual, physical) address, and a free bitmap.
//
// Terminology mirrors the original netmap allocator:
//
//   - cluster: one contiguous, page-aligned allocation carved into objects.
//   - lut: lookup table, index -> (vaddr, paddr).
//   - bitmap: one bit per object, set means free.
package pool

import (
	"errors"
	"fmt"
	"math/bits"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MaxClusterSize bounds how large a single cluster allocation may grow.
// Clusters larger than this take too long to allocate and defeat the
// purpose of carving objects out of a handful of pages.
const MaxClusterSize = 1 << 22 // 4 MiB

// CacheLine is the alignment boundary every object size is rounded up to.
const CacheLine = 64

var (
	ErrInvalidConfig = errors.New("pool: invalid config")
	ErrOutOfMemory   = errors.New("pool: out of memory")
	ErrDoubleFree    = errors.New("pool: double free")
	ErrBadIndex      = errors.New("pool: bad index")
	ErrNotFinalized  = errors.New("pool: not finalized")
)

// Entry is one slot of the lookup table: the virtual address of the object
// and a synthetic physical address standing in for the real DMA address a
// kernel allocator would hand to hardware.
type Entry struct {
	Vaddr unsafe.Pointer
	Paddr uintptr
}

// Limits bound the object size and object count a Pool will accept in
// Configure. They are set once, at construction, and never change.
type Limits struct {
	ObjMinSize, ObjMaxSize uint32
	NumMin, NumMax         uint32
}

// Pool is a bitmap allocator over a set of clusters holding objects of a
// single size. The zero value is not usable; build one with New.
type Pool struct {
	Name string

	limits Limits

	// requested values, retained to detect configuration no-ops.
	rObjTotal, rObjSize uint32

	// configured geometry, set by Configure.
	objSize        uint32
	clustEntries   uint32
	clustSize      uint32
	numClustersCfg uint32
	objTotalCfg    uint32

	// actual, set by Finalize; zero until finalized.
	NumClusters uint32
	ObjTotal    uint32
	MemTotal    uint32
	ObjFree     uint32

	Lut    []Entry
	Bitmap []uint32

	clusters [][]byte
	nextPaddr uintptr
}

// New creates an unconfigured Pool with the given name and limits.
func New(name string, limits Limits) *Pool {
	return &Pool{Name: name, limits: limits}
}

// Configured reports whether Configure has computed a geometry yet.
func (p *Pool) Configured() bool { return p.clustEntries != 0 }

// Finalized reports whether Finalize has allocated clusters.
func (p *Pool) Finalized() bool { return p.Lut != nil }

// ObjSize returns the current configured (aligned) object size.
func (p *Pool) ObjSize() uint32 { return p.objSize }

// ClustEntries returns the number of objects packed into one cluster.
func (p *Pool) ClustEntries() uint32 { return p.clustEntries }

// ClustSize returns the size in bytes of one cluster.
func (p *Pool) ClustSize() uint32 { return p.clustSize }

// Unchanged reports whether (objTotal, objSize) match the last successful
// Configure call, letting callers skip a reconfigure/reset cycle.
func (p *Pool) Unchanged(objTotal, objSize uint32) bool {
	return p.Configured() && p.rObjTotal == objTotal && p.rObjSize == objSize
}

// Configure computes the cluster geometry for objTotal objects of objSize
// bytes each. objSize is rounded up to a CacheLine multiple before range
// checks are applied. Cluster entry count is chosen so that
// clustEntries*objSize is an exact multiple of the page size and does not
// exceed MaxClusterSize; if no such count exists, Configure fails.
func (p *Pool) Configure(objTotal, objSize uint32) error {
	p.rObjTotal = objTotal
	p.rObjSize = objSize

	if objSize >= MaxClusterSize {
		return fmt.Errorf("%w: object size %d too large", ErrInvalidConfig, objSize)
	}
	if rem := objSize % CacheLine; rem != 0 {
		objSize += CacheLine - rem
	}
	if objSize < p.limits.ObjMinSize || objSize > p.limits.ObjMaxSize {
		return fmt.Errorf("%w: object size %d out of range [%d, %d]",
			ErrInvalidConfig, objSize, p.limits.ObjMinSize, p.limits.ObjMaxSize)
	}
	if objTotal < p.limits.NumMin || objTotal > p.limits.NumMax {
		return fmt.Errorf("%w: object total %d out of range [%d, %d]",
			ErrInvalidConfig, objTotal, p.limits.NumMin, p.limits.NumMax)
	}

	pageSize := uint32(unix.Getpagesize())
	var clustEntries uint32
	for i := uint32(1); ; i++ {
		used := i * objSize
		if used > MaxClusterSize {
			break
		}
		if used%pageSize == 0 {
			clustEntries = i
			break
		}
	}
	if clustEntries == 0 {
		return fmt.Errorf("%w: no cluster geometry fits object size %d", ErrInvalidConfig, objSize)
	}

	p.objSize = objSize
	p.clustEntries = clustEntries
	p.clustSize = clustEntries * objSize
	p.numClustersCfg = (objTotal + clustEntries - 1) / clustEntries
	p.objTotalCfg = p.numClustersCfg * clustEntries
	return nil
}

// allocCluster obtains one page-aligned, zero-filled region of n bytes.
// Anonymous, populated mmap is the userspace stand-in for the kernel's
// physically contiguous, DMA-capable cluster allocation.
func allocCluster(n uint32) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, int(n),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func freeCluster(b []byte) {
	_ = unix.Munmap(b)
}

// Finalize allocates the lut and the backing clusters. On a mid-way
// allocation failure it halves the number of already-allocated clusters and
// accepts the reduced total, provided at least two clusters succeeded;
// otherwise it fails with ErrOutOfMemory.
func (p *Pool) Finalize() error {
	if !p.Configured() {
		return fmt.Errorf("%w: pool %q not configured", ErrInvalidConfig, p.Name)
	}

	p.NumClusters = p.numClustersCfg
	p.ObjTotal = p.objTotalCfg
	p.Lut = make([]Entry, p.ObjTotal)
	p.clusters = p.clusters[:0]

	done := uint32(0)
	for c := uint32(0); c < p.numClustersCfg; c++ {
		clust, err := allocCluster(p.clustSize)
		if err != nil {
			if done < 2 {
				p.reset()
				return fmt.Errorf("%w: %v", ErrOutOfMemory, err)
			}
			newClusters := done / 2
			for k := newClusters; k < done; k++ {
				freeCluster(p.clusters[k])
			}
			p.clusters = p.clusters[:newClusters]
			p.NumClusters = newClusters
			p.ObjTotal = newClusters * p.clustEntries
			p.Lut = p.Lut[:p.ObjTotal]
			break
		}

		p.clusters = append(p.clusters, clust)
		base := unsafe.Pointer(&clust[0])
		for j := uint32(0); j < p.clustEntries; j++ {
			idx := c*p.clustEntries + j
			p.Lut[idx] = Entry{
				Vaddr: unsafe.Add(base, uintptr(j)*uintptr(p.objSize)),
				Paddr: p.nextPaddr,
			}
			p.nextPaddr += uintptr(p.objSize)
		}
		done++
	}

	p.MemTotal = p.NumClusters * p.clustSize
	return nil
}

// InitBitmap (re)allocates the free bitmap and marks every object backed by
// a live cluster as free. reserveLowTwo additionally marks indices 0 and 1
// as permanently busy (the BUF pool's fake TX/RX scratch buffers) and
// requires at least two free objects remain.
func (p *Pool) InitBitmap(reserveLowTwo bool) error {
	words := (p.ObjTotal + 31) / 32
	p.Bitmap = make([]uint32, words)
	p.ObjFree = 0
	for i := uint32(0); i < p.ObjTotal; i++ {
		if p.Lut[i].Vaddr != nil {
			p.Bitmap[i/32] |= 1 << (i % 32)
			p.ObjFree++
		}
	}
	if p.ObjFree == 0 {
		return ErrOutOfMemory
	}
	if reserveLowTwo {
		if p.ObjFree < 2 {
			return ErrOutOfMemory
		}
		if len(p.Bitmap) > 0 {
			p.Bitmap[0] &^= 3
		}
		p.ObjFree -= 2
	}
	return nil
}

// Allocate scans the bitmap starting at the word index startHint (a caching
// hint to avoid rescanning from zero on every call) and returns the first
// free object's address and index. ok is false if the pool is exhausted.
func (p *Pool) Allocate(startHint uint32) (vaddr unsafe.Pointer, index uint32, ok bool) {
	if p.ObjFree == 0 {
		return nil, 0, false
	}
	for i := startHint; i < uint32(len(p.Bitmap)); i++ {
		word := p.Bitmap[i]
		if word == 0 {
			continue
		}
		j := uint32(bits.TrailingZeros32(word))
		p.Bitmap[i] &^= 1 << j
		p.ObjFree--
		idx := i*32 + j
		return p.Lut[idx].Vaddr, idx, true
	}
	return nil, 0, false
}

// FreeByIndex returns object j to the pool. It fails with ErrBadIndex if j
// is out of range and ErrDoubleFree if the slot is already marked free.
func (p *Pool) FreeByIndex(j uint32) error {
	if j >= p.ObjTotal {
		return fmt.Errorf("%w: %d (max %d)", ErrBadIndex, j, p.ObjTotal)
	}
	word := &p.Bitmap[j/32]
	mask := uint32(1) << (j % 32)
	if *word&mask != 0 {
		return ErrDoubleFree
	}
	*word |= mask
	p.ObjFree++
	return nil
}

// FreeByAddress locates the owning cluster of vaddr by linear scan and frees
// it by index. It is used for objects freed rarely enough (rings, netmap_if)
// that the scan cost does not matter.
func (p *Pool) FreeByAddress(vaddr unsafe.Pointer) error {
	idx, ok := p.indexOf(vaddr)
	if !ok {
		return fmt.Errorf("%w: address not contained in any cluster of %q", ErrBadIndex, p.Name)
	}
	return p.FreeByIndex(idx)
}

// indexOf finds the object index owning vaddr, scanning cluster starts.
func (p *Pool) indexOf(vaddr unsafe.Pointer) (uint32, bool) {
	for c := uint32(0); c < p.NumClusters; c++ {
		base := p.Lut[c*p.clustEntries].Vaddr
		rel := uintptr(vaddr) - uintptr(base)
		if uintptr(vaddr) < uintptr(base) || rel >= uintptr(p.clustSize) {
			continue
		}
		return c*p.clustEntries + uint32(rel/uintptr(p.objSize)), true
	}
	return 0, false
}

// OffsetOf converts a kernel-side object address into a pool-relative byte
// offset, the form userspace consumes across the shared-memory ABI.
func (p *Pool) OffsetOf(vaddr unsafe.Pointer) (int64, error) {
	for c := uint32(0); c < p.NumClusters; c++ {
		base := p.Lut[c*p.clustEntries].Vaddr
		rel := uintptr(vaddr) - uintptr(base)
		if uintptr(vaddr) < uintptr(base) || rel >= uintptr(p.clustSize) {
			continue
		}
		return int64(c)*int64(p.clustSize) + int64(rel), nil
	}
	return 0, fmt.Errorf("%w: address not contained in any cluster of %q", ErrBadIndex, p.Name)
}

// VaddrAt converts a pool-relative byte offset back into a kernel-side
// address, the inverse of OffsetOf.
func (p *Pool) VaddrAt(offset int64) (unsafe.Pointer, error) {
	if offset < 0 || offset >= int64(p.MemTotal) {
		return nil, fmt.Errorf("%w: offset %d out of pool %q", ErrBadIndex, offset, p.Name)
	}
	c := uint32(offset / int64(p.clustSize))
	rel := uintptr(offset % int64(p.clustSize))
	base := p.Lut[c*p.clustEntries].Vaddr
	return unsafe.Add(base, rel), nil
}

// PaddrOf returns the synthetic physical address backing offset, mirroring
// the kernel's ofstophys used to service userspace page faults.
func (p *Pool) PaddrOf(offset int64) (uintptr, error) {
	if offset < 0 || offset >= int64(p.MemTotal) {
		return 0, fmt.Errorf("%w: offset %d out of pool %q", ErrBadIndex, offset, p.Name)
	}
	idx := uint32(offset / int64(p.objSize))
	within := uintptr(offset) % uintptr(p.objSize)
	return p.Lut[idx].Paddr + within, nil
}

// Reset frees all clusters and clears every derived field. Destroy is an
// alias kept for readers coming from the allocator's C ancestry, where reset
// and destroy share one implementation.
func (p *Pool) Reset() { p.reset() }

// Destroy is an alias for Reset.
func (p *Pool) Destroy() { p.reset() }

func (p *Pool) reset() {
	for _, c := range p.clusters {
		freeCluster(c)
	}
	p.clusters = nil
	p.Lut = nil
	p.Bitmap = nil
	p.NumClusters = 0
	p.ObjTotal = 0
	p.MemTotal = 0
	p.ObjFree = 0
}
