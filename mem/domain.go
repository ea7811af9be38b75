package mem

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/vmaffione/go-netmap/pool"
)

// Flags mirror the four domain flags of section 3: FINALIZED, HIDDEN,
// PRIVATE, IO.
type Flags uint8

const (
	FlagFinalized Flags = 1 << iota
	FlagHidden
	FlagPrivate
	FlagIO
)

// Domain is the global (direct cluster allocation) memory domain variant:
// a named bundle of the three pools in fixed order {IF, RING, BUF}, a
// mutex protecting all mutable state, a reference count, an active-user
// count, and an IOMMU-group id. It implements Ops directly; Passthrough
// implements the same interface over a non-owning remote region.
type Domain struct {
	mu sync.Mutex

	Name string

	id     uint16
	hidden bool

	flags    Flags
	refcount int
	active   int

	groupID int // -1 == unassigned

	limits Limits
	params Params
	lastErr error

	pools [numClasses]*pool.Pool
}

var _ Ops = (*Domain)(nil)

// NewGlobalDomain creates and registers a private global-variant domain
// with refcount 1, matching "a domain is created with refcount=1".
func NewGlobalDomain(name string, limits Limits) (*Domain, error) {
	d := &Domain{
		Name:     name,
		refcount: 1,
		groupID:  -1,
		limits:   limits,
	}
	for c := PoolClass(0); c < numClasses; c++ {
		d.pools[c] = pool.New(fmt.Sprintf("%s-%s", name, c), pool.Limits{
			ObjMinSize: limits[c].Size[0], ObjMaxSize: limits[c].Size[1],
			NumMin: limits[c].Num[0], NumMax: limits[c].Num[1],
		})
	}
	if _, err := globalRegistry.register(d); err != nil {
		return nil, err
	}
	return d, nil
}

// NewSentinelGlobalDomain creates the always-present id==1 global domain
// with the reference blueprint's default sizing.
func NewSentinelGlobalDomain() *Domain {
	d := &Domain{
		Name:     "netmap_mem_global",
		refcount: 1,
		groupID:  -1,
		limits:   DefaultLimits(),
	}
	for c := PoolClass(0); c < numClasses; c++ {
		d.pools[c] = pool.New(fmt.Sprintf("%s-%s", d.Name, c), pool.Limits{
			ObjMinSize: d.limits[c].Size[0], ObjMaxSize: d.limits[c].Size[1],
			NumMin: d.limits[c].Num[0], NumMax: d.limits[c].Num[1],
		})
	}
	globalRegistry.registerWithID(d, GlobalDomainID)
	return d
}

// Get looks a domain up by id, incrementing its refcount.
func Get(id uint16) (*Domain, error) {
	d := globalRegistry.lookup(id)
	if d == nil {
		return nil, fmt.Errorf("%w: no domain with id %d", ErrPeerNotFound, id)
	}
	return d, nil
}

// Put releases a reference obtained from Get or NewGlobalDomain.
func Put(d *Domain) {
	globalRegistry.release(d)
}

// ID returns the domain's registry id.
func (d *Domain) ID() uint16 { return d.id }

// Active reports the current active-user count.
func (d *Domain) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Finalized reports whether FlagFinalized is set.
func (d *Domain) Finalized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flags&FlagFinalized != 0
}

// Pool exposes one of the domain's three pools directly, for callers
// (the ring fabric) that need pool.Allocate/FreeByIndex rather than the
// coarser Ops surface.
func (d *Domain) Pool(class PoolClass) *pool.Pool { return d.pools[class] }

// Lock/Unlock expose NMA_LOCK to callers in other packages (the ring
// fabric) that must hold it across a sequence of pool operations.
func (d *Domain) Lock()   { d.mu.Lock() }
func (d *Domain) Unlock() { d.mu.Unlock() }

// Config re-reads params. If the domain has active users, or params
// are unchanged from the last call, it returns the cached error without
// doing any work, matching section 4.2 and testable property 8.
func (d *Domain) Config(p Params) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active > 0 {
		return d.lastErr
	}
	if p == d.params {
		return d.lastErr
	}

	if d.flags&FlagFinalized != 0 {
		d.resetLocked()
	}

	d.params = p
	var err error
	for c := PoolClass(0); c < numClasses; c++ {
		if cerr := d.pools[c].Configure(p[c].Num, p[c].Size); cerr != nil {
			err = fmt.Errorf("configuring pool %s: %w", c, cerr)
			break
		}
	}
	d.lastErr = err
	return err
}

// Finalize runs Config's last result; if it succeeded and the domain is
// not already finalized, finalizes each pool in order, inits bitmaps,
// and sets FlagFinalized. groupID<0 means "no preference"; otherwise the
// domain adopts the first caller's group and requires equality from
// every later caller, failing with ErrGroupMismatch on a collision.
func (d *Domain) Finalize(groupID int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lastErr != nil {
		return d.lastErr
	}

	if groupID >= 0 {
		if d.groupID < 0 {
			d.groupID = groupID
		} else if d.groupID != groupID {
			return fmt.Errorf("%w: domain group %d, adapter group %d", ErrGroupMismatch, d.groupID, groupID)
		}
	}

	if d.flags&FlagFinalized == 0 {
		for c := PoolClass(0); c < numClasses; c++ {
			if err := d.pools[c].Finalize(); err != nil {
				d.resetLocked()
				d.lastErr = fmt.Errorf("finalizing pool %s: %w", c, err)
				return d.lastErr
			}
			reserveLowTwo := c == ClassBUF
			if err := d.pools[c].InitBitmap(reserveLowTwo); err != nil {
				d.resetLocked()
				d.lastErr = fmt.Errorf("init bitmap %s: %w", c, err)
				return d.lastErr
			}
		}
		d.flags |= FlagFinalized
	}
	d.active++
	return nil
}

// Deref decrements active. When the last active user leaves (active is 1
// on entry), bitmaps are re-inited so any leaked allocations from an
// unclean exit are reclaimed. When
// active reaches 0, the IOMMU group id is cleared so a differently
// grouped adapter may attach next time.
func (d *Domain) Deref() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active == 0 {
		return
	}
	if d.active == 1 {
		for c := PoolClass(0); c < numClasses; c++ {
			if d.pools[c].Finalized() {
				_ = d.pools[c].InitBitmap(c == ClassBUF)
			}
		}
	}
	d.active--
	if d.active == 0 {
		d.groupID = -1
	}
}

// Delete tears down every pool. It does not remove the domain from the
// registry; that is Put's job once refcount reaches zero.
func (d *Domain) Delete() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
}

func (d *Domain) resetLocked() {
	for c := PoolClass(0); c < numClasses; c++ {
		d.pools[c].Reset()
	}
	d.flags &^= FlagFinalized
}

// GetLut returns the lookup table of one pool.
func (d *Domain) GetLut(class PoolClass) []pool.Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pools[class].Lut
}

// GetInfo reports one pool's sizing.
func (d *Domain) GetInfo(class PoolClass) (objSize, objTotal, memTotal uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.pools[class]
	return p.ObjSize(), p.ObjTotal, p.MemTotal
}

// OfsToPhys resolves a pool-relative offset to a physical address. A
// spinlock variant for non-sleepable contexts is not modeled: Go has no
// page-fault handler calling into this path, so the plain mutex suffices.
func (d *Domain) OfsToPhys(class PoolClass, offset int64) (uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.flags&FlagFinalized == 0 {
		return 0, ErrNotFinalized
	}
	return d.pools[class].PaddrOf(offset)
}

// IfOffset converts a netmap_if virtual address (drawn from the IF pool)
// into its pool-relative byte offset. The IF pool comes first in the
// [IF|RING|BUF] shared region, so this is also the offset within the
// region.
func (d *Domain) IfOffset(vaddr uintptr) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pools[ClassIF].OffsetOf(unsafe.Pointer(vaddr))
}

// RegionOffset converts a (class, pool-relative offset) pair into the
// flat offset into the single [IF|RING|BUF] shared region described in
// section 3: the sum of every preceding pool's memtotal.
func (d *Domain) RegionOffset(class PoolClass, within int64) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var base int64
	for c := PoolClass(0); c < class; c++ {
		base += int64(d.pools[c].MemTotal)
	}
	return base + within
}

// TotalSize returns nm_totalsize, the sum of every pool's memtotal.
func (d *Domain) TotalSize() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var total uint32
	for c := PoolClass(0); c < numClasses; c++ {
		total += d.pools[c].MemTotal
	}
	return total
}
