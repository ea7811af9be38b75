package mem

import (
	"github.com/vmaffione/go-netmap/pool"
)

// Ops is the operations vtable every domain variant implements: exactly
// the capability set of section 4.2/9, dispatched dynamically because
// global and passthrough domains can be mixed in one process.
type Ops interface {
	GetLut(class PoolClass) []pool.Entry
	GetInfo(class PoolClass) (objSize, objTotal, memTotal uint32)
	OfsToPhys(class PoolClass, offset int64) (uintptr, error)

	Config(p Params) error
	Finalize(groupID int) error
	Deref()
	Delete()

	IfOffset(vaddr uintptr) (int64, error)
	IfNew(a *Adapter) (*IfHandle, error)
	IfDelete(h *IfHandle)

	RingsCreate(a *Adapter) error
	RingsDelete(a *Adapter)
}
