package mem

import "errors"

var (
	ErrInvalidConfig = errors.New("mem: invalid config")
	ErrOutOfMemory   = errors.New("mem: out of memory")
	ErrGroupMismatch = errors.New("mem: iommu group mismatch")
	ErrPeerNotFound  = errors.New("mem: peer not found")
	ErrNotFinalized  = errors.New("mem: domain not finalized")
	ErrDoubleFree    = errors.New("mem: double free")
	ErrBadIndex      = errors.New("mem: bad index")
	ErrBadOffset     = errors.New("mem: offset outside all pools")
	ErrBusy          = errors.New("mem: domain busy")
)
