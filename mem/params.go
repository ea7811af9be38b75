package mem

// PoolClass identifies one of the three pools every domain carries, in
// their fixed layout order.
type PoolClass int

const (
	ClassIF PoolClass = iota
	ClassRING
	ClassBUF
	numClasses
)

func (c PoolClass) String() string {
	switch c {
	case ClassIF:
		return "if"
	case ClassRING:
		return "ring"
	case ClassBUF:
		return "buf"
	default:
		return "unknown"
	}
}

// PoolParam is the per-pool tunable pair from the allocator configuration
// surface: a requested object size and a requested object total.
type PoolParam struct {
	Size uint32 `yaml:"size"`
	Num  uint32 `yaml:"num"`
}

// Params bundles the three pools' requested sizes, the form every domain
// Config call consumes. Field order matches PoolClass.
type Params [numClasses]PoolParam

const (
	pageSize = 4096

	// NETMAP_BUF_MAX_NUM bounds the default global BUF pool, mirroring
	// the reference allocator's compile-time ceiling.
	bufMaxNum = 20 * pageSize * 2
)

// DefaultGlobalParams mirrors the reference global domain's nm_mem
// blueprint: generous defaults sized for many concurrent adapters.
func DefaultGlobalParams() Params {
	return Params{
		ClassIF:   {Size: 1024, Num: 100},
		ClassRING: {Size: 9 * pageSize, Num: 200},
		ClassBUF:  {Size: 2048, Num: bufMaxNum},
	}
}

// DefaultPrivateParams mirrors the reference private-pool blueprint
// (nm_blueprint): tight defaults meant to be overridden by PortConfig.
func DefaultPrivateParams() Params {
	return Params{
		ClassIF:   {Size: 1024, Num: 10},
		ClassRING: {Size: 9 * pageSize, Num: 2},
		ClassBUF:  {Size: 2048, Num: 4},
	}
}

// Limits bounds each pool's acceptable (size, num) range, loaded once per
// domain variant and enforced by pool.Configure.
type Limits [numClasses]struct {
	Size [2]uint32 // min, max
	Num  [2]uint32 // min, max
}

// DefaultLimits mirrors the reference's per-class objminsize/objmaxsize
// and nummin/nummax bounds.
func DefaultLimits() Limits {
	return Limits{
		ClassIF:   {Size: [2]uint32{1024, 1 << 16}, Num: [2]uint32{10, 10000}},
		ClassRING: {Size: [2]uint32{pageSize, 1 << 20}, Num: [2]uint32{2, 1024}},
		ClassBUF:  {Size: [2]uint32{64, 1 << 16}, Num: [2]uint32{4, 1000000}},
	}
}

// PortConfig is the private-allocator override surface from section 6: a
// caller describes the shape of one port and Params is derived from it.
type PortConfig struct {
	TxRings   uint32 `yaml:"tx_rings"`
	TxDescs   uint32 `yaml:"tx_descs"`
	RxRings   uint32 `yaml:"rx_rings"`
	RxDescs   uint32 `yaml:"rx_descs"`
	ExtraBufs uint32 `yaml:"extra_bufs"`
	NPipes    uint32 `yaml:"n_pipes"`
}

// netmapIfHeader and netmapRingHeader are the fixed-header sizes used to
// size the IF and RING pools' per-object byte budget; they mirror the
// sizeof(netmap_if)/sizeof(netmap_ring) terms of the allocator
// configuration surface formulas.
const (
	netmapIfHeader   = 32 // ni_name + counts + bufs_head, rounded
	netmapRingHeader = 40 // num_slots..dir fixed fields, rounded
	ringOfsEntry     = 8  // one signed offset entry in ring_ofs[]
	slotSize         = 8  // sizeof(netmap_slot): buf_idx+len+flags
)

// DeriveParams computes the three pool sizes from a PortConfig, starting
// from DefaultPrivateParams and raising each size and count to at least
// the formulas of the allocator configuration surface (section 6): IF
// size must fit the netmap_if header plus one ring_ofs entry per ring;
// IF num must cover the reserved handles plus four per pipe; RING size
// must fit the largest of the two descriptor counts; RING num must cover
// every real ring plus eight per pipe; BUF num must cover every
// descriptor of every ring (including the pipe-side duplicates) plus the
// two reserved indices and any extra buffers requested.
func DeriveParams(c PortConfig) Params {
	maxDescs := c.TxDescs
	if c.RxDescs > maxDescs {
		maxDescs = c.RxDescs
	}

	need := Params{
		ClassIF: {
			Size: netmapIfHeader + (c.TxRings+c.RxRings)*ringOfsEntry,
			Num:  2 + 4*c.NPipes,
		},
		ClassRING: {
			Size: netmapRingHeader + maxDescs*slotSize,
			Num:  c.TxRings + c.RxRings + 8*c.NPipes,
		},
		ClassBUF: {
			Size: 2048,
			Num:  (4*c.NPipes+c.RxRings)*c.RxDescs + (4*c.NPipes+c.TxRings)*c.TxDescs + 2 + c.ExtraBufs,
		},
	}
	p := DefaultPrivateParams()
	for cl := PoolClass(0); cl < numClasses; cl++ {
		p[cl].Size = max(p[cl].Size, need[cl].Size)
		p[cl].Num = max(p[cl].Num, need[cl].Num)
	}
	return p
}
