// Command nmstat periodically dumps ring occupancy for a set of pipe
// adapters sharing one memory domain, the in-process analogue of the
// reference's periodic interface-counter report.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/vmaffione/go-netmap/mem"
	"github.com/vmaffione/go-netmap/pipe"
	"github.com/vmaffione/go-netmap/ringstat"
)

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func main() {
	fTxRings := flag.Uint("tx-rings", 1, "tx rings per adapter")
	fRxRings := flag.Uint("rx-rings", 1, "rx rings per adapter")
	fTxDescs := flag.Uint("tx-descs", 256, "tx descriptors per ring")
	fRxDescs := flag.Uint("rx-descs", 256, "rx descriptors per ring")
	fInterval := flag.Duration("interval", time.Second, "report interval")
	flag.Parse()

	domain, err := mem.NewGlobalDomain("nmstat", mem.DefaultLimits())
	fatalIf(err, "creating domain")
	defer mem.Put(domain)

	port := mem.PortConfig{
		TxRings: uint32(*fTxRings), TxDescs: uint32(*fTxDescs),
		RxRings: uint32(*fRxRings), RxDescs: uint32(*fRxDescs),
		NPipes: 1,
	}
	fatalIf(domain.Config(mem.DeriveParams(port)), "configuring domain")
	fatalIf(domain.Finalize(-1), "finalizing domain")
	defer domain.Deref()

	a := mem.NewAdapter("nmstat0a", port.TxRings, port.RxRings, port.TxDescs, port.RxDescs, false)
	b := mem.NewAdapter("nmstat0b", port.TxRings, port.RxRings, port.TxDescs, port.RxDescs, false)
	fatalIf(pipe.KringsCreate(a, b), "cross-linking adapters")
	for _, k := range a.TxKrings {
		k.Users = 1
	}
	for _, k := range b.TxKrings {
		k.Users = 1
	}
	fatalIf(pipe.RegisterOn(domain, a, b), "registering adapter a")
	fatalIf(pipe.RegisterOn(domain, b, a), "registering adapter b")
	defer pipe.RegisterOff(domain, a, b)
	defer pipe.RegisterOff(domain, b, a)

	fmt.Fprintf(os.Stderr, "nmstat: domain=%q size=%s adapters=[%s %s]\n",
		domain.Name, humanize.Bytes(uint64(domain.TotalSize())), a.Name, b.Name)

	adapters := []*mem.Adapter{a, b}
	ticker := time.NewTicker(*fInterval)
	defer ticker.Stop()

	var prev ringstat.Stats
	for range ticker.C {
		cur := ringstat.Snapshot(adapters)
		delta := cur
		if prev != nil {
			delta = cur.Since(prev)
		}
		prev = cur

		keys := make([]string, 0, len(cur))
		for k := range cur {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			rs := cur[k]
			d := delta[k]
			fmt.Printf("%-16s hwcur=%-6d hwtail=%-6d occ=%-6d (Δocc=%d)\n",
				k, rs[ringstat.HwCur], rs[ringstat.HwTail], rs[ringstat.Occupancy], d[ringstat.Occupancy])
		}
	}
}
