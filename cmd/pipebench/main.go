// Command pipebench drives two cross-linked pipe adapters sharing one
// memory domain with synthetic traffic and reports throughput, the
// in-process analogue of the reference benchmark's egress/ingress pair.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/dustin/go-humanize"

	"github.com/vmaffione/go-netmap/mem"
	"github.com/vmaffione/go-netmap/pipe"
	"github.com/vmaffione/go-netmap/ratelimit"
)

// Config is the allocator configuration surface plus a run duration and
// target rate, loadable from YAML with flag overrides, mirroring the
// reference's Config/loadConfig pair.
type Config struct {
	Port mem.PortConfig `yaml:"port"`

	Count uint64 `yaml:"count"`
	PPS   uint64 `yaml:"pps"`
}

func loadConfig() (*Config, error) {
	fConfigPath := flag.String("config", "", "path to config YAML file (optional)")
	fTxRings := flag.Uint("tx-rings", 1, "tx rings per adapter")
	fRxRings := flag.Uint("rx-rings", 1, "rx rings per adapter")
	fTxDescs := flag.Uint("tx-descs", 256, "tx descriptors per ring")
	fRxDescs := flag.Uint("rx-descs", 256, "rx descriptors per ring")
	fCount := flag.Uint64("n", 1_000_000, "slot exchanges to perform")
	fPPS := flag.Uint64("pps", 0, "target exchange rate, 0 = unlimited")
	flag.Parse()

	conf := &Config{
		Port: mem.PortConfig{
			TxRings: uint32(*fTxRings), TxDescs: uint32(*fTxDescs),
			RxRings: uint32(*fRxRings), RxDescs: uint32(*fRxDescs),
			NPipes: 1,
		},
		Count: *fCount,
		PPS:   *fPPS,
	}

	if *fConfigPath != "" {
		b, err := os.ReadFile(*fConfigPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	if conf.Port.TxRings == 0 || conf.Port.RxRings == 0 {
		return nil, fmt.Errorf("port.tx_rings and port.rx_rings must be > 0")
	}
	if conf.Count == 0 {
		return nil, fmt.Errorf("count must be > 0")
	}

	return conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	cfgBytes, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(cfgBytes)
	fmt.Fprintln(os.Stderr)

	params := mem.DeriveParams(conf.Port)
	domain, err := mem.NewGlobalDomain("pipebench", mem.DefaultLimits())
	fatalIf(err, "creating domain")
	defer mem.Put(domain)

	fatalIf(domain.Config(params), "configuring domain")
	fatalIf(domain.Finalize(-1), "finalizing domain")
	defer domain.Deref()

	a := mem.NewAdapter("pipebench0a", conf.Port.TxRings, conf.Port.RxRings,
		conf.Port.TxDescs, conf.Port.RxDescs, false)
	b := mem.NewAdapter("pipebench0b", conf.Port.TxRings, conf.Port.RxRings,
		conf.Port.TxDescs, conf.Port.RxDescs, false)

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

	throttle := ratelimit.New(conf.PPS)

	start := time.Now()
	var exchanged uint64
	for exchanged < conf.Count {
		for _, k := range a.TxKrings {
			k.Rhead = k.Mem.NumSlots - 1
			if err := pipe.TxSync(k); err != nil {
				fatalIf(err, "txsync")
			}
		}
		for _, k := range a.RxKrings {
			k.Rhead = k.HwTail()
			if err := pipe.RxSync(k); err != nil {
				fatalIf(err, "rxsync")
			}
		}
		exchanged += uint64(conf.Port.TxDescs)
		throttle.ThrottleN(uint64(conf.Port.TxDescs))
	}
	elapsed := time.Since(start)

	p := message.NewPrinter(language.English)
	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:      %.3f s\n", elapsed.Seconds())
	p.Printf(" Exchanged:    %d slots\n", exchanged)
	p.Printf(" Rate:         %.0f slots/s\n", float64(exchanged)/elapsed.Seconds())
	p.Printf(" Domain size:  %s\n", humanize.Bytes(uint64(domain.TotalSize())))
}
