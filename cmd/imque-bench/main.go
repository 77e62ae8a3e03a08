// Command imque-bench drives the msgque facade with concurrent producers
// and consumers and reports throughput, overflow, and (with -verify)
// allocator consistency stats. It is sample code exercising the library,
// not part of the core library itself.
package main

import (
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sile/ipc-msgque"
	"github.com/sile/ipc-msgque/internal/cli"
	"github.com/sile/ipc-msgque/internal/region"
)

func main() {
	var (
		configPath  string
		regionBytes int
		namedPath   string
		producers   int
		consumers   int
		perProducer int
		msgSize     int
		verify      bool
		verbose     bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "JSON config file providing defaults for -region/-path/-v")
	flag.IntVar(&regionBytes, "region", 16*1024*1024, "region size in bytes")
	flag.StringVar(&namedPath, "path", "", "named-region file path (anonymous region if empty)")
	flag.IntVar(&producers, "producers", 4, "number of producer goroutines")
	flag.IntVar(&consumers, "consumers", 4, "number of consumer goroutines")
	flag.IntVar(&perProducer, "count", 10000, "messages enqueued per producer")
	flag.IntVar(&msgSize, "size", 16, "message payload size in bytes")
	flag.BoolVar(&verify, "verify", false, "run an allocator consistency pass after draining")
	flag.BoolVar(&verbose, "v", false, "verbose logging")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		cli.PrintVersion("imque-bench", false)
		os.Exit(0)
	}

	cfg, err := cli.LoadConfig(configPath)
	if err != nil {
		cli.ExitWithError("load config: %v", err)
	}
	if !flagPassed("region") && cfg.RegionBytes > 0 {
		regionBytes = cfg.RegionBytes
	}
	if !flagPassed("path") && cfg.NamedPath != "" {
		namedPath = cfg.NamedPath
	}
	if !flagPassed("v") && cfg.Verbose {
		verbose = true
	}

	logger := cli.NewLogger(verbose, cfg.Debug)

	provider, err := openProvider(namedPath, regionBytes)
	if err != nil {
		cli.ExitWithError("open region: %v", err)
	}
	defer provider.Close()

	q, err := msgque.Construct(provider.Bytes())
	if err != nil {
		cli.ExitWithError("construct queue: %v", err)
	}
	if err := q.InitOnce(); err != nil {
		cli.ExitWithError("init region: %v", err)
	}

	logger.Info("starting %d producers x %d messages, %d consumers", producers, perProducer, consumers)

	var produced, consumed uint64
	start := time.Now()

	var g errgroup.Group
	for p := 0; p < producers; p++ {
		g.Go(func() error {
			payload := make([]byte, msgSize)
			for i := 0; i < perProducer; i++ {
				for !q.Enq(payload) {
					time.Sleep(time.Microsecond)
				}
				atomic.AddUint64(&produced, 1)
			}
			return nil
		})
	}

	done := make(chan struct{})
	var cg errgroup.Group
	for c := 0; c < consumers; c++ {
		cg.Go(func() error {
			buf := make([]byte, 4096)
			for {
				select {
				case <-done:
					return nil
				default:
				}
				if _, ok := q.Deq(buf); ok {
					atomic.AddUint64(&consumed, 1)
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		cli.ExitWithError("producers: %v", err)
	}
	logger.Debug("approx queue length after producers finished: %d (process-local hint, not authoritative)", q.ApproxLen())
	target := uint64(producers * perProducer)
	buf := make([]byte, 4096)
	for atomic.LoadUint64(&consumed) < target {
		if _, ok := q.Deq(buf); ok {
			atomic.AddUint64(&consumed, 1)
		}
	}
	close(done)
	cg.Wait()

	elapsed := time.Since(start)
	fmt.Printf("produced=%d consumed=%d overflow=%d elapsed=%s throughput=%.0f msg/s\n",
		produced, consumed, q.ResetOverflowedCount(), elapsed, float64(consumed)/elapsed.Seconds())

	if verify {
		stats, err := q.Verify()
		if err != nil {
			cli.ExitWithError("verify: %v", err)
		}
		fmt.Printf("verify: free_blocks=%d free_chunks=%d largest_free=%d traversed=%d\n",
			stats.FreeBlocks, stats.FreeChunks, stats.LargestFree, stats.TraversedNodes)
		for i, s := range q.ClassStats() {
			logger.Debug("class %d: block_size=%d used=%d free=%d", i, s.BlockSize, s.Used, s.Free)
		}
	}

	os.Exit(0)
}

func openProvider(namedPath string, size int) (region.Provider, error) {
	if namedPath == "" {
		return region.NewAnonymous(size)
	}
	return region.NewNamed(namedPath, size, 0o644)
}

// flagPassed reports whether name was explicitly set on the command line,
// so a loaded Config only supplies a default when the caller did not
// override it with a flag.
func flagPassed(name string) bool {
	passed := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			passed = true
		}
	})
	return passed
}
