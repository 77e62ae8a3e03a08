// Command imque-watch attaches to a named region file and reports, via
// fsnotify, whenever the file is replaced or removed out from under the
// running attachment. Sample code, not part of the core library.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sile/ipc-msgque"
	"github.com/sile/ipc-msgque/internal/cli"
	"github.com/sile/ipc-msgque/internal/region"
)

func main() {
	var (
		path        string
		regionBytes int
		verbose     bool
	)
	flag.StringVar(&path, "path", "", "named-region file path to watch (required)")
	flag.IntVar(&regionBytes, "region", 1*1024*1024, "region size in bytes, if the file must be created")
	flag.BoolVar(&verbose, "v", false, "verbose logging")
	flag.Parse()

	logger := cli.NewLogger(verbose, false)

	if path == "" {
		cli.ExitWithError("-path is required")
	}

	provider, err := region.NewNamed(path, regionBytes, 0o644)
	if err != nil {
		cli.ExitWithError("open named region: %v", err)
	}
	defer provider.Close()

	q, err := msgque.Construct(provider.Bytes())
	if err != nil {
		cli.ExitWithError("construct queue: %v", err)
	}
	if err := q.InitOnce(); err != nil {
		cli.ExitWithError("init region: %v", err)
	}

	watcher, err := region.NewWatcher(path)
	if err != nil {
		cli.ExitWithError("watch %s: %v", path, err)
	}
	defer watcher.Close()

	logger.Info("watching %s (overflow=%d, empty=%v)", path, q.OverflowedCount(), q.IsEmpty())

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case ev := <-watcher.Events():
			switch ev.Op {
			case region.OpReplaced:
				logger.Warn("%s was replaced or removed at %s; this attachment's mapping is now stale", ev.Path, ev.Time.Format("15:04:05"))
			case region.OpWritten:
				logger.Debug("%s written at %s (overflow=%d, empty=%v)", ev.Path, ev.Time.Format("15:04:05"), q.OverflowedCount(), q.IsEmpty())
			}
		case err := <-watcher.Errors():
			logger.Error("watch error: %v", err)
		case <-sigc:
			fmt.Println("shutting down")
			return
		}
	}
}
