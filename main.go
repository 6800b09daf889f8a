// main.go - embedder entry point: loads a flat PowerPC image and runs
// it on the engine until interrupted.
//
// Grounded on main.go's construction sequence (bus, then CPU wired to
// the bus, then peripherals, then start execution) - this command
// performs the analogous sequence against Engine instead of a bus/CPU
// pair, without the GUI frontend this core has no Non-goal exemption
// to include.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// rawImageLoader treats the given file as a flat PowerPC binary loaded
// at a fixed base, entering at the first instruction - the simplest
// possible ExecutableLoader, with no import table and a fixed stack.
type rawImageLoader struct {
	code  []byte
	base  uint32
	entry uint32
}

func newRawImageLoader(path string, base uint32) (*rawImageLoader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image %q: %w", path, err)
	}
	return &rawImageLoader{code: data, base: base, entry: base}, nil
}

func (l *rawImageLoader) CodeAt(addr uint32, size uint32) ([]byte, error) {
	if addr != l.base || size != uint32(len(l.code)) {
		return nil, fmt.Errorf("raw image loader only serves its whole image in one call")
	}
	return l.code, nil
}

func (l *rawImageLoader) ImageBase() uint32 { return l.base }
func (l *rawImageLoader) ImageSize() uint32 { return uint32(len(l.code)) }
func (l *rawImageLoader) EntryPoint() uint32 { return l.entry }

func (l *rawImageLoader) StackBounds() (base, size uint32) {
	return 0x70000000, 64 * 1024
}

func (l *rawImageLoader) Imports() []ImportKey { return nil }

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <powerpc-image>\n", os.Args[0])
		os.Exit(1)
	}

	cfg := DefaultConfig()
	cfg.LogWriter = os.Stderr
	cfg.Trace.Thread = true

	engine, err := NewEngine(cfg, nil, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine init: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	loader, err := newRawImageLoader(os.Args[1], 0x82000000)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	if _, unresolved, err := engine.Boot(loader); err != nil {
		fmt.Fprintf(os.Stderr, "boot: %v\n", err)
		os.Exit(1)
	} else if len(unresolved) > 0 {
		fmt.Fprintf(os.Stderr, "warning: %d unresolved kernel imports\n", len(unresolved))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "scheduler: %v\n", err)
		os.Exit(1)
	}
}
