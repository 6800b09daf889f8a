// config.go - embedder-supplied configuration surface
//
// A flat struct the embedder constructs directly, no CLI flags, no
// environment variables, no file format - the same shape main.go
// builds before wiring up NewEngine's collaborators, just without any
// flag-parsing step this core never needs.

package main

import "io"

// TraceFlags gates the trace_* family of logging toggles. Each flag is
// read at most once per relevant operation by the owning subsystem.
type TraceFlags struct {
	Memory  bool
	Block   bool
	MMIO    bool
	Syscall bool
	Thread  bool
	Shader  bool
	Draw    bool
}

// Config holds every recognized embedder option.
type Config struct {
	// JITCacheSizeBytes is the capacity of the executable code arena.
	// When exhausted the cache is flushed in whole.
	JITCacheSizeBytes int

	// MaxBlocks upper-bounds compiled blocks before LRU eviction.
	MaxBlocks int

	// DisableFastmem forces every JIT memory access through the slow
	// helper, for debugging.
	DisableFastmem bool

	// ForceInterpreter never invokes the JIT.
	ForceInterpreter bool

	Trace TraceFlags

	// LogWriter receives trace output; defaults to os.Stderr if nil.
	LogWriter io.Writer
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		JITCacheSizeBytes: 128 * 1024 * 1024,
		MaxBlocks:         16384,
		DisableFastmem:    false,
		ForceInterpreter:  false,
	}
}
