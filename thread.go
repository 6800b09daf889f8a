// thread.go - GuestThread, one of the six Xenon hardware threads
//
// Grounded on cpu_ie64.go's goroutine-per-core run loop (fetch via the
// decoder, dispatch, check Interrupted atomically between
// instructions) and machine_bus.go's registration of each core with a
// shared bus - generalized here to a guest thread that alternates
// between interpreted and JIT-compiled execution and parks on
// SyncObjects instead of busy-polling a bus line.

package main

import (
	"context"
	"sync/atomic"
)

// ThreadPriority mirrors the guest kernel's coarse priority bands;
// the scheduler uses these to order its ready queues.
type ThreadPriority int

const (
	PriorityIdle ThreadPriority = iota
	PriorityLowest
	PriorityBelowNormal
	PriorityNormal
	PriorityAboveNormal
	PriorityHighest
	PriorityTimeCritical
)

// GuestThread binds a ThreadContext to the host goroutine that runs
// it, plus the scheduling metadata the Scheduler consults.
type GuestThread struct {
	Ctx *ThreadContext

	Priority ThreadPriority
	Affinity uint8 // bitmask over the six hardware threads

	Suspended   atomic.Bool
	ExitPending atomic.Bool

	// Waiting is read by QueueKernelAPC (apc.go) to wake a thread parked
	// in a SyncObject wait; no code path in this package stores to it,
	// so it stays nil.
	Waiting atomic.Pointer[SyncObject]

	apcQueue chan apcEntry

	jit    *JitCompiler
	interp *Interpreter
	cache  *BlockCache

	forceInterpreter bool

	// hle resolves kernel imports reached through CatSyscall; with nil,
	// a syscall calls nothing, its interrupted flag is cleared and
	// execution continues after it.
	hle *LoaderHost
}

// moduleIDKernel and moduleIDXam are the two guest kernel export
// modules this dispatch convention recognizes, selected by GPR[11] at
// the point of a syscall; the ordinal itself comes from GPR[0],
// mirroring the two-module import surface every retail Xbox 360 title
// links against.
const (
	moduleIDKernel = 0
	moduleIDXam    = 1
)

var hleModuleNames = map[uint64]string{
	moduleIDKernel: "xboxkrnl.exe",
	moduleIDXam:    "xam.xex",
}

// dispatchKernelCall runs the HLE function bound to the current
// syscall's (module, ordinal) pair, if one is registered, and clears
// the interrupted flag so execution resumes at the instruction after
// the syscall.
func (t *GuestThread) dispatchKernelCall(tc *ThreadContext, mem *GuestMemory) {
	defer tc.Interrupted.Store(false)
	if t.hle == nil {
		return
	}
	module, ok := hleModuleNames[tc.GPR[11]]
	if !ok {
		return
	}
	fn, ok := t.hle.ResolveHLE(module, uint16(tc.GPR[0]))
	if !ok {
		return
	}
	tc.GPR[3] = fn(tc, mem)
}

type apcEntry struct {
	fn   func(tc *ThreadContext)
	kind string
}

// NewGuestThread constructs a thread ready to run at pc, with jit/cache
// nil meaning "interpreter only".
func NewGuestThread(threadID int, pc uint32, mem *GuestMemory, cache *BlockCache, jit *JitCompiler, forceInterpreter bool) *GuestThread {
	t := &GuestThread{
		Ctx:              NewThreadContext(threadID, pc),
		Priority:         PriorityNormal,
		Affinity:         1 << uint(threadID),
		apcQueue:         make(chan apcEntry, 32),
		jit:              jit,
		cache:            cache,
		interp:           NewInterpreter(mem),
		forceInterpreter: forceInterpreter,
	}
	return t
}

// QueueAPC enqueues an APC of the given kind ("kernel" or "user") for
// delivery the next time this thread reaches an APC-delivery point.
func (t *GuestThread) QueueAPC(kind string, fn func(tc *ThreadContext)) {
	select {
	case t.apcQueue <- apcEntry{fn: fn, kind: kind}:
	default:
		// queue full: guest kernel APC queues are not meant to grow
		// unbounded; a saturated queue indicates a runaway producer,
		// so the oldest entry is dropped rather than blocking dispatch.
		<-t.apcQueue
		t.apcQueue <- apcEntry{fn: fn, kind: kind}
	}
}

func (t *GuestThread) drainAPCs() {
	for {
		select {
		case a := <-t.apcQueue:
			a.fn(t.Ctx)
		default:
			return
		}
	}
}

// RunSlice executes guest instructions until maxCycles is consumed,
// the thread hits a wait/exit, or ctx is canceled - the unit of work
// the Scheduler hands a host worker per dispatch.
func (t *GuestThread) RunSlice(ctx context.Context, mem *GuestMemory, maxCycles uint32) (consumed uint32, waiting bool, exited bool) {
	t.drainAPCs()
	for consumed < maxCycles {
		if ctx.Err() != nil {
			return consumed, false, false
		}
		if t.ExitPending.Load() {
			return consumed, false, true
		}
		if t.Suspended.Load() {
			return consumed, true, false
		}

		if !t.forceInterpreter && t.cache != nil && t.jit != nil {
			if block, ok := t.cache.Lookup(t.Ctx.PC); ok {
				nextPC, used := block.Entry(t.Ctx, mem, maxCycles-consumed)
				t.Ctx.PC = nextPC
				consumed += used
				if used == 0 {
					// the block's budget check declined to run it
					return consumed, false, false
				}
				continue
			}
			if _, err := t.jit.CompileBlock(t.Ctx.PC); err == nil {
				continue
			}
			// compilation failed (no native lowering for the next
			// instruction, or the cache/code arena is full): fall
			// through to the interpreter for this instruction only.
		}

		c, err := t.interp.Step(t.Ctx)
		consumed += c
		if err != nil {
			return consumed, false, false
		}
		if t.Ctx.Interrupted.Load() {
			t.dispatchKernelCall(t.Ctx, mem)
		}
	}
	return consumed, false, false
}
