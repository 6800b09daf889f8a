// regalloc.go - fixed-role ARM64 register allocation for the JIT
//
// The Xenon JIT dedicates a handful of callee-saved ARM64 registers to
// fixed roles (context pointer, fastmem base, JIT bookkeeping, cycle
// budget) and leaves the rest as a simple scratch pool - no graph
// coloring, no spilling: a block that needs more live guest registers
// than the pool holds fails to compile as a whole, and RunSlice
// interprets the instruction at that PC instead, the same bounded-scope
// tradeoff CompileBlock already makes for any instruction form it
// cannot lower natively. RegisterAllocator keeps the fixed-role/scratch-pool shape,
// grounded on coprocessor_manager.go's pattern of handing out a
// small fixed set of named resources from a free list.

package main

import "fmt"

// Fixed ARM64 GPR roles, mirrored from jit.h's arm64:: register
// constants. X29/X30 are frame pointer/link register and are never
// handed to the allocator. RegCycleBud deliberately avoids X28: Go's
// own ABI reserves X28 as the goroutine pointer, and host code must
// never clobber it even transiently.
const (
	RegContext  = 19 // X19: *ThreadContext
	RegFastmem  = 20 // X20: host fastmem base address
	RegMemory   = 21 // X21: *GuestMemory (for MMIO slow path calls)
	RegCycleBud = 22 // X22: remaining cycle budget this slice
	RegJIT      = 27 // X27: *JitCompiler, for block-linking helper calls

	RegFP = 29 // X29: frame pointer
	RegLR = 30 // X30: link register
	RegSP = 31 // SP
)

// scratchPool is the set of caller-saved GPRs (X0-X17, excluding X18
// which is platform-reserved on some ABIs) available for per-guest-GPR
// mapping within a compiled block.
var scratchPool = [...]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17}

// errRegisterPoolExhausted is returned by Acquire once every scratch
// register is already bound to a different guest GPR within the
// current block.
var errRegisterPoolExhausted = fmt.Errorf("register allocator: scratch pool exhausted")

// RegisterAllocator hands out host scratch registers to guest GPRs for
// the lifetime of one compiled block. A guest register keeps the same
// host register for the whole block once bound - CompileBlock loads
// it from ThreadContext on first use and writes it back at block
// exit, so the allocator never needs to reload or spill mid-block.
type RegisterAllocator struct {
	freeList    []int
	guestToHost map[uint32]int
}

func NewRegisterAllocator() *RegisterAllocator {
	ra := &RegisterAllocator{
		guestToHost: make(map[uint32]int),
	}
	ra.freeList = append(ra.freeList, scratchPool[:]...)
	return ra
}

// Reset clears all allocations. CompileBlock builds a fresh allocator
// per block instead of calling it.
func (ra *RegisterAllocator) Reset() {
	ra.freeList = ra.freeList[:0]
	ra.freeList = append(ra.freeList, scratchPool[:]...)
	for k := range ra.guestToHost {
		delete(ra.guestToHost, k)
	}
}

// Acquire returns the host register already bound to guest GPR gr, or
// binds a fresh one from the scratch pool. firstUse reports whether
// this is the binding's first use in the block - the caller must emit
// a load from ThreadContext.GPR[gr] in that case, since the host
// register otherwise holds whatever the pool's last tenant left in it.
// Acquire fails once the pool is exhausted; CompileBlock then returns
// that error and no block is produced for its start PC.
func (ra *RegisterAllocator) Acquire(gr uint32) (host int, firstUse bool, err error) {
	if h, ok := ra.guestToHost[gr]; ok {
		return h, false, nil
	}
	if len(ra.freeList) == 0 {
		return 0, false, errRegisterPoolExhausted
	}
	h := ra.freeList[len(ra.freeList)-1]
	ra.freeList = ra.freeList[:len(ra.freeList)-1]
	ra.guestToHost[gr] = h
	return h, true, nil
}

// Bound reports every guest register currently bound to a host
// register. CompileBlock's writeback pass uses its own map of written
// registers, not this one.
func (ra *RegisterAllocator) Bound() map[uint32]int {
	return ra.guestToHost
}
