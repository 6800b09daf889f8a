package main

import "testing"

func TestBlockCacheInsertLookupInvalidate(t *testing.T) {
	mem := newTestMemory(t)
	mem.WriteU32(0x82000000, uint32(opADDI)<<26|3<<21|0<<16|1)

	blockLog := newSubsystemLog(nil, "[block] ", false)
	cache, err := NewBlockCache(mem, 1<<20, 64, blockLog)
	if err != nil {
		t.Fatalf("NewBlockCache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	jit := NewJitCompiler(mem, cache, 8, blockLog)
	if _, err := jit.CompileBlock(0x82000000); err != nil {
		t.Fatalf("CompileBlock: %v", err)
	}
	if cache.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", cache.Count())
	}

	mem.WriteU32(0x82000000, uint32(opADDI)<<26|4<<21|0<<16|2)
	if _, ok := cache.Lookup(0x82000000); ok {
		t.Fatalf("block should be invalidated after an overlapping write")
	}
	if cache.Count() != 0 {
		t.Fatalf("Count() = %d, want 0 after invalidation", cache.Count())
	}
}

// TestBlockCacheMaxBlocksEvictsLRU: once the cache is at capacity, an
// Insert evicts the least-recently-used block rather than rejecting
// the new one, and a subsequent Lookup of the evicted block finds
// nothing.
func TestBlockCacheMaxBlocksEvictsLRU(t *testing.T) {
	mem := newTestMemory(t)
	blockLog := newSubsystemLog(nil, "[block] ", false)
	cache, err := NewBlockCache(mem, 1<<20, 2, blockLog)
	if err != nil {
		t.Fatalf("NewBlockCache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	jit := NewJitCompiler(mem, cache, 4, blockLog)

	pcs := []uint32{0x82000000, 0x82001000, 0x82002000}
	for i, pc := range pcs {
		mem.WriteU32(pc, uint32(opADDI)<<26|3<<21|0<<16|1)
		if _, err := jit.CompileBlock(pc); err != nil {
			t.Fatalf("CompileBlock[%d]: %v", i, err)
		}
	}

	if cache.Count() != 2 {
		t.Fatalf("Count() = %d, want 2 (bounded by maxBlocks)", cache.Count())
	}
	if _, ok := cache.Lookup(pcs[0]); ok {
		t.Fatalf("oldest block should have been evicted to admit the third")
	}
	if _, ok := cache.Lookup(pcs[1]); !ok {
		t.Fatalf("second block should still be cached")
	}
	if _, ok := cache.Lookup(pcs[2]); !ok {
		t.Fatalf("third (most recently inserted) block should still be cached")
	}
}

// TestBlockCacheLookupPromotesOverEviction: touching a block via
// Lookup moves it to the front of the LRU chain, so a later eviction
// takes the block that was actually least recently used rather than
// simply the oldest insert.
func TestBlockCacheLookupPromotesOverEviction(t *testing.T) {
	mem := newTestMemory(t)
	blockLog := newSubsystemLog(nil, "[block] ", false)
	cache, err := NewBlockCache(mem, 1<<20, 2, blockLog)
	if err != nil {
		t.Fatalf("NewBlockCache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	jit := NewJitCompiler(mem, cache, 4, blockLog)

	const pcA, pcB, pcC = 0x82000000, 0x82001000, 0x82002000
	for _, pc := range []uint32{pcA, pcB} {
		mem.WriteU32(pc, uint32(opADDI)<<26|3<<21|0<<16|1)
		if _, err := jit.CompileBlock(pc); err != nil {
			t.Fatalf("CompileBlock(%#x): %v", pc, err)
		}
	}

	// Touch pcA so pcB becomes the least recently used entry.
	if _, ok := cache.Lookup(pcA); !ok {
		t.Fatalf("expected pcA present before the third insert")
	}

	mem.WriteU32(pcC, uint32(opADDI)<<26|3<<21|0<<16|1)
	if _, err := jit.CompileBlock(pcC); err != nil {
		t.Fatalf("CompileBlock(pcC): %v", err)
	}

	if _, ok := cache.Lookup(pcB); ok {
		t.Fatalf("pcB should have been evicted, not pcA")
	}
	if _, ok := cache.Lookup(pcA); !ok {
		t.Fatalf("pcA should still be cached after being promoted by Lookup")
	}
}

func TestBlockCacheResetClearsEverything(t *testing.T) {
	mem := newTestMemory(t)
	blockLog := newSubsystemLog(nil, "[block] ", false)
	cache, err := NewBlockCache(mem, 1<<20, 64, blockLog)
	if err != nil {
		t.Fatalf("NewBlockCache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	jit := NewJitCompiler(mem, cache, 4, blockLog)
	mem.WriteU32(0x82000000, uint32(opADDI)<<26|3<<21|0<<16|1)
	if _, err := jit.CompileBlock(0x82000000); err != nil {
		t.Fatalf("CompileBlock: %v", err)
	}

	cache.Reset()
	if cache.Count() != 0 {
		t.Fatalf("Count() = %d, want 0 after Reset", cache.Count())
	}
	if _, ok := cache.Lookup(0x82000000); ok {
		t.Fatalf("Lookup should find nothing after Reset")
	}
}

// TestBlockCacheLinkPatchesBackwardBranch: a block whose own
// unconditional branch targets an already-compiled block's start must
// have that patch site resolved (and removed from PatchSites) as soon
// as it is compiled, mirroring a loop's backward edge to its header.
func TestBlockCacheLinkPatchesBackwardBranch(t *testing.T) {
	mem := newTestMemory(t)
	blockLog := newSubsystemLog(nil, "[block] ", false)
	cache, err := NewBlockCache(mem, 1<<20, 64, blockLog)
	if err != nil {
		t.Fatalf("NewBlockCache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	jit := NewJitCompiler(mem, cache, 4, blockLog)

	const headerPC = 0x82000000
	mem.WriteU32(headerPC, uint32(opADDI)<<26|3<<21|3<<16|1)
	header, err := jit.CompileBlock(headerPC)
	if err != nil {
		t.Fatalf("CompileBlock(header): %v", err)
	}

	const branchPC = headerPC + 4
	relWords := int32(headerPC-branchPC) / 4
	liField := (uint32(relWords) & 0xFFFFFF) << 2
	mem.WriteU32(branchPC, uint32(opB)<<26|liField)
	brancher, err := jit.CompileBlock(branchPC)
	if err != nil {
		t.Fatalf("CompileBlock(brancher): %v", err)
	}

	if len(brancher.PatchSites) != 0 {
		t.Fatalf("PatchSites = %d, want 0: Link should have resolved the backward branch to %#x",
			len(brancher.PatchSites), header.StartPC)
	}
}
