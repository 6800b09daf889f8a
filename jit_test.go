package main

import "testing"

func newTestJIT(t *testing.T, mem *GuestMemory, maxInstructionsPerBlock int) (*BlockCache, *JitCompiler) {
	t.Helper()
	blockLog := newSubsystemLog(nil, "[block] ", false)
	cache, err := NewBlockCache(mem, 1<<20, 64, blockLog)
	if err != nil {
		t.Fatalf("NewBlockCache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	return cache, NewJitCompiler(mem, cache, maxInstructionsPerBlock, blockLog)
}

func TestCompileBlockStopsAtBranch(t *testing.T) {
	mem := newTestMemory(t)
	const startPC = 0x82000000
	program := []uint32{
		uint32(opADDI)<<26 | 3<<21 | 0<<16 | 1, // addi r3, r0, 1
		uint32(opADDI)<<26 | 3<<21 | 3<<16 | 1, // addi r3, r3, 1
		uint32(opB)<<26 | (2 << 2),             // b +8
		uint32(opADDI)<<26 | 4<<21 | 0<<16 | 9, // never reached by this block
	}
	for i, w := range program {
		mem.WriteU32(startPC+uint32(i*4), w)
	}

	_, jit := newTestJIT(t, mem, 16)
	block, err := jit.CompileBlock(startPC)
	if err != nil {
		t.Fatalf("CompileBlock: %v", err)
	}

	if block.GuestWordCount != 3 {
		t.Fatalf("GuestWordCount = %d, want 3 (block should end at the branch)", block.GuestWordCount)
	}
	if block.EndPC != startPC+3*4 {
		t.Fatalf("EndPC = %#x, want %#x", block.EndPC, startPC+3*4)
	}
	if len(block.PatchSites) != 1 {
		t.Fatalf("PatchSites = %d, want 1", len(block.PatchSites))
	}
	wantTarget := startPC + 2*4 + 8
	if got := block.PatchSites[0].TargetPC; got != wantTarget {
		t.Fatalf("PatchSites[0].TargetPC = %#x, want %#x", got, wantTarget)
	}
}

func TestCompileBlockStopsAtMaxInstructions(t *testing.T) {
	mem := newTestMemory(t)
	const startPC = 0x82000000
	for i := 0; i < 8; i++ {
		mem.WriteU32(startPC+uint32(i*4), uint32(opADDI)<<26|3<<21|3<<16|1)
	}

	_, jit := newTestJIT(t, mem, 4)
	block, err := jit.CompileBlock(startPC)
	if err != nil {
		t.Fatalf("CompileBlock: %v", err)
	}
	if block.GuestWordCount != 4 {
		t.Fatalf("GuestWordCount = %d, want 4 (bounded by maxInstructionsPerBlock)", block.GuestWordCount)
	}
	if len(block.PatchSites) != 0 {
		t.Fatalf("a block that only hits its instruction cap should have no patch sites, got %d", len(block.PatchSites))
	}
}

func TestCompileBlockHostCodeHasPrologueAndEpilogue(t *testing.T) {
	mem := newTestMemory(t)
	const startPC = 0x82000000
	mem.WriteU32(startPC, uint32(opADDI)<<26|3<<21|0<<16|1)

	_, jit := newTestJIT(t, mem, 4)
	block, err := jit.CompileBlock(startPC)
	if err != nil {
		t.Fatalf("CompileBlock: %v", err)
	}
	if len(block.HostCode) < 12 {
		t.Fatalf("HostCode too short for prologue+body+epilogue: %d bytes", len(block.HostCode))
	}

	wantRET := uint32(0xD65F0000) | uint32(RegLR)<<5
	lastWord := wordAt(&CodeBuffer{buf: block.HostCode, pos: len(block.HostCode)}, len(block.HostCode)-4)
	if lastWord != wantRET {
		t.Fatalf("last emitted host word = %#x, want RET encoding %#x", lastWord, wantRET)
	}
}

// TestCompileBlockEntryExecutesNativeCode runs a single-instruction
// block's real HostCode through the trampoline (not a Go replay) and
// checks the architectural effect and reported PC/cycles.
func TestCompileBlockEntryExecutesNativeCode(t *testing.T) {
	mem := newTestMemory(t)
	const startPC = 0x82000000
	mem.WriteU32(startPC, uint32(opADDI)<<26|3<<21|0<<16|7)

	_, jit := newTestJIT(t, mem, 4)
	block, err := jit.CompileBlock(startPC)
	if err != nil {
		t.Fatalf("CompileBlock: %v", err)
	}

	tc := NewThreadContext(0, startPC)
	nextPC, cycles := block.Entry(tc, mem, 1000)
	if tc.GPR[3] != 7 {
		t.Fatalf("GPR[3] = %d, want 7", tc.GPR[3])
	}
	if nextPC != block.EndPC {
		t.Fatalf("nextPC = %#x, want EndPC %#x", nextPC, block.EndPC)
	}
	if cycles == 0 {
		t.Fatalf("Entry should report nonzero cycles for a non-empty block")
	}
}

// TestCompileBlockEntryHonorsCycleBudget runs a block whose
// instruction count exceeds the caller's remaining budget: the budget
// check must re-enter at the block's own StartPC with zero cycles
// consumed and no architectural state changed, rather than run past
// the caller's allowance.
func TestCompileBlockEntryHonorsCycleBudget(t *testing.T) {
	mem := newTestMemory(t)
	const startPC = 0x82000000
	for i := 0; i < 4; i++ {
		mem.WriteU32(startPC+uint32(i*4), uint32(opADDI)<<26|3<<21|3<<16|1)
	}

	_, jit := newTestJIT(t, mem, 4)
	block, err := jit.CompileBlock(startPC)
	if err != nil {
		t.Fatalf("CompileBlock: %v", err)
	}

	tc := NewThreadContext(0, startPC)
	nextPC, cycles := block.Entry(tc, mem, 2) // budget smaller than the block's 4 instructions
	if cycles != 0 {
		t.Fatalf("cycles = %d, want 0 when the budget is exhausted before the block runs", cycles)
	}
	if nextPC != startPC {
		t.Fatalf("nextPC = %#x, want startPC %#x so the block is retried once budget allows", nextPC, startPC)
	}
	if tc.GPR[3] != 0 {
		t.Fatalf("GPR[3] = %d, want 0: a budget-exhausted block must not write back any register", tc.GPR[3])
	}
}

func TestCompileBlockRejectsUnsupportedFirstInstruction(t *testing.T) {
	mem := newTestMemory(t)
	const startPC = 0x82000000
	// stw r3, 0(r4): a load/store has no native lowering.
	mem.WriteU32(startPC, uint32(opSTW)<<26|3<<21|4<<16|0)

	_, jit := newTestJIT(t, mem, 4)
	if _, err := jit.CompileBlock(startPC); err == nil {
		t.Fatalf("CompileBlock should reject a block whose first instruction has no native lowering")
	}
}

func TestInstructionNativeKindClassifiesBranchAndUnsupported(t *testing.T) {
	b := Decode(uint32(opB)<<26 | (4 << 2))
	if kind := instructionNativeKind(b); kind != 2 {
		t.Fatalf("unconditional branch kind = %d, want 2", kind)
	}

	bl := Decode(uint32(opB)<<26 | (4 << 2) | 1) // LK bit set
	if kind := instructionNativeKind(bl); kind != 0 {
		t.Fatalf("linking branch kind = %d, want 0 (unsupported)", kind)
	}

	store := Decode(uint32(opSTW)<<26 | 3<<21 | 4<<16 | 0)
	if kind := instructionNativeKind(store); kind != 0 {
		t.Fatalf("store kind = %d, want 0 (unsupported)", kind)
	}

	addi := Decode(uint32(opADDI)<<26 | 3<<21 | 0<<16 | 7)
	if kind := instructionNativeKind(addi); kind != 1 {
		t.Fatalf("addi kind = %d, want 1", kind)
	}
}
