// jit.go - JitCompiler, turning a run of guest instructions into a
// CompiledBlock whose HostCode is real, directly executable ARM64.
//
// Grounded on cmd/ie32to64/converter.go, the one file in the whole
// pack that translates one ISA's instruction stream into another's -
// the same per-instruction decode/classify/emit loop that file uses
// to walk an IE32 program and produce IE64 words is generalized here
// to PowerPC -> ARM64, with CodeEmitter (codeemitter_arm64.go) and
// RegisterAllocator (regalloc.go) supplying the real machine-code
// side. jit_trampoline_arm64.s supplies the AAPCS64 bridge that
// actually transfers host control into a block's HostCode.
//
// Only a deliberately small instruction subset gets a direct host
// mapping: straight-line integer adds and subtracts (addi, addis, add,
// subf) and unconditional, non-link branches. Everything else - loads and
// stores (their MMIO/SMC/reservation side effects need the full Go
// runtime, which hand-written leaf assembly cannot call into safely),
// conditional and indirect branches, syscalls, traps, SPR moves,
// sync/cache ops, float and vector work - stops the block before the
// unsupported instruction; CompileBlock returns an error when that
// happens as the very first instruction, and RunSlice's existing
// interpreter fallback (thread.go) handles it one instruction at a
// time. If more guest registers are live at once than the scratch pool
// holds (see regalloc.go), CompileBlock fails for the whole block and
// RunSlice interprets the instruction at that PC instead; there is no
// spill path, by the same reasoning.
package main

import (
	"fmt"
	"unsafe"
)

// JitCompiler turns guest instruction streams into CompiledBlocks,
// registering them with a BlockCache.
type JitCompiler struct {
	mem    *GuestMemory
	cache  *BlockCache
	interp *Interpreter

	maxInstructionsPerBlock int
	log                     *subsystemLog
}

func NewJitCompiler(mem *GuestMemory, cache *BlockCache, maxInstructionsPerBlock int, logw *subsystemLog) *JitCompiler {
	return &JitCompiler{
		mem:                     mem,
		cache:                   cache,
		interp:                  NewInterpreter(mem),
		maxInstructionsPerBlock: maxInstructionsPerBlock,
		log:                     logw,
	}
}

// gprOffset is ThreadContext.GPR[gr]'s byte offset from the context
// pointer; GPR is the struct's first field, so this is simply gr*8.
func gprOffset(gr uint32) uint32 {
	return gr * 8
}

// instructionNativeKind classifies a decoded instruction for the
// JIT's two-pass compile: 0 means no direct host lowering exists and
// the block must stop before it, 1 means it lowers to straight-line
// host code, 2 means it lowers to a host branch that ends the block.
// scanBlock and CompileBlock's real emission pass both call this, so
// the two passes can never disagree about where a block ends.
func instructionNativeKind(d DecodedInst) int {
	switch {
	case d.Category == CatBranch && d.Opcode == opB && !d.LK:
		return 2
	case d.Category == CatInteger && (d.Opcode == opADDI || d.Opcode == opADDIS):
		if d.RA == 0 {
			if d.SIMM >= 0 {
				return 1
			}
			return 0
		}
		if d.Opcode == opADDI && d.SIMM >= 0 && d.SIMM < 1<<12 {
			return 1
		}
		return 0
	case d.Category == CatInteger && d.Opcode == opEXT31 && !d.Rc &&
		(d.ExtOpcode == xo31ADD || d.ExtOpcode == xo31SUBF):
		return 1
	default:
		return 0
	}
}

// scanBlock is CompileBlock's dry run: it walks the same instructions
// the real emission pass will, without touching the register
// allocator or emitting anything, so the prologue's cycle-budget
// check can know the block's final instruction count before any of
// the block's own instructions are lowered.
func (j *JitCompiler) scanBlock(startPC uint32) (endPC uint32, count int, branchTarget uint32, endsInBranch bool, err error) {
	pc := startPC
	for count < j.maxInstructionsPerBlock {
		d := Decode(j.mem.ReadU32(pc))
		switch instructionNativeKind(d) {
		case 0:
			if count == 0 {
				return 0, 0, 0, false, newEngineError(ErrUnknownInstruction, fmt.Errorf("pc=%#x: no native lowering, word=%#08x", pc, d.Raw))
			}
			return pc, count, 0, false, nil
		case 2:
			return pc + 4, count + 1, branchTargetPC(d, pc), true, nil
		default:
			pc += 4
			count++
		}
	}
	return pc, count, 0, false, nil
}

// CompileBlock decodes and lowers the run of instructions starting at
// startPC, ending at the first unsupported instruction, an
// unconditional branch, or after maxInstructionsPerBlock words,
// whichever comes first.
func (j *JitCompiler) CompileBlock(startPC uint32) (*CompiledBlock, error) {
	endPC, count, branchTarget, endsInBranch, err := j.scanBlock(startPC)
	if err != nil {
		return nil, err
	}

	ra := NewRegisterAllocator()

	// Generous per-instruction sizing plus fixed overhead for the
	// prologue, budget check, writeback, exit sequence and landing pad;
	// CodeBuffer itself rejects overflow if a pathological block still
	// exceeds this.
	const bytesPerInst = 32
	const fixedOverhead = 96
	reserveLen := count*bytesPerInst + fixedOverhead

	hostBuf, hostOffset, err := j.cache.Reserve(reserveLen)
	if err != nil {
		return nil, err
	}
	cb := NewCodeBuffer(hostBuf)
	e := NewCodeEmitter(cb)

	e.STPPre64(RegFP, RegLR, RegSP, -16)
	e.SUBImm(RegCycleBud, RegCycleBud, uint32(count))
	tbnzOffset, _ := e.TBNZ(RegCycleBud, 63, 0) // patched once the landing pad's offset is known

	dirty := make(map[uint32]int)
	pc := startPC
	var patchSites []PatchSite

	for i := 0; i < count; i++ {
		d := Decode(j.mem.ReadU32(pc))
		kind := instructionNativeKind(d)
		if kind == 2 {
			if err := j.writebackDirty(e, dirty); err != nil {
				return nil, err
			}
			e.MOVZ(0, uint16(branchTarget), 0)
			e.MOVK(0, uint16(branchTarget>>16), 16)
			e.MOVZ(1, uint16(count), 0)
			e.LDPPost64(RegFP, RegLR, RegSP, 16)
			off, _ := e.RET(RegLR)
			patchSites = append(patchSites, PatchSite{HostOffset: off, TargetPC: branchTarget, IsCall: d.LK})
			pc += 4
			break
		}
		if err := j.lowerInteger(e, ra, d, dirty); err != nil {
			return nil, err
		}
		pc += 4
	}

	if !endsInBranch {
		if err := j.writebackDirty(e, dirty); err != nil {
			return nil, err
		}
		e.MOVZ(0, uint16(pc), 0)
		e.MOVK(0, uint16(pc>>16), 16)
		e.MOVZ(1, uint16(count), 0)
		e.LDPPost64(RegFP, RegLR, RegSP, 16)
		e.RET(RegLR)
	}

	landingPadOffset := cb.Len()
	// Budget exhausted before any of this block's instructions ran:
	// no writeback, re-enter at startPC with zero cycles consumed.
	e.MOVZ(0, uint16(startPC), 0)
	e.MOVK(0, uint16(startPC>>16), 16)
	e.MOVZ(1, 0, 0)
	e.LDPPost64(RegFP, RegLR, RegSP, 16)
	e.RET(RegLR)

	imm14 := int32(landingPadOffset-tbnzOffset) / 4
	cb.PatchBranch(tbnzOffset, tbnzWord(RegCycleBud, 63, imm14))

	cb.buf = cb.buf[:cb.pos]

	block := &CompiledBlock{
		StartPC:        startPC,
		EndPC:          endPC,
		HostCode:       cb.Bytes(),
		HostOffset:     hostOffset,
		PatchSites:     patchSites,
		GuestWordCount: (endPC - startPC) / 4,
	}
	block.Entry = j.makeEntry(block)

	if err := j.cache.Insert(block); err != nil {
		return nil, err
	}
	// Resolve this block's own direct-branch patch sites against
	// targets already in the cache (typically a loop's backward
	// branch to its own already-compiled header); sites whose target
	// isn't cached yet stay pending for a future Link call against the
	// same block.
	j.cache.Link(block, func(target *CompiledBlock, site PatchSite) (uint32, bool) {
		return resolveBranchPatch(block, site, target)
	})
	return block, nil
}

// tbnzWord duplicates CodeEmitter.TBNZ's bit encoding without
// emitting, since the budget-check branch must be patched in place
// once the landing pad's final offset is known.
func tbnzWord(rt int, bit uint8, imm14 int32) uint32 {
	b5 := uint32(bit) >> 5
	b40 := uint32(bit) & 0x1F
	return 0x37000000 | b5<<31 | b40<<19 | (uint32(imm14)&0x3FFF)<<5 | uint32(rt)
}

// writebackDirty stores every guest register this block wrote back to
// ThreadContext, in no particular order - each lives in its own fixed
// host register for the block's whole body, so write order never
// matters.
func (j *JitCompiler) writebackDirty(e *CodeEmitter, dirty map[uint32]int) error {
	for gr, host := range dirty {
		if _, err := e.STRImm64(host, RegContext, gprOffset(gr)); err != nil {
			return err
		}
	}
	return nil
}

// acquireSource binds gr to a host register for reading, loading it
// from ThreadContext on first use within the block.
func acquireSource(e *CodeEmitter, ra *RegisterAllocator, gr uint32) (int, error) {
	h, firstUse, err := ra.Acquire(gr)
	if err != nil {
		return 0, err
	}
	if firstUse {
		if _, err := e.LDRImm64(h, RegContext, gprOffset(gr)); err != nil {
			return 0, err
		}
	}
	return h, nil
}

// acquireDest binds gr to a host register for writing; no load is
// needed since the instruction being lowered fully overwrites it.
func acquireDest(ra *RegisterAllocator, gr uint32) (int, error) {
	h, _, err := ra.Acquire(gr)
	if err != nil {
		return 0, err
	}
	return h, nil
}

// branchTargetPC computes a direct branch's guest target for
// patch-site bookkeeping.
func branchTargetPC(d DecodedInst, pc uint32) uint32 {
	if d.AA {
		return d.LI
	}
	return pc + d.LI
}

// lowerInteger emits a straight-line ARM64 sequence for the
// instructions instructionNativeKind admits as CatInteger kind 1:
// addi with a base register plus a non-negative 12-bit-or-less
// immediate, addi/addis with a zero base and a non-negative
// 16/16-shifted immediate, and register-register add/subf.
func (j *JitCompiler) lowerInteger(e *CodeEmitter, ra *RegisterAllocator, d DecodedInst, dirty map[uint32]int) error {
	switch {
	case d.Opcode == opADDI || d.Opcode == opADDIS:
		shift := uint8(0)
		if d.Opcode == opADDIS {
			shift = 16
		}
		if d.RA == 0 {
			ht, err := acquireDest(ra, d.RD)
			if err != nil {
				return err
			}
			dirty[d.RD] = ht
			_, err = e.MOVZ(ht, uint16(d.SIMM), shift)
			return err
		}
		// source before destination, so rD == rA still loads rA first
		ha, err := acquireSource(e, ra, d.RA)
		if err != nil {
			return err
		}
		ht, err := acquireDest(ra, d.RD)
		if err != nil {
			return err
		}
		dirty[d.RD] = ht
		imm := uint32(d.SIMM)
		if shift == 16 {
			imm <<= 16
		}
		_, err = e.ADDImm(ht, ha, imm)
		return err
	default: // opEXT31, xo31ADD or xo31SUBF
		ha, err := acquireSource(e, ra, d.RA)
		if err != nil {
			return err
		}
		hb, err := acquireSource(e, ra, d.RB)
		if err != nil {
			return err
		}
		ht, err := acquireDest(ra, d.RD)
		if err != nil {
			return err
		}
		dirty[d.RD] = ht
		if d.ExtOpcode == xo31SUBF {
			_, err := e.SUB(ht, hb, ha)
			return err
		}
		_, err = e.ADD(ht, ha, hb)
		return err
	}
}

// makeEntry returns a block Entry that transfers control into the
// block's own HostCode through the AAPCS64 trampoline, rather than
// replaying anything in Go. block is captured so a later BlockCache
// eviction/reuse doesn't leave Entry pointing at stale host code - the
// slice header is read fresh on every call.
func (j *JitCompiler) makeEntry(block *CompiledBlock) EntryFunc {
	return func(tc *ThreadContext, mem *GuestMemory, cycleBudget uint32) (uint32, uint32) {
		entry := uintptr(unsafe.Pointer(&block.HostCode[0]))
		fastmem := mem.HostFastmemBase()
		nextPC, cycles := callHostCode(
			entry,
			uintptr(unsafe.Pointer(tc)),
			uintptr(unsafe.Pointer(&fastmem[0])),
			uintptr(unsafe.Pointer(mem)),
			uintptr(unsafe.Pointer(j)),
			uint64(cycleBudget),
		)
		return uint32(nextPC), uint32(cycles)
	}
}

// resolveBranchPatch computes the replacement instruction word for an
// unconditional direct branch's patch site: a B straight into target's
// entry point within the shared arena, since both blocks' HostCode are
// slices of the same BlockCache arena and the exit RET already popped
// the frame before this point, making the rewrite a safe tail call.
// It declines (ok=false) when the target is out of B's +-128 MB reach,
// leaving the site for a later Link call to retry.
func resolveBranchPatch(b *CompiledBlock, site PatchSite, target *CompiledBlock) (word uint32, ok bool) {
	srcOffset := b.HostOffset + site.HostOffset
	rel := target.HostOffset - srcOffset
	if rel%4 != 0 {
		return 0, false
	}
	imm26 := rel / 4
	if imm26 < -(1<<25) || imm26 >= 1<<25 {
		return 0, false
	}
	return 0x14000000 | uint32(imm26)&0x3FFFFFF, true
}

func (j *JitCompiler) String() string {
	return fmt.Sprintf("JitCompiler{maxInst=%d, blocks=%d}", j.maxInstructionsPerBlock, j.cache.Count())
}
