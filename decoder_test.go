package main

import "testing"

func TestDecodeIntegerAddImmediate(t *testing.T) {
	// addi r3, r0, 42
	d := Decode(0x3860002A)
	if d.Category != CatInteger {
		t.Fatalf("category = %v, want CatInteger", d.Category)
	}
	if d.RD != 3 {
		t.Fatalf("RD = %d, want 3", d.RD)
	}
	if d.RA != 0 {
		t.Fatalf("RA = %d, want 0", d.RA)
	}
	if d.SIMM != 42 {
		t.Fatalf("SIMM = %d, want 42", d.SIMM)
	}
}

func TestDecodeBranchUnconditional(t *testing.T) {
	// b +8 (LI=2 words, AA=0, LK=0): opcode 18, LI field = 2<<2 = 8
	word := uint32(opB)<<26 | (2 << 2)
	d := Decode(word)
	if d.Category != CatBranch {
		t.Fatalf("category = %v, want CatBranch", d.Category)
	}
	if int32(d.LI) != 8 {
		t.Fatalf("LI = %d, want 8", int32(d.LI))
	}
}

func TestDecodeExt31Add(t *testing.T) {
	// add r3, r4, r5: opcode 31, rd=3 ra=4 rb=5 xo=266
	word := uint32(opEXT31)<<26 | 3<<21 | 4<<16 | 5<<11 | xo31ADD<<1
	d := Decode(word)
	if d.Category != CatInteger {
		t.Fatalf("category = %v, want CatInteger", d.Category)
	}
	if d.ExtOpcode != xo31ADD {
		t.Fatalf("ExtOpcode = %d, want %d", d.ExtOpcode, xo31ADD)
	}
}

func TestDecodeLoadStoreWord(t *testing.T) {
	// stw r3, 0(r4): opcode 36
	word := uint32(opSTW)<<26 | 3<<21 | 4<<16 | 0
	d := Decode(word)
	if d.Category != CatLoadStore {
		t.Fatalf("category = %v, want CatLoadStore", d.Category)
	}
	if d.SIMM != 0 {
		t.Fatalf("SIMM = %d, want 0", d.SIMM)
	}
}

func TestDecodeSyscall(t *testing.T) {
	word := uint32(opSC) << 26
	d := Decode(word)
	if d.Category != CatSyscall {
		t.Fatalf("category = %v, want CatSyscall", d.Category)
	}
}

func TestDecodeUnknownOpcode(t *testing.T) {
	// opcode 1 and 2 are unassigned in this decoder's primary table
	d := Decode(uint32(1) << 26)
	if d.Category != CatUnknown {
		t.Fatalf("category = %v, want CatUnknown", d.Category)
	}
}
