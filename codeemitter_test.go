package main

import (
	"encoding/binary"
	"testing"
)

func newTestEmitter() (*CodeBuffer, *CodeEmitter) {
	buf := NewCodeBuffer(make([]byte, 64))
	return buf, NewCodeEmitter(buf)
}

func wordAt(buf *CodeBuffer, offset int) uint32 {
	return binary.LittleEndian.Uint32(buf.Bytes()[offset : offset+4])
}

func TestEmitterRegisterFormEncodings(t *testing.T) {
	buf, e := newTestEmitter()

	off, err := e.ADD(3, 4, 5)
	if err != nil {
		t.Fatalf("ADD: %v", err)
	}
	if want := uint32(0x8B000000 | 5<<16 | 4<<5 | 3); wordAt(buf, off) != want {
		t.Fatalf("ADD encoding = %#x, want %#x", wordAt(buf, off), want)
	}

	off, err = e.SUB(3, 4, 5)
	if err != nil {
		t.Fatalf("SUB: %v", err)
	}
	if want := uint32(0xCB000000 | 5<<16 | 4<<5 | 3); wordAt(buf, off) != want {
		t.Fatalf("SUB encoding = %#x, want %#x", wordAt(buf, off), want)
	}

	off, err = e.MUL(0, 1, 2)
	if err != nil {
		t.Fatalf("MUL: %v", err)
	}
	if want := uint32(0x9B007C00 | 2<<16 | 1<<5 | 0); wordAt(buf, off) != want {
		t.Fatalf("MUL encoding = %#x, want %#x", wordAt(buf, off), want)
	}
}

func TestEmitterImmediateFormEncodings(t *testing.T) {
	buf, e := newTestEmitter()

	off, err := e.ADDImm(3, 3, 42)
	if err != nil {
		t.Fatalf("ADDImm: %v", err)
	}
	if want := uint32(0x91000000 | 42<<10 | 3<<5 | 3); wordAt(buf, off) != want {
		t.Fatalf("ADDImm encoding = %#x, want %#x", wordAt(buf, off), want)
	}

	off, err = e.MOVZ(9, 0xBEEF, 16)
	if err != nil {
		t.Fatalf("MOVZ: %v", err)
	}
	if want := uint32(0xD2800000 | 1<<21 | uint32(0xBEEF)<<5 | 9); wordAt(buf, off) != want {
		t.Fatalf("MOVZ encoding = %#x, want %#x", wordAt(buf, off), want)
	}
}

func TestEmitterBranchEncodings(t *testing.T) {
	buf, e := newTestEmitter()

	off, err := e.B(4)
	if err != nil {
		t.Fatalf("B: %v", err)
	}
	if want := uint32(0x14000000 | 4); wordAt(buf, off) != want {
		t.Fatalf("B encoding = %#x, want %#x", wordAt(buf, off), want)
	}

	off, err = e.RET(RegLR)
	if err != nil {
		t.Fatalf("RET: %v", err)
	}
	if want := uint32(0xD65F0000 | uint32(RegLR)<<5); wordAt(buf, off) != want {
		t.Fatalf("RET encoding = %#x, want %#x", wordAt(buf, off), want)
	}

	off, err = e.CBZ(0, -2)
	if err != nil {
		t.Fatalf("CBZ: %v", err)
	}
	if want := uint32(0xB4000000 | (uint32(-2)&0x7FFFF)<<5); wordAt(buf, off) != want {
		t.Fatalf("CBZ encoding = %#x, want %#x", wordAt(buf, off), want)
	}
}

func TestEmitterNOPAndAppendOrder(t *testing.T) {
	buf, e := newTestEmitter()

	if _, err := e.NOP(); err != nil {
		t.Fatalf("NOP: %v", err)
	}
	if _, err := e.NOP(); err != nil {
		t.Fatalf("NOP: %v", err)
	}
	if buf.Len() != 8 {
		t.Fatalf("Len() = %d, want 8 after two NOPs", buf.Len())
	}
	if wordAt(buf, 0) != 0xD503201F || wordAt(buf, 4) != 0xD503201F {
		t.Fatalf("NOP words mismatch: %#x %#x", wordAt(buf, 0), wordAt(buf, 4))
	}
}

func TestCodeBufferOverflowRejectedWithoutWriting(t *testing.T) {
	buf := NewCodeBuffer(make([]byte, 4))
	e := NewCodeEmitter(buf)

	if _, err := e.NOP(); err != nil {
		t.Fatalf("first NOP should fit: %v", err)
	}
	if _, err := e.NOP(); err == nil {
		t.Fatalf("second NOP should overflow a 4-byte buffer")
	}
	if buf.Len() != 4 {
		t.Fatalf("Len() = %d, want 4 (failed emit must not advance pos)", buf.Len())
	}
}

func TestPatchBranchOverwritesExistingWord(t *testing.T) {
	buf, e := newTestEmitter()
	off, err := e.B(0)
	if err != nil {
		t.Fatalf("B: %v", err)
	}
	buf.PatchBranch(off, 0x14000000|10)
	if want := uint32(0x14000000 | 10); wordAt(buf, off) != want {
		t.Fatalf("patched word = %#x, want %#x", wordAt(buf, off), want)
	}
}
