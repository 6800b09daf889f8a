// context.go - ThreadContext, the architectural register file of one
// guest hardware thread.
//
// Grounded on cpu_ie64.go's register-file struct shape and its use of
// atomic types for fields touched across goroutine boundaries (running,
// interrupted), generalized from IE64's 32x64-bit GPR file to PowerPC's
// GPR+FPR+VR+CR/XER/FPSCR/VSCR architecture.

package main

import "sync/atomic"

// CRField is one of the eight 4-bit condition-register fields.
type CRField struct {
	LT, GT, EQ, SO bool
}

func (f CRField) Pack() uint8 {
	var v uint8
	if f.LT {
		v |= 0x8
	}
	if f.GT {
		v |= 0x4
	}
	if f.EQ {
		v |= 0x2
	}
	if f.SO {
		v |= 0x1
	}
	return v
}

func (f *CRField) Unpack(v uint8) {
	f.LT = v&0x8 != 0
	f.GT = v&0x4 != 0
	f.EQ = v&0x2 != 0
	f.SO = v&0x1 != 0
}

// XER is the fixed-point exception register.
type XER struct {
	SO        bool // summary overflow (sticky)
	OV        bool // overflow
	CA        bool // carry
	ByteCount uint8
}

func (x XER) Pack() uint32 {
	v := uint32(x.ByteCount) & 0x7F
	if x.SO {
		v |= 1 << 31
	}
	if x.OV {
		v |= 1 << 30
	}
	if x.CA {
		v |= 1 << 29
	}
	return v
}

func (x *XER) Unpack(v uint32) {
	x.SO = v&(1<<31) != 0
	x.OV = v&(1<<30) != 0
	x.CA = v&(1<<29) != 0
	x.ByteCount = uint8(v & 0x7F)
}

// Reservation is the architectural load-reserve bookkeeping mirrored
// locally on the context (GuestMemory owns the authoritative copy).
// The interpreter records it on lwarx; stwcx./stdcx. check
// GuestMemory's copy, not this one.
type Reservation struct {
	Addr  uint32
	Size  uint32
	Valid bool
}

// VReg is one 128-bit VMX128 vector register, stored as four 32-bit
// lanes in big-endian-significance order (lane 0 is the most
// significant 32 bits, matching AltiVec element ordering).
type VReg [4]uint32

// ThreadContext is the full architectural state of one guest hardware
// thread: everything the interpreter and JIT must agree on bit-for-bit
type ThreadContext struct {
	GPR [32]uint64
	FPR [32]float64
	VR  [128]VReg

	LR  uint64
	CTR uint64
	XER XER
	CR  [8]CRField

	FPSCR uint32
	VSCR  uint32

	PC  uint32
	MSR uint32

	ThreadID int

	Running     atomic.Bool
	Interrupted atomic.Bool

	Reservation Reservation

	// timeBaseBias is not read or written by any code path; it stays
	// zero.
	timeBaseBias uint64
}

// NewThreadContext returns a zeroed context with PC set to the given
// entry point and Running set; MSR stays zero.
func NewThreadContext(threadID int, pc uint32) *ThreadContext {
	tc := &ThreadContext{PC: pc, ThreadID: threadID}
	tc.Running.Store(true)
	return tc
}

// CRBit reads one of the 32 condition-register bits, numbered as
// PowerPC does: field*4 + {lt,gt,eq,so}.
func (tc *ThreadContext) CRBit(bi uint8) bool {
	field := tc.CR[bi/4]
	switch bi % 4 {
	case 0:
		return field.LT
	case 1:
		return field.GT
	case 2:
		return field.EQ
	default:
		return field.SO
	}
}

func (tc *ThreadContext) SetCRBit(bi uint8, v bool) {
	field := &tc.CR[bi/4]
	switch bi % 4 {
	case 0:
		field.LT = v
	case 1:
		field.GT = v
	case 2:
		field.EQ = v
	default:
		field.SO = v
	}
}

// SetCR0 updates CR field 0 from a signed comparison of result with
// zero, copying the current XER.SO.
func (tc *ThreadContext) SetCR0(result int64) {
	tc.CR[0] = CRField{
		LT: result < 0,
		GT: result > 0,
		EQ: result == 0,
		SO: tc.XER.SO,
	}
}
