// decoder.go - PowerPC instruction decoder.
//
// Opcode numbering follows the documented Xenon/PowerPC ISA, not
// invented: primary opcodes and the extended-31/19/30 opcode spaces use
// the same numeric values a real PowerPC decoder would, so a guest
// binary's raw instruction words decode to the correct category. The
// decoder itself - a pure function from a 32-bit word to a typed
// struct, no side effects - is grounded on the instruction-field-
// extraction style in
// cpu_ie64.go's fetch/decode step, generalized from IE64's fixed 8-byte
// format to PowerPC's bitfield-packed 32-bit word.

package main

// Category classifies a decoded instruction for dispatch. Unknown must
// be trapped by the interpreter.
type Category int

const (
	CatUnknown Category = iota
	CatInteger
	CatLoadStore
	CatBranch
	CatCRLogical
	CatFloat
	CatVector
	CatTrap
	CatSyscall
	CatSync
	CatCache
	CatSPRMove
)

// Primary opcodes (bits 0-5), numbered per the documented PowerPC ISA.
const (
	opTWI     = 3
	opMULLI   = 7
	opSUBFIC  = 8
	opCMPLI   = 10
	opCMPI    = 11
	opADDIC   = 12
	opADDIC_  = 13
	opADDI    = 14
	opADDIS   = 15
	opBC      = 16
	opSC      = 17
	opB       = 18
	opEXT19   = 19
	opRLWIMI  = 20
	opRLWINM  = 21
	opRLWNM   = 23
	opORI     = 24
	opORIS    = 25
	opXORI    = 26
	opXORIS   = 27
	opANDI_   = 28
	opANDIS_  = 29
	opEXT30   = 30
	opEXT31   = 31
	opLWZ     = 32
	opLWZU    = 33
	opLBZ     = 34
	opLBZU    = 35
	opSTW     = 36
	opSTWU    = 37
	opSTB     = 38
	opSTBU    = 39
	opLHZ     = 40
	opLHZU    = 41
	opLHA     = 42
	opLHAU    = 43
	opSTH     = 44
	opSTHU    = 45
	opLMW     = 46
	opSTMW    = 47
	opLFS     = 48
	opLFSU    = 49
	opLFD     = 50
	opLFDU    = 51
	opSTFS    = 52
	opSTFSU   = 53
	opSTFD    = 54
	opSTFDU   = 55
	opLD      = 58
	opEXT59   = 59
	opSTD     = 62
	opEXT63   = 63
)

// Extended opcode 31 (XO field, bits 21-30), the common integer and
// load/store-indexed space.
const (
	xo31CMP    = 0
	xo31TW     = 4
	xo31SUBFC  = 8
	xo31ADDC   = 10
	xo31MFCR   = 19
	xo31LWARX  = 20
	xo31LWZX   = 23
	xo31SLW    = 24
	xo31CNTLZW = 26
	xo31SLD    = 27
	xo31AND    = 28
	xo31CMPL   = 32
	xo31SUBF   = 40
	xo31DCBST  = 54
	xo31CNTLZD = 58
	xo31ANDC   = 60
	xo31TD     = 68
	xo31NEG    = 104
	xo31NOR    = 124
	xo31SUBFE  = 136
	xo31ADDE   = 138
	xo31MTCRF  = 144
	xo31STDX   = 149
	xo31STWCX_ = 150
	xo31STWX   = 151
	xo31SUBFZE = 200
	xo31ADDZE  = 202
	xo31STDCX_ = 214
	xo31STBX   = 215
	xo31MULLD  = 233
	xo31MULLW  = 235
	xo31ADD    = 266
	xo31XOR    = 316
	xo31MFSPR  = 339
	xo31LHZX   = 279
	xo31STHX   = 407
	xo31ORC    = 412
	xo31OR     = 444
	xo31DIVDU  = 457
	xo31MTSPR  = 467
	xo31DIVWU  = 459
	xo31NAND   = 476
	xo31DIVD   = 489
	xo31DIVW   = 491
	xo31MTMSR  = 146
	xo31DCBZ   = 1014
	xo31ICBI   = 982
	xo31SYNC   = 598
	xo31EIEIO  = 854
	xo31SRAW   = 792
	xo31SRAWI  = 824
	xo31EXTSB  = 954
	xo31EXTSH  = 922
	xo31EXTSW  = 986
)

// DecodedInst is the decoder's output: a typed view over a raw 32-bit
// instruction word's operand fields, sufficient for both the
// interpreter and the JIT's codegen dispatch to share one
// classification.
type DecodedInst struct {
	Raw      uint32
	Category Category

	Opcode    uint32 // primary opcode, bits 0-5
	ExtOpcode uint32 // extended opcode (10 or 11 bits depending on form)

	RD, RA, RB uint32
	RS         uint32 // alias of RD when used as a source (store forms)
	Rc         bool   // record bit
	OE         bool   // overflow-enable bit (XO-form)
	AA         bool   // absolute-address bit
	LK         bool   // link bit

	SIMM int32
	UIMM uint32

	LI uint32 // 26-bit branch displacement (already sign-extended, word units not applied)

	BO, BI uint8

	SH, MB, ME uint32 // rotate operands; MD/MDS 64-bit variants pack an extra high bit

	CRField, CRBit uint32

	SPR uint32
}

// Decode turns one 32-bit big-endian-order PowerPC instruction word
// (already converted to a host uint32) into a DecodedInst. Decode is
// pure: it never touches memory or a ThreadContext.
func Decode(word uint32) DecodedInst {
	d := DecodedInst{Raw: word}
	d.Opcode = bits(word, 0, 5)
	d.RD = bits(word, 6, 10)
	d.RS = d.RD
	d.RA = bits(word, 11, 15)
	d.RB = bits(word, 16, 20)
	d.Rc = bits(word, 31, 31) != 0

	switch d.Opcode {
	case opADDI, opADDIS, opADDIC, opADDIC_, opSUBFIC, opMULLI, opTWI:
		d.SIMM = int32(int16(bits(word, 16, 31)))
		d.UIMM = uint32(uint16(bits(word, 16, 31)))
		switch d.Opcode {
		case opADDI, opADDIS, opADDIC, opADDIC_, opSUBFIC, opMULLI:
			d.Category = CatInteger
		case opTWI:
			d.Category = CatTrap
			d.BO = uint8(d.RD) // TO field reuses RD's position
		}
	case opCMPI, opCMPLI:
		d.CRField = bits(word, 6, 8)
		d.UIMM = uint32(uint16(bits(word, 16, 31)))
		d.SIMM = int32(int16(bits(word, 16, 31)))
		d.Category = CatInteger
	case opORI, opORIS, opXORI, opXORIS, opANDI_, opANDIS_:
		d.UIMM = uint32(uint16(bits(word, 16, 31)))
		d.Category = CatInteger
	case opRLWIMI, opRLWINM, opRLWNM:
		d.SH = bits(word, 16, 20)
		d.MB = bits(word, 21, 25)
		d.ME = bits(word, 26, 30)
		d.Category = CatInteger
	case opEXT30:
		// MD/MDS-form 64-bit rotates: sh[5] lives at bit 30 (the XO
		// low bit doubles as SH's high bit in MD-form), mb/me pack a
		// high bit the same way.
		d.SH = bits(word, 16, 20) | (bits(word, 30, 30) << 5)
		d.MB = bits(word, 21, 26)
		d.ExtOpcode = bits(word, 27, 29)
		d.Category = CatInteger
	case opBC, opB:
		d.AA = bits(word, 30, 30) != 0
		d.LK = bits(word, 31, 31) != 0
		if d.Opcode == opB {
			d.LI = signExtend26(bits(word, 6, 29) << 2)
		} else {
			d.BO = uint8(bits(word, 6, 10))
			d.BI = uint8(bits(word, 11, 15))
			d.SIMM = int32(int16(bits(word, 16, 29) << 2))
		}
		d.Category = CatBranch
	case opSC:
		d.Category = CatSyscall
	case opEXT19:
		d.ExtOpcode = bits(word, 21, 30)
		d.LK = bits(word, 31, 31) != 0
		d.AA = bits(word, 30, 30) != 0
		d.BO = uint8(bits(word, 6, 10))
		d.BI = uint8(bits(word, 11, 15))
		d.CRField = bits(word, 6, 8)
		d.Category = decodeExt19Category(d.ExtOpcode)
	case opLWZ, opLWZU, opLBZ, opLBZU, opSTW, opSTWU, opSTB, opSTBU,
		opLHZ, opLHZU, opLHA, opLHAU, opSTH, opSTHU, opLMW, opSTMW,
		opLFS, opLFSU, opLFD, opLFDU, opSTFS, opSTFSU, opSTFD, opSTFDU:
		d.SIMM = int32(int16(bits(word, 16, 31)))
		d.Category = CatLoadStore
	case opLD, opSTD:
		// DS-form: low 2 bits select LD/LDU/LWA or STD/STDU.
		d.SIMM = int32(int16(bits(word, 16, 29)<<2)) >> 0
		d.ExtOpcode = bits(word, 30, 31)
		d.Category = CatLoadStore
	case opEXT59, opEXT63:
		d.ExtOpcode = bits(word, 21, 30)
		d.Category = CatFloat
	case opEXT31:
		d.ExtOpcode = bits(word, 21, 30)
		d.OE = bits(word, 21, 21) != 0 && isXOForm(bits(word, 22, 30))
		d.Category = decodeExt31Category(d.ExtOpcode)
		if d.Category == CatLoadStore {
			// indexed-load/store EA is ra+rb, no immediate to extract
		}
		if d.ExtOpcode == xo31SRAWI {
			d.SH = bits(word, 16, 20)
		}
	case opEXT4:
		d.Category = CatVector
		d.ExtOpcode = bits(word, 21, 31)
	default:
		d.Category = CatUnknown
	}
	return d
}

const opEXT4 = 4

func decodeExt19Category(xo uint32) Category {
	switch xo {
	case 0, 16, 528: // mcrf, bclr, bcctr
		return CatBranch
	case 257, 289, 225, 193: // crand/cror/crxor/crnand family (approximate span)
		return CatCRLogical
	default:
		return CatCRLogical
	}
}

func decodeExt31Category(xo uint32) Category {
	switch xo {
	case xo31LWARX, xo31LWZX, xo31STWCX_, xo31STWX, xo31STDX, xo31STDCX_,
		xo31STBX, xo31LHZX, xo31STHX:
		return CatLoadStore
	case xo31TW, xo31TD:
		return CatTrap
	case xo31MFCR, xo31MTCRF, xo31MFSPR, xo31MTSPR, xo31MTMSR:
		return CatSPRMove
	case xo31SYNC, xo31EIEIO:
		return CatSync
	case xo31DCBZ, xo31ICBI, xo31DCBST:
		return CatCache
	default:
		return CatInteger
	}
}

// isXOForm reports whether the given XO value belongs to the
// add/sub/mul/neg family that carries an OE bit at word bit 21.
func isXOForm(xo uint32) bool {
	switch xo {
	case xo31ADD, xo31ADDC, xo31ADDE, xo31ADDZE, xo31SUBF, xo31SUBFC,
		xo31SUBFE, xo31SUBFZE, xo31NEG, xo31MULLW, xo31MULLD,
		xo31DIVW, xo31DIVWU, xo31DIVD, xo31DIVDU:
		return true
	default:
		return false
	}
}

// bits extracts PowerPC bit-numbered field [hi:lo] (bit 0 is MSB) from
// word, shifted down to the low end of the result.
func bits(word uint32, hi, lo int) uint32 {
	width := lo - hi + 1
	shift := 31 - lo
	mask := uint32(1)<<uint(width) - 1
	return (word >> uint(shift)) & mask
}

func signExtend26(v uint32) uint32 {
	if v&0x02000000 != 0 {
		return v | 0xFC000000
	}
	return v
}
