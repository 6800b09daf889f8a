// commandstream.go - CommandStream, the PM4 ring-buffer consumer
//
// Grounded on machine_bus.go's single-consumer drain loop (pull work
// off a shared buffer, dispatch by opcode, call back into a
// collaborator) - here the shared buffer is the GPU ring in guest
// memory and the collaborator is the GPUBackend the embedder supplies.

package main

import (
	"fmt"
	"math"
)

// GPUBackend is the external collaborator CommandStream drives
type GPUBackend interface {
	BeginFrame()
	BindFramebuffer(cacheKey uint64, attachments []FramebufferAttachment)
	BindPipeline(cacheKey uint64, vertexShader, pixelShader uint64, state PipelineState)
	SetVertexConstants(base uint32, values [][4]float32)
	SetPixelConstants(base uint32, values [][4]float32)
	SetTextures(slot uint32, guestAddr uint32)
	DrawIndexed(prim PrimitiveType, count uint32, indexBuffer uint32, indexType IndexType)
	Resolve(attachment int, destGuestAddr uint32, pitch uint32)
	EndFrame()
}

// Presenter receives frame-completion notifications.
type Presenter interface {
	OnFrameComplete()
}

type PrimitiveType int

const (
	PrimTriangleList PrimitiveType = iota
	PrimTriangleStrip
	PrimTriangleFan
	PrimLineList
	PrimPointList
	PrimQuadList
)

type IndexType int

const (
	IndexU16 IndexType = iota
	IndexU32
)

type FramebufferAttachment struct {
	TileOffset uint32
	Pitch      uint32
	Format     uint32
}

type PipelineState struct {
	Primitive     PrimitiveType
	CullMode      uint8
	FrontFaceCCW  bool
	DepthTest     bool
	DepthWrite    bool
	DepthCompare  uint8
	BlendEnable   bool
	SrcBlend      uint8
	DstBlend      uint8
	BlendOp       uint8
}

const (
	vertexConstantCount = 256
	pixelConstantCount  = 256
	boolConstantCount   = 256
	loopConstantCount   = 32
	registerFileWords   = 0x8000
)

// CommandStream drains a guest PM4 ring buffer and drives a GPUBackend
type CommandStream struct {
	mem *GuestMemory
	log *subsystemLog

	backend   GPUBackend
	presenter Presenter
	surfaces  *RenderTargetSurfaceMap
	shaders   *ShaderPipelineBridge

	ringBase uint32
	ringSize uint32 // bytes, power of two
	readPtr  uint32
	writePtr uint32

	registers [registerFileWords]uint32

	vertexConstants [vertexConstantCount][4]float32
	pixelConstants  [pixelConstantCount][4]float32
	boolConstants   [boolConstantCount]uint32
	loopConstants   [loopConstantCount]uint32

	attachments [5]FramebufferAttachment // 0-3 color, 4 depth

	inFrame bool
}

func NewCommandStream(mem *GuestMemory, backend GPUBackend, presenter Presenter, surfaces *RenderTargetSurfaceMap, shaders *ShaderPipelineBridge, logw *subsystemLog) *CommandStream {
	return &CommandStream{
		mem:       mem,
		backend:   backend,
		presenter: presenter,
		surfaces:  surfaces,
		shaders:   shaders,
		log:       logw,
	}
}

// SetRing configures the ring buffer's guest location and size, called
// once the guest programs the GPU's ring-control registers.
func (cs *CommandStream) SetRing(base, sizeBytes uint32) {
	cs.ringBase = base
	cs.ringSize = sizeBytes
}

// ReadRingCtrl and WriteRingCtrl back the three ring-control MMIO
// registers NewEngine registers against GuestMemory; a guest write to
// ringCtrlWritePtr is what actually drains the ring; WriteU32 errors
// from Drain are logged, never surfaced to the guest store that
// triggered them.
func (cs *CommandStream) ReadRingCtrl(addr uint32) uint32 {
	switch addr {
	case ringCtrlBase:
		return cs.ringBase
	case ringCtrlSize:
		return cs.ringSize
	case ringCtrlWritePtr:
		return cs.writePtr
	default:
		return 0
	}
}

func (cs *CommandStream) WriteRingCtrl(addr, val uint32) {
	switch addr {
	case ringCtrlBase:
		cs.SetRing(val, cs.ringSize)
	case ringCtrlSize:
		cs.SetRing(cs.ringBase, val)
	case ringCtrlWritePtr:
		if err := cs.AdvanceWritePointer(val); err != nil {
			cs.log.Printf("ring drain error: %v", err)
		}
	}
}

// AdvanceWritePointer is called when guest code (or MMIO write) moves
// the ring write pointer; it triggers draining up to the new pointer
func (cs *CommandStream) AdvanceWritePointer(writePtr uint32) error {
	cs.writePtr = writePtr
	return cs.Drain()
}

// Drain executes packets from readPtr toward writePtr.
func (cs *CommandStream) Drain() error {
	for cs.readPtr != cs.writePtr {
		word := cs.readRingWord(cs.readPtr)
		header := DecodePacketHeader(word)
		cs.advanceRead(1)
		if err := cs.execPacket(header); err != nil {
			return err
		}
	}
	return nil
}

func (cs *CommandStream) readRingWord(wordIndex uint32) uint32 {
	addr := cs.ringBase + (wordIndex*4)&(cs.ringSize-1)
	return cs.mem.ReadU32(addr)
}

func (cs *CommandStream) advanceRead(words uint32) {
	cs.readPtr = cs.readPtr + words
}

func (cs *CommandStream) execPacket(p Packet) error {
	switch p.Type {
	case PacketType2:
		return nil
	case PacketType0:
		return cs.execType0(p)
	case PacketType3:
		return cs.execType3(p)
	default:
		return newEngineError(ErrUnknownInstruction, fmt.Errorf("pm4 type-1 packet unsupported"))
	}
}

func (cs *CommandStream) execType0(p Packet) error {
	for i := uint32(0); i < p.Count; i++ {
		val := cs.readRingWord(cs.readPtr)
		cs.advanceRead(1)
		reg := p.BaseRegister + i
		cs.registers[reg&(registerFileWords-1)] = val
		cs.onRegisterWrite(reg, val)
	}
	return nil
}

// onRegisterWrite applies the side effects of writing known GPU
// registers: render-target base/pitch/format, viewport, scissor,
// shader program bases.
func (cs *CommandStream) onRegisterWrite(reg, val uint32) {
	switch {
	case reg >= regColorBase0 && reg < regColorBase0+4:
		cs.attachments[reg-regColorBase0].TileOffset = val
	case reg >= regColorPitch0 && reg < regColorPitch0+4:
		cs.attachments[reg-regColorPitch0].Pitch = val
	case reg >= regColorFormat0 && reg < regColorFormat0+4:
		cs.attachments[reg-regColorFormat0].Format = val
	case reg == regDepthBase:
		cs.attachments[4].TileOffset = val
	case reg == regDepthPitch:
		cs.attachments[4].Pitch = val
	case reg == regDepthFormat:
		cs.attachments[4].Format = val
	}
}

// Ring-control MMIO register offsets within the GPU MMIO window
// (address.go's GPUMMIOStart): the three registers a guest driver
// programs before and while feeding the PM4 ring, wired to
// CommandStream by NewEngine's MMIO registration rather than any
// PM4 packet. The exact numeric offsets are implementation-internal
// to this front-end, same as the register-file offsets below.
const (
	ringCtrlBase     = GPUMMIOStart + 0x000 // ring buffer's guest base address
	ringCtrlSize     = GPUMMIOStart + 0x004 // ring buffer size in bytes
	ringCtrlWritePtr = GPUMMIOStart + 0x008 // write pointer; writing drains up to it
)

// GPU register offsets within the PM4-addressable register file,
// chosen to match the guest's documented register layout closely
// enough for RenderTargetSurfaceMap bookkeeping; the exact numeric
// values are implementation-internal to this front-end.
const (
	regColorBase0   = 0x0100
	regColorPitch0  = 0x0110
	regColorFormat0 = 0x0120
	regDepthBase    = 0x0130
	regDepthPitch   = 0x0131
	regDepthFormat  = 0x0132
)

func (cs *CommandStream) execType3(p Packet) error {
	payloadStart := cs.readPtr
	switch p.Opcode {
	case OpNop:
	case OpDrawIndexed:
		cs.execDraw(p, true)
	case OpDrawIndexedImm:
		cs.execDraw(p, false)
	case OpSetConstant:
		cs.execSetConstant(p)
	case OpLoadALUConstant:
		cs.execLoadALUConstant(p)
	case OpLoadBoolConstant:
		cs.execLoadBoolLoopConstant(p, cs.boolConstants[:])
	case OpLoadLoopConstant:
		cs.execLoadBoolLoopConstant(p, cs.loopConstants[:])
	case OpEventWrite:
		cs.execEventWrite(p, false)
	case OpEventWriteEOP:
		cs.execEventWrite(p, true)
	case OpMemWrite:
		cs.execMemWrite(p)
	case OpWaitForIdle, OpWaitRegMem:
		// no-op in this single-threaded command model.
	case OpIndirectBuffer:
		cs.execIndirectBuffer(p)
	case OpInterrupt:
		cs.completeFrame()
	default:
		cs.log.Printf("unhandled PM4 opcode %#x (%d words)", p.Opcode, p.Count)
	}
	cs.readPtr = payloadStart + p.Count
	return nil
}

func (cs *CommandStream) execDraw(p Packet, indexed bool) {
	if !cs.inFrame {
		cs.backend.BeginFrame()
		cs.backend.BindFramebuffer(cs.surfaces.CacheKey(cs.attachments[:]), cs.attachments[:])
		cs.inFrame = true
	}
	count := cs.readRingWord(cs.readPtr)
	var indexBuffer uint32
	indexType := IndexU16
	if indexed {
		indexBuffer = cs.readRingWord(cs.readPtr + 1)
	}
	cs.backend.DrawIndexed(PrimTriangleList, count, indexBuffer, indexType)
}

func (cs *CommandStream) execSetConstant(p Packet) {
	if p.Count < 1 {
		return
	}
	typeAndBase := cs.readRingWord(cs.readPtr)
	bank := typeAndBase >> 16
	base := typeAndBase & 0xFFFF
	for i := uint32(0); i < p.Count-1; i += 4 {
		var v [4]float32
		for lane := uint32(0); lane < 4 && i+lane < p.Count-1; lane++ {
			bits := cs.readRingWord(cs.readPtr + 1 + i + lane)
			v[lane] = float32FromBits(bits)
		}
		idx := base + i/4
		cs.storeConstant(bank, idx, v)
	}
}

func (cs *CommandStream) storeConstant(bank, idx uint32, v [4]float32) {
	switch bank {
	case 0:
		if int(idx) < len(cs.vertexConstants) {
			cs.vertexConstants[idx] = v
		}
	case 1:
		if int(idx) < len(cs.pixelConstants) {
			cs.pixelConstants[idx] = v
		}
	}
}

func (cs *CommandStream) execLoadALUConstant(p Packet) {
	if p.Count < 2 {
		return
	}
	addr := cs.readRingWord(cs.readPtr)
	offsetAndSize := cs.readRingWord(cs.readPtr + 1)
	bank := (offsetAndSize >> 16) & 1
	base := offsetAndSize & 0xFFF
	count := (offsetAndSize >> 12) & 0xFFF
	for i := uint32(0); i < count; i++ {
		var v [4]float32
		for lane := uint32(0); lane < 4; lane++ {
			bits := cs.mem.ReadU32(addr + (i*4+lane)*4)
			v[lane] = float32FromBits(bits)
		}
		cs.storeConstant(bank, base+i, v)
	}
	cs.backend.SetVertexConstants(base, cs.vertexConstants[:])
	cs.backend.SetPixelConstants(base, cs.pixelConstants[:])
}

func (cs *CommandStream) execLoadBoolLoopConstant(p Packet, bank []uint32) {
	for i := uint32(0); i < p.Count && int(i) < len(bank); i++ {
		bank[i] = cs.readRingWord(cs.readPtr + i)
	}
}

func (cs *CommandStream) execEventWrite(p Packet, withTimestamp bool) {
	if !withTimestamp || p.Count < 3 {
		return
	}
	addr := cs.readRingWord(cs.readPtr + 1)
	cs.mem.WriteU32(addr, uint32(cs.mem.TimeBase()))
	cs.completeFrame()
}

func (cs *CommandStream) execMemWrite(p Packet) {
	if p.Count < 2 {
		return
	}
	addr := cs.readRingWord(cs.readPtr)
	val := cs.readRingWord(cs.readPtr + 1)
	cs.mem.WriteU32(addr, val)
}

func (cs *CommandStream) execIndirectBuffer(p Packet) {
	if p.Count < 2 {
		return
	}
	addr := cs.readRingWord(cs.readPtr)
	count := cs.readRingWord(cs.readPtr + 1)
	savedBase, savedSize, savedRead, savedWrite := cs.ringBase, cs.ringSize, cs.readPtr, cs.writePtr
	cs.ringBase = addr
	cs.ringSize = nextPowerOfTwo(count * 4)
	cs.readPtr = 0
	cs.writePtr = count
	_ = cs.Drain()
	cs.ringBase, cs.ringSize, cs.readPtr, cs.writePtr = savedBase, savedSize, savedRead, savedWrite
}

func (cs *CommandStream) completeFrame() {
	if cs.inFrame {
		cs.backend.EndFrame()
		cs.inFrame = false
	}
	if cs.presenter != nil {
		cs.presenter.OnFrameComplete()
	}
}

func float32FromBits(bits uint32) float32 {
	return math.Float32frombits(bits)
}

func nextPowerOfTwo(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	return v + 1
}
