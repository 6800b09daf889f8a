package main

import "testing"

type recordingPresenter struct {
	frames int
}

func (p *recordingPresenter) OnFrameComplete() { p.frames++ }

func writeRingWords(t *testing.T, mem *GuestMemory, base uint32, words []uint32) {
	t.Helper()
	for i, w := range words {
		mem.WriteU32(base+uint32(i*4), w)
	}
}

func TestCommandStreamDrawThenInterruptEndsFrame(t *testing.T) {
	mem := newTestMemory(t)
	backend := NewHeadlessGPUBackend()
	presenter := &recordingPresenter{}
	surfaces := NewRenderTargetSurfaceMap()
	shaders := NewShaderPipelineBridge()
	cs := NewCommandStream(mem, backend, presenter, surfaces, shaders, newSubsystemLog(nil, "[pm4] ", false))

	const ringBase, ringSize = 0x3000, 0x1000
	cs.SetRing(ringBase, ringSize)

	words := []uint32{
		// type-0: write regColorPitch0 = 256
		uint32(regColorPitch0),
		256,
		// type-3: draw-indexed-imm, one payload word (vertex count)
		uint32(3)<<30 | uint32(OpDrawIndexedImm)<<8,
		6,
		// type-3: interrupt, one (unused) payload word
		uint32(3)<<30 | uint32(OpInterrupt)<<8,
		0,
	}
	writeRingWords(t, mem, ringBase, words)

	if err := cs.AdvanceWritePointer(uint32(len(words))); err != nil {
		t.Fatalf("AdvanceWritePointer: %v", err)
	}

	if backend.DrawCount != 1 {
		t.Fatalf("DrawCount = %d, want 1", backend.DrawCount)
	}
	if backend.LastDrawCount != 6 {
		t.Fatalf("LastDrawCount = %d, want 6", backend.LastDrawCount)
	}
	if backend.FrameCount != 1 {
		t.Fatalf("FrameCount = %d, want 1 (interrupt should end the open frame)", backend.FrameCount)
	}
	if presenter.frames != 1 {
		t.Fatalf("presenter frames = %d, want 1", presenter.frames)
	}

	var want [5]FramebufferAttachment
	want[0].Pitch = 256
	if got, wantKey := backend.BoundFramebuffer, surfaces.CacheKey(want[:]); got != wantKey {
		t.Fatalf("BoundFramebuffer = %#x, want %#x (pitch register write should reach the bound framebuffer's cache key)", got, wantKey)
	}
}

func TestCommandStreamNopPacketAdvancesWithoutSideEffects(t *testing.T) {
	mem := newTestMemory(t)
	backend := NewHeadlessGPUBackend()
	surfaces := NewRenderTargetSurfaceMap()
	shaders := NewShaderPipelineBridge()
	cs := NewCommandStream(mem, backend, NullPresenter{}, surfaces, shaders, newSubsystemLog(nil, "[pm4] ", false))

	const ringBase, ringSize = 0x4000, 0x1000
	cs.SetRing(ringBase, ringSize)

	words := []uint32{
		uint32(3)<<30 | uint32(OpNop)<<8, // count=1, one padding word
		0,
	}
	writeRingWords(t, mem, ringBase, words)

	if err := cs.AdvanceWritePointer(uint32(len(words))); err != nil {
		t.Fatalf("AdvanceWritePointer: %v", err)
	}
	if backend.DrawCount != 0 || backend.FrameCount != 0 {
		t.Fatalf("nop packet should not draw or end a frame, got draws=%d frames=%d", backend.DrawCount, backend.FrameCount)
	}
}

func TestCommandStreamIndirectBufferRestoresOuterRing(t *testing.T) {
	mem := newTestMemory(t)
	backend := NewHeadlessGPUBackend()
	surfaces := NewRenderTargetSurfaceMap()
	shaders := NewShaderPipelineBridge()
	cs := NewCommandStream(mem, backend, NullPresenter{}, surfaces, shaders, newSubsystemLog(nil, "[pm4] ", false))

	const innerBase = 0x6000
	innerWords := []uint32{
		uint32(3)<<30 | uint32(OpDrawIndexedImm)<<8,
		3,
	}
	writeRingWords(t, mem, innerBase, innerWords)

	const outerBase, outerSize = 0x5000, 0x1000
	cs.SetRing(outerBase, outerSize)
	outerWords := []uint32{
		uint32(3)<<30 | uint32(OpIndirectBuffer)<<8 | uint32(1)<<16, // count=2
		innerBase,
		uint32(len(innerWords)),
	}
	writeRingWords(t, mem, outerBase, outerWords)

	if err := cs.AdvanceWritePointer(uint32(len(outerWords))); err != nil {
		t.Fatalf("AdvanceWritePointer: %v", err)
	}
	if backend.DrawCount != 1 || backend.LastDrawCount != 3 {
		t.Fatalf("indirect buffer draw not executed, draws=%d lastCount=%d", backend.DrawCount, backend.LastDrawCount)
	}
}
