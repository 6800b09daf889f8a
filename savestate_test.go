package main

import (
	"bytes"
	"testing"
)

func TestSaveStateEncodeDecodeRoundTrip(t *testing.T) {
	mem := newTestMemory(t)
	mem.WriteU32(0x00010000, 0xABCD1234)

	tc := NewThreadContext(0, 0x82000000)
	tc.GPR[3] = 99
	tc.Running.Store(true)

	blockLog := newSubsystemLog(nil, "[block] ", false)
	surfaces := NewRenderTargetSurfaceMap()
	shaders := NewShaderPipelineBridge()
	backend := NewHeadlessGPUBackend()
	cs := NewCommandStream(mem, backend, NullPresenter{}, surfaces, shaders, blockLog)
	cs.SetRing(0x3000, 0x1000)
	cs.registers[5] = 0x77

	ss := TakeSaveState(mem, []*ThreadContext{tc}, cs, 42, []uint32{1, 2}, []int{0})

	var buf bytes.Buffer
	if err := ss.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := DecodeSaveState(&buf)
	if err != nil {
		t.Fatalf("DecodeSaveState: %v", err)
	}

	if decoded.Timestamp != ss.Timestamp {
		t.Fatalf("Timestamp = %d, want %d", decoded.Timestamp, ss.Timestamp)
	}
	if len(decoded.CPU) != 1 || decoded.CPU[0].GPR[3] != 99 {
		t.Fatalf("decoded CPU state missing GPR[3]=99: %+v", decoded.CPU)
	}
	if decoded.GPU.RingBase != 0x3000 || decoded.GPU.Registers[5] != 0x77 {
		t.Fatalf("decoded GPU state mismatch: base=%#x reg5=%#x", decoded.GPU.RingBase, decoded.GPU.Registers[5])
	}
	if decoded.Kernel.NextHandle != 42 {
		t.Fatalf("Kernel.NextHandle = %d, want 42", decoded.Kernel.NextHandle)
	}
	if len(decoded.Memory) != 1 {
		t.Fatalf("expected exactly one non-zero page captured, got %d", len(decoded.Memory))
	}

	mem2 := newTestMemory(t)
	tc2 := NewThreadContext(0, 0)
	cs2 := NewCommandStream(mem2, backend, NullPresenter{}, surfaces, shaders, blockLog)

	decoded.RestoreInto(mem2, map[int]*ThreadContext{0: tc2}, cs2)

	if tc2.GPR[3] != 99 {
		t.Fatalf("restored GPR[3] = %d, want 99", tc2.GPR[3])
	}
	if tc2.PC != 0x82000000 {
		t.Fatalf("restored PC = %#x, want 0x82000000", tc2.PC)
	}
	if got := mem2.ReadU32(0x00010000); got != 0xABCD1234 {
		t.Fatalf("restored memory at 0x10000 = %#x, want 0xABCD1234", got)
	}
	if cs2.ringBase != 0x3000 || cs2.registers[5] != 0x77 {
		t.Fatalf("restored GPU state mismatch: base=%#x reg5=%#x", cs2.ringBase, cs2.registers[5])
	}
}

func TestDecodeSaveStateRejectsCorruptChecksum(t *testing.T) {
	mem := newTestMemory(t)
	blockLog := newSubsystemLog(nil, "[block] ", false)
	surfaces := NewRenderTargetSurfaceMap()
	shaders := NewShaderPipelineBridge()
	backend := NewHeadlessGPUBackend()
	cs := NewCommandStream(mem, backend, NullPresenter{}, surfaces, shaders, blockLog)

	ss := TakeSaveState(mem, nil, cs, 0, nil, nil)
	var buf bytes.Buffer
	if err := ss.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	corrupt := buf.Bytes()
	corrupt[len(corrupt)-1] ^= 0xFF

	if _, err := DecodeSaveState(bytes.NewReader(corrupt)); err == nil {
		t.Fatalf("DecodeSaveState should reject a corrupted checksum")
	}
}
