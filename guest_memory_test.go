package main

import "testing"

func TestGuestMemoryIdentityWindowRoundTrip(t *testing.T) {
	mem := newTestMemory(t)
	for _, addr := range []uint32{0, 0x1000, 0x1FFF_FFFC} {
		want := uint32(0xCAFEBABE)
		mem.WriteU32(addr, want)
		if got := mem.ReadU32(addr); got != want {
			t.Fatalf("addr %#x: read_u32 = %#x, want %#x", addr, got, want)
		}
	}
}

func TestGuestMemoryCachedVirtualMirror(t *testing.T) {
	mem := newTestMemory(t)
	mem.WriteU32(0x00001234, 0x11223344)
	mirrored := VirtualMirrorStart | 0x00001234
	if got := mem.ReadU32(mirrored); got != 0x11223344 {
		t.Fatalf("mirrored read at %#x = %#x, want 0x11223344", mirrored, got)
	}
}

func TestGuestMemoryOutOfBoundsTailRead(t *testing.T) {
	mem := newTestMemory(t)
	mem.WriteU32(0x1FFF_FFFC, 0xAABBCCDD)
	if got := mem.ReadU32(0x1FFF_FFFC); got != 0xAABBCCDD {
		t.Fatalf("last in-bounds word = %#x, want 0xAABBCCDD", got)
	}
	if got := mem.ReadU32(0x1FFF_FFFE); got != 0 {
		t.Fatalf("out-of-bounds straddling read = %#x, want 0", got)
	}
}

func TestMMIORegisterUnregisterRestoresRAM(t *testing.T) {
	mem := newTestMemory(t)
	const base, size = 0x00002000, 0x1000
	var mmioVal uint32
	err := mem.RegisterMMIO(base, size,
		func(addr uint32) uint32 { return mmioVal },
		func(addr uint32, v uint32) { mmioVal = v })
	if err != nil {
		t.Fatalf("RegisterMMIO: %v", err)
	}

	mem.WriteU32(base, 0x42)
	if got := mem.ReadU32(base); got != 0x42 {
		t.Fatalf("mmio read = %#x, want 0x42", got)
	}

	mem.UnregisterMMIO(base)
	mem.WriteU32(base, 0x99)
	if got := mem.ReadU32(base); got != 0x99 {
		t.Fatalf("post-unregister RAM read = %#x, want 0x99", got)
	}
	if mmioVal != 0x42 {
		t.Fatalf("mmio handler should not see the post-unregister write, got %#x", mmioVal)
	}
}

func TestMMIOOverlapRejected(t *testing.T) {
	mem := newTestMemory(t)
	noop := func(uint32) uint32 { return 0 }
	noopW := func(uint32, uint32) {}
	if err := mem.RegisterMMIO(0x3000, 0x1000, noop, noopW); err != nil {
		t.Fatalf("first RegisterMMIO: %v", err)
	}
	if err := mem.RegisterMMIO(0x3800, 0x1000, noop, noopW); err == nil {
		t.Fatalf("overlapping RegisterMMIO should fail")
	}
}

func TestReservationSetClearRoundTrip(t *testing.T) {
	mem := newTestMemory(t)
	mem.SetReservation(2, 0x4000, 4)
	mem.ClearReservation(2)
	if mem.CheckReservation(2, 0x4000, 4) {
		t.Fatalf("check_reservation should be false after set then clear")
	}
}

func TestTrackWritesFiresOnOverlap(t *testing.T) {
	mem := newTestMemory(t)
	var fired bool
	mem.TrackWrites(0x5000, 0x100, func(addr, size uint32) { fired = true })
	mem.WriteU32(0x5010, 1)
	if !fired {
		t.Fatalf("write tracker should have fired for an overlapping write")
	}
}
