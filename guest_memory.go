// guest_memory.go - 512 MB guest RAM with MMIO dispatch and fastmem
//
// Grounded on memory_bus.go's page-keyed MMIO region map and RWMutex
// discipline, extended with a host-mmap'd fastmem window
// (golang.org/x/sys/unix, the same library bobuhiro11-gokvm's
// memory/memory.go uses for guest RAM) in place of a plain Go byte
// slice, plus write-tracking and per-thread atomic reservations that
// memory_bus.go's bus has no concept of.

package main

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const (
	GuestRAMSize    = 512 * 1024 * 1024
	FastmemWindow   = 4 * 1024 * 1024 * 1024 // reserved host VA window (4GB, uint32 addressable)
	mmioPageSize    = 0x1000
	mmioPageMask    = ^uint32(mmioPageSize - 1)
	maxHWThreads    = 6
)

// mmioRegion is a registered MMIO handler covering [start, start+size).
type mmioRegion struct {
	start, size uint32
	read        func(addr uint32) uint32
	write       func(addr uint32, value uint32)
}

func (r *mmioRegion) contains(addr uint32) bool {
	return addr >= r.start && uint64(addr) < uint64(r.start)+uint64(r.size)
}

func (r *mmioRegion) overlaps(start, size uint32) bool {
	end := uint64(start) + uint64(size)
	rend := uint64(r.start) + uint64(r.size)
	return uint64(start) < rend && uint64(r.start) < end
}

// writeTracker invokes callback exactly once per successful write whose
// range intersects [start, start+size).
type writeTracker struct {
	start, size uint32
	callback    func(addr, size uint32)
}

func (t *writeTracker) overlaps(addr, size uint32) bool {
	end := uint64(addr) + uint64(size)
	tend := uint64(t.start) + uint64(t.size)
	return uint64(addr) < tend && uint64(t.start) < end
}

// reservation is one hardware thread's load-and-reserve bookkeeping.
type reservation struct {
	valid atomic.Bool
	addr  uint32
	size  uint32
	mu    sync.Mutex
}

// GuestMemory is the process-wide, big-endian view of guest RAM: a
// host fastmem mirror for JIT-speed access, an MMIO registry for
// everything else, write-tracking for self-modifying-code detection,
// and per-thread atomic reservations for load-and-reserve semantics.
type GuestMemory struct {
	fastmem []byte // host-mmap'd window; fastmem[0:GuestRAMSize] is live RAM

	mu       sync.RWMutex
	mmio     map[uint32][]*mmioRegion
	trackers map[uint32]*writeTracker

	reservations [maxHWThreads]reservation

	timeBase atomic.Uint64
	missCnt  atomic.Uint64

	log *subsystemLog
}

// NewGuestMemory reserves a 4 GB host virtual window (no access),
// commits the first GuestRAMSize bytes read/write, and returns the
// zero-initialized GuestMemory. Fails only if the host cannot satisfy
// the mmap/mprotect reservation (out of address space, etc).
func NewGuestMemory(cfg Config) (*GuestMemory, error) {
	region, err := unix.Mmap(-1, 0, FastmemWindow, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, newEngineError(ErrFastmemMapping, fmt.Errorf("reserve fastmem window: %w", err))
	}
	if err := unix.Mprotect(region[:GuestRAMSize], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		_ = unix.Munmap(region)
		return nil, newEngineError(ErrFastmemMapping, fmt.Errorf("commit guest RAM: %w", err))
	}
	gm := &GuestMemory{
		fastmem:  region,
		mmio:     make(map[uint32][]*mmioRegion),
		trackers: make(map[uint32]*writeTracker),
		log:      newSubsystemLog(cfg.LogWriter, "[memory] ", cfg.Trace.Memory),
	}
	return gm, nil
}

// Close releases the fastmem window. Safe to call once; a second call
// is a LifecycleError, never a panic.
func (gm *GuestMemory) Close() error {
	if gm.fastmem == nil {
		return errAlreadyClosed("GuestMemory.Close", 0)
	}
	err := unix.Munmap(gm.fastmem)
	gm.fastmem = nil
	return err
}

// HostFastmemBase returns the host byte slice backing the 512 MB RAM
// window; host_fastmem_base + (addr & PhysicalMask) is a valid host
// index for direct little-endian access, byte-reversed by the caller.
func (gm *GuestMemory) HostFastmemBase() []byte {
	return gm.fastmem[:GuestRAMSize:GuestRAMSize]
}

func (gm *GuestMemory) findMMIO(addr uint32) *mmioRegion {
	gm.mu.RLock()
	defer gm.mu.RUnlock()
	regions := gm.mmio[addr&mmioPageMask]
	for _, r := range regions {
		if r.contains(addr) {
			return r
		}
	}
	return nil
}

// RegisterMMIO installs a handler for [base, base+size). Overlapping a
// prior registration is rejected.
func (gm *GuestMemory) RegisterMMIO(base, size uint32, read func(uint32) uint32, write func(uint32, uint32)) error {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	firstPage := base & mmioPageMask
	lastPage := (base + size - 1) & mmioPageMask
	for page := firstPage; ; page += mmioPageSize {
		for _, r := range gm.mmio[page] {
			if r.overlaps(base, size) {
				return newEngineError(ErrMMIOOverlap, fmt.Errorf("range [0x%X,0x%X) overlaps existing [0x%X,0x%X)", base, base+size, r.start, r.start+r.size))
			}
		}
		if page == lastPage {
			break
		}
	}
	region := &mmioRegion{start: base, size: size, read: read, write: write}
	for page := firstPage; ; page += mmioPageSize {
		gm.mmio[page] = append(gm.mmio[page], region)
		if page == lastPage {
			break
		}
	}
	return nil
}

// UnregisterMMIO releases the handler previously registered at base.
func (gm *GuestMemory) UnregisterMMIO(base uint32) {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	for page, regions := range gm.mmio {
		kept := regions[:0]
		for _, r := range regions {
			if r.start != base {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(gm.mmio, page)
		} else {
			gm.mmio[page] = kept
		}
	}
}

// TrackWrites registers a callback invoked exactly once per write whose
// range intersects [base, base+size) - the hook BlockCache uses for SMC
// invalidation.
func (gm *GuestMemory) TrackWrites(base, size uint32, callback func(addr, size uint32)) {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	gm.trackers[base] = &writeTracker{start: base, size: size, callback: callback}
}

func (gm *GuestMemory) UntrackWrites(base uint32) {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	delete(gm.trackers, base)
}

func (gm *GuestMemory) notifyTrackers(addr, size uint32) {
	gm.mu.RLock()
	defer gm.mu.RUnlock()
	for _, t := range gm.trackers {
		if t.overlaps(addr, size) {
			t.callback(addr, size)
		}
	}
}

func (gm *GuestMemory) invalidateReservations(addr, size uint32) {
	for i := range gm.reservations {
		r := &gm.reservations[i]
		if !r.valid.Load() {
			continue
		}
		r.mu.Lock()
		if r.valid.Load() {
			end := uint64(addr) + uint64(size)
			rend := uint64(r.addr) + uint64(r.size)
			if uint64(addr) < rend && uint64(r.addr) < end {
				r.valid.Store(false)
			}
		}
		r.mu.Unlock()
	}
}

// --- scalar accessors ---

func (gm *GuestMemory) ReadU8(addr GuestAddress) uint8 {
	if mm := gm.dispatchMMIO(addr); mm != nil {
		return uint8(mm.read(addr))
	}
	phys := ToPhysical(addr)
	if uint64(phys) >= GuestRAMSize {
		gm.missCnt.Add(1)
		return 0
	}
	return gm.fastmem[phys]
}

func (gm *GuestMemory) WriteU8(addr GuestAddress, v uint8) {
	if mm := gm.dispatchMMIO(addr); mm != nil {
		mm.write(addr, uint32(v))
		return
	}
	phys := ToPhysical(addr)
	if uint64(phys) >= GuestRAMSize {
		gm.missCnt.Add(1)
		return
	}
	gm.invalidateReservations(addr, 1)
	gm.fastmem[phys] = v
	gm.notifyTrackers(addr, 1)
}

func (gm *GuestMemory) ReadU16(addr GuestAddress) uint16 {
	if mm := gm.dispatchMMIO(addr); mm != nil {
		return uint16(mm.read(addr))
	}
	phys := ToPhysical(addr)
	if uint64(phys)+2 > GuestRAMSize {
		gm.missCnt.Add(1)
		return 0
	}
	return beLoad16(gm.fastmem[phys : phys+2])
}

func (gm *GuestMemory) WriteU16(addr GuestAddress, v uint16) {
	if mm := gm.dispatchMMIO(addr); mm != nil {
		mm.write(addr, uint32(v))
		return
	}
	phys := ToPhysical(addr)
	if uint64(phys)+2 > GuestRAMSize {
		gm.missCnt.Add(1)
		return
	}
	gm.invalidateReservations(addr, 2)
	beStore16(gm.fastmem[phys:phys+2], v)
	gm.notifyTrackers(addr, 2)
}

func (gm *GuestMemory) ReadU32(addr GuestAddress) uint32 {
	if mm := gm.dispatchMMIO(addr); mm != nil {
		return mm.read(addr)
	}
	phys := ToPhysical(addr)
	if uint64(phys)+4 > GuestRAMSize {
		gm.missCnt.Add(1)
		return 0
	}
	return beLoad32(gm.fastmem[phys : phys+4])
}

func (gm *GuestMemory) WriteU32(addr GuestAddress, v uint32) {
	if mm := gm.dispatchMMIO(addr); mm != nil {
		mm.write(addr, v)
		return
	}
	phys := ToPhysical(addr)
	if uint64(phys)+4 > GuestRAMSize {
		gm.missCnt.Add(1)
		return
	}
	gm.invalidateReservations(addr, 4)
	beStore32(gm.fastmem[phys:phys+4], v)
	gm.notifyTrackers(addr, 4)
}

func (gm *GuestMemory) ReadU64(addr GuestAddress) uint64 {
	if mm := gm.dispatchMMIO(addr); mm != nil {
		return uint64(mm.read(addr))<<32 | uint64(mm.read(addr+4))
	}
	phys := ToPhysical(addr)
	if uint64(phys)+8 > GuestRAMSize {
		gm.missCnt.Add(1)
		return 0
	}
	return beLoad64(gm.fastmem[phys : phys+8])
}

func (gm *GuestMemory) WriteU64(addr GuestAddress, v uint64) {
	if mm := gm.dispatchMMIO(addr); mm != nil {
		mm.write(addr, uint32(v>>32))
		mm.write(addr+4, uint32(v))
		return
	}
	phys := ToPhysical(addr)
	if uint64(phys)+8 > GuestRAMSize {
		gm.missCnt.Add(1)
		return
	}
	gm.invalidateReservations(addr, 8)
	beStore64(gm.fastmem[phys:phys+8], v)
	gm.notifyTrackers(addr, 8)
}

// dispatchMMIO translates addr for windows that mask to physical, then
// looks up a handler either at the translated address (RAM-shadowed
// ranges) or the raw address (MMIO-only high ranges).
func (gm *GuestMemory) dispatchMMIO(addr GuestAddress) *mmioRegion {
	if r := gm.findMMIO(addr); r != nil {
		return r
	}
	if phys := ToPhysical(addr); InFastmemWindow(addr) && phys != addr {
		if r := gm.findMMIO(phys); r != nil {
			return r
		}
	}
	if addr >= GPUVirtualStart && addr < GPUVirtualEnd {
		// The virtual command-buffer window aliases the GPU register
		// file at a fixed offset, not the generic physical mask.
		if r := gm.findMMIO(gpuVirtualToPhysical(addr)); r != nil {
			return r
		}
	}
	return nil
}

// --- bulk operations (RAM only, silently clamped) ---

func (gm *GuestMemory) clampToRAM(addr, size uint32) (start, n uint32) {
	phys := ToPhysical(addr)
	if uint64(phys) >= GuestRAMSize {
		return 0, 0
	}
	avail := uint64(GuestRAMSize) - uint64(phys)
	if uint64(size) > avail {
		size = uint32(avail)
	}
	return phys, size
}

func (gm *GuestMemory) BulkRead(addr, size uint32) []byte {
	phys, n := gm.clampToRAM(addr, size)
	out := make([]byte, size)
	copy(out, gm.fastmem[phys:phys+n])
	return out
}

func (gm *GuestMemory) BulkWrite(addr uint32, data []byte) {
	phys, n := gm.clampToRAM(addr, uint32(len(data)))
	copy(gm.fastmem[phys:phys+n], data[:n])
	gm.invalidateReservations(addr, n)
	gm.notifyTrackers(addr, n)
}

func (gm *GuestMemory) BulkZero(addr, size uint32) {
	phys, n := gm.clampToRAM(addr, size)
	clear(gm.fastmem[phys : phys+n])
	gm.invalidateReservations(addr, n)
	gm.notifyTrackers(addr, n)
}

func (gm *GuestMemory) BulkCopy(dst, src, size uint32) {
	srcPhys, srcN := gm.clampToRAM(src, size)
	dstPhys, dstN := gm.clampToRAM(dst, size)
	n := srcN
	if dstN < n {
		n = dstN
	}
	copy(gm.fastmem[dstPhys:dstPhys+n], gm.fastmem[srcPhys:srcPhys+n])
	gm.invalidateReservations(dst, n)
	gm.notifyTrackers(dst, n)
}

// --- reservations ---

func (gm *GuestMemory) SetReservation(threadID int, addr, size uint32) {
	r := &gm.reservations[threadID]
	r.mu.Lock()
	r.addr, r.size = addr, size
	r.valid.Store(true)
	r.mu.Unlock()
}

func (gm *GuestMemory) CheckReservation(threadID int, addr, size uint32) bool {
	r := &gm.reservations[threadID]
	if !r.valid.Load() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.valid.Load() && r.addr == addr && r.size == size
}

func (gm *GuestMemory) ClearReservation(threadID int) {
	gm.reservations[threadID].valid.Store(false)
}

// --- time base ---

func (gm *GuestMemory) AdvanceTimeBase(cycles uint64) {
	gm.timeBase.Add(cycles)
}

func (gm *GuestMemory) TimeBase() uint64 {
	return gm.timeBase.Load()
}
