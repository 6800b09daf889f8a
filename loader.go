// loader.go - ExecutableLoader collaborator contract and the core-side
// surface (allocate/write_bytes/start_thread/register_hle) that a
// loader implementation drives.
//
// Grounded on machine_bus.go's MemoryBus-as-collaborator shape (a
// narrow read/map interface the core depends on, supplied by whatever
// owns the backing file) and on cpu_ie64.go's NewCPU(bus)-style wiring
// - ExecutableLoader plays the analogous role for bringing a guest
// image into a fresh GuestMemory instead of wiring a CPU to a bus.

package main

import "fmt"

// ImportKey names one (module, ordinal) import-table entry the loader
// resolved from the guest image's import descriptors.
type ImportKey struct {
	Module  string
	Ordinal uint16
}

// ExecutableLoader is supplied by whatever parses the guest executable
// container; the core never parses that format itself.
type ExecutableLoader interface {
	// CodeAt returns a read-only view of size bytes of PowerPC machine
	// code starting at the given guest address.
	CodeAt(addr uint32, size uint32) ([]byte, error)

	// ImageBase and ImageSize bound the guest-address range the image
	// occupies once loaded.
	ImageBase() uint32
	ImageSize() uint32

	// EntryPoint is the guest address execution begins at.
	EntryPoint() uint32

	// StackBounds returns the initial stack region's base and size for
	// the primary hardware thread.
	StackBounds() (base, size uint32)

	// Imports lists every (module, ordinal) pair the image references;
	// the core resolves each via RegisterHLE before starting a thread
	// that can reach it.
	Imports() []ImportKey
}

// HLEFunc is a host-implemented stand-in for a guest kernel export,
// invoked with the calling thread's context in place of executing the
// PowerPC routine it replaces.
type HLEFunc func(tc *ThreadContext, mem *GuestMemory) uint64

// AllocFlags mirrors the guest's NtAllocateVirtualMemory protection bits
// at the granularity this core tracks: committed vs. reserved pages and
// executability.
type AllocFlags uint32

const (
	AllocCommit AllocFlags = 1 << iota
	AllocReserve
	AllocExecutable
)

// LoaderHost exposes the four operations §6's core contract promises a
// loader: allocate, write_bytes, start_thread, register_hle. It is the
// thin seam between a parsed guest image and the running engine.
type LoaderHost struct {
	mem       *GuestMemory
	scheduler *Scheduler
	cache     *BlockCache
	jit       *JitCompiler

	nextAlloc  uint32
	hleTable   map[ImportKey]HLEFunc
	resolved   map[uint32]ImportKey // host-assigned import stub addresses, for diagnostics
	nextStub   uint32
	forceInterp bool
}

// NewLoaderHost wires a loader-facing surface against a running
// engine's memory, cache, and scheduler.
func NewLoaderHost(mem *GuestMemory, scheduler *Scheduler, cache *BlockCache, jit *JitCompiler, forceInterpreter bool) *LoaderHost {
	return &LoaderHost{
		mem:         mem,
		scheduler:   scheduler,
		cache:       cache,
		jit:         jit,
		nextAlloc:   0x10000000,
		hleTable:    make(map[ImportKey]HLEFunc),
		resolved:    make(map[uint32]ImportKey),
		nextStub:    0x7FFF0000,
		forceInterp: forceInterpreter,
	}
}

// Allocate reserves size bytes of guest-physical address space starting
// at a host-chosen base when base is zero, bump-allocating from a
// region above the fixed kernel/image footprint. A given base may lie
// in the identity window or the cached-virtual mirror. flags are
// ignored: they are not stored and do not change host protection,
// since GuestMemory maps every guest page read/write.
func (l *LoaderHost) Allocate(base, size uint32, flags AllocFlags) (uint32, error) {
	if base == 0 {
		base = l.nextAlloc
		l.nextAlloc += alignUp32(size, mmioPageSize)
	}
	if !InFastmemWindow(base) || uint64(ToPhysical(base))+uint64(size) > uint64(PhysicalWindowEnd) {
		return 0, newEngineError(ErrFastmemMapping, fmt.Errorf("allocate(%#x, %d): exceeds physical window", base, size))
	}
	l.mem.BulkZero(base, size)
	return base, nil
}

// WriteBytes copies the loader's parsed image bytes into guest memory
// at base, going through GuestMemory so MMIO/write-tracking stay
// consistent with any code already compiled over that range.
func (l *LoaderHost) WriteBytes(base uint32, data []byte) error {
	if !InFastmemWindow(base) || uint64(ToPhysical(base))+uint64(len(data)) > uint64(PhysicalWindowEnd) {
		return newEngineError(ErrFastmemMapping, fmt.Errorf("write_bytes(%#x, %d): exceeds physical window", base, len(data)))
	}
	l.mem.BulkWrite(base, data)
	return nil
}

// StartThread creates a guest thread bound to the given hardware
// thread affinity, seeds its stack pointer, and registers it with the
// scheduler's ready queues.
func (l *LoaderHost) StartThread(hwThreadID int, entry uint32, stackTop uint32) (*GuestThread, error) {
	if hwThreadID < 0 || hwThreadID >= HardwareThreadCount {
		return nil, fmt.Errorf("start_thread: hardware thread id %d out of range [0,%d)", hwThreadID, HardwareThreadCount)
	}
	t := NewGuestThread(hwThreadID, entry, l.mem, l.cache, l.jit, l.forceInterp)
	t.Ctx.GPR[1] = uint64(stackTop) // r1 is the PowerPC stack pointer by convention
	t.hle = l
	l.scheduler.AddThread(t)
	return t, nil
}

// RegisterHLE binds a host function in place of a guest kernel export;
// GuestThread.dispatchKernelCall (thread.go) consults this table on
// every syscall and does nothing when no entry matches.
func (l *LoaderHost) RegisterHLE(module string, ordinal uint16, fn HLEFunc) error {
	key := ImportKey{Module: module, Ordinal: ordinal}
	if _, exists := l.hleTable[key]; exists {
		return fmt.Errorf("register_hle: %s!%d already registered", module, ordinal)
	}
	l.hleTable[key] = fn
	return nil
}

// ResolveHLE looks up a previously registered import; the kernel HLE
// dispatch path (thread.go's dispatchKernelCall) calls this to
// find the host function backing a guest import thunk.
func (l *LoaderHost) ResolveHLE(module string, ordinal uint16) (HLEFunc, bool) {
	fn, ok := l.hleTable[ImportKey{Module: module, Ordinal: ordinal}]
	return fn, ok
}

// LoadImage drives a loader end to end: copies its code into guest
// memory, resolves every import it declares against already-registered
// HLE functions, and returns the primary thread's entry/stack so the
// caller can StartThread it. Imports with no registered handler are
// left unresolved rather than failing the load, since many guest
// images reference optional kernel exports never exercised at runtime.
func (l *LoaderHost) LoadImage(loader ExecutableLoader) (entry uint32, stackTop uint32, unresolved []ImportKey, err error) {
	imageBase, imageSize := loader.ImageBase(), loader.ImageSize()
	code, err := loader.CodeAt(imageBase, imageSize)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("load image: %w", err)
	}
	if _, err := l.Allocate(imageBase, imageSize, AllocCommit|AllocExecutable); err != nil {
		return 0, 0, nil, err
	}
	if err := l.WriteBytes(imageBase, code); err != nil {
		return 0, 0, nil, err
	}
	stackBase, stackSize := loader.StackBounds()
	for _, key := range loader.Imports() {
		if _, ok := l.hleTable[key]; !ok {
			unresolved = append(unresolved, key)
		}
	}
	return loader.EntryPoint(), stackBase + stackSize, unresolved, nil
}

func alignUp32(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}
