// engine.go - Engine, the single long-lived handle that owns every
// subsystem and is threaded explicitly into callers instead of relying
// on package-level state.
//
// Grounded on main.go's construction sequence (bus, then CPU(s) wired
// to the bus, then peripherals registered against the bus) -
// generalized into one struct a host process builds once and holds for
// the guest's lifetime, per the "no hidden singletons" design note.

package main

import (
	"context"
	"fmt"
)

// Engine wires GuestMemory, the JIT pipeline, the scheduler, the GPU
// command stream, and the supporting collaborators into one handle.
type Engine struct {
	Config Config

	Memory     *GuestMemory
	BlockCache *BlockCache
	JIT        *JitCompiler
	Scheduler  *Scheduler
	Loader     *LoaderHost
	VFS        VFS

	CommandStream *CommandStream
	Surfaces      *RenderTargetSurfaceMap
	Shaders       *ShaderPipelineBridge
	GPUBackend    GPUBackend
	Presenter     Presenter

	logger *subsystemLog
}

// NewEngine brings up every subsystem against cfg. backend/presenter
// are supplied by the embedder (HeadlessGPUBackend+NullPresenter for
// tests, VulkanGPUBackend+a real presenter for interactive use).
func NewEngine(cfg Config, backend GPUBackend, presenter Presenter) (*Engine, error) {
	mem, err := NewGuestMemory(cfg)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	blockLog := newSubsystemLog(cfg.LogWriter, "[block] ", cfg.Trace.Block)
	cache, err := NewBlockCache(mem, cfg.JITCacheSizeBytes, cfg.MaxBlocks, blockLog)
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}

	jit := NewJitCompiler(mem, cache, 64, blockLog)
	threadLog := newSubsystemLog(cfg.LogWriter, "[thread] ", cfg.Trace.Thread)
	scheduler := NewScheduler(mem, threadLog)
	loader := NewLoaderHost(mem, scheduler, cache, jit, cfg.ForceInterpreter)

	surfaces := NewRenderTargetSurfaceMap()
	shaders := NewShaderPipelineBridge()

	if backend == nil {
		backend = NewHeadlessGPUBackend()
	}
	if presenter == nil {
		presenter = NullPresenter{}
	}
	drawLog := newSubsystemLog(cfg.LogWriter, "[draw] ", cfg.Trace.Draw)
	cs := NewCommandStream(mem, backend, presenter, surfaces, shaders, drawLog)

	// Route guest stores into the GPU's ring-control registers to the
	// command stream; without this a booted guest program can program
	// PM4 packets into memory but never actually drive the GPU, since
	// nothing else ever calls SetRing/AdvanceWritePointer.
	if err := mem.RegisterMMIO(GPUMMIOStart, 0x1000, cs.ReadRingCtrl, cs.WriteRingCtrl); err != nil {
		mem.Close()
		cache.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}

	return &Engine{
		Config:        cfg,
		Memory:        mem,
		BlockCache:    cache,
		JIT:           jit,
		Scheduler:     scheduler,
		Loader:        loader,
		VFS:           NewHostVFS(),
		CommandStream: cs,
		Surfaces:      surfaces,
		Shaders:       shaders,
		GPUBackend:    backend,
		Presenter:     presenter,
		logger:        newSubsystemLog(cfg.LogWriter, "[engine] ", true),
	}, nil
}

// Thread looks up a live guest thread by hardware thread ID.
func (e *Engine) Thread(id int) (*GuestThread, bool) {
	e.Scheduler.mu.Lock()
	defer e.Scheduler.mu.Unlock()
	t, ok := e.Scheduler.threads[id]
	return t, ok
}

// Run starts the scheduler's per-hardware-thread worker fleet and
// blocks until ctx is canceled or a worker returns a non-cancellation
// error.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Printf("starting scheduler")
	return e.Scheduler.Run(ctx)
}

// Boot loads an executable image via loader, starts its primary thread
// on hardware thread 0, and returns the created thread.
func (e *Engine) Boot(loader ExecutableLoader) (*GuestThread, []ImportKey, error) {
	entry, stackTop, unresolved, err := e.Loader.LoadImage(loader)
	if err != nil {
		return nil, nil, fmt.Errorf("engine boot: %w", err)
	}
	t, err := e.Loader.StartThread(0, entry, stackTop)
	if err != nil {
		return nil, nil, fmt.Errorf("engine boot: %w", err)
	}
	return t, unresolved, nil
}

// SaveState captures every subsystem's current state.
func (e *Engine) SaveState() *SaveState {
	threads := e.liveContexts()
	return TakeSaveState(e.Memory, threads, e.CommandStream, 0, nil, e.threadIDs())
}

// LoadState restores a previously captured save state into this
// engine's live threads and memory.
func (e *Engine) LoadState(ss *SaveState) {
	byID := make(map[int]*ThreadContext)
	e.Scheduler.mu.Lock()
	for id, t := range e.Scheduler.threads {
		byID[id] = t.Ctx
	}
	e.Scheduler.mu.Unlock()
	ss.RestoreInto(e.Memory, byID, e.CommandStream)
}

func (e *Engine) liveContexts() []*ThreadContext {
	e.Scheduler.mu.Lock()
	defer e.Scheduler.mu.Unlock()
	var out []*ThreadContext
	for _, t := range e.Scheduler.threads {
		out = append(out, t.Ctx)
	}
	return out
}

func (e *Engine) threadIDs() []int {
	e.Scheduler.mu.Lock()
	defer e.Scheduler.mu.Unlock()
	ids := make([]int, 0, len(e.Scheduler.threads))
	for id := range e.Scheduler.threads {
		ids = append(ids, id)
	}
	return ids
}

// Close tears down every subsystem in reverse acquisition order.
func (e *Engine) Close() error {
	e.Scheduler.Stop()
	if closer, ok := e.GPUBackend.(interface{ Destroy() }); ok {
		closer.Destroy()
	}
	if err := e.BlockCache.Close(); err != nil {
		return fmt.Errorf("engine close: %w", err)
	}
	if err := e.Memory.Close(); err != nil {
		return fmt.Errorf("engine close: %w", err)
	}
	return nil
}

// Allocate loads raw PowerPC code bytes at a given guest address with
// no ExecutableLoader in play, for direct embedder use (tests,
// synthetic programs) rather than a parsed image.
func (e *Engine) Allocate(base, size uint32, flags AllocFlags) (uint32, error) {
	return e.Loader.Allocate(base, size, flags)
}

// WriteBytes mirrors Loader.WriteBytes for direct embedder use.
func (e *Engine) WriteBytes(base uint32, data []byte) error {
	return e.Loader.WriteBytes(base, data)
}

// StartThread mirrors Loader.StartThread for direct embedder use.
func (e *Engine) StartThread(hwThreadID int, entry, stackTop uint32) (*GuestThread, error) {
	return e.Loader.StartThread(hwThreadID, entry, stackTop)
}
