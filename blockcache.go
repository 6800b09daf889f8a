// blockcache.go - BlockCache, the JIT's compiled-block store and
// self-modifying-code invalidation path.
//
// Grounded on memory_bus.go's page-keyed map idiom
// (generalized here from memory pages to block spans) and on
// golang.org/x/sys/unix for the executable arena mapping, the same
// library guest_memory.go uses for the fastmem window - BlockCache's
// arena is a second, smaller Mmap region with PROT_EXEC instead of
// PROT_READ|PROT_WRITE. Eviction uses container/list for the LRU
// chain, the same approach an hashicorp/golang-lru-style cache takes;
// no third-party cache library in the retrieved pack fits a
// byte-arena-backed cache with host-code eviction side effects, so
// this one layer is hand-rolled over the standard list.

package main

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

const blockCachePageSize = 0x1000

// BlockCache owns the executable arena compiled blocks are emitted
// into, keyed by guest start PC, and subscribes to GuestMemory's
// write-tracking to invalidate blocks whose guest span was modified.
// Blocks are evicted least-recently-used once maxBlocks is reached,
// and a guest-page index keeps SMC invalidation from scanning every
// live block on every tracked write.
type BlockCache struct {
	mu sync.Mutex

	arena    []byte
	arenaPos int

	byStartPC map[uint32]*list.Element // guest PC -> lru element (Value is *CompiledBlock)
	byPage    map[uint32]map[uint32]*CompiledBlock
	lru       *list.List // front = most recently used

	mem *GuestMemory
	log *subsystemLog

	maxBlocks int
}

// NewBlockCache maps a PROT_EXEC arena of sizeBytes and wires SMC
// invalidation against mem's whole guest-physical range and its
// virtual mirror.
func NewBlockCache(mem *GuestMemory, sizeBytes, maxBlocks int, logw *subsystemLog) (*BlockCache, error) {
	arena, err := unix.Mmap(-1, 0, sizeBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, newEngineError(ErrFastmemMapping, fmt.Errorf("block cache arena mmap: %w", err))
	}
	bc := &BlockCache{
		arena:     arena,
		byStartPC: make(map[uint32]*list.Element),
		byPage:    make(map[uint32]map[uint32]*CompiledBlock),
		lru:       list.New(),
		mem:       mem,
		log:       logw,
		maxBlocks: maxBlocks,
	}
	mem.TrackWrites(0, PhysicalWindowEnd, bc.onGuestWrite)
	mem.TrackWrites(VirtualMirrorStart, VirtualMirrorEnd-VirtualMirrorStart, bc.onGuestWrite)
	return bc, nil
}

// Close unmaps the executable arena. Not safe to call while any
// compiled block's Entry may still be executing.
func (bc *BlockCache) Close() error {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.arena == nil {
		return nil
	}
	err := unix.Munmap(bc.arena)
	bc.arena = nil
	return err
}

// makeExecutable finalizes a just-emitted block's bytes by flipping
// the arena's protection from writable to executable. Real ARM64
// requires an instruction-cache invalidation after this on hosts
// without coherent I/D caches; Go's runtime.GC-managed stack does not
// touch this region so no further barrier is needed here beyond the
// mprotect itself.
func (bc *BlockCache) makeExecutable(start, length int) error {
	if err := unix.Mprotect(bc.arena[start:start+length], unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return newEngineError(ErrFastmemMapping, fmt.Errorf("block cache mprotect exec: %w", err))
	}
	return nil
}

// Lookup returns the compiled block starting at pc, if one exists and
// has not been invalidated, promoting it to most-recently-used.
func (bc *BlockCache) Lookup(pc uint32) (*CompiledBlock, bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	el, ok := bc.byStartPC[pc]
	if !ok {
		return nil, false
	}
	bc.lru.MoveToFront(el)
	return el.Value.(*CompiledBlock), true
}

// Insert records a newly compiled block, evicting the
// least-recently-used block first if the cache is already at
// maxBlocks.
func (bc *BlockCache) Insert(b *CompiledBlock) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if old, ok := bc.byStartPC[b.StartPC]; ok {
		bc.removeLocked(old.Value.(*CompiledBlock))
	}

	if len(bc.byStartPC) >= bc.maxBlocks {
		if victimEl := bc.lru.Back(); victimEl != nil {
			victim := victimEl.Value.(*CompiledBlock)
			bc.removeLocked(victim)
			bc.log.Printf("evicted LRU block pc=%#x..%#x to admit pc=%#x", victim.StartPC, victim.EndPC, b.StartPC)
		}
	}

	if err := bc.makeExecutable(b.HostOffset, len(b.HostCode)); err != nil {
		return err
	}

	el := bc.lru.PushFront(b)
	bc.byStartPC[b.StartPC] = el
	bc.indexPagesLocked(b)
	bc.log.Printf("inserted block pc=%#x..%#x (%d bytes host code)", b.StartPC, b.EndPC, len(b.HostCode))
	return nil
}

// removeLocked drops b from every index. Callers must hold bc.mu.
func (bc *BlockCache) removeLocked(b *CompiledBlock) {
	if el, ok := bc.byStartPC[b.StartPC]; ok {
		bc.lru.Remove(el)
		delete(bc.byStartPC, b.StartPC)
	}
	bc.unindexPagesLocked(b)
}

func pageRange(start, end uint32) (first, last uint32) {
	first = start &^ (blockCachePageSize - 1)
	last = (end - 1) &^ (blockCachePageSize - 1)
	return first, last
}

func (bc *BlockCache) indexPagesLocked(b *CompiledBlock) {
	first, last := pageRange(b.StartPC, b.EndPC)
	for page := first; ; page += blockCachePageSize {
		m := bc.byPage[page]
		if m == nil {
			m = make(map[uint32]*CompiledBlock)
			bc.byPage[page] = m
		}
		m[b.StartPC] = b
		if page == last {
			break
		}
	}
}

func (bc *BlockCache) unindexPagesLocked(b *CompiledBlock) {
	first, last := pageRange(b.StartPC, b.EndPC)
	for page := first; ; page += blockCachePageSize {
		if m, ok := bc.byPage[page]; ok {
			delete(m, b.StartPC)
			if len(m) == 0 {
				delete(bc.byPage, page)
			}
		}
		if page == last {
			break
		}
	}
}

// Reserve carves out length executable-arena bytes for a block being
// compiled, returning the writable slice and its arena offset. Callers
// must call makeExecutable (via Insert) before the block can run.
// Reservations are rounded up to whole host pages, since mprotect only
// accepts page-aligned spans.
func (bc *BlockCache) Reserve(length int) (buf []byte, offset int, err error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	pg := unix.Getpagesize()
	length = (length + pg - 1) &^ (pg - 1)
	if bc.arenaPos+length > len(bc.arena) {
		return nil, 0, newEngineError(ErrCodeCacheOverflow, fmt.Errorf("arena exhausted: need %d, have %d free", length, len(bc.arena)-bc.arenaPos))
	}
	if err := unix.Mprotect(bc.arena[bc.arenaPos:bc.arenaPos+length], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return nil, 0, newEngineError(ErrFastmemMapping, fmt.Errorf("block cache mprotect write: %w", err))
	}
	offset = bc.arenaPos
	bc.arenaPos += length
	return bc.arena[offset : offset+length], offset, nil
}

// Link resolves b's unresolved direct-branch patch sites against
// blocks already present in the cache, rewriting host code in place
// for any target that now exists. resolved computes the replacement
// instruction word for a given (target, site) pair; sites it declines
// (out of branch range, say) stay pending for a future Link call.
func (bc *BlockCache) Link(b *CompiledBlock, resolved func(target *CompiledBlock, site PatchSite) (word uint32, ok bool)) {
	bc.mu.Lock()
	remaining := b.PatchSites[:0]
	type patch struct {
		offset int
		word   uint32
	}
	var patches []patch
	for _, site := range b.PatchSites {
		el, ok := bc.byStartPC[site.TargetPC]
		if !ok {
			remaining = append(remaining, site)
			continue
		}
		target := el.Value.(*CompiledBlock)
		word, ok := resolved(target, site)
		if !ok {
			remaining = append(remaining, site)
			continue
		}
		patches = append(patches, patch{b.HostOffset + site.HostOffset, word})
	}
	b.PatchSites = remaining
	bc.mu.Unlock()

	for _, p := range patches {
		if err := bc.patchWord(p.offset, p.word); err != nil {
			bc.log.Printf("link: patching block pc=%#x offset %d: %v", b.StartPC, p.offset, err)
		}
	}
}

// patchWord overwrites one 32-bit instruction at an absolute arena
// offset, briefly reopening the host page that holds it for writes
// since Insert's makeExecutable left the arena PROT_EXEC-only.
func (bc *BlockCache) patchWord(arenaOffset int, word uint32) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	pg := unix.Getpagesize()
	pageStart := arenaOffset &^ (pg - 1)
	page := bc.arena[pageStart : pageStart+pg]
	if err := unix.Mprotect(page, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return newEngineError(ErrFastmemMapping, fmt.Errorf("block cache mprotect write for patch: %w", err))
	}
	binary.LittleEndian.PutUint32(bc.arena[arenaOffset:arenaOffset+4], word)
	return unix.Mprotect(page, unix.PROT_READ|unix.PROT_EXEC)
}

// onGuestWrite is GuestMemory's write-tracking callback: any write
// overlapping a compiled block's guest span invalidates that block.
// Only blocks indexed under a page the write touches are considered.
func (bc *BlockCache) onGuestWrite(addr, size uint32) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	first, last := pageRange(addr, addr+size)
	seen := make(map[uint32]bool)
	for page := first; ; page += blockCachePageSize {
		for pc, b := range bc.byPage[page] {
			if seen[pc] {
				continue
			}
			seen[pc] = true
			if b.Overlaps(addr, size) {
				bc.log.Printf("SMC invalidated block pc=%#x..%#x (write at %#x size %d)", b.StartPC, b.EndPC, addr, size)
				bc.removeLocked(b)
			}
		}
		if page == last {
			break
		}
	}
}

// Reset drops every cached block and rewinds the arena, used when the
// guest performs a full instruction-cache flush or the engine resets.
func (bc *BlockCache) Reset() {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.byStartPC = make(map[uint32]*list.Element)
	bc.byPage = make(map[uint32]map[uint32]*CompiledBlock)
	bc.lru = list.New()
	bc.arenaPos = 0
}

// Count returns the number of live compiled blocks, for diagnostics.
func (bc *BlockCache) Count() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return len(bc.byStartPC)
}
