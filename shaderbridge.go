// shaderbridge.go - ShaderPipelineBridge, microcode/pipeline-state
// cache keys.
//
// Grounded on coprocessor_manager.go's cache-by-hash pattern for
// translated coprocessor routines, generalized from IE64 coprocessor
// microcode to Xenos vertex/pixel shader microcode: translation
// itself stays out of scope, the bridge only owns
// cache keys and invalidation.

package main

import "hash/fnv"

// ShaderPipelineBridge indexes translated-shader and device-pipeline
// caches by content hash, invalidating entries whose source microcode
// region was overwritten.
type ShaderPipelineBridge struct {
	shaderHashes  map[uint32]uint64 // microcode base guest address -> hash
	pipelineCache map[uint64]PipelineState
	microcodeSpan map[uint64]struct{ base, size uint32 }
}

func NewShaderPipelineBridge() *ShaderPipelineBridge {
	return &ShaderPipelineBridge{
		shaderHashes:  make(map[uint32]uint64),
		pipelineCache: make(map[uint64]PipelineState),
		microcodeSpan: make(map[uint64]struct{ base, size uint32 }),
	}
}

// HashMicrocode computes the cache key for a vertex/pixel shader's
// microcode words and remembers its guest span for invalidation.
func (b *ShaderPipelineBridge) HashMicrocode(baseGuestAddr uint32, words []uint32) uint64 {
	h := fnv.New64a()
	var buf [4]byte
	for _, w := range words {
		putU32(buf[:], w)
		h.Write(buf[:])
	}
	key := h.Sum64()
	b.shaderHashes[baseGuestAddr] = key
	b.microcodeSpan[key] = struct{ base, size uint32 }{baseGuestAddr, uint32(len(words) * 4)}
	return key
}

// PipelineKey hashes a full pipeline-state key: topology, cull,
// front-face, depth/blend state, and the two shader hashes.
func (b *ShaderPipelineBridge) PipelineKey(state PipelineState, vertexHash, pixelHash uint64) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	writeU64 := func(v uint64) {
		for i := 0; i < 8; i++ {
			buf[i] = byte(v >> (8 * i))
		}
		h.Write(buf[:])
	}
	writeU64(vertexHash)
	writeU64(pixelHash)
	h.Write([]byte{
		byte(state.Primitive), state.CullMode, boolByte(state.FrontFaceCCW),
		boolByte(state.DepthTest), boolByte(state.DepthWrite), state.DepthCompare,
		boolByte(state.BlendEnable), state.SrcBlend, state.DstBlend, state.BlendOp,
	})
	key := h.Sum64()
	b.pipelineCache[key] = state
	return key
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// InvalidateRange drops every cached shader hash whose microcode span
// overlaps [addr, addr+size). pipelineCache is keyed by PipelineKey's
// hash, not a shader hash, so pipeline entries built from a dropped
// shader stay cached. Nothing in this package calls it; it is not
// registered with GuestMemory's write tracking.
func (b *ShaderPipelineBridge) InvalidateRange(addr, size uint32) {
	end := addr + size
	for key, span := range b.microcodeSpan {
		spanEnd := span.base + span.size
		if addr < spanEnd && end > span.base {
			delete(b.microcodeSpan, key)
			delete(b.pipelineCache, key)
			for base, h := range b.shaderHashes {
				if h == key {
					delete(b.shaderHashes, base)
				}
			}
		}
	}
}
