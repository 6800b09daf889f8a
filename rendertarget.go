// rendertarget.go - RenderTargetSurfaceMap, eDRAM tile-grid to host
// framebuffer bookkeeping.
//
// Grounded on memory_bus.go's page-keyed cache pattern, applied here
// to the GPU's 10 MB eDRAM tile grid instead of guest RAM pages: both
// key a bounded resource by a coarse-grained address/offset and cache
// a derived host object by content hash to avoid rebuilding it every
// frame.

package main

import "hash/fnv"

// eDRAM tiles are 80x16 pixels in this GPU generation.
const (
	edramTileWidth  = 80
	edramTileHeight = 16
	edramSizeBytes  = 10 * 1024 * 1024
)

// RenderTargetSurfaceMap tracks up to four color attachments and one
// depth attachment, mapping each guest-programmed tile offset/pitch/
// format to a cached host framebuffer keyed by content hash.
type RenderTargetSurfaceMap struct {
	cache map[uint64]*cachedFramebuffer
}

type cachedFramebuffer struct {
	attachments [5]FramebufferAttachment
}

func NewRenderTargetSurfaceMap() *RenderTargetSurfaceMap {
	return &RenderTargetSurfaceMap{cache: make(map[uint64]*cachedFramebuffer)}
}

// CacheKey hashes the current attachment set's content (tile offset,
// pitch, format for each slot) so CommandStream can reuse a
// previously bound framebuffer object without reconstructing it.
func (r *RenderTargetSurfaceMap) CacheKey(attachments []FramebufferAttachment) uint64 {
	h := fnv.New64a()
	var buf [12]byte
	for _, a := range attachments {
		putU32(buf[0:4], a.TileOffset)
		putU32(buf[4:8], a.Pitch)
		putU32(buf[8:12], a.Format)
		h.Write(buf[:])
	}
	key := h.Sum64()
	if _, ok := r.cache[key]; !ok {
		var cf cachedFramebuffer
		copy(cf.attachments[:], attachments)
		r.cache[key] = &cf
	}
	return key
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// TileOffsetToLinear converts a guest-programmed tile offset within
// eDRAM to a (row, col) tile coordinate, numbering the tile grid in
// raster order.
func TileOffsetToLinear(tileOffset, pitchPixels uint32) (row, col uint32) {
	tilesPerRow := (pitchPixels + edramTileWidth - 1) / edramTileWidth
	if tilesPerRow == 0 {
		tilesPerRow = 1
	}
	return tileOffset / tilesPerRow, tileOffset % tilesPerRow
}

// ResolveRowOffsets returns the guest address of each linear row that
// resolving one attachment writes at destGuestAddr with the given
// pitch, with the height rounded up to whole tiles. The GPUBackend
// performs the actual pixel conversion; RenderTargetSurfaceMap only
// computes the guest byte offsets the backend needs.
func (r *RenderTargetSurfaceMap) ResolveRowOffsets(attachment FramebufferAttachment, heightPixels uint32, destGuestAddr, destPitch uint32) []uint32 {
	rows := (heightPixels + edramTileHeight - 1) / edramTileHeight * edramTileHeight
	offsets := make([]uint32, 0, rows)
	for y := uint32(0); y < rows; y++ {
		offsets = append(offsets, destGuestAddr+y*destPitch)
	}
	return offsets
}
