// gpu_backend_headless.go - a no-device GPUBackend used when no
// Vulkan-capable surface is available (tests, CI, headless servers).
//
// Grounded on voodoo_vulkan.go's own dual-backend pattern, where a
// software rasterizer stands in for the Vulkan path - HeadlessGPUBackend
// plays the same role here: it validates call sequencing and records
// state without touching a GPU device, which is what commandstream_test.go
// exercises against.

package main

// HeadlessGPUBackend implements GPUBackend by recording calls instead
// of rendering, letting CommandStream's packet-dispatch logic be
// tested without a Vulkan device.
type HeadlessGPUBackend struct {
	FrameCount      int
	BoundFramebuffer uint64
	BoundPipeline    uint64
	DrawCount        int
	LastDrawCount    uint32
	Resolves         []ResolveCall
}

type ResolveCall struct {
	Attachment int
	DestAddr   uint32
	Pitch      uint32
}

func NewHeadlessGPUBackend() *HeadlessGPUBackend {
	return &HeadlessGPUBackend{}
}

func (h *HeadlessGPUBackend) BeginFrame() {}

func (h *HeadlessGPUBackend) BindFramebuffer(cacheKey uint64, attachments []FramebufferAttachment) {
	h.BoundFramebuffer = cacheKey
}

func (h *HeadlessGPUBackend) BindPipeline(cacheKey uint64, vertexShader, pixelShader uint64, state PipelineState) {
	h.BoundPipeline = cacheKey
}

func (h *HeadlessGPUBackend) SetVertexConstants(base uint32, values [][4]float32) {}

func (h *HeadlessGPUBackend) SetPixelConstants(base uint32, values [][4]float32) {}

func (h *HeadlessGPUBackend) SetTextures(slot uint32, guestAddr uint32) {}

func (h *HeadlessGPUBackend) DrawIndexed(prim PrimitiveType, count uint32, indexBuffer uint32, indexType IndexType) {
	h.DrawCount++
	h.LastDrawCount = count
}

func (h *HeadlessGPUBackend) Resolve(attachment int, destGuestAddr uint32, pitch uint32) {
	h.Resolves = append(h.Resolves, ResolveCall{Attachment: attachment, DestAddr: destGuestAddr, Pitch: pitch})
}

func (h *HeadlessGPUBackend) EndFrame() {
	h.FrameCount++
}

// NullPresenter discards frame-complete notifications; used when the
// embedder has not yet wired a real presentation surface.
type NullPresenter struct{}

func (NullPresenter) OnFrameComplete() {}
