// savestate.go - persisted engine state: a versioned header, typed
// sections for CPU/GPU/KERNEL/MEMORY, FNV-1a checksummed.
//
// Grounded on debug_snapshot.go's SaveSnapshotToFile/LoadSnapshotFromFile
// (the same binary.Write/ReadFull framing, length-prefixed fields, and
// compressed-body idiom), generalizing debug_snapshot's single
// CPU+memory blob into typed CPU/GPU/kernel/memory sections - swapping
// gzip for zlib and the ad hoc byte-count checksum-less framing for an
// explicit FNV-1a over every section body.

package main

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"io"
)

const (
	saveStateMagic   = "XNVM"
	saveStateVersion = 1

	pageSize = 4096
)

// SectionType identifies one typed region of a save state.
type SectionType uint32

const (
	SectionCPU SectionType = iota
	SectionGPU
	SectionKernel
	SectionMemory
)

// CPUThreadState is one hardware thread's architectural register file,
// laid out exactly as ThreadContext but with bitmask flags serialized
// instead of atomic.Bool fields.
type CPUThreadState struct {
	ThreadID int32
	GPR      [32]uint64
	FPR      [32]float64
	VR       [128]VReg
	LR, CTR  uint64
	XER      uint32
	CR       [8]uint8
	FPSCR    uint32
	VSCR     uint32
	PC       uint32
	MSR      uint32
	TimeBase uint64

	Running       bool
	Interrupted   bool
	ReservationOK bool
	ResAddr       uint32
	ResSize       uint32
}

// GPUState is the CommandStream register file plus ring bookkeeping.
type GPUState struct {
	RingBase, RingSize uint32
	ReadPtr, WritePtr  uint32
	Registers          [registerFileWords]uint32
}

// KernelState is the HLE layer's handle table bookkeeping; object
// bodies (events/semaphores/mutants/timers) are out of scope for this
// format's first version and are recreated unsignaled on load.
type KernelState struct {
	NextHandle uint32
	ModuleIDs  []uint32
	ThreadIDs  []int
}

// sectionHeader precedes each section body in the file.
type sectionHeader struct {
	Type             SectionType
	Flags            uint32
	UncompressedSize uint32
	CompressedSize   uint32
}

// SaveState is everything TakeSaveState captures; the zero value is
// not meaningful, always construct via TakeSaveState or DecodeSaveState.
type SaveState struct {
	Timestamp uint64
	CPU       []CPUThreadState
	GPU       GPUState
	Kernel    KernelState

	// MemoryPresent marks which 4 KB guest pages are non-zero; Memory
	// holds exactly one pageSize-byte entry per set bit, in ascending
	// page-index order.
	MemoryPresent []bool
	Memory        [][pageSize]byte
}

// TakeSaveState captures a consistent snapshot of every engine
// subsystem. Callers should pause the scheduler first; this function
// does not itself synchronize against in-flight guest threads.
func TakeSaveState(mem *GuestMemory, threads []*ThreadContext, cs *CommandStream, nextHandle uint32, moduleIDs []uint32, threadIDs []int) *SaveState {
	ss := &SaveState{
		Timestamp: mem.TimeBase(),
		Kernel: KernelState{
			NextHandle: nextHandle,
			ModuleIDs:  append([]uint32(nil), moduleIDs...),
			ThreadIDs:  append([]int(nil), threadIDs...),
		},
	}
	for _, tc := range threads {
		ss.CPU = append(ss.CPU, cpuStateFromContext(tc))
	}
	ss.GPU = GPUState{
		RingBase:  cs.ringBase,
		RingSize:  cs.ringSize,
		ReadPtr:   cs.readPtr,
		WritePtr:  cs.writePtr,
		Registers: cs.registers,
	}

	pageCount := GuestRAMSize / pageSize
	ss.MemoryPresent = make([]bool, pageCount)
	raw := mem.BulkRead(0, GuestRAMSize)
	for i := 0; i < pageCount; i++ {
		page := raw[i*pageSize : (i+1)*pageSize]
		if isZeroPage(page) {
			continue
		}
		ss.MemoryPresent[i] = true
		var p [pageSize]byte
		copy(p[:], page)
		ss.Memory = append(ss.Memory, p)
	}
	return ss
}

func isZeroPage(p []byte) bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}

func cpuStateFromContext(tc *ThreadContext) CPUThreadState {
	s := CPUThreadState{
		ThreadID: int32(tc.ThreadID),
		GPR:      tc.GPR,
		FPR:      tc.FPR,
		VR:       tc.VR,
		LR:       tc.LR,
		CTR:      tc.CTR,
		XER:      tc.XER.Pack(),
		FPSCR:    tc.FPSCR,
		VSCR:     tc.VSCR,
		PC:       tc.PC,
		MSR:      tc.MSR,

		Running:       tc.Running.Load(),
		Interrupted:   tc.Interrupted.Load(),
		ReservationOK: tc.Reservation.Valid,
		ResAddr:       tc.Reservation.Addr,
		ResSize:       tc.Reservation.Size,
	}
	for i, f := range tc.CR {
		s.CR[i] = f.Pack()
	}
	return s
}

// RestoreInto writes s's CPU/GPU state back onto a live ThreadContext
// by thread ID, and the guest memory pages back into mem. Kernel
// object bodies are not restored; the caller is responsible for
// rebuilding handle-table entries from Kernel before threads resume.
func (s *SaveState) RestoreInto(mem *GuestMemory, threads map[int]*ThreadContext, cs *CommandStream) {
	for _, cpu := range s.CPU {
		tc, ok := threads[int(cpu.ThreadID)]
		if !ok {
			continue
		}
		restoreContext(tc, cpu)
	}

	cs.ringBase, cs.ringSize = s.GPU.RingBase, s.GPU.RingSize
	cs.readPtr, cs.writePtr = s.GPU.ReadPtr, s.GPU.WritePtr
	cs.registers = s.GPU.Registers

	pageIdx := 0
	for i, present := range s.MemoryPresent {
		if !present {
			continue
		}
		mem.BulkWrite(uint32(i*pageSize), s.Memory[pageIdx][:])
		pageIdx++
	}
	mem.AdvanceTimeBase(s.Timestamp - mem.TimeBase())
}

func restoreContext(tc *ThreadContext, cpu CPUThreadState) {
	tc.GPR = cpu.GPR
	tc.FPR = cpu.FPR
	tc.VR = cpu.VR
	tc.LR = cpu.LR
	tc.CTR = cpu.CTR
	tc.XER.Unpack(cpu.XER)
	tc.FPSCR = cpu.FPSCR
	tc.VSCR = cpu.VSCR
	tc.PC = cpu.PC
	tc.MSR = cpu.MSR
	for i := range tc.CR {
		tc.CR[i].Unpack(cpu.CR[i])
	}
	tc.Running.Store(cpu.Running)
	tc.Interrupted.Store(cpu.Interrupted)
	tc.Reservation = Reservation{Valid: cpu.ReservationOK, Addr: cpu.ResAddr, Size: cpu.ResSize}
}

// Encode writes the framed, checksummed save-state file format to w.
func (s *SaveState) Encode(w io.Writer) error {
	var bodies bytes.Buffer
	sections := []sectionHeader{}

	for _, body := range []struct {
		typ SectionType
		enc func(*bytes.Buffer) error
	}{
		{SectionCPU, s.encodeCPU},
		{SectionGPU, s.encodeGPU},
		{SectionKernel, s.encodeKernel},
		{SectionMemory, s.encodeMemory},
	} {
		var raw bytes.Buffer
		if err := body.enc(&raw); err != nil {
			return fmt.Errorf("encode section %d: %w", body.typ, err)
		}
		var compressed bytes.Buffer
		zw := zlib.NewWriter(&compressed)
		if _, err := zw.Write(raw.Bytes()); err != nil {
			return fmt.Errorf("compress section %d: %w", body.typ, err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("close zlib writer: %w", err)
		}
		sections = append(sections, sectionHeader{
			Type:             body.typ,
			UncompressedSize: uint32(raw.Len()),
			CompressedSize:   uint32(compressed.Len()),
		})
		bodies.Write(compressed.Bytes())
	}

	checksum := fnv.New64a()
	checksum.Write(bodies.Bytes())

	if _, err := w.Write([]byte(saveStateMagic)); err != nil {
		return err
	}
	header := []any{
		uint32(saveStateVersion),
		uint32(len(sections)),
		uint32(0), // flags, reserved
		s.Timestamp,
		checksum.Sum64(),
	}
	for _, f := range header {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	for _, sh := range sections {
		for _, f := range []any{sh.Type, sh.Flags, sh.UncompressedSize, sh.CompressedSize} {
			if err := binary.Write(w, binary.LittleEndian, f); err != nil {
				return fmt.Errorf("write section header: %w", err)
			}
		}
	}
	_, err := w.Write(bodies.Bytes())
	return err
}

func (s *SaveState) encodeCPU(buf *bytes.Buffer) error {
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(s.CPU))); err != nil {
		return err
	}
	for _, c := range s.CPU {
		if err := binary.Write(buf, binary.LittleEndian, c); err != nil {
			return err
		}
	}
	return nil
}

func (s *SaveState) encodeGPU(buf *bytes.Buffer) error {
	return binary.Write(buf, binary.LittleEndian, s.GPU)
}

func (s *SaveState) encodeKernel(buf *bytes.Buffer) error {
	if err := binary.Write(buf, binary.LittleEndian, s.Kernel.NextHandle); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(s.Kernel.ModuleIDs))); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, s.Kernel.ModuleIDs); err != nil {
		return err
	}
	ids32 := make([]int32, len(s.Kernel.ThreadIDs))
	for i, id := range s.Kernel.ThreadIDs {
		ids32[i] = int32(id)
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(ids32))); err != nil {
		return err
	}
	return binary.Write(buf, binary.LittleEndian, ids32)
}

func (s *SaveState) encodeMemory(buf *bytes.Buffer) error {
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(s.MemoryPresent))); err != nil {
		return err
	}
	bitmap := make([]byte, (len(s.MemoryPresent)+7)/8)
	for i, present := range s.MemoryPresent {
		if present {
			bitmap[i/8] |= 1 << uint(i%8)
		}
	}
	if _, err := buf.Write(bitmap); err != nil {
		return err
	}
	for _, page := range s.Memory {
		if _, err := buf.Write(page[:]); err != nil {
			return err
		}
	}
	return nil
}

// DecodeSaveState reads and validates the framed format written by
// Encode, verifying the FNV-1a checksum before decompressing any
// section.
func DecodeSaveState(r io.Reader) (*SaveState, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != saveStateMagic {
		return nil, fmt.Errorf("bad magic %q", magic)
	}
	var version, sectionCount, flags uint32
	var timestamp, checksum uint64
	for _, f := range []any{&version, &sectionCount, &flags, &timestamp, &checksum} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
	}
	if version != saveStateVersion {
		return nil, fmt.Errorf("unsupported save-state version %d", version)
	}

	headers := make([]sectionHeader, sectionCount)
	for i := range headers {
		if err := binary.Read(r, binary.LittleEndian, &headers[i].Type); err != nil {
			return nil, fmt.Errorf("read section header: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &headers[i].Flags); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &headers[i].UncompressedSize); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &headers[i].CompressedSize); err != nil {
			return nil, err
		}
	}

	var bodies bytes.Buffer
	compressedBySection := make([][]byte, sectionCount)
	for i, sh := range headers {
		raw := make([]byte, sh.CompressedSize)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("read section %d body: %w", sh.Type, err)
		}
		compressedBySection[i] = raw
		bodies.Write(raw)
	}

	verify := fnv.New64a()
	verify.Write(bodies.Bytes())
	if verify.Sum64() != checksum {
		return nil, fmt.Errorf("save state checksum mismatch")
	}

	ss := &SaveState{Timestamp: timestamp}
	for i, sh := range headers {
		zr, err := zlib.NewReader(bytes.NewReader(compressedBySection[i]))
		if err != nil {
			return nil, fmt.Errorf("open section %d: %w", sh.Type, err)
		}
		raw := make([]byte, sh.UncompressedSize)
		if _, err := io.ReadFull(zr, raw); err != nil {
			return nil, fmt.Errorf("decompress section %d: %w", sh.Type, err)
		}
		zr.Close()
		if err := ss.decodeSection(sh.Type, raw); err != nil {
			return nil, err
		}
	}
	return ss, nil
}

func (ss *SaveState) decodeSection(typ SectionType, raw []byte) error {
	r := bytes.NewReader(raw)
	switch typ {
	case SectionCPU:
		var count uint32
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return err
		}
		ss.CPU = make([]CPUThreadState, count)
		for i := range ss.CPU {
			if err := binary.Read(r, binary.LittleEndian, &ss.CPU[i]); err != nil {
				return fmt.Errorf("decode CPU thread %d: %w", i, err)
			}
		}
	case SectionGPU:
		if err := binary.Read(r, binary.LittleEndian, &ss.GPU); err != nil {
			return fmt.Errorf("decode GPU section: %w", err)
		}
	case SectionKernel:
		if err := binary.Read(r, binary.LittleEndian, &ss.Kernel.NextHandle); err != nil {
			return err
		}
		var modCount uint32
		if err := binary.Read(r, binary.LittleEndian, &modCount); err != nil {
			return err
		}
		ss.Kernel.ModuleIDs = make([]uint32, modCount)
		if err := binary.Read(r, binary.LittleEndian, ss.Kernel.ModuleIDs); err != nil {
			return err
		}
		var threadCount uint32
		if err := binary.Read(r, binary.LittleEndian, &threadCount); err != nil {
			return err
		}
		ids32 := make([]int32, threadCount)
		if err := binary.Read(r, binary.LittleEndian, ids32); err != nil {
			return err
		}
		ss.Kernel.ThreadIDs = make([]int, threadCount)
		for i, id := range ids32 {
			ss.Kernel.ThreadIDs[i] = int(id)
		}
	case SectionMemory:
		var pageCount uint32
		if err := binary.Read(r, binary.LittleEndian, &pageCount); err != nil {
			return err
		}
		bitmap := make([]byte, (pageCount+7)/8)
		if _, err := io.ReadFull(r, bitmap); err != nil {
			return err
		}
		ss.MemoryPresent = make([]bool, pageCount)
		var presentCount uint32
		for i := uint32(0); i < pageCount; i++ {
			if bitmap[i/8]&(1<<uint(i%8)) != 0 {
				ss.MemoryPresent[i] = true
				presentCount++
			}
		}
		ss.Memory = make([][pageSize]byte, presentCount)
		for i := range ss.Memory {
			if _, err := io.ReadFull(r, ss.Memory[i][:]); err != nil {
				return fmt.Errorf("decode memory page %d: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("unknown section type %d", typ)
	}
	return nil
}
