// jit_trampoline_arm64.go - Go-side declaration of the AAPCS64
// trampoline compiled blocks run through; jit_trampoline_arm64.s
// supplies the body.
//
// Every parameter and return value is a plain 8-byte word
// (uintptr/uint64) so the call's argument frame needs no padding or
// alignment reasoning beyond "N words, in order".

package main

// callHostCode transfers control to the ARM64 machine code at entry -
// a CompiledBlock's HostCode first byte - with ctxPtr, fastmemBase,
// memPtr, jitPtr and cycleBudget loaded into the fixed-role registers
// regalloc.go assigns (RegContext, RegFastmem, RegMemory, RegJIT,
// RegCycleBud), and returns the values HostCode leaves in X0/X1.
//
//go:noescape
func callHostCode(entry, ctxPtr, fastmemBase, memPtr, jitPtr uintptr, cycleBudget uint64) (nextPC uint64, cyclesUsed uint64)
