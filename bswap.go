// bswap.go - guest/host byte order conversions
//
// The Xenon PowerPC core is big-endian; every host this emulator is
// expected to run on (amd64, arm64) is little-endian. Rather than carry
// a typed big-endian wrapper through the codebase, the conversion lives
// at the boundary: every GuestMemory accessor converts on the way in
// and out via encoding/binary.BigEndian, and nowhere else.

package main

import "encoding/binary"

// beLoad16/32/64 read a big-endian guest value out of a raw host byte
// slice (as found in the fastmem window, which is host-native bytes).
func beLoad16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }
func beLoad32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }
func beLoad64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

// beStore16/32/64 write v into b in big-endian guest byte order.
func beStore16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }
func beStore32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func beStore64(b []byte, v uint64) { binary.BigEndian.PutUint64(b, v) }
