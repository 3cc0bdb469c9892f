// Package kutil holds small, dependency-free kernel utility helpers: byte
// order conversion and (in the kprintf subpackage) printf-style formatting.
// Path canonicalisation lives in pkg/vfs/path since every caller of it is
// VFS/process-cwd related.
package kutil

import "encoding/binary"

// LEUint16 decodes a little-endian uint16, the order of on-disk structures
// such as the MBR partition table (network protocols such as Ethernet and
// IPv4 use the big-endian helpers below).
func LEUint16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }

// LEUint32 decodes a little-endian uint32.
func LEUint32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

// PutLEUint16 encodes v into b as little-endian.
func PutLEUint16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }

// PutLEUint32 encodes v into b as little-endian.
func PutLEUint32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }

// BEUint16 decodes a big-endian (network order) uint16.
func BEUint16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }

// BEUint32 decodes a big-endian (network order) uint32.
func BEUint32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

// PutBEUint16 encodes v into b as big-endian (network order).
func PutBEUint16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }

// PutBEUint32 encodes v into b as big-endian (network order).
func PutBEUint32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
