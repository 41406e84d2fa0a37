// Copyright 2025 The lkmoe Authors. SPDX-License-Identifier: Apache-2.0

// Package numamem provides 64-byte aligned allocation, in both a plain
// heap-local variant and a NUMA-node-local variant whose pages are
// physically resident on a chosen node.
//
// Go does not expose a raw malloc, so the base pointer cannot be stashed
// in a header ahead of the returned buffer. Instead an out-of-band
// registry keyed by the aligned pointer's address recovers it on Free,
// which also keeps the backing allocation reachable for the garbage
// collector until then.
package numamem

import (
	"sync"
	"unsafe"

	"github.com/lk-infer/lkmoe/lkerr"
)

// Alignment is the required byte alignment for all allocations.
const Alignment = 64

// Block is a 64-byte aligned allocation. Data is the usable, aligned slice;
// its length is always exactly the requested size.
type Block struct {
	Data []byte
	Node int // NUMA node the block is resident on, or -1 for heap-local
}

var (
	registryMu sync.Mutex
	registry   = map[uintptr]any{} // aligned base addr -> retained backing value
)

func alignUp(n uintptr) uintptr {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

func register(alignedPtr unsafe.Pointer, backing any) {
	registryMu.Lock()
	registry[uintptr(alignedPtr)] = backing
	registryMu.Unlock()
}

func unregister(alignedPtr unsafe.Pointer) {
	registryMu.Lock()
	delete(registry, uintptr(alignedPtr))
	registryMu.Unlock()
}

// Allocate returns a 64-byte aligned, heap-local block of exactly size
// bytes. Free must be called exactly once on the returned Block.
func Allocate(size int) (*Block, error) {
	if size < 0 {
		return nil, lkerr.New(lkerr.ConfigurationError, "numamem.Allocate", "negative size", nil)
	}
	if size == 0 {
		return &Block{Data: []byte{}, Node: -1}, nil
	}
	raw := make([]byte, size+Alignment-1)
	base := unsafe.Pointer(unsafe.SliceData(raw))
	offset := alignUp(uintptr(base)) - uintptr(base)
	aligned := unsafe.Add(base, offset)
	data := unsafe.Slice((*byte)(aligned), size)
	register(aligned, raw)
	return &Block{Data: data, Node: -1}, nil
}

// Free releases a heap-local Block allocated by Allocate. Freeing a
// NUMA-local Block (Node >= 0) with this function is a HostContractViolation;
// use FreeNUMA instead.
func Free(b *Block) {
	if b == nil || len(b.Data) == 0 {
		return
	}
	lkerr.Assert(b.Node < 0, "numamem.Free", "block is NUMA-local; use FreeNUMA")
	aligned := unsafe.Pointer(unsafe.SliceData(b.Data))
	unregister(aligned)
	b.Data = nil
}
