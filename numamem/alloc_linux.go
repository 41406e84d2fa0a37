// Copyright 2025 The lkmoe Authors. SPDX-License-Identifier: Apache-2.0

//go:build linux

package numamem

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/lk-infer/lkmoe/lkerr"
)

const (
	mpolBind     = 2
	mpolMFStrict = 1 << 0
	mpolMFMove   = 1 << 1
)

// AllocateNUMA returns a 64-byte aligned block of exactly size bytes whose
// pages are physically resident on NUMA node. It mmaps anonymous pages
// (already page-aligned, hence 64-byte aligned) and binds them with
// mbind(MPOL_BIND).
func AllocateNUMA(size, node int) (*Block, error) {
	if size < 0 || node < 0 {
		return nil, lkerr.New(lkerr.ConfigurationError, "numamem.AllocateNUMA", "negative size or node", nil)
	}
	if size == 0 {
		return &Block{Data: []byte{}, Node: node}, nil
	}

	pageSize := os.Getpagesize()
	alignedSize := ((size + pageSize - 1) / pageSize) * pageSize

	data, err := unix.Mmap(-1, 0, alignedSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, lkerr.New(lkerr.AllocationFailure, "numamem.AllocateNUMA", "mmap failed", err)
	}

	if err := bindToNode(data, node); err != nil {
		_ = unix.Munmap(data)
		return nil, lkerr.New(lkerr.AllocationFailure, "numamem.AllocateNUMA", "mbind failed", err)
	}

	// Touch every page so the binding takes effect immediately (first-touch
	// policy would otherwise defer physical placement until first write).
	for i := 0; i < alignedSize; i += pageSize {
		data[i] = 0
	}

	return &Block{Data: data[:size], Node: node}, nil
}

// bindToNode issues mbind(addr, len, MPOL_BIND, {1<<node}, node+2, MPOL_MF_STRICT|MPOL_MF_MOVE).
func bindToNode(data []byte, node int) error {
	maxnode := uint64(node + 2) // kernel requires maxnode > highest bit used
	nodemask := []uint64{1 << uint(node)}

	_, _, errno := unix.Syscall6(
		unix.SYS_MBIND,
		uintptr(unsafe.Pointer(&data[0])),
		uintptr(len(data)),
		uintptr(mpolBind),
		uintptr(unsafe.Pointer(&nodemask[0])),
		uintptr(maxnode),
		uintptr(mpolMFStrict|mpolMFMove),
	)
	if errno != 0 {
		return errno
	}
	return nil
}

// FreeNUMA releases a Block allocated by AllocateNUMA.
func FreeNUMA(b *Block) error {
	if b == nil || len(b.Data) == 0 {
		return nil
	}
	lkerr.Assert(b.Node >= 0, "numamem.FreeNUMA", "block is heap-local; use Free")
	pageSize := os.Getpagesize()
	alignedSize := ((len(b.Data) + pageSize - 1) / pageSize) * pageSize
	// b.Data may have been truncated to the requested size; recover the
	// full mmap'd region by re-slicing up to cap.
	full := b.Data[:alignedSize:alignedSize]
	err := unix.Munmap(full)
	b.Data = nil
	return err
}

// BindCurrentThreadToNode sets the calling OS thread's default memory
// policy to MPOL_BIND for node, so that subsequent first-touch allocations
// on this thread land node-local. The caller must have already called
// runtime.LockOSThread.
func BindCurrentThreadToNode(node int) error {
	maxnode := uint64(node + 2)
	nodemask := []uint64{1 << uint(node)}
	// set_mempolicy(mode, nodemask, maxnode)
	_, _, errno := unix.Syscall(
		unix.SYS_SET_MEMPOLICY,
		uintptr(mpolBind),
		uintptr(unsafe.Pointer(&nodemask[0])),
		uintptr(maxnode),
	)
	if errno != 0 {
		return errno
	}
	return nil
}
