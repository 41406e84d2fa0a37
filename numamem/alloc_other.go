// Copyright 2025 The lkmoe Authors. SPDX-License-Identifier: Apache-2.0

//go:build !linux

package numamem

import "github.com/lk-infer/lkmoe/lkerr"

// AllocateNUMA is unavailable on non-Linux hosts: the NUMA facility this
// engine relies on (mbind/set_mempolicy) is Linux-only.
func AllocateNUMA(size, node int) (*Block, error) {
	return nil, lkerr.New(lkerr.EnvUnavailable, "numamem.AllocateNUMA", "NUMA allocation requires linux", nil)
}

// FreeNUMA is unavailable on non-Linux hosts; see AllocateNUMA.
func FreeNUMA(b *Block) error {
	return lkerr.New(lkerr.EnvUnavailable, "numamem.FreeNUMA", "NUMA allocation requires linux", nil)
}

// BindCurrentThreadToNode is unavailable on non-Linux hosts; see AllocateNUMA.
func BindCurrentThreadToNode(node int) error {
	return lkerr.New(lkerr.EnvUnavailable, "numamem.BindCurrentThreadToNode", "NUMA allocation requires linux", nil)
}
