// Copyright 2025 The lkmoe Authors. SPDX-License-Identifier: Apache-2.0

// Package ops implements the three feed-forward operators — Linear, MLP,
// and MoE — as compositions of executor's fork-join primitives,
// blockplan's replicated weight shards, quant's tagged quantization
// formats, and activation's SiLU-gated activation. Every GEMM call goes
// through the quant.GEMM collaborator interface; these operators never
// touch quantized bytes directly except to dequantize and requantize at
// tile boundaries.
package ops

import (
	"github.com/lk-infer/lkmoe/blockplan"
	"github.com/lk-infer/lkmoe/lkerr"
	"github.com/lk-infer/lkmoe/quant"
	"github.com/lk-infer/lkmoe/topology"
)

// defaultGroupMaxLen caps how many tokens one batched forward pass
// processes at a time; longer batches are chunked.
const defaultGroupMaxLen = 1024

// WeightSource supplies one output row of a projection matrix (one of E
// experts' gate/up/down matrix), in that matrix's declared quantization,
// as a contiguous run of inputSize quantized elements.
type WeightSource func(expert, outRow int) []byte

// buildProjection packs weights into a blockplan.Plan of tile width s over
// an (e, m, k) shaped tensor, concatenating s consecutive weight rows per
// tile.
func buildProjection(topo *topology.Topology, e, m, k, s int, wType quant.Type, weights WeightSource) (*blockplan.Plan, error) {
	rowBytes := quant.BytesFor(wType, k)
	src := func(expert, g int) []byte {
		buf := make([]byte, s*rowBytes)
		for i := 0; i < s; i++ {
			copy(buf[i*rowBytes:(i+1)*rowBytes], weights(expert, g*s+i))
		}
		return buf
	}
	return blockplan.Build(topo, e, m, k, s, wType, src)
}

// requantizeRow dequantizes n elements of src (format srcType) into scratch
// then requantizes into dst (format dstType). scratch must have length n.
func requantizeRow(srcType, dstType quant.Type, src []byte, dst []byte, n int, scratch []float32) {
	if srcType == dstType {
		copy(dst, src[:quant.BytesFor(srcType, n)])
		return
	}
	quant.ToFloat(srcType, src, scratch, n)
	quant.FromFloat(dstType, scratch, dst, n)
}

func assertDividesTile(op string, dim, s int) {
	lkerr.Assert(dim%s == 0, op, "tile size S must divide the given dimension")
}
