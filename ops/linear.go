// Copyright 2025 The lkmoe Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"golang.org/x/sync/errgroup"

	"github.com/lk-infer/lkmoe/blockplan"
	"github.com/lk-infer/lkmoe/executor"
	"github.com/lk-infer/lkmoe/quant"
	"github.com/lk-infer/lkmoe/topology"
)

// Linear is a single dense projection over NUMA-replicated weight shards.
type Linear struct {
	pool *executor.Pool
	plan *blockplan.Plan
	gemm quant.GEMM

	inputSize, outputSize, s int
	inType, vecType, wType, outType quant.Type
	groupMaxLen int
}

// NewLinear builds the replicated weight shards for a (outputSize x
// inputSize) projection quantized in wType, tiled at width s. inType is
// the quantization the host's input buffer is expressed in; vecType is the
// quantization the GEMM kernel requires for its vector-dot input; outType
// is the quantization the host's output buffer is expressed in.
func NewLinear(topo *topology.Topology, pool *executor.Pool, gemm quant.GEMM, inputSize, outputSize, s int, inType, vecType, wType, outType quant.Type, weights WeightSource) (*Linear, error) {
	assertDividesTile("ops.NewLinear", outputSize, s)
	plan, err := buildProjection(topo, 1, outputSize, inputSize, s, wType, func(_, outRow int) []byte {
		return weights(0, outRow)
	})
	if err != nil {
		return nil, err
	}
	return &Linear{
		pool: pool, plan: plan, gemm: gemm,
		inputSize: inputSize, outputSize: outputSize, s: s,
		inType: inType, vecType: vecType, wType: wType, outType: outType,
		groupMaxLen: defaultGroupMaxLen,
	}, nil
}

// Close releases the projection's weight buffers.
func (l *Linear) Close() error { return l.plan.Close() }

// WarmUp touches every node's weight buffer once, concurrently, so the
// first real forward call does not pay first-touch page faults.
func (l *Linear) WarmUp() error {
	return warmUpPlan(l.plan)
}

func warmUpPlan(plan *blockplan.Plan) error {
	var g errgroup.Group
	for n := range plan.Geometry.Nodes {
		n := n
		g.Go(func() error {
			var sum byte
			for _, b := range plan.NodeBuffer(n) {
				sum ^= b
			}
			_ = sum
			return nil
		})
	}
	return g.Wait()
}

// Forward computes output = input * W^T for qlen rows, chunking at
// groupMaxLen.
func (l *Linear) Forward(qlen int, input, output []byte) error {
	if qlen == 0 {
		return nil
	}
	if qlen > l.groupMaxLen {
		inStride := quant.BytesFor(l.inType, l.inputSize)
		outStride := quant.BytesFor(l.outType, l.outputSize)
		for off := 0; off < qlen; off += l.groupMaxLen {
			n := min(l.groupMaxLen, qlen-off)
			if err := l.forwardChunk(n, input[off*inStride:], output[off*outStride:]); err != nil {
				return err
			}
		}
		return nil
	}
	return l.forwardChunk(qlen, input, output)
}

func (l *Linear) forwardChunk(qlen int, input, output []byte) error {
	vecInput, vecStride := l.prepareVecInput(qlen, input)
	outStride := quant.BytesFor(l.outType, l.outputSize)
	projectTiled(l.pool, l.plan, l.gemm, qlen, l.outputSize, l.s, l.inputSize,
		l.wType, l.vecType, vecInput, vecStride, l.outType, output, outStride)
	return nil
}

// prepareVecInput returns a (possibly freshly requantized) view of input
// in l.vecType, and its per-row byte stride.
func (l *Linear) prepareVecInput(qlen int, input []byte) ([]byte, int) {
	if l.inType == l.vecType {
		return input, quant.BytesFor(l.inType, l.inputSize)
	}
	inStride := quant.BytesFor(l.inType, l.inputSize)
	vecStride := quant.BytesFor(l.vecType, l.inputSize)
	scratch := make([]byte, qlen*vecStride)
	tmp := make([]float32, l.inputSize)
	for r := 0; r < qlen; r++ {
		requantizeRow(l.inType, l.vecType, input[r*inStride:], scratch[r*vecStride:r*vecStride+vecStride], l.inputSize, tmp)
	}
	return scratch, vecStride
}
