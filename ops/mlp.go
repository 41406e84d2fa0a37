// Copyright 2025 The lkmoe Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"golang.org/x/sync/errgroup"

	"github.com/lk-infer/lkmoe/blockplan"
	"github.com/lk-infer/lkmoe/executor"
	"github.com/lk-infer/lkmoe/quant"
	"github.com/lk-infer/lkmoe/topology"
)

// MLP is the dense gate-up-activation-down operator.
type MLP struct {
	pool *executor.Pool
	gemm quant.GEMM

	gatePlan, upPlan, downPlan *blockplan.Plan

	hiddenSize, interSize, s int
	inType, vecType, downVecType, wType, outType quant.Type
	groupMaxLen int
}

// NewMLP builds replicated weight shards for the gate, up (interSize x
// hiddenSize, quantized wType) and down (hiddenSize x interSize, quantized
// wType) matrices, tiled at width s. vecType is the GEMM vector-dot
// quantization for the gate/up stage; downVecType is the vector-dot
// quantization for the down stage (the format the activated intermediate
// is requantized into).
func NewMLP(topo *topology.Topology, pool *executor.Pool, gemm quant.GEMM, hiddenSize, interSize, s int, inType, vecType, downVecType, wType, outType quant.Type, gateW, upW, downW WeightSource) (*MLP, error) {
	assertDividesTile("ops.NewMLP", interSize, s)
	assertDividesTile("ops.NewMLP", hiddenSize, s)

	gatePlan, err := buildProjection(topo, 1, interSize, hiddenSize, s, wType, gateW)
	if err != nil {
		return nil, err
	}
	upPlan, err := buildProjection(topo, 1, interSize, hiddenSize, s, wType, upW)
	if err != nil {
		gatePlan.Close()
		return nil, err
	}
	downPlan, err := buildProjection(topo, 1, hiddenSize, interSize, s, wType, downW)
	if err != nil {
		gatePlan.Close()
		upPlan.Close()
		return nil, err
	}

	return &MLP{
		pool: pool, gemm: gemm,
		gatePlan: gatePlan, upPlan: upPlan, downPlan: downPlan,
		hiddenSize: hiddenSize, interSize: interSize, s: s,
		inType: inType, vecType: vecType, downVecType: downVecType, wType: wType, outType: outType,
		groupMaxLen: defaultGroupMaxLen,
	}, nil
}

// Close releases all three projections' weight buffers.
func (m *MLP) Close() error {
	var firstErr error
	for _, c := range []func() error{m.gatePlan.Close, m.upPlan.Close, m.downPlan.Close} {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WarmUp touches every weight buffer for all three projections.
func (m *MLP) WarmUp() error {
	var g errgroup.Group
	for _, p := range []*blockplan.Plan{m.gatePlan, m.upPlan, m.downPlan} {
		p := p
		g.Go(func() error { return warmUpPlan(p) })
	}
	return g.Wait()
}

// Forward computes down(act(gate(x), up(x))) for qlen rows, chunking at
// groupMaxLen.
func (m *MLP) Forward(qlen int, input, output []byte) error {
	if qlen == 0 {
		return nil
	}
	if qlen > m.groupMaxLen {
		inStride := quant.BytesFor(m.inType, m.hiddenSize)
		outStride := quant.BytesFor(m.outType, m.hiddenSize)
		for off := 0; off < qlen; off += m.groupMaxLen {
			n := min(m.groupMaxLen, qlen-off)
			if err := m.forwardChunk(n, input[off*inStride:], output[off*outStride:]); err != nil {
				return err
			}
		}
		return nil
	}
	return m.forwardChunk(qlen, input, output)
}

func (m *MLP) forwardChunk(qlen int, input, output []byte) error {
	vecInput, vecStride := m.prepareVecInput(qlen, input)

	downVecStride := quant.BytesFor(m.downVecType, m.interSize)
	downInput := make([]byte, qlen*downVecStride)
	gateUpActivate(m.pool, m.gatePlan, m.upPlan, m.gemm, qlen, m.interSize, m.s, m.hiddenSize,
		m.wType, m.vecType, vecInput, vecStride, m.downVecType, downInput, downVecStride)

	outStride := quant.BytesFor(m.outType, m.hiddenSize)
	projectTiled(m.pool, m.downPlan, m.gemm, qlen, m.hiddenSize, m.s, m.interSize,
		m.wType, m.downVecType, downInput, downVecStride, m.outType, output, outStride)
	return nil
}

func (m *MLP) prepareVecInput(qlen int, input []byte) ([]byte, int) {
	if m.inType == m.vecType {
		return input, quant.BytesFor(m.inType, m.hiddenSize)
	}
	inStride := quant.BytesFor(m.inType, m.hiddenSize)
	vecStride := quant.BytesFor(m.vecType, m.hiddenSize)
	scratch := make([]byte, qlen*vecStride)
	tmp := make([]float32, m.hiddenSize)
	for r := 0; r < qlen; r++ {
		requantizeRow(m.inType, m.vecType, input[r*inStride:], scratch[r*vecStride:r*vecStride+vecStride], m.hiddenSize, tmp)
	}
	return scratch, vecStride
}
