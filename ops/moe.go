// Copyright 2025 The lkmoe Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/lk-infer/lkmoe/activation"
	"github.com/lk-infer/lkmoe/blockplan"
	"github.com/lk-infer/lkmoe/executor"
	"github.com/lk-infer/lkmoe/lkerr"
	"github.com/lk-infer/lkmoe/quant"
	"github.com/lk-infer/lkmoe/topology"
)

const defaultGroupMinLenFloor = 8

// MoE is the token-routed gate-up-activation-down operator: each token
// activates k of numExperts experts, and the final output is the
// routing-weight-weighted sum of their down projections.
type MoE struct {
	pool *executor.Pool
	gemm quant.GEMM

	gatePlan, upPlan, downPlan *blockplan.Plan

	numExperts, hiddenSize, interSize, s, numNodes int
	inType, vecType, downVecType, wType, outType   quant.Type

	groupMinLen, groupMaxLen int
}

// NewMoE builds replicated weight shards for all numExperts experts' gate,
// up, and down matrices, tiled at width s.
func NewMoE(topo *topology.Topology, pool *executor.Pool, gemm quant.GEMM, numExperts, hiddenSize, interSize, s int, inType, vecType, downVecType, wType, outType quant.Type, gateW, upW, downW WeightSource) (*MoE, error) {
	assertDividesTile("ops.NewMoE", interSize, s)
	assertDividesTile("ops.NewMoE", hiddenSize, s)

	gatePlan, err := buildProjection(topo, numExperts, interSize, hiddenSize, s, wType, gateW)
	if err != nil {
		return nil, err
	}
	upPlan, err := buildProjection(topo, numExperts, interSize, hiddenSize, s, wType, upW)
	if err != nil {
		gatePlan.Close()
		return nil, err
	}
	downPlan, err := buildProjection(topo, numExperts, hiddenSize, interSize, s, wType, downW)
	if err != nil {
		gatePlan.Close()
		upPlan.Close()
		return nil, err
	}

	groupMinLen := topo.NumNodes
	if groupMinLen < defaultGroupMinLenFloor {
		groupMinLen = defaultGroupMinLenFloor
	}

	return &MoE{
		pool: pool, gemm: gemm,
		gatePlan: gatePlan, upPlan: upPlan, downPlan: downPlan,
		numExperts: numExperts, hiddenSize: hiddenSize, interSize: interSize, s: s, numNodes: topo.NumNodes,
		inType: inType, vecType: vecType, downVecType: downVecType, wType: wType, outType: outType,
		groupMinLen: groupMinLen, groupMaxLen: defaultGroupMaxLen,
	}, nil
}

// Close releases all three projections' weight buffers.
func (e *MoE) Close() error {
	var firstErr error
	for _, c := range []func() error{e.gatePlan.Close, e.upPlan.Close, e.downPlan.Close} {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WarmUp touches every weight buffer for all three projections.
func (e *MoE) WarmUp() error {
	var g errgroup.Group
	for _, p := range []*blockplan.Plan{e.gatePlan, e.upPlan, e.downPlan} {
		p := p
		g.Go(func() error { return warmUpPlan(p) })
	}
	return g.Wait()
}

// Forward routes qlen tokens through k experts each, per routing
// (expertIDs, weights) of length qlen*k. Small batches (qlen below
// groupMinLen) run per token; larger batches run expert-major in chunks
// of at most groupMaxLen tokens.
func (e *MoE) Forward(qlen, k int, expertIDs []int, weights []float32, input, output []byte) error {
	remaining := int32(qlen)
	return e.ForwardBatched(&remaining, k, expertIDs, weights, input, output)
}

// ForwardBatched behaves like Forward with qlen read from *remaining, and
// writes the not-yet-processed token count back into *remaining after each
// chunk, so a host holding the counter observes chunk progress and sees 0
// on completion.
func (e *MoE) ForwardBatched(remaining *int32, k int, expertIDs []int, weights []float32, input, output []byte) error {
	qlen := int(*remaining)
	if qlen == 0 {
		return nil
	}
	if qlen < e.groupMinLen {
		if err := e.forwardIterated(qlen, k, expertIDs, weights, input, output); err != nil {
			return err
		}
		*remaining = 0
		return nil
	}

	inStride := quant.BytesFor(e.inType, e.hiddenSize)
	outStride := quant.BytesFor(e.outType, e.hiddenSize)
	for off := 0; off < qlen; off += e.groupMaxLen {
		n := min(e.groupMaxLen, qlen-off)
		if err := e.forwardMany(n, k, expertIDs[off*k:(off+n)*k], weights[off*k:(off+n)*k],
			input[off*inStride:], output[off*outStride:]); err != nil {
			return err
		}
		*remaining = int32(qlen - off - n)
	}
	return nil
}

// forwardIterated runs forwardOne once per token, used both for the
// small-batch regime and as forwardMany's fallback when the batch is too
// small to spread across every node.
func (e *MoE) forwardIterated(qlen, k int, expertIDs []int, weights []float32, input, output []byte) error {
	inStride := quant.BytesFor(e.inType, e.hiddenSize)
	outStride := quant.BytesFor(e.outType, e.hiddenSize)
	for t := 0; t < qlen; t++ {
		if err := e.forwardOne(k, expertIDs[t*k:(t+1)*k], weights[t*k:(t+1)*k],
			input[t*inStride:(t+1)*inStride], output[t*outStride:(t+1)*outStride]); err != nil {
			return err
		}
	}
	return nil
}

// forwardOne processes a single token: gate+up+activation over the k
// active experts' shards, the down projection per expert, then a weighted
// reduction over experts in ascending slot order.
func (e *MoE) forwardOne(k int, expertIDs []int, weights []float32, input, output []byte) error {
	vecInput, vecStride := e.prepareVecRow(input)

	interGeo := e.gatePlan.Geometry
	nthInter := interGeo.Nth
	hiddenGeo := e.downPlan.Geometry
	nthHidden := hiddenGeo.Nth

	gateAccum := make([]float32, k*e.interSize)
	upAccum := make([]float32, k*e.interSize)
	downVecStride := quant.BytesFor(e.downVecType, e.interSize)
	downInput := make([]byte, k*downVecStride)

	dstBlockSize := quant.BlockSize(e.downVecType)
	dstTypeSize := quant.TypeSize(e.downVecType)
	selfRequantDown := e.s%dstBlockSize == 0
	kBlocksGateUp := e.hiddenSize / quant.BlockSize(e.vecType)
	wStrideGateUp := quant.BytesFor(e.wType, e.hiddenSize)

	e.pool.DoKWorkStealingJob(k, nthInter, nil, func(taskID int) {
		node, expertIdx, localTile, globalTile := interGeo.Decode(taskID, k)
		expert := expertIDs[expertIdx]
		gateTile := e.gatePlan.Tile(node, expert, localTile)
		upTile := e.upPlan.Tile(node, expert, localTile)
		tileStart := globalTile * e.s

		base := expertIdx*e.interSize + tileStart
		e.gemm.MatVec(e.s, 1, kBlocksGateUp, gateTile, wStrideGateUp, vecInput, vecStride, gateAccum[base:], e.interSize, e.wType, e.vecType)
		e.gemm.MatVec(e.s, 1, kBlocksGateUp, upTile, wStrideGateUp, vecInput, vecStride, upAccum[base:], e.interSize, e.wType, e.vecType)

		local := make([]float32, e.s)
		activation.SiLUGate(upAccum[base:base+e.s], gateAccum[base:base+e.s], local)
		if selfRequantDown {
			byteOff := (tileStart / dstBlockSize) * dstTypeSize
			quant.FromFloat(e.downVecType, local, downInput[expertIdx*downVecStride+byteOff:], e.s)
		} else {
			copy(gateAccum[base:base+e.s], local)
		}
	}, nil)
	if !selfRequantDown {
		for j := 0; j < k; j++ {
			quant.FromFloat(e.downVecType, gateAccum[j*e.interSize:(j+1)*e.interSize], downInput[j*downVecStride:], e.interSize)
		}
	}

	downAccum := make([]float32, k*e.hiddenSize)
	kBlocksDown := e.interSize / quant.BlockSize(e.downVecType)
	wStrideDown := quant.BytesFor(e.wType, e.interSize)

	e.pool.DoKWorkStealingJob(k, nthHidden, nil, func(taskID int) {
		node, expertIdx, localTile, globalTile := hiddenGeo.Decode(taskID, k)
		expert := expertIDs[expertIdx]
		downTile := e.downPlan.Tile(node, expert, localTile)
		tileStart := globalTile * e.s
		row := downInput[expertIdx*downVecStride : (expertIdx+1)*downVecStride]
		e.gemm.MatVec(e.s, 1, kBlocksDown, downTile, wStrideDown, row, downVecStride,
			downAccum[expertIdx*e.hiddenSize+tileStart:], e.hiddenSize, e.wType, e.downVecType)
	}, nil)

	outBlockSize := quant.BlockSize(e.outType)
	outTypeSize := quant.TypeSize(e.outType)
	selfRequantOut := e.s%outBlockSize == 0
	var outAccum []float32
	if !selfRequantOut {
		outAccum = make([]float32, e.hiddenSize)
	}

	e.pool.DoKWorkStealingJob(1, nthHidden, nil, func(taskID int) {
		_, _, _, globalTile := hiddenGeo.Decode(taskID, 1)
		tileStart := globalTile * e.s
		acc := make([]float32, e.s)
		for j := 0; j < k; j++ {
			contrib := downAccum[j*e.hiddenSize+tileStart : j*e.hiddenSize+tileStart+e.s]
			w := weights[j]
			for i, v := range contrib {
				acc[i] += v * w
			}
		}
		if selfRequantOut {
			byteOff := (tileStart / outBlockSize) * outTypeSize
			quant.FromFloat(e.outType, acc, output[byteOff:], e.s)
		} else {
			copy(outAccum[tileStart:tileStart+e.s], acc)
		}
	}, nil)
	if !selfRequantOut {
		quant.FromFloat(e.outType, outAccum, output, e.hiddenSize)
	}

	return nil
}

type tokenSlot struct{ token, j int }

// forwardMany processes a batch expert-major: routed (token, slot) pairs
// are regrouped into per-expert contiguous row blocks so each expert's
// tiles see one batched GEMM instead of qlen vector products. Batches
// smaller than the node count fall back to forwardIterated.
func (e *MoE) forwardMany(qlen, k int, expertIDs []int, weights []float32, input, output []byte) error {
	if qlen < e.numNodes {
		return e.forwardIterated(qlen, k, expertIDs, weights, input, output)
	}

	allSlots := make([]tokenSlot, 0, qlen*k)
	for t := 0; t < qlen; t++ {
		for j := 0; j < k; j++ {
			allSlots = append(allSlots, tokenSlot{t, j})
		}
	}
	grouped := lo.GroupBy(allSlots, func(ts tokenSlot) int { return expertIDs[ts.token*k+ts.j] })

	selectedCount := make([]int, e.numExperts)
	for expert, slots := range grouped {
		selectedCount[expert] = len(slots)
	}
	expertOffset := make([]int, e.numExperts+1)
	for expert := 0; expert < e.numExperts; expert++ {
		expertOffset[expert+1] = expertOffset[expert] + selectedCount[expert]
	}
	totalSlots := expertOffset[e.numExperts]
	lkerr.Assert(totalSlots == qlen*k, "ops.MoE.forwardMany", "routed slot count must equal qlen*k")

	localPos := make(map[tokenSlot]int, totalSlots)
	for _, slots := range grouped {
		for i, ts := range slots {
			localPos[ts] = i
		}
	}
	slotOf := func(t, j int) int {
		expert := expertIDs[t*k+j]
		return expertOffset[expert] + localPos[tokenSlot{t, j}]
	}
	slotToken := make([]int, totalSlots)
	for t := 0; t < qlen; t++ {
		for j := 0; j < k; j++ {
			slotToken[slotOf(t, j)] = t
		}
	}

	vecStride := quant.BytesFor(e.vecType, e.hiddenSize)
	tokenVecInput, _ := e.prepareVecInputMany(qlen, input)

	expertInput := make([]byte, totalSlots*vecStride)
	e.pool.DoWork(totalSlots, nil, func(slotID int) {
		t := slotToken[slotID]
		copy(expertInput[slotID*vecStride:(slotID+1)*vecStride], tokenVecInput[t*vecStride:(t+1)*vecStride])
	}, nil)

	interGeo := e.gatePlan.Geometry
	nthInter := interGeo.Nth
	downVecStride := quant.BytesFor(e.downVecType, e.interSize)
	downInput := make([]byte, totalSlots*downVecStride)
	gateAccum := make([]float32, totalSlots*e.interSize)
	upAccum := make([]float32, totalSlots*e.interSize)

	kBlocksGateUp := e.hiddenSize / quant.BlockSize(e.vecType)
	wStrideGateUp := quant.BytesFor(e.wType, e.hiddenSize)
	dstBlockSize := quant.BlockSize(e.downVecType)
	dstTypeSize := quant.TypeSize(e.downVecType)
	selfRequantDown := e.s%dstBlockSize == 0

	e.pool.DoKWorkStealingJob(e.numExperts, nthInter, nil, func(taskID int) {
		node, expert, localTile, globalTile := interGeo.Decode(taskID, e.numExperts)
		if selectedCount[expert] == 0 {
			return
		}
		batch := selectedCount[expert]
		rowStart := expertOffset[expert]
		gateTile := e.gatePlan.Tile(node, expert, localTile)
		upTile := e.upPlan.Tile(node, expert, localTile)
		tileStart := globalTile * e.s

		in := expertInput[rowStart*vecStride:]
		e.gemm.MatVec(e.s, batch, kBlocksGateUp, gateTile, wStrideGateUp, in, vecStride,
			gateAccum[rowStart*e.interSize+tileStart:], e.interSize, e.wType, e.vecType)
		e.gemm.MatVec(e.s, batch, kBlocksGateUp, upTile, wStrideGateUp, in, vecStride,
			upAccum[rowStart*e.interSize+tileStart:], e.interSize, e.wType, e.vecType)

		local := make([]float32, e.s)
		byteOff := (tileStart / dstBlockSize) * dstTypeSize
		for r := 0; r < batch; r++ {
			base := (rowStart+r)*e.interSize + tileStart
			activation.SiLUGate(upAccum[base:base+e.s], gateAccum[base:base+e.s], local)
			if selfRequantDown {
				quant.FromFloat(e.downVecType, local, downInput[(rowStart+r)*downVecStride+byteOff:], e.s)
			} else {
				copy(gateAccum[base:base+e.s], local)
			}
		}
	}, nil)
	if !selfRequantDown {
		e.pool.DoWork(totalSlots, nil, func(slotID int) {
			quant.FromFloat(e.downVecType, gateAccum[slotID*e.interSize:(slotID+1)*e.interSize], downInput[slotID*downVecStride:], e.interSize)
		}, nil)
	}

	hiddenGeo := e.downPlan.Geometry
	nthHidden := hiddenGeo.Nth
	downAccum := make([]float32, totalSlots*e.hiddenSize)
	kBlocksDown := e.interSize / quant.BlockSize(e.downVecType)
	wStrideDown := quant.BytesFor(e.wType, e.interSize)

	e.pool.DoKWorkStealingJob(e.numExperts, nthHidden, nil, func(taskID int) {
		node, expert, localTile, globalTile := hiddenGeo.Decode(taskID, e.numExperts)
		if selectedCount[expert] == 0 {
			return
		}
		batch := selectedCount[expert]
		rowStart := expertOffset[expert]
		downTile := e.downPlan.Tile(node, expert, localTile)
		tileStart := globalTile * e.s
		in := downInput[rowStart*downVecStride:]
		e.gemm.MatVec(e.s, batch, kBlocksDown, downTile, wStrideDown, in, downVecStride,
			downAccum[rowStart*e.hiddenSize+tileStart:], e.hiddenSize, e.wType, e.downVecType)
	}, nil)

	outStride := quant.BytesFor(e.outType, e.hiddenSize)
	outBlockSize := quant.BlockSize(e.outType)
	outTypeSize := quant.TypeSize(e.outType)
	selfRequantOut := e.s%outBlockSize == 0
	var outAccum []float32
	if !selfRequantOut {
		outAccum = make([]float32, qlen*e.hiddenSize)
	}

	e.pool.DoKWorkStealingJob(qlen, nthHidden, nil, func(taskID int) {
		_, token, _, globalTile := hiddenGeo.Decode(taskID, qlen)
		tileStart := globalTile * e.s
		acc := make([]float32, e.s)
		for j := 0; j < k; j++ {
			slot := slotOf(token, j)
			contrib := downAccum[slot*e.hiddenSize+tileStart : slot*e.hiddenSize+tileStart+e.s]
			w := weights[token*k+j]
			for i, v := range contrib {
				acc[i] += v * w
			}
		}
		if selfRequantOut {
			byteOff := (tileStart / outBlockSize) * outTypeSize
			quant.FromFloat(e.outType, acc, output[token*outStride+byteOff:], e.s)
		} else {
			copy(outAccum[token*e.hiddenSize+tileStart:], acc)
		}
	}, nil)
	if !selfRequantOut {
		e.pool.DoWork(qlen, nil, func(token int) {
			quant.FromFloat(e.outType, outAccum[token*e.hiddenSize:(token+1)*e.hiddenSize], output[token*outStride:], e.hiddenSize)
		}, nil)
	}

	return nil
}

func (e *MoE) prepareVecRow(input []byte) ([]byte, int) {
	vecStride := quant.BytesFor(e.vecType, e.hiddenSize)
	if e.inType == e.vecType {
		return input, vecStride
	}
	scratch := make([]byte, vecStride)
	tmp := make([]float32, e.hiddenSize)
	requantizeRow(e.inType, e.vecType, input, scratch, e.hiddenSize, tmp)
	return scratch, vecStride
}

func (e *MoE) prepareVecInputMany(qlen int, input []byte) ([]byte, int) {
	vecStride := quant.BytesFor(e.vecType, e.hiddenSize)
	if e.inType == e.vecType {
		return input, vecStride
	}
	inStride := quant.BytesFor(e.inType, e.hiddenSize)
	scratch := make([]byte, qlen*vecStride)
	tmp := make([]float32, e.hiddenSize)
	for t := 0; t < qlen; t++ {
		requantizeRow(e.inType, e.vecType, input[t*inStride:], scratch[t*vecStride:(t+1)*vecStride], e.hiddenSize, tmp)
	}
	return scratch, vecStride
}
