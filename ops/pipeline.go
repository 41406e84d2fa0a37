// Copyright 2025 The lkmoe Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/lk-infer/lkmoe/activation"
	"github.com/lk-infer/lkmoe/blockplan"
	"github.com/lk-infer/lkmoe/executor"
	"github.com/lk-infer/lkmoe/quant"
)

// projectTiled runs one tiled single-expert GEMM projection: nth = mDim/s
// tiles dispatched via DoKWorkStealingJob(1, nth, ...), accumulating into
// an fp32 scratch buffer, then requantizing into dst either per-tile
// (when s is a multiple of dstType's block size) or in a single
// whole-buffer pass afterward.
func projectTiled(pool *executor.Pool, plan *blockplan.Plan, gemm quant.GEMM, qlen, mDim, s, kDim int, wType, vecType quant.Type, vecInput []byte, vecStride int, dstType quant.Type, dst []byte, dstStride int) []float32 {
	accum := make([]float32, qlen*mDim)
	nth := mDim / s
	dstBlockSize := quant.BlockSize(dstType)
	dstTypeSize := quant.TypeSize(dstType)
	selfRequant := s%dstBlockSize == 0
	kBlocks := kDim / quant.BlockSize(vecType)
	wStride := quant.BytesFor(wType, kDim)

	pool.DoKWorkStealingJob(1, nth, nil, func(taskID int) {
		node, _, localTile, globalTile := plan.Geometry.Decode(taskID, 1)
		tile := plan.Tile(node, 0, localTile)
		tileStart := globalTile * s

		gemm.MatVec(s, qlen, kBlocks, tile, wStride, vecInput, vecStride, accum[tileStart:], mDim, wType, vecType)

		if selfRequant {
			byteOff := (tileStart / dstBlockSize) * dstTypeSize
			for r := 0; r < qlen; r++ {
				quant.FromFloat(dstType, accum[r*mDim+tileStart:r*mDim+tileStart+s], dst[r*dstStride+byteOff:], s)
			}
		}
	}, nil)

	if !selfRequant {
		pool.DoWork(qlen, nil, func(taskID int) {
			row := taskID
			quant.FromFloat(dstType, accum[row*mDim:(row+1)*mDim], dst[row*dstStride:], mDim)
		}, nil)
	}
	return accum
}

// gateUpActivate runs the gate+up+activation stage for a single expert:
// for every intermediate tile, compute the gate and up projections, apply
// f(up, gate) = up*gate*sigmoid(gate) element-wise, and requantize the
// result into dst (the down projection's vector-dot input), per-tile or
// in a whole-buffer pass depending on whether s is a multiple of
// downVecType's block size.
func gateUpActivate(pool *executor.Pool, gatePlan, upPlan *blockplan.Plan, gemm quant.GEMM, qlen, interSize, s, hiddenSize int, wType, vecType quant.Type, vecInput []byte, vecStride int, downVecType quant.Type, dst []byte, dstStride int) {
	gateAccum := make([]float32, qlen*interSize)
	upAccum := make([]float32, qlen*interSize)

	nth := interSize / s
	dstBlockSize := quant.BlockSize(downVecType)
	dstTypeSize := quant.TypeSize(downVecType)
	selfRequant := s%dstBlockSize == 0
	kBlocks := hiddenSize / quant.BlockSize(vecType)
	wStride := quant.BytesFor(wType, hiddenSize)

	pool.DoKWorkStealingJob(1, nth, nil, func(taskID int) {
		node, _, localTile, globalTile := gatePlan.Geometry.Decode(taskID, 1)
		gateTile := gatePlan.Tile(node, 0, localTile)
		upTile := upPlan.Tile(node, 0, localTile)
		tileStart := globalTile * s

		gemm.MatVec(s, qlen, kBlocks, gateTile, wStride, vecInput, vecStride, gateAccum[tileStart:], interSize, wType, vecType)
		gemm.MatVec(s, qlen, kBlocks, upTile, wStride, vecInput, vecStride, upAccum[tileStart:], interSize, wType, vecType)

		local := make([]float32, s)
		byteOff := (tileStart / dstBlockSize) * dstTypeSize
		for r := 0; r < qlen; r++ {
			base := r*interSize + tileStart
			activation.SiLUGate(upAccum[base:base+s], gateAccum[base:base+s], local)
			if selfRequant {
				quant.FromFloat(downVecType, local, dst[r*dstStride+byteOff:], s)
			} else {
				// Stash the activated tile back into gateAccum so the
				// whole-buffer requantize pass below can read it.
				copy(gateAccum[base:base+s], local)
			}
		}
	}, nil)

	if !selfRequant {
		pool.DoWork(qlen, nil, func(taskID int) {
			row := taskID
			quant.FromFloat(downVecType, gateAccum[row*interSize:(row+1)*interSize], dst[row*dstStride:], interSize)
		}, nil)
	}
}
