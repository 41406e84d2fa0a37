// Copyright 2025 The lkmoe Authors. SPDX-License-Identifier: Apache-2.0

package quant

import "github.com/lk-infer/lkmoe/lkerr"

// GEMM is the external quantized matrix-multiply collaborator: a strided
// quantized kernel taking weights in format wT and a vector-dot input in
// format vecT, both dequantized internally to fp32 before accumulation.
// The engine never implements this kernel itself; operators call through
// this interface so a vectorized production backend and the scalar
// reference below are interchangeable.
type GEMM interface {
	// MatVec computes output[r*mStride : r*mStride+mCols] +=
	// weights[:, kBlocks*blockElems] · input[r, :] for each of the batch
	// rows r, over mCols output columns of the weight matrix laid out
	// row-major with kBlocks quantized blocks per output row.
	MatVec(mCols, batch, kBlocks int, weights []byte, kStride int, input []byte, inStride int, output []float32, outStride int, wT, vecT Type)
}

// ReferenceGEMM is a single-threaded scalar implementation of GEMM: it
// dequantizes each weight row and each input row to fp32 and accumulates
// with a plain dot product. Deterministic, so repeated runs over the same
// inputs are bit-identical regardless of how tasks land on workers.
type ReferenceGEMM struct{}

func (ReferenceGEMM) MatVec(mCols, batch, kBlocks int, weights []byte, kStride int, input []byte, inStride int, output []float32, outStride int, wT, vecT Type) {
	k := kBlocks * BlockSize(vecT)
	wFmt, inFmt := Table[wT], Table[vecT]
	lkerr.Assert(wFmt.ToFloat != nil && inFmt.ToFloat != nil, "quant.ReferenceGEMM.MatVec", "unregistered type")

	wRow := make([]float32, k)
	inRow := make([]float32, k)
	for r := 0; r < batch; r++ {
		inFmt.ToFloat(input[r*inStride:], inRow, k)
		for c := 0; c < mCols; c++ {
			wFmt.ToFloat(weights[c*kStride:], wRow, k)
			var acc float32
			for i := 0; i < k; i++ {
				acc += wRow[i] * inRow[i]
			}
			output[r*outStride+c] += acc
		}
	}
}
