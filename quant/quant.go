// Copyright 2025 The lkmoe Authors. SPDX-License-Identifier: Apache-2.0

// Package quant defines the tagged enum of quantization formats the
// engine operates over and a static dispatch table of (TypeSize,
// BlockSize, ToFloat, FromFloat) per format — a tagged enum with a static
// table rather than virtual dispatch, so format lookups stay branch-cheap
// on the hot path. The production path treats the quantization routines
// as an external collaborator; this package's Format implementations
// exist so tests can exercise the engine end-to-end without it, and so
// the reference GEMM (gemm.go) has something concrete to call.
package quant

import "github.com/lk-infer/lkmoe/lkerr"

// Type is the tagged enum of supported quantization formats.
type Type int

const (
	// F32 is unquantized passthrough.
	F32 Type = iota
	// Int8 is 8-bit symmetric per-block quantization: scale = max|x|/127,
	// elements rounded to the nearest code in [-127, 127].
	Int8
	// Int4 is 4-bit symmetric per-block quantization: scale = max|x|/7,
	// elements rounded to the nearest code in [-7, 7].
	Int4
	// NF4 is 4-bit NormalFloat quantization (QLoRA), a fixed 16-level
	// non-uniform codebook per block.
	NF4
)

func (t Type) String() string {
	switch t {
	case F32:
		return "F32"
	case Int8:
		return "Int8"
	case Int4:
		return "Int4"
	case NF4:
		return "NF4"
	default:
		return "Unknown"
	}
}

// Format is the static per-type entry: element count per super-block,
// bytes per super-block, and the dequantize/requantize routines.
type Format struct {
	BlockSize int // elements per super-block
	TypeSize  int // bytes per super-block
	ToFloat   func(src []byte, dst []float32, n int)
	FromFloat func(src []float32, dst []byte, n int)
}

// nf4Codebook is the standard 16-level NormalFloat codebook used by QLoRA.
var nf4Codebook = [16]float32{
	-1.0, -0.6961928009986877, -0.5250730514526367, -0.39491748809814453,
	-0.28444138169288635, -0.18477343022823334, -0.09105003625154495, 0.0,
	0.07958029955625534, 0.16093020141124725, 0.24611230194568634, 0.33791524171829224,
	0.44070982933044434, 0.5626170039176941, 0.7229568362236023, 1.0,
}

const defaultBlockSize = 32

func buildLinearFormat(bits, blockSize int) Format {
	levels := 1 << bits
	half := levels / 2
	packedBytes := (blockSize*bits + 7) / 8
	return Format{
		BlockSize: blockSize,
		TypeSize:  packedBytes + 4, // packed codes + one float32 scale
		ToFloat: func(src []byte, dst []float32, n int) {
			dequantizeBlocks(src, dst, n, blockSize, bits, func(code int, scale float32) float32 {
				return float32(code-half) * scale
			})
		},
		FromFloat: func(src []float32, dst []byte, n int) {
			quantizeBlocks(src, dst, n, blockSize, bits, float32(half-1), func(v, scale float32) int {
				q := v / scale
				var code int
				if q < 0 {
					code = int(q-0.5) + half
				} else {
					code = int(q+0.5) + half
				}
				if code < 0 {
					code = 0
				}
				if code > levels-1 {
					code = levels - 1
				}
				return code
			})
		},
	}
}

func buildNF4Format(blockSize int) Format {
	const bits = 4
	packedBytes := (blockSize*bits + 7) / 8
	return Format{
		BlockSize: blockSize,
		TypeSize:  packedBytes + 4,
		ToFloat: func(src []byte, dst []float32, n int) {
			dequantizeBlocks(src, dst, n, blockSize, bits, func(code int, scale float32) float32 {
				return nf4Codebook[code] * scale
			})
		},
		FromFloat: func(src []float32, dst []byte, n int) {
			quantizeBlocks(src, dst, n, blockSize, bits, 1.0, func(v, scale float32) int {
				target := v / scale
				best, bestDist := 0, float32(1<<30)
				for i, lvl := range nf4Codebook {
					d := lvl - target
					if d < 0 {
						d = -d
					}
					if d < bestDist {
						bestDist, best = d, i
					}
				}
				return best
			})
		},
	}
}

// Table is the static dispatch table, keyed by Type.
var Table = map[Type]Format{
	F32: {
		BlockSize: 1,
		TypeSize:  4,
		ToFloat: func(src []byte, dst []float32, n int) {
			for i := 0; i < n; i++ {
				dst[i] = bytesToF32(src[i*4:])
			}
		},
		FromFloat: func(src []float32, dst []byte, n int) {
			for i := 0; i < n; i++ {
				f32ToBytes(src[i], dst[i*4:])
			}
		},
	},
	Int8: buildLinearFormat(8, defaultBlockSize),
	Int4: buildLinearFormat(4, defaultBlockSize),
	NF4:  buildNF4Format(defaultBlockSize),
}

// TypeSize returns bytes per super-block; BlockSize returns elements per
// super-block.
func TypeSize(t Type) int  { return Table[t].TypeSize }
func BlockSize(t Type) int { return Table[t].BlockSize }

// ToFloat dequantizes n elements of type t from src into dst.
func ToFloat(t Type, src []byte, dst []float32, n int) {
	f := Table[t]
	lkerr.Assert(f.ToFloat != nil, "quant.ToFloat", "unregistered type")
	f.ToFloat(src, dst, n)
}

// FromFloat requantizes n elements into type t.
func FromFloat(t Type, src []float32, dst []byte, n int) {
	f := Table[t]
	lkerr.Assert(f.FromFloat != nil, "quant.FromFloat", "unregistered type")
	f.FromFloat(src, dst, n)
}

// BytesFor returns the byte size needed to store n elements of type t,
// rounding up to whole super-blocks.
func BytesFor(t Type, n int) int {
	f := Table[t]
	blocks := (n + f.BlockSize - 1) / f.BlockSize
	return blocks * f.TypeSize
}
