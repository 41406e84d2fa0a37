// Copyright 2025 The lkmoe Authors. SPDX-License-Identifier: Apache-2.0

package quant

import "math"

// Block layout for Int8/Int4/NF4: [packed bit-codes][4-byte float32
// scale], per-block, with BlockSize elements sharing one scale factor.

func packedBytesFor(blockSize, bits int) int {
	return (blockSize*bits + 7) / 8
}

func unpackCode(packed []byte, i, bits int) int {
	switch bits {
	case 8:
		return int(packed[i])
	case 4:
		b := packed[i/2]
		if i%2 == 0 {
			return int(b & 0x0f)
		}
		return int(b >> 4)
	default:
		panic("quant: unsupported bit width")
	}
}

func packCode(packed []byte, i, bits, code int) {
	switch bits {
	case 8:
		packed[i] = byte(code)
	case 4:
		if i%2 == 0 {
			packed[i/2] = (packed[i/2] &^ 0x0f) | byte(code&0x0f)
		} else {
			packed[i/2] = (packed[i/2] &^ 0xf0) | byte((code&0x0f)<<4)
		}
	default:
		panic("quant: unsupported bit width")
	}
}

func dequantizeBlocks(src []byte, dst []float32, n, blockSize, bits int, decode func(code int, scale float32) float32) {
	packedBytes := packedBytesFor(blockSize, bits)
	stride := packedBytes + 4
	pos := 0
	for start := 0; start < n; start += blockSize {
		count := blockSize
		if start+count > n {
			count = n - start
		}
		blk := src[pos : pos+stride]
		scale := bytesToF32(blk[packedBytes:])
		for i := 0; i < count; i++ {
			dst[start+i] = decode(unpackCode(blk, i, bits), scale)
		}
		pos += stride
	}
}

// quantizeBlocks requantizes n elements into blocks of blockSize, computing
// one shared scale per block as maxAbs/scaleDenom, then calling encode to
// map each element to a code.
func quantizeBlocks(src []float32, dst []byte, n, blockSize, bits int, scaleDenom float32, encode func(v, scale float32) int) {
	packedBytes := packedBytesFor(blockSize, bits)
	stride := packedBytes + 4
	pos := 0
	for start := 0; start < n; start += blockSize {
		count := blockSize
		if start+count > n {
			count = n - start
		}
		var maxAbs float32
		for i := 0; i < count; i++ {
			v := src[start+i]
			if v < 0 {
				v = -v
			}
			if v > maxAbs {
				maxAbs = v
			}
		}
		scale := maxAbs / scaleDenom
		if scale == 0 {
			scale = 1
		}
		blk := dst[pos : pos+stride]
		for i := range blk[:packedBytes] {
			blk[i] = 0
		}
		for i := 0; i < count; i++ {
			packCode(blk, i, bits, encode(src[start+i], scale))
		}
		f32ToBytes(scale, blk[packedBytes:])
		pos += stride
	}
}

func bytesToF32(b []byte) float32 {
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return math.Float32frombits(bits)
}

func f32ToBytes(v float32, dst []byte) {
	bits := math.Float32bits(v)
	dst[0] = byte(bits)
	dst[1] = byte(bits >> 8)
	dst[2] = byte(bits >> 16)
	dst[3] = byte(bits >> 24)
}
