// Copyright 2025 The lkmoe Authors. SPDX-License-Identifier: Apache-2.0

package numamem

import (
	"testing"
	"unsafe"
)

func TestAllocateAlignment(t *testing.T) {
	for _, size := range []int{0, 1, 63, 64, 65, 4096, 4097} {
		b, err := Allocate(size)
		if err != nil {
			t.Fatalf("Allocate(%d): %v", size, err)
		}
		if len(b.Data) != size {
			t.Fatalf("Allocate(%d): len = %d", size, len(b.Data))
		}
		if size > 0 {
			addr := uintptr(unsafe.Pointer(unsafe.SliceData(b.Data)))
			if addr%Alignment != 0 {
				t.Fatalf("Allocate(%d): addr %x not %d-byte aligned", size, addr, Alignment)
			}
		}
		Free(b)
	}
}

func TestAllocateWritable(t *testing.T) {
	b, err := Allocate(256)
	if err != nil {
		t.Fatal(err)
	}
	for i := range b.Data {
		b.Data[i] = byte(i)
	}
	for i := range b.Data {
		if b.Data[i] != byte(i) {
			t.Fatalf("byte %d = %d, want %d", i, b.Data[i], byte(i))
		}
	}
	Free(b)
}

func TestFreeHeapLocalAcceptsNilAndEmpty(t *testing.T) {
	Free(nil)
	b, _ := Allocate(0)
	Free(b) // must not panic on zero-length block
}
