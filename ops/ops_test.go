// Copyright 2025 The lkmoe Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"math"
	"math/rand"
	"runtime"
	"testing"

	"github.com/lk-infer/lkmoe/activation"
	"github.com/lk-infer/lkmoe/executor"
	"github.com/lk-infer/lkmoe/quant"
	"github.com/lk-infer/lkmoe/topology"
)

// syntheticTopology mirrors executor's own test helper: it splits the real
// logical CPUs available to the test process into nodeCount synthetic NUMA
// nodes, enough to exercise tiling and work-stealing without depending on
// multi-socket hardware.
func syntheticTopology(t *testing.T, nodeCount int) *topology.Topology {
	t.Helper()
	numCPUs := runtime.NumCPU()
	if numCPUs < nodeCount {
		t.Skipf("need at least %d logical CPUs, have %d", nodeCount, numCPUs)
	}
	cpus := make([]topology.CPU, numCPUs)
	nodeCPUs := make([][]int, nodeCount)
	for i := 0; i < numCPUs; i++ {
		node := i % nodeCount
		cpus[i] = topology.CPU{CPUID: i, CoreID: i, NodeID: node, PackageID: 0, SiblingRank: 0}
		nodeCPUs[node] = append(nodeCPUs[node], i)
	}
	return &topology.Topology{CPUs: cpus, NumNodes: nodeCount, NodeCPUs: nodeCPUs}
}

func newTestPool(t *testing.T, nodeCount int) *executor.Pool {
	t.Helper()
	pool, err := executor.New(syntheticTopology(t, nodeCount), 0)
	if err != nil {
		t.Fatalf("executor.New: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func f32Bytes(v []float32) []byte {
	dst := make([]byte, len(v)*4)
	quant.FromFloat(quant.F32, v, dst, len(v))
	return dst
}

func f32FromBytes(b []byte, n int) []float32 {
	dst := make([]float32, n)
	quant.ToFloat(quant.F32, b, dst, n)
	return dst
}

func assertFloatsClose(t *testing.T, got, want []float32, tol float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if d := got[i] - want[i]; d < -tol || d > tol {
			t.Fatalf("index %d: got %v, want %v (tol %v)", i, got[i], want[i], tol)
		}
	}
}

// identityWeights returns a WeightSource for an n x n identity matrix in
// quant.F32.
func identityWeights(n int) WeightSource {
	return func(_, outRow int) []byte {
		row := make([]float32, n)
		row[outRow] = 1
		return f32Bytes(row)
	}
}

func zeroWeights(rows int) WeightSource {
	return func(_, _ int) []byte {
		return f32Bytes(make([]float32, rows))
	}
}

// TestLinearIdentityPassesInputThrough checks that an identity weight
// matrix reproduces the input exactly (F32 end to end, so no quantization
// error enters the comparison).
func TestLinearIdentityPassesInputThrough(t *testing.T) {
	const n = 16
	const s = 4
	topo := syntheticTopology(t, 2)
	pool := newTestPool(t, 2)

	lin, err := NewLinear(topo, pool, quant.ReferenceGEMM{}, n, n, s, quant.F32, quant.F32, quant.F32, quant.F32, identityWeights(n))
	if err != nil {
		t.Fatalf("NewLinear: %v", err)
	}
	defer lin.Close()
	if err := lin.WarmUp(); err != nil {
		t.Fatalf("WarmUp: %v", err)
	}

	const qlen = 3
	input := make([]float32, qlen*n)
	for i := range input {
		input[i] = float32(i) - float32(len(input))/2
	}
	output := make([]byte, qlen*n*4)
	if err := lin.Forward(qlen, f32Bytes(input), output); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	assertFloatsClose(t, f32FromBytes(output, qlen*n), input, 1e-5)
}

// TestLinearForwardZeroIsNoop checks Forward(0, ...) leaves the output
// buffer untouched.
func TestLinearForwardZeroIsNoop(t *testing.T) {
	const n = 8
	topo := syntheticTopology(t, 1)
	pool := newTestPool(t, 1)
	lin, err := NewLinear(topo, pool, quant.ReferenceGEMM{}, n, n, n, quant.F32, quant.F32, quant.F32, quant.F32, identityWeights(n))
	if err != nil {
		t.Fatalf("NewLinear: %v", err)
	}
	defer lin.Close()

	output := []byte{1, 2, 3, 4}
	want := []byte{1, 2, 3, 4}
	if err := lin.Forward(0, nil, output); err != nil {
		t.Fatalf("Forward(0, ...): %v", err)
	}
	for i := range want {
		if output[i] != want[i] {
			t.Fatalf("forward(0,...) mutated output buffer")
		}
	}
}

// TestMLPAllZeroWeightsProducesZeroOutput: with gate/up/down all zero,
// f(0,0) = 0*0*sigmoid(0) = 0 propagates through the down projection to
// an all-zero output regardless of the input.
func TestMLPAllZeroWeightsProducesZeroOutput(t *testing.T) {
	const hidden, inter, s = 16, 16, 4
	topo := syntheticTopology(t, 2)
	pool := newTestPool(t, 2)

	mlp, err := NewMLP(topo, pool, quant.ReferenceGEMM{}, hidden, inter, s,
		quant.F32, quant.F32, quant.F32, quant.F32, quant.F32,
		zeroWeights(hidden), zeroWeights(hidden), zeroWeights(inter))
	if err != nil {
		t.Fatalf("NewMLP: %v", err)
	}
	defer mlp.Close()

	const qlen = 2
	rng := rand.New(rand.NewSource(1))
	input := make([]float32, qlen*hidden)
	for i := range input {
		input[i] = rng.Float32()*4 - 2
	}
	output := make([]byte, qlen*hidden*4)
	if err := mlp.Forward(qlen, f32Bytes(input), output); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	want := make([]float32, qlen*hidden)
	assertFloatsClose(t, f32FromBytes(output, qlen*hidden), want, 1e-6)
}

// TestMoEDiagonalTwoOfFourExpertsMatchesReference: gate=up=down=identity
// for every expert, so every active expert computes the same
// f(x,x) = x*sigmoid(x)*x regardless of which expert id is routed to, and
// a token's output is the routing-weight-weighted sum of that common
// value. Weights summing to 1 reproduce it exactly.
func TestMoEDiagonalTwoOfFourExpertsMatchesReference(t *testing.T) {
	const hidden, inter, s = 16, 16, 4
	const numExperts = 4
	topo := syntheticTopology(t, 2)
	pool := newTestPool(t, 2)

	gateW := func(_, outRow int) []byte {
		row := make([]float32, hidden)
		row[outRow] = 1
		return f32Bytes(row)
	}
	moe, err := NewMoE(topo, pool, quant.ReferenceGEMM{}, numExperts, hidden, inter, s,
		quant.F32, quant.F32, quant.F32, quant.F32, quant.F32,
		gateW, gateW, gateW)
	if err != nil {
		t.Fatalf("NewMoE: %v", err)
	}
	defer moe.Close()
	if err := moe.WarmUp(); err != nil {
		t.Fatalf("WarmUp: %v", err)
	}

	input := make([]float32, hidden)
	for i := range input {
		input[i] = float32(i)/float32(hidden) - 0.5
	}
	expertIDs := []int{0, 2}
	weights := []float32{0.3, 0.7}
	output := make([]byte, hidden*4)
	if err := moe.Forward(1, 2, expertIDs, weights, f32Bytes(input), output); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	want := make([]float32, hidden)
	activation.SiLUGate(input, input, want)
	assertFloatsClose(t, f32FromBytes(output, hidden), want, 1e-4)
}

// TestMoEForwardIsDeterministicAcrossRepeatedCalls runs a qlen=64, k=3,
// E=8 batch large enough to exercise the expert-major reordering path,
// checked for bit-for-bit determinism across calls — the reduction
// accumulates experts in ascending slot order, so identical inputs must
// give identical bytes no matter how tasks land on workers.
func TestMoEForwardIsDeterministicAcrossRepeatedCalls(t *testing.T) {
	const hidden, inter, s = 32, 32, 8
	const numExperts = 8
	const qlen, k = 64, 3
	topo := syntheticTopology(t, 2)
	pool := newTestPool(t, 2)

	rng := rand.New(rand.NewSource(42))
	randomWeights := func(rows int) WeightSource {
		cache := make(map[[2]int][]float32)
		return func(expert, outRow int) []byte {
			key := [2]int{expert, outRow}
			row, ok := cache[key]
			if !ok {
				row = make([]float32, rows)
				for i := range row {
					row[i] = rng.Float32()*2 - 1
				}
				cache[key] = row
			}
			return f32Bytes(row)
		}
	}
	moe, err := NewMoE(topo, pool, quant.ReferenceGEMM{}, numExperts, hidden, inter, s,
		quant.F32, quant.F32, quant.F32, quant.F32, quant.F32,
		randomWeights(hidden), randomWeights(hidden), randomWeights(inter))
	if err != nil {
		t.Fatalf("NewMoE: %v", err)
	}
	defer moe.Close()

	input := make([]float32, qlen*hidden)
	expertIDs := make([]int, qlen*k)
	weights := make([]float32, qlen*k)
	for t := 0; t < qlen; t++ {
		for i := 0; i < hidden; i++ {
			input[t*hidden+i] = rng.Float32()*2 - 1
		}
		for j := 0; j < k; j++ {
			expertIDs[t*k+j] = (t + j) % numExperts
			weights[t*k+j] = 1.0 / float32(k)
		}
	}
	inputBytes := f32Bytes(input)

	out1 := make([]byte, qlen*hidden*4)
	if err := moe.Forward(qlen, k, expertIDs, weights, inputBytes, out1); err != nil {
		t.Fatalf("Forward (first): %v", err)
	}
	out2 := make([]byte, qlen*hidden*4)
	if err := moe.Forward(qlen, k, expertIDs, weights, inputBytes, out2); err != nil {
		t.Fatalf("Forward (second): %v", err)
	}
	for i := range out1 {
		if out1[i] != out2[i] {
			t.Fatalf("byte %d differs between repeated Forward calls: %d vs %d", i, out1[i], out2[i])
		}
	}
	for _, v := range f32FromBytes(out1, qlen*hidden) {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("output contains non-finite value %v", v)
		}
	}
}

// TestMoESmallBatchUsesForwardOneRegime exercises the qlen < group_min_len
// branch of Forward directly against forward_one's own result for a single
// token, confirming the two regimes agree.
func TestMoESmallBatchUsesForwardOneRegime(t *testing.T) {
	const hidden, inter, s = 16, 16, 4
	const numExperts = 4
	topo := syntheticTopology(t, 2)
	pool := newTestPool(t, 2)

	gateW := identityWeights(hidden)
	moe, err := NewMoE(topo, pool, quant.ReferenceGEMM{}, numExperts, hidden, inter, s,
		quant.F32, quant.F32, quant.F32, quant.F32, quant.F32,
		gateW, gateW, gateW)
	if err != nil {
		t.Fatalf("NewMoE: %v", err)
	}
	defer moe.Close()

	input := make([]float32, hidden)
	for i := range input {
		input[i] = float32(i) * 0.1
	}
	expertIDs := []int{1}
	weights := []float32{1.0}

	viaForwardOne := make([]byte, hidden*4)
	if err := moe.forwardOne(1, expertIDs, weights, f32Bytes(input), viaForwardOne); err != nil {
		t.Fatalf("forwardOne: %v", err)
	}
	viaForward := make([]byte, hidden*4)
	if err := moe.Forward(1, 1, expertIDs, weights, f32Bytes(input), viaForward); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	assertFloatsClose(t, f32FromBytes(viaForward, hidden), f32FromBytes(viaForwardOne, hidden), 1e-6)
}

// TestMoEForwardBatchedDrainsRemainingCounter checks the host-visible
// remaining-token counter reaches 0 after a batched call.
func TestMoEForwardBatchedDrainsRemainingCounter(t *testing.T) {
	const hidden, inter, s = 16, 16, 4
	const numExperts = 4
	const qlen, k = 16, 2
	topo := syntheticTopology(t, 2)
	pool := newTestPool(t, 2)

	gateW := identityWeights(hidden)
	moe, err := NewMoE(topo, pool, quant.ReferenceGEMM{}, numExperts, hidden, inter, s,
		quant.F32, quant.F32, quant.F32, quant.F32, quant.F32,
		gateW, gateW, gateW)
	if err != nil {
		t.Fatalf("NewMoE: %v", err)
	}
	defer moe.Close()

	input := make([]float32, qlen*hidden)
	for i := range input {
		input[i] = float32(i%13) * 0.1
	}
	expertIDs := make([]int, qlen*k)
	weights := make([]float32, qlen*k)
	for i := range expertIDs {
		expertIDs[i] = i % numExperts
		weights[i] = 0.5
	}
	output := make([]byte, qlen*hidden*4)

	remaining := int32(qlen)
	if err := moe.ForwardBatched(&remaining, k, expertIDs, weights, f32Bytes(input), output); err != nil {
		t.Fatalf("ForwardBatched: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("remaining = %d after ForwardBatched, want 0", remaining)
	}
}

// TestMoEForwardZeroIsNoop exercises the qlen=0 no-op contract MoE shares
// with Linear/MLP.
func TestMoEForwardZeroIsNoop(t *testing.T) {
	const hidden, inter, s = 8, 8, 4
	topo := syntheticTopology(t, 1)
	pool := newTestPool(t, 1)
	gateW := identityWeights(hidden)
	moe, err := NewMoE(topo, pool, quant.ReferenceGEMM{}, 2, hidden, inter, s,
		quant.F32, quant.F32, quant.F32, quant.F32, quant.F32,
		gateW, gateW, gateW)
	if err != nil {
		t.Fatalf("NewMoE: %v", err)
	}
	defer moe.Close()

	output := []byte{9, 9, 9, 9}
	if err := moe.Forward(0, 2, nil, nil, nil, output); err != nil {
		t.Fatalf("Forward(0, ...): %v", err)
	}
	for _, b := range output {
		if b != 9 {
			t.Fatal("forward(0,...) mutated output buffer")
		}
	}
}
