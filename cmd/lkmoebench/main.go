// Copyright 2025 The lkmoe Authors. SPDX-License-Identifier: Apache-2.0

// Command lkmoebench drives Linear, MLP, and MoE with synthetic random
// weights and inputs, for manual benchmarking and smoke-testing of the
// execution engine on real hardware.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lk-infer/lkmoe/executor"
	"github.com/lk-infer/lkmoe/lkerr"
	"github.com/lk-infer/lkmoe/ops"
	"github.com/lk-infer/lkmoe/quant"
	"github.com/lk-infer/lkmoe/topology"
)

var (
	flagSysfsRoot  string
	flagThreads    int
	flagQlen       int
	flagRepeat     int
	flagSeed       int64
	flagHiddenSize int
	flagInterSize  int
	flagNumExperts int
	flagTopK       int
	flagTileSize   int
	flagQuant      string
)

func main() {
	root := &cobra.Command{
		Use:           "lkmoebench",
		Short:         "Benchmark the NUMA-aware quantized MoE execution engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&flagSysfsRoot, "sysfs-root", "/sys", "sysfs root to discover topology from")
	root.PersistentFlags().IntVar(&flagThreads, "threads", 0, "worker thread count (0 = LK_THREADS or numCPUs-2)")
	root.PersistentFlags().IntVar(&flagQlen, "qlen", 32, "number of tokens per forward call")
	root.PersistentFlags().IntVar(&flagRepeat, "repeat", 10, "number of forward calls to time")
	root.PersistentFlags().Int64Var(&flagSeed, "seed", 1, "PRNG seed for synthetic weights and inputs")
	root.PersistentFlags().IntVar(&flagHiddenSize, "hidden-size", 4096, "hidden size")
	root.PersistentFlags().IntVar(&flagInterSize, "inter-size", 11008, "MLP/MoE intermediate size")
	root.PersistentFlags().IntVar(&flagTileSize, "tile-size", 256, "column tile width S")
	root.PersistentFlags().StringVar(&flagQuant, "quant", "Int8", "weight quantization: F32, Int8, Int4, or NF4")

	moeCmd := &cobra.Command{
		Use:   "moe",
		Short: "Benchmark the MoE operator",
		RunE:  runMoE,
	}
	moeCmd.Flags().IntVar(&flagNumExperts, "num-experts", 8, "total expert count")
	moeCmd.Flags().IntVar(&flagTopK, "top-k", 2, "active experts per token")

	mlpCmd := &cobra.Command{
		Use:   "mlp",
		Short: "Benchmark the dense MLP operator",
		RunE:  runMLP,
	}

	linearCmd := &cobra.Command{
		Use:   "linear",
		Short: "Benchmark a single Linear projection",
		RunE:  runLinear,
	}

	root.AddCommand(moeCmd, mlpCmd, linearCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseQuantType(s string) (quant.Type, error) {
	switch s {
	case "F32":
		return quant.F32, nil
	case "Int8":
		return quant.Int8, nil
	case "Int4":
		return quant.Int4, nil
	case "NF4":
		return quant.NF4, nil
	default:
		return 0, lkerr.New(lkerr.ConfigurationError, "lkmoebench", "unknown --quant value "+s, nil)
	}
}

func buildTopology() (*topology.Topology, error) {
	topo, err := topology.Discover(flagSysfsRoot)
	if err == nil {
		return topo, nil
	}
	fmt.Fprintf(os.Stderr, "topology.Discover(%q) unavailable (%v); falling back to a single synthetic node\n", flagSysfsRoot, err)
	return syntheticSingleNodeTopology(), nil
}

// syntheticSingleNodeTopology lets the benchmark run on hosts without a
// NUMA-capable kernel or multi-node hardware, at the cost of exercising
// only one node's worth of the executor's node-aware paths.
func syntheticSingleNodeTopology() *topology.Topology {
	n := 4
	cpus := make([]topology.CPU, n)
	nodeCPUs := make([][]int, 1)
	for i := 0; i < n; i++ {
		cpus[i] = topology.CPU{CPUID: i, CoreID: i, NodeID: 0, PackageID: 0, SiblingRank: 0}
		nodeCPUs[0] = append(nodeCPUs[0], i)
	}
	return &topology.Topology{CPUs: cpus, NumNodes: 1, NodeCPUs: nodeCPUs}
}

func randomWeightSource(rng *rand.Rand, wType quant.Type, numExperts, rows, cols int) ops.WeightSource {
	data := make([][][]float32, numExperts)
	for e := 0; e < numExperts; e++ {
		data[e] = make([][]float32, rows)
		for r := 0; r < rows; r++ {
			row := make([]float32, cols)
			for i := range row {
				row[i] = rng.Float32()*2 - 1
			}
			data[e][r] = row
		}
	}
	return func(expert, outRow int) []byte {
		dst := make([]byte, quant.BytesFor(wType, cols))
		quant.FromFloat(wType, data[expert][outRow], dst, cols)
		return dst
	}
}

func randomInput(rng *rand.Rand, qtype quant.Type, qlen, width int) []byte {
	f := make([]float32, qlen*width)
	for i := range f {
		f[i] = rng.Float32()*2 - 1
	}
	dst := make([]byte, qlen*quant.BytesFor(qtype, width))
	stride := quant.BytesFor(qtype, width)
	for r := 0; r < qlen; r++ {
		quant.FromFloat(qtype, f[r*width:(r+1)*width], dst[r*stride:], width)
	}
	return dst
}

func timeRuns(label string, repeat int, fn func() error) error {
	var total time.Duration
	for i := 0; i < repeat; i++ {
		start := time.Now()
		if err := fn(); err != nil {
			return err
		}
		total += time.Since(start)
	}
	fmt.Printf("%s: %d runs, avg %v/run\n", label, repeat, total/time.Duration(repeat))
	return nil
}

func runLinear(cmd *cobra.Command, args []string) error {
	wType, err := parseQuantType(flagQuant)
	if err != nil {
		return err
	}
	topo, err := buildTopology()
	if err != nil {
		return err
	}
	pool, err := executor.New(topo, flagThreads)
	if err != nil {
		return err
	}
	defer pool.Close()

	rng := rand.New(rand.NewSource(flagSeed))
	weights := randomWeightSource(rng, wType, 1, flagHiddenSize, flagHiddenSize)
	lin, err := ops.NewLinear(topo, pool, quant.ReferenceGEMM{}, flagHiddenSize, flagHiddenSize, flagTileSize,
		quant.F32, wType, wType, quant.F32, func(_, outRow int) []byte { return weights(0, outRow) })
	if err != nil {
		return err
	}
	defer lin.Close()
	if err := lin.WarmUp(); err != nil {
		return err
	}

	input := randomInput(rng, quant.F32, flagQlen, flagHiddenSize)
	output := make([]byte, flagQlen*quant.BytesFor(quant.F32, flagHiddenSize))
	return timeRuns("linear", flagRepeat, func() error {
		return lin.Forward(flagQlen, input, output)
	})
}

func runMLP(cmd *cobra.Command, args []string) error {
	wType, err := parseQuantType(flagQuant)
	if err != nil {
		return err
	}
	topo, err := buildTopology()
	if err != nil {
		return err
	}
	pool, err := executor.New(topo, flagThreads)
	if err != nil {
		return err
	}
	defer pool.Close()

	rng := rand.New(rand.NewSource(flagSeed))
	gateW := randomWeightSource(rng, wType, 1, flagInterSize, flagHiddenSize)
	upW := randomWeightSource(rng, wType, 1, flagInterSize, flagHiddenSize)
	downW := randomWeightSource(rng, wType, 1, flagHiddenSize, flagInterSize)
	mlp, err := ops.NewMLP(topo, pool, quant.ReferenceGEMM{}, flagHiddenSize, flagInterSize, flagTileSize,
		quant.F32, wType, wType, wType, quant.F32,
		func(_, r int) []byte { return gateW(0, r) },
		func(_, r int) []byte { return upW(0, r) },
		func(_, r int) []byte { return downW(0, r) })
	if err != nil {
		return err
	}
	defer mlp.Close()
	if err := mlp.WarmUp(); err != nil {
		return err
	}

	input := randomInput(rng, quant.F32, flagQlen, flagHiddenSize)
	output := make([]byte, flagQlen*quant.BytesFor(quant.F32, flagHiddenSize))
	return timeRuns("mlp", flagRepeat, func() error {
		return mlp.Forward(flagQlen, input, output)
	})
}

func runMoE(cmd *cobra.Command, args []string) error {
	wType, err := parseQuantType(flagQuant)
	if err != nil {
		return err
	}
	if flagTopK > flagNumExperts {
		return lkerr.New(lkerr.ConfigurationError, "lkmoebench", "--top-k cannot exceed --num-experts", nil)
	}
	topo, err := buildTopology()
	if err != nil {
		return err
	}
	pool, err := executor.New(topo, flagThreads)
	if err != nil {
		return err
	}
	defer pool.Close()

	rng := rand.New(rand.NewSource(flagSeed))
	gateW := randomWeightSource(rng, wType, flagNumExperts, flagInterSize, flagHiddenSize)
	upW := randomWeightSource(rng, wType, flagNumExperts, flagInterSize, flagHiddenSize)
	downW := randomWeightSource(rng, wType, flagNumExperts, flagHiddenSize, flagInterSize)
	moe, err := ops.NewMoE(topo, pool, quant.ReferenceGEMM{}, flagNumExperts, flagHiddenSize, flagInterSize, flagTileSize,
		quant.F32, wType, wType, wType, quant.F32, gateW, upW, downW)
	if err != nil {
		return err
	}
	defer moe.Close()
	if err := moe.WarmUp(); err != nil {
		return err
	}

	input := randomInput(rng, quant.F32, flagQlen, flagHiddenSize)
	output := make([]byte, flagQlen*quant.BytesFor(quant.F32, flagHiddenSize))
	expertIDs := make([]int, flagQlen*flagTopK)
	weights := make([]float32, flagQlen*flagTopK)
	for t := 0; t < flagQlen; t++ {
		for j := 0; j < flagTopK; j++ {
			expertIDs[t*flagTopK+j] = rng.Intn(flagNumExperts)
			weights[t*flagTopK+j] = 1.0 / float32(flagTopK)
		}
	}

	return timeRuns(fmt.Sprintf("moe(E=%d,k=%d)", flagNumExperts, flagTopK), flagRepeat, func() error {
		return moe.Forward(flagQlen, flagTopK, expertIDs, weights, input, output)
	})
}
