// Copyright 2025 The lkmoe Authors. SPDX-License-Identifier: Apache-2.0

package blockplan

import (
	"testing"

	"github.com/lk-infer/lkmoe/quant"
	"github.com/lk-infer/lkmoe/topology"
)

func syntheticTopology(numNodes int) *topology.Topology {
	return &topology.Topology{NumNodes: numNodes}
}

func TestBuildGeometryRejectsNonDividingTileSize(t *testing.T) {
	if _, err := BuildGeometry(syntheticTopology(2), 10, 3); err == nil {
		t.Fatal("expected error when S does not divide M")
	}
}

func TestBuildGeometryDistributesTilesEvenly(t *testing.T) {
	geo, err := BuildGeometry(syntheticTopology(3), 80, 8) // nth=10, 3 nodes
	if err != nil {
		t.Fatal(err)
	}
	if geo.Nth != 10 {
		t.Fatalf("Nth = %d, want 10", geo.Nth)
	}
	total := 0
	for _, nt := range geo.Nodes {
		total += nt.Count
	}
	if total != geo.Nth {
		t.Fatalf("tile counts sum to %d, want %d", total, geo.Nth)
	}
	// 10 tiles / 3 nodes = base 3, remain 1: node 0 gets 4, nodes 1-2 get 3.
	if geo.Nodes[0].Count != 4 || geo.Nodes[1].Count != 3 || geo.Nodes[2].Count != 3 {
		t.Fatalf("unexpected distribution: %+v", geo.Nodes)
	}
}

// TestDecodeIsBijectiveOverTaskSpace decodes every task id in [0, E*nth)
// and checks each yields a distinct (node, expert, globalTile) triple,
// with every globalTile in [0, nth) covered for every expert.
func TestDecodeIsBijectiveOverTaskSpace(t *testing.T) {
	geo, err := BuildGeometry(syntheticTopology(3), 80, 8)
	if err != nil {
		t.Fatal(err)
	}
	const e = 5
	seen := make(map[[2]int]bool)
	for node, nt := range geo.Nodes {
		lo := nt.Start * e
		hi := lo + e*nt.Count
		for taskID := lo; taskID < hi; taskID++ {
			gotNode, expert, _, globalTile := geo.Decode(taskID, e)
			if gotNode != node {
				t.Fatalf("Decode(%d, %d) node = %d, want %d", taskID, e, gotNode, node)
			}
			key := [2]int{expert, globalTile}
			if seen[key] {
				t.Fatalf("(expert=%d, globalTile=%d) visited twice", expert, globalTile)
			}
			seen[key] = true
		}
	}
	if len(seen) != e*geo.Nth {
		t.Fatalf("covered %d (expert,tile) pairs, want %d", len(seen), e*geo.Nth)
	}
}

func TestBuildReplicatesTilesIntoNodeLocalBuffers(t *testing.T) {
	topo := syntheticTopology(2)
	const e, m, k, s = 2, 16, 4, 8 // nth=2
	qtype := quant.F32
	bytesPerTile := s * k * quant.TypeSize(qtype) / quant.BlockSize(qtype)

	src := func(expert, globalTile int) []byte {
		buf := make([]byte, bytesPerTile)
		for i := range buf {
			buf[i] = byte(expert*100 + globalTile*10 + i%7)
		}
		return buf
	}

	plan, err := Build(topo, e, m, k, s, qtype, src)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer plan.Close()

	for expert := 0; expert < e; expert++ {
		for g := 0; g < plan.Geometry.Nth; g++ {
			// find owning node
			node := -1
			for n, nt := range plan.Geometry.Nodes {
				if g >= nt.Start && g < nt.Start+nt.Count {
					node = n
					break
				}
			}
			if node < 0 {
				t.Fatalf("tile %d not owned by any node", g)
			}
			local := g - plan.Geometry.Nodes[node].Start
			got := plan.Tile(node, expert, local)
			want := src(expert, g)
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("tile(expert=%d, global=%d) byte %d = %d, want %d", expert, g, i, got[i], want[i])
				}
			}
		}
	}
}

func TestBuildRejectsUnalignedTileByteSize(t *testing.T) {
	topo := syntheticTopology(1)
	// Int8 has BlockSize=32; S*K=3*1=3 is not a multiple of 32.
	if _, err := Build(topo, 1, 3, 1, 3, quant.Int8, func(int, int) []byte { return nil }); err == nil {
		t.Fatal("expected error for S*K not a multiple of the quantization block size")
	}
}
