// Copyright 2025 The lkmoe Authors. SPDX-License-Identifier: Apache-2.0

// Package blockplan implements the replicated, block-sharded weight
// layout: a tensor of shape (E, M, K) is tiled into column blocks of
// width S, the tiles are distributed across NUMA nodes, and each node
// gets one contiguous NUMA-local buffer holding its tiles in (expert,
// local tile) row-major order. The task-id to (node, expert, tile)
// mapping is a pure function of the geometry, so a compute function
// driven by executor.DoKWorkStealingJob can recover which node's buffer
// it owns without being told explicitly.
package blockplan

import (
	"github.com/lk-infer/lkmoe/lkerr"
	"github.com/lk-infer/lkmoe/numamem"
	"github.com/lk-infer/lkmoe/quant"
	"github.com/lk-infer/lkmoe/topology"
)

// NodeTiles is one node's contiguous slice of the nth column tiles.
type NodeTiles struct {
	Start int
	Count int
}

// Geometry is the node/tile distribution for one (M, S) shape, independent
// of E, K, or quantization — the same Geometry is reused across gate, up,
// and down weight tensors for one operator since they share M/S/N.
type Geometry struct {
	Nth   int
	Nodes []NodeTiles
}

// BuildGeometry derives nth = M/S and distributes the tiles across topo's
// nodes as evenly as possible (base+1 for the first nth-mod-N nodes).
func BuildGeometry(topo *topology.Topology, m, s int) (Geometry, error) {
	if s <= 0 || m%s != 0 {
		return Geometry{}, lkerr.New(lkerr.ConfigurationError, "blockplan.BuildGeometry", "tile size S must evenly divide M", nil)
	}
	nth := m / s
	n := topo.NumNodes
	base := nth / n
	remain := nth % n

	nodes := make([]NodeTiles, n)
	start := 0
	for i := 0; i < n; i++ {
		count := base
		if i < remain {
			count++
		}
		nodes[i] = NodeTiles{Start: start, Count: count}
		start += count
	}
	return Geometry{Nth: nth, Nodes: nodes}, nil
}

// Decode maps a task id from a DoKWorkStealingJob(repeat, nth, ...)
// dispatch back to (node, expert, localTile, globalTile). repeat is
// whatever count the job was dispatched with: E for a full gate/up/down
// pass, or k for MoE's per-token active-expert count.
func (g Geometry) Decode(taskID, repeat int) (node, expert, localTile, globalTile int) {
	for n, nt := range g.Nodes {
		if nt.Count == 0 {
			continue
		}
		lo := nt.Start * repeat
		hi := lo + repeat*nt.Count
		if taskID >= lo && taskID < hi {
			x := taskID - lo
			return n, x / nt.Count, x % nt.Count, nt.Start + x%nt.Count
		}
	}
	lkerr.Assert(false, "blockplan.Geometry.Decode", "task id out of range for this geometry")
	return 0, 0, 0, 0
}

// Offset returns the byte offset of (expert, localTile) within node's
// replicated buffer, given bytesPerTile.
func (g Geometry) Offset(node, expert, localTile, bytesPerTile int) int {
	count := g.Nodes[node].Count
	return (expert*count + localTile) * bytesPerTile
}

// Plan is a fully materialized, node-replicated weight layout for one
// tensor of shape (E, M, K) tiled at width S.
type Plan struct {
	Geometry     Geometry
	E, K, S      int
	BytesPerTile int
	Qtype        quant.Type

	buffers []*numamem.Block // one per node; buffers[n].Data holds node n's tiles
}

// TileSource supplies the raw quantized bytes for expert e's tile at global
// column-tile index g (a contiguous S*K-element, BytesPerTile-byte block in
// the tensor's quantization format).
type TileSource func(expert, globalTile int) []byte

// Build constructs a Plan: for each node it allocates one NUMA-local
// buffer sized E*count(n)*bytesPerTile and copies in that node's tiles
// from src, in (expert, local tile) row-major order.
func Build(topo *topology.Topology, e, m, k, s int, qtype quant.Type, src TileSource) (*Plan, error) {
	geo, err := BuildGeometry(topo, m, s)
	if err != nil {
		return nil, err
	}
	typeSize, blockSize := quant.TypeSize(qtype), quant.BlockSize(qtype)
	if (s*k)%blockSize != 0 {
		return nil, lkerr.New(lkerr.ConfigurationError, "blockplan.Build", "S*K must be a whole number of quantization blocks", nil)
	}
	bytesPerTile := s * k * typeSize / blockSize

	buffers := make([]*numamem.Block, len(geo.Nodes))
	for n, nt := range geo.Nodes {
		size := e * nt.Count * bytesPerTile
		blk, err := numamem.AllocateNUMA(size, n)
		if err != nil {
			freeAll(buffers[:n])
			return nil, err
		}
		buffers[n] = blk

		for expert := 0; expert < e; expert++ {
			for j := 0; j < nt.Count; j++ {
				g := nt.Start + j
				tile := src(expert, g)
				off := geo.Offset(n, expert, j, bytesPerTile)
				copy(blk.Data[off:off+bytesPerTile], tile)
			}
		}
	}

	return &Plan{
		Geometry:     geo,
		E:            e,
		K:            k,
		S:            s,
		BytesPerTile: bytesPerTile,
		Qtype:        qtype,
		buffers:      buffers,
	}, nil
}

// NodeBuffer returns node's full replicated buffer.
func (p *Plan) NodeBuffer(node int) []byte { return p.buffers[node].Data }

// Tile returns the bytes for (expert, localTile) within node's buffer.
func (p *Plan) Tile(node, expert, localTile int) []byte {
	off := p.Geometry.Offset(node, expert, localTile, p.BytesPerTile)
	return p.buffers[node].Data[off : off+p.BytesPerTile]
}

// Close releases every node's buffer. A Plan's buffers live from Build to
// Close with no mutation in between.
func (p *Plan) Close() error {
	return freeAll(p.buffers)
}

func freeAll(blocks []*numamem.Block) error {
	var firstErr error
	for _, b := range blocks {
		if b == nil {
			continue
		}
		if err := numamem.FreeNUMA(b); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
