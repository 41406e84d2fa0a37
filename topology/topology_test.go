// Copyright 2025 The lkmoe Authors. SPDX-License-Identifier: Apache-2.0

package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// writeSysfs builds a synthetic sysfs tree for a 2-node, 2-core-per-node,
// 2-threads-per-core machine (8 logical CPUs total).
func writeSysfs(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	write := func(rel, content string) {
		p := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	write("devices/system/cpu/online", "0-7")
	write("devices/system/node/online", "0-1")
	write("devices/system/node/node0/cpulist", "0-3")
	write("devices/system/node/node1/cpulist", "4-7")

	// 2 packages x 2 raw cores x 2 threads = 8 cpus, split across 2 nodes.
	// cpu -> (package, raw core)
	layout := map[int][2]int{
		0: {0, 0}, 1: {0, 1}, 2: {0, 0}, 3: {0, 1}, // node0, package0
		4: {1, 0}, 5: {1, 1}, 6: {1, 0}, 7: {1, 1}, // node1, package1
	}
	for cpu, pc := range layout {
		base := fmt.Sprintf("devices/system/cpu/cpu%d/topology", cpu)
		write(filepath.Join(base, "physical_package_id"), fmt.Sprintf("%d\n", pc[0]))
		write(filepath.Join(base, "core_id"), fmt.Sprintf("%d\n", pc[1]))
	}
	return root
}

func TestDiscover(t *testing.T) {
	root := writeSysfs(t)
	topo, err := Discover(root)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	if topo.NumCPUs() != 8 {
		t.Fatalf("NumCPUs = %d, want 8", topo.NumCPUs())
	}
	if topo.NumNodes != 2 {
		t.Fatalf("NumNodes = %d, want 2", topo.NumNodes)
	}
	// 2 packages x 2 raw cores = 4 distinct (package, raw core) pairs.
	if topo.NumCores() != 4 {
		t.Fatalf("NumCores = %d, want 4", topo.NumCores())
	}
	if !topo.HasSMT() {
		t.Fatalf("HasSMT = false, want true (8 cpus > 4 cores)")
	}

	// Every cpu_id appears in exactly one node.
	seen := map[int]bool{}
	for _, cpus := range topo.NodeCPUs {
		for _, c := range cpus {
			if seen[c] {
				t.Fatalf("cpu %d assigned to more than one node", c)
			}
			seen[c] = true
		}
	}
	if len(seen) != 8 {
		t.Fatalf("expected all 8 cpus assigned to a node, got %d", len(seen))
	}

	// node_id == numa_node_of_cpu(cpu_id) invariant.
	for _, cpu := range topo.CPUs {
		if got := topo.NodeOfCPU(cpu.CPUID); got != cpu.NodeID {
			t.Fatalf("NodeOfCPU(%d) = %d, want %d", cpu.CPUID, got, cpu.NodeID)
		}
	}

	// Sibling ranks: cpu0 and cpu2 share (package0, core0) -> ranks 0,1.
	byID := map[int]CPU{}
	for _, c := range topo.CPUs {
		byID[c.CPUID] = c
	}
	if byID[0].CoreID != byID[2].CoreID {
		t.Fatalf("cpu0 and cpu2 should share a dense core id")
	}
	if byID[0].SiblingRank != 0 || byID[2].SiblingRank != 1 {
		t.Fatalf("sibling ranks = %d,%d want 0,1", byID[0].SiblingRank, byID[2].SiblingRank)
	}
}

func TestDiscoverMissingNuma(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "devices/system/cpu"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "devices/system/cpu/online"), []byte("0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Discover(root); err == nil {
		t.Fatalf("expected error when NUMA node list is missing")
	}
}

func TestParseIDList(t *testing.T) {
	cases := map[string][]int{
		"":          nil,
		"0":         {0},
		"0-3":       {0, 1, 2, 3},
		"0,2,4-6":   {0, 2, 4, 5, 6},
		"3-3":       {3},
		"0-1,4,6-7": {0, 1, 4, 6, 7},
	}
	for in, want := range cases {
		got, err := parseIDList(in)
		if err != nil {
			t.Fatalf("parseIDList(%q): %v", in, err)
		}
		if len(got) != len(want) {
			t.Fatalf("parseIDList(%q) = %v, want %v", in, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("parseIDList(%q) = %v, want %v", in, got, want)
			}
		}
	}
}
