// Copyright 2025 The lkmoe Authors. SPDX-License-Identifier: Apache-2.0

// Package topology discovers the CPU/core/package/NUMA-node layout of the
// host by reading a sysfs-like tree (normally rooted at /sys). The
// resulting Topology is an immutable record, produced once at startup.
package topology

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/lk-infer/lkmoe/lkerr"
)

// CPU describes one logical CPU as discovered from sysfs.
type CPU struct {
	CPUID       int // logical CPU id, e.g. the N in cpuN
	CoreID      int // dense global core id, collapses hyperthread siblings
	NodeID      int // NUMA node id
	PackageID   int // physical package id
	SiblingRank int // 0 for the first logical CPU of a core, 1 for the second, ...
}

// Topology is an immutable snapshot of the host's CPU/NUMA layout,
// produced once at process startup. Every CPUID appears in exactly one
// node's NodeCPUs list.
type Topology struct {
	CPUs     []CPU   // ordered by CPUID
	NumNodes int     // number of NUMA nodes
	NodeCPUs [][]int // NodeCPUs[n] = ascending CPUIDs assigned to node n

	numCores int // number of distinct (package,core) pairs
}

// NumCPUs returns the number of logical CPUs discovered.
func (t *Topology) NumCPUs() int { return len(t.CPUs) }

// NumCores returns the number of distinct physical cores (collapsing
// hyperthread siblings).
func (t *Topology) NumCores() int { return t.numCores }

// HasSMT reports whether the host has more logical CPUs than physical
// cores.
func (t *Topology) HasSMT() bool { return len(t.CPUs) > t.numCores }

// NodeOfCPU returns the NUMA node id owning cpuID, or -1 if unknown.
func (t *Topology) NodeOfCPU(cpuID int) int {
	for _, c := range t.CPUs {
		if c.CPUID == cpuID {
			return c.NodeID
		}
	}
	return -1
}

// String renders a short per-CPU diagnostic dump, used by callers that want
// to log the discovered layout at startup.
func (t *Topology) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "topology: %d cpus, %d cores, %d nodes (smt=%v)\n",
		len(t.CPUs), t.numCores, t.NumNodes, t.HasSMT())
	for _, c := range t.CPUs {
		fmt.Fprintf(&sb, "  cpu=%d core=%d node=%d package=%d sibling=%d\n",
			c.CPUID, c.CoreID, c.NodeID, c.PackageID, c.SiblingRank)
	}
	return sb.String()
}

const (
	sysCPUPath  = "devices/system/cpu"
	sysNodePath = "devices/system/node"
)

// Discover probes the host rooted at sysfsRoot (normally "/sys") and
// builds a Topology. A host without the NUMA facility yields an
// EnvUnavailable error; callers that cannot proceed without it should pass
// the error to lkerr.Fatal.
func Discover(sysfsRoot string) (*Topology, error) {
	onlineCPUs, err := readIDList(filepath.Join(sysfsRoot, sysCPUPath, "online"))
	if err != nil {
		return nil, lkerr.New(lkerr.EnvUnavailable, "topology.Discover", "cannot read online CPU list", err)
	}
	nodeIDs, err := readIDList(filepath.Join(sysfsRoot, sysNodePath, "online"))
	if err != nil || len(nodeIDs) == 0 {
		return nil, lkerr.New(lkerr.EnvUnavailable, "topology.Discover", "NUMA facility unavailable: cannot read online node list", err)
	}

	type rawCPU struct {
		cpuID     int
		packageID int
		coreID    int // raw (non-dense) core id as reported by the kernel
	}
	raw := make([]rawCPU, len(onlineCPUs))

	g, _ := errgroup.WithContext(context.Background())
	for i, cpuID := range onlineCPUs {
		i, cpuID := i, cpuID
		g.Go(func() error {
			base := filepath.Join(sysfsRoot, sysCPUPath, fmt.Sprintf("cpu%d", cpuID), "topology")
			pkg, err := readIntFile(filepath.Join(base, "physical_package_id"))
			if err != nil {
				return lkerr.New(lkerr.EnvUnavailable, "topology.Discover", fmt.Sprintf("cpu%d: physical_package_id", cpuID), err)
			}
			core, err := readIntFile(filepath.Join(base, "core_id"))
			if err != nil {
				return lkerr.New(lkerr.EnvUnavailable, "topology.Discover", fmt.Sprintf("cpu%d: core_id", cpuID), err)
			}
			raw[i] = rawCPU{cpuID: cpuID, packageID: pkg, coreID: core}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// node membership: read each node's cpulist.
	cpuNode := make(map[int]int, len(onlineCPUs))
	for _, n := range nodeIDs {
		cpus, err := readIDList(filepath.Join(sysfsRoot, sysNodePath, fmt.Sprintf("node%d", n), "cpulist"))
		if err != nil {
			return nil, lkerr.New(lkerr.EnvUnavailable, "topology.Discover", fmt.Sprintf("node%d: cpulist", n), err)
		}
		for _, c := range cpus {
			cpuNode[c] = n
		}
	}

	// Discovery order is ascending CPUID, matching the order onlineCPUs was
	// read in (readIDList returns ascending order by construction).
	uniqueCores := map[[2]int]int{} // (packageID, rawCoreID) -> dense core id
	siblingCount := map[[2]int]int{}
	cpus := make([]CPU, len(raw))
	for i, r := range raw {
		key := [2]int{r.packageID, r.coreID}
		dense, ok := uniqueCores[key]
		if !ok {
			dense = len(uniqueCores)
			uniqueCores[key] = dense
		}
		rank := siblingCount[key]
		siblingCount[key] = rank + 1

		node, ok := cpuNode[r.cpuID]
		if !ok {
			return nil, lkerr.New(lkerr.EnvUnavailable, "topology.Discover", fmt.Sprintf("cpu%d: no owning NUMA node", r.cpuID), nil)
		}
		cpus[i] = CPU{
			CPUID:       r.cpuID,
			CoreID:      dense,
			NodeID:      node,
			PackageID:   r.packageID,
			SiblingRank: rank,
		}
	}

	nodeCPUs := make([][]int, len(nodeIDs))
	for i, n := range nodeIDs {
		var list []int
		for _, c := range cpus {
			if c.NodeID == n {
				list = append(list, c.CPUID)
			}
		}
		sort.Ints(list)
		nodeCPUs[i] = list
	}

	return &Topology{
		CPUs:     cpus,
		NumNodes: len(nodeIDs),
		NodeCPUs: nodeCPUs,
		numCores: len(uniqueCores),
	}, nil
}

func readIntFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}

// readIDList parses a kernel cpulist/nodelist-style file: comma separated
// ids and inclusive ranges, e.g. "0-3,8,10-11".
func readIDList(path string) ([]int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseIDList(strings.TrimSpace(string(b)))
}

func parseIDList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if dash := strings.IndexByte(part, '-'); dash >= 0 {
			lo, err := strconv.Atoi(part[:dash])
			if err != nil {
				return nil, err
			}
			hi, err := strconv.Atoi(part[dash+1:])
			if err != nil {
				return nil, err
			}
			for i := lo; i <= hi; i++ {
				out = append(out, i)
			}
		} else {
			v, err := strconv.Atoi(part)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out, nil
}
