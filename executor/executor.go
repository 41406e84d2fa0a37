// Copyright 2025 The lkmoe Authors. SPDX-License-Identifier: Apache-2.0

// Package executor implements a NUMA-aware fixed worker pool: one
// hard-pinned OS thread per chosen CPU, fork-join job dispatch via a
// per-worker status flag, and intra-node work stealing. A channel-based
// pool cannot express hard affinity, per-node memory binding, or the
// busy-wait/sleep idle hysteresis the engine relies on, so workers
// rendezvous on atomic status words instead of channels.
package executor

import (
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lk-infer/lkmoe/lkerr"
	"github.com/lk-infer/lkmoe/numamem"
	"github.com/lk-infer/lkmoe/topology"
)

// status values for ThreadState.status.
const (
	statusWaiting int32 = iota
	statusWorking
	statusExit
)

// BusyWindow and SleepInterval control the idle hysteresis: a worker
// busy-waits for BusyWindow after going idle, then sleeps SleepInterval
// repeatedly until the next job. Tunable, but the defaults are part of the
// engine's latency contract for interactive inference.
var (
	BusyWindow    = 50 * time.Millisecond
	SleepInterval = 1 * time.Millisecond
)

const cacheLine = 64

// ThreadState is one worker's shared status block. Each field is padded to
// its own cache line to avoid false sharing between a worker writing its
// own status/curr and a stealing peer or the host reading them.
type ThreadState struct {
	status   atomic.Int32
	_        [cacheLine - 4]byte
	curr     atomic.Int32
	_        [cacheLine - 4]byte
	end      int32 // plain, written only by the submitter before status=Working
	_        [cacheLine - 4]byte
	idleFrom int64 // unix nanos; owned by the worker only
	_        [cacheLine - 8]byte
}

// Job is a host-submitted fork-join unit. It is passed by reference for
// the duration of one fork-join call only, never held across jobs.
type Job struct {
	InitFn     func(threadID int)
	ComputeFn  func(taskID int)
	FinalizeFn func(threadID int)
}

// Pool is a fixed-size worker pool whose workers are pinned for life.
type Pool struct {
	topo *topology.Topology

	threadCPU  []int // threadCPU[tid] = cpu id
	threadNode []int // threadNode[tid] = node id
	nodeThread [][]int // nodeThread[node] = ascending thread ids on that node

	states []ThreadState

	job       *Job // valid only while a job is in flight; read-only by workers
	closeOnce atomic.Bool
	wg        sync.WaitGroup
}

// ThreadCountFromEnv resolves the desired worker count: LK_THREADS if set
// to a valid non-negative decimal integer, otherwise numCPUs-2.
func ThreadCountFromEnv(numCPUs int) int {
	def := numCPUs - 2
	if def < 0 {
		def = 0
	}
	v, ok := os.LookupEnv("LK_THREADS")
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// New constructs a Pool over topo. A desired count <= 0 means "use the
// default": the LK_THREADS environment value when valid, numCPUs-2
// otherwise. The resolved count is clamped to [numNodes, numCPUs-2] when
// that interval is non-empty, and never exceeds numCPUs. Every worker is
// spawned before New returns and pins itself to its CPU as its first action,
// without New waiting for that; every ThreadState record is fully
// initialized before any worker is spawned.
func New(topo *topology.Topology, desired int) (*Pool, error) {
	numCPUs := topo.NumCPUs()
	if numCPUs == 0 {
		return nil, lkerr.New(lkerr.ConfigurationError, "executor.New", "topology has no CPUs", nil)
	}
	t := desired
	if t <= 0 {
		t = ThreadCountFromEnv(numCPUs)
	}
	if max := numCPUs - 2; t > max && max >= topo.NumNodes {
		t = max
	}
	if t < topo.NumNodes {
		t = topo.NumNodes
	}
	if t > numCPUs {
		t = numCPUs
	}

	threadCPU, threadNodeOf, nodeThread := assignWorkers(topo, t)

	p := &Pool{
		topo:       topo,
		threadCPU:  threadCPU,
		threadNode: threadNodeOf,
		nodeThread: nodeThread,
		states:     make([]ThreadState, t),
	}
	p.wg.Add(t)

	// All ThreadState entries are already zero-valued (status=Waiting,
	// curr=0, end=0) when the slice is allocated, so spawned workers never
	// observe a partially built record.
	for tid := range p.states {
		tid := tid
		go p.workerMain(tid)
	}

	return p, nil
}

// assignWorkers distributes t worker slots across nodes as evenly as
// possible (base+1 for the first t mod N nodes), taking CPUs in ascending
// cpu id order within each node.
func assignWorkers(topo *topology.Topology, t int) (threadCPU, threadNode []int, nodeThread [][]int) {
	n := topo.NumNodes
	base := t / n
	remain := t % n
	threadCPU = make([]int, 0, t)
	threadNode = make([]int, 0, t)
	nodeThread = make([][]int, n)

	tid := 0
	for node := 0; node < n; node++ {
		want := base
		if node < remain {
			want++
		}
		cpus := topo.NodeCPUs[node]
		if want > len(cpus) {
			want = len(cpus)
		}
		for i := 0; i < want; i++ {
			threadCPU = append(threadCPU, cpus[i])
			threadNode = append(threadNode, node)
			nodeThread[node] = append(nodeThread[node], tid)
			tid++
		}
	}
	return threadCPU, threadNode, nodeThread
}

// NumWorkers returns the number of worker threads in the pool.
func (p *Pool) NumWorkers() int { return len(p.states) }

func (p *Pool) workerMain(tid int) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cpu := p.threadCPU[tid]
	node := p.threadNode[tid]

	var cpuSet unix.CPUSet
	cpuSet.Zero()
	cpuSet.Set(cpu)
	if err := unix.SchedSetaffinity(0, &cpuSet); err != nil {
		lkerr.Fatal(lkerr.New(lkerr.EnvUnavailable, "executor.workerMain", "sched_setaffinity failed", err))
	}
	if err := numamem.BindCurrentThreadToNode(node); err != nil {
		lkerr.Fatal(lkerr.New(lkerr.EnvUnavailable, "executor.workerMain", "set_mempolicy failed", err))
	}

	ts := &p.states[tid]
	ts.idleFrom = time.Now().UnixNano()

	for {
		switch ts.status.Load() {
		case statusWorking:
			p.runTaskLoop(tid)
			ts.status.Store(statusWaiting)
			ts.idleFrom = time.Now().UnixNano()
		case statusExit:
			p.wg.Done()
			return
		default: // statusWaiting
			idleFor := time.Duration(time.Now().UnixNano()-ts.idleFrom) * time.Nanosecond
			if idleFor > BusyWindow {
				time.Sleep(SleepInterval)
			} else {
				runtime.Gosched()
			}
		}
	}
}

// runTaskLoop drains the worker's own task slice, then steals from peers
// on the same node. Stealing never crosses a node boundary: a stolen task
// would otherwise read weight shards resident on the victim's node.
func (p *Pool) runTaskLoop(tid int) {
	job := p.job
	node := p.threadNode[tid]

	if job.InitFn != nil {
		job.InitFn(tid)
	}

	drain(&p.states[tid], job.ComputeFn)

	for _, peer := range p.nodeThread[node] {
		if peer == tid {
			continue
		}
		peerState := &p.states[peer]
		for peerState.status.Load() == statusWorking {
			v := peerState.curr.Add(1) - 1
			if v >= peerState.end {
				break
			}
			job.ComputeFn(int(v))
		}
	}

	if job.FinalizeFn != nil {
		job.FinalizeFn(tid)
	}
}

func drain(ts *ThreadState, compute func(int)) {
	for {
		v := ts.curr.Add(1) - 1
		if v >= ts.end {
			return
		}
		compute(int(v))
	}
}

// taskRange is a contiguous [Start, Start+Count) task id range.
type taskRange struct{ Start, Count int }

// partitionEven splits total items into parts contiguous ranges as evenly
// as possible: the first (total mod parts) ranges get one extra item.
func partitionEven(total, parts int) []taskRange {
	if parts <= 0 {
		return nil
	}
	base := total / parts
	remain := total % parts
	ranges := make([]taskRange, parts)
	start := 0
	for i := 0; i < parts; i++ {
		count := base
		if i < remain {
			count++
		}
		ranges[i] = taskRange{Start: start, Count: count}
		start += count
	}
	return ranges
}

// DoWork dispatches n independent tasks split as evenly as possible across
// all workers, ignoring node boundaries. It blocks until every dispatched
// worker has returned to waiting.
func (p *Pool) DoWork(n int, init func(int), compute func(int), finalize func(int)) {
	lkerr.Assert(p.job == nil, "executor.DoWork", "overlapping job submission")
	if n <= 0 {
		return
	}
	ranges := partitionEven(n, len(p.states))
	p.dispatch(&Job{InitFn: init, ComputeFn: compute, FinalizeFn: finalize}, ranges)
}

// DoKWorkStealingJob dispatches a k*nth logical task space: nth tiles are
// first partitioned across NUMA nodes, then each node's k*count(n) tasks
// are partitioned across that node's workers. Task ids for node n occupy
// the contiguous range [start(n)*k, start(n)*k + k*count(n)), matching
// blockplan's task-id decode, so stealing within a node stays within that
// node's range.
func (p *Pool) DoKWorkStealingJob(k, nth int, init func(int), compute func(int), finalize func(int)) {
	lkerr.Assert(p.job == nil, "executor.DoKWorkStealingJob", "overlapping job submission")
	if k <= 0 || nth <= 0 {
		return
	}

	numNodes := len(p.nodeThread)
	nodeTiles := partitionEven(nth, numNodes)

	ranges := make([]taskRange, len(p.states))
	for node, tiles := range nodeTiles {
		threads := p.nodeThread[node]
		if len(threads) == 0 || tiles.Count == 0 {
			continue
		}
		total := k * tiles.Count
		base := tiles.Start * k
		sub := partitionEven(total, len(threads))
		for i, tid := range threads {
			ranges[tid] = taskRange{Start: base + sub[i].Start, Count: sub[i].Count}
		}
	}
	p.dispatch(&Job{InitFn: init, ComputeFn: compute, FinalizeFn: finalize}, ranges)
}

// dispatch sets curr/end for each active worker, flips status to working,
// then spins until every active worker returns to waiting. curr/end are
// written before the status store so a worker's load of status orders its
// reads of curr/end after them.
func (p *Pool) dispatch(job *Job, ranges []taskRange) {
	lkerr.Assert(!p.closeOnce.Load(), "executor.dispatch", "job submitted after shutdown")
	p.job = job

	active := make([]int, 0, len(ranges))
	for tid, r := range ranges {
		if r.Count <= 0 {
			continue
		}
		ts := &p.states[tid]
		ts.curr.Store(int32(r.Start))
		ts.end = int32(r.Start + r.Count)
		active = append(active, tid)
	}
	for _, tid := range active {
		p.states[tid].status.Store(statusWorking)
	}

	for _, tid := range active {
		for p.states[tid].status.Load() != statusWaiting {
			runtime.Gosched()
		}
	}

	p.job = nil
}

// Close stops every worker (stores EXIT and waits for exit) and releases
// the pool. No job may be in flight.
func (p *Pool) Close() {
	if !p.closeOnce.CompareAndSwap(false, true) {
		return
	}
	lkerr.Assert(p.job == nil, "executor.Close", "job in flight during shutdown")
	for i := range p.states {
		p.states[i].status.Store(statusExit)
	}
	p.wg.Wait()
}
